package resolve

import (
	"os"
	"path/filepath"
	"testing"
)

func mustWriteFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
}

func TestResolveServesIndexHTML(t *testing.T) {
	cwd := t.TempDir()
	mustWriteFile(t, filepath.Join(cwd, "index.html"), "hello", 0644)

	res, herr := Resolve(Options{Cwd: cwd, IndexNames: []string{"index.html"}, IndexingEnabled: true}, ".", "")
	if herr != nil {
		t.Fatalf("unexpected error: %v", herr)
	}
	if res.IsDir {
		t.Fatal("expected index.html to be selected, got directory result")
	}
	if res.RealFilename != "index.html" {
		t.Fatalf("realfilename = %q", res.RealFilename)
	}
}

func TestResolveRejectsEscapeAboveCwd(t *testing.T) {
	cwd := t.TempDir()
	parent := filepath.Dir(cwd)
	target := filepath.Join(parent, "secret.txt")
	mustWriteFile(t, target, "nope", 0644)
	rel, err := filepath.Rel(cwd, target)
	if err != nil {
		t.Fatal(err)
	}

	_, herr := Resolve(Options{Cwd: cwd}, rel, "")
	if herr == nil || herr.Kind.Status() != 403 {
		t.Fatalf("expected 403 escape rejection, got %v", herr)
	}
}

func TestResolveForbidsNotWorldReadable(t *testing.T) {
	cwd := t.TempDir()
	mustWriteFile(t, filepath.Join(cwd, "private"), "secret", 0700)

	_, herr := Resolve(Options{Cwd: cwd}, "private", "")
	if herr == nil || herr.Kind.Status() != 403 {
		t.Fatalf("expected 403 for non-world-readable file, got %v", herr)
	}
}

func TestResolveForbidsHiddenSegment(t *testing.T) {
	cwd := t.TempDir()
	if err := os.Mkdir(filepath.Join(cwd, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	mustWriteFile(t, filepath.Join(cwd, ".git", "config"), "x", 0644)

	_, herr := Resolve(Options{Cwd: cwd, ForbidHidden: true}, ".git/config", "")
	if herr == nil || herr.Kind.Status() != 403 {
		t.Fatalf("expected 403 for hidden resource, got %v", herr)
	}
}

func TestResolveDirectoryNeedsTrailingSlashRedirect(t *testing.T) {
	cwd := t.TempDir()
	if err := os.Mkdir(filepath.Join(cwd, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	res, herr := Resolve(Options{Cwd: cwd, IndexingEnabled: true}, "sub", "q=1")
	if herr != nil {
		t.Fatalf("unexpected error: %v", herr)
	}
	if !res.NeedsTrailingSlashRedirect || res.RedirectQuery != "q=1" {
		t.Fatalf("expected redirect with preserved query, got %+v", res)
	}
}

func TestResolveNotFound(t *testing.T) {
	cwd := t.TempDir()
	_, herr := Resolve(Options{Cwd: cwd}, "nope.txt", "")
	if herr == nil || herr.Kind.Status() != 404 {
		t.Fatalf("expected 404, got %v", herr)
	}
}

func TestResolveVHostPrefersHostSubdir(t *testing.T) {
	cwd := t.TempDir()
	hostDir := filepath.Join(cwd, "example.com")
	if err := os.Mkdir(hostDir, 0755); err != nil {
		t.Fatal(err)
	}
	mustWriteFile(t, filepath.Join(hostDir, "page.html"), "hi", 0644)

	res, herr := Resolve(Options{Cwd: cwd, VHostEnabled: true, HdrHost: "example.com:8080"}, "page.html", "")
	if herr != nil {
		t.Fatalf("unexpected error: %v", herr)
	}
	if res.HostDir != "example.com" {
		t.Fatalf("hostdir = %q, want example.com", res.HostDir)
	}
}
