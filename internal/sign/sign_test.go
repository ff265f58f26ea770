package sign

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type stubEngine struct{ sig []byte }

func (s stubEngine) Sign(ctx context.Context, r io.Reader) ([]byte, error) {
	io.Copy(io.Discard, r)
	return s.sig, nil
}

func TestRandomBoundaryUsesRestrictedAlphabet(t *testing.T) {
	b, err := RandomBoundary()
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != BoundaryLen {
		t.Fatalf("len = %d, want %d", len(b), BoundaryLen)
	}
	for _, c := range b {
		if !strings.ContainsRune(boundaryAlphabet, c) {
			t.Fatalf("boundary contains disallowed char %q", c)
		}
	}
}

func TestParseResponseHeadersClassifiesContentVsOther(t *testing.T) {
	raw := "HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\nX-Custom: 1\r\n\r\nBODY"
	ph, rest, err := ParseResponseHeaders(bufio.NewReader(strings.NewReader(raw)), false)
	if err != nil {
		t.Fatal(err)
	}
	if ph.Status != 200 || ph.Title != "OK" {
		t.Fatalf("status/title = %d/%q", ph.Status, ph.Title)
	}
	if len(ph.ContentHeaders) != 1 || ph.ContentHeaders[0] != "Content-Type: text/plain" {
		t.Fatalf("content headers = %v", ph.ContentHeaders)
	}
	if len(ph.OtherHeaders) != 1 || ph.OtherHeaders[0] != "X-Custom: 1" {
		t.Fatalf("other headers = %v", ph.OtherHeaders)
	}
	body, _ := io.ReadAll(rest)
	if string(body) != "BODY" {
		t.Fatalf("body = %q", body)
	}
}

func TestParseResponseHeadersSynthesizesStatusInCGIMode(t *testing.T) {
	raw := "Content-Type: text/html\r\n\r\n<html></html>"
	ph, _, err := ParseResponseHeaders(bufio.NewReader(strings.NewReader(raw)), true)
	if err != nil {
		t.Fatal(err)
	}
	if ph.Status != 200 {
		t.Fatalf("expected synthesized 200, got %d", ph.Status)
	}
}

func TestParseResponseHeadersLocationImpliesRedirect(t *testing.T) {
	raw := "Location: /elsewhere\r\n\r\n"
	ph, _, err := ParseResponseHeaders(bufio.NewReader(strings.NewReader(raw)), true)
	if err != nil {
		t.Fatal(err)
	}
	if ph.Status != 302 {
		t.Fatalf("expected 302 from bare Location header, got %d", ph.Status)
	}
}

func TestShouldSignSkipsAlreadySignedCGIOutput(t *testing.T) {
	headers := []string{"Content-Type: multipart/msigned; boundary=X"}
	if ShouldSign(ModeCGI, true, headers) {
		t.Fatal("should not re-sign a CGI response that already declares multipart/msigned")
	}
}

func TestShouldSignRequiresRequest(t *testing.T) {
	if ShouldSign(ModeStatic, false, nil) {
		t.Fatal("should not sign when not requested")
	}
	if !ShouldSign(ModeStatic, true, nil) {
		t.Fatal("should sign static responses when requested")
	}
}

func TestPipeRunUnsignedPassesThroughVerbatim(t *testing.T) {
	src := strings.NewReader("HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\n\r\nhello")
	var dst bytes.Buffer
	p := &Pipe{Mode: ModeStatic, DetachRequested: false}
	if err := p.Run(context.Background(), src, &dst); err != nil {
		t.Fatal(err)
	}
	out := dst.String()
	if !strings.Contains(out, "hello") || strings.Contains(out, "multipart/msigned") {
		t.Fatalf("unexpected signed framing in unsigned path: %q", out)
	}
}

func TestPipeRunSignedProducesMultipartEnvelope(t *testing.T) {
	src := strings.NewReader("HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\n\r\nhello")
	var dst bytes.Buffer
	p := &Pipe{Mode: ModeStatic, DetachRequested: true, Engine: stubEngine{sig: []byte("SIGDATA")}}
	if err := p.Run(context.Background(), src, &dst); err != nil {
		t.Fatal(err)
	}
	out := dst.String()
	if !strings.Contains(out, "multipart/msigned") {
		t.Fatalf("expected multipart/msigned envelope, got %q", out)
	}
	if !strings.Contains(out, "SIGDATA") {
		t.Fatalf("expected signature bytes in output, got %q", out)
	}
	if !strings.Contains(out, "--\r\n") {
		t.Fatalf("expected closing boundary, got %q", out)
	}
}

func TestCacheLookupMissWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(dir)
	if _, ok := c.Lookup("a/b.txt", time.Now()); ok {
		t.Fatal("expected miss for absent cache entry")
	}
}

func TestCacheStoreThenLookupHit(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(dir)
	resourceMtime := time.Now().Add(-time.Hour)
	if err := c.Store("sub/key.txt", []byte("sig-bytes")); err != nil {
		t.Fatal(err)
	}
	sig, ok := c.Lookup("sub/key.txt", resourceMtime)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(sig) != "sig-bytes" {
		t.Fatalf("sig = %q", sig)
	}
}

func TestCacheLookupMissWhenStale(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(dir)
	c.Store("key.txt", []byte("sig"))
	// resource modified after the cached signature: stale
	newMtime := time.Now().Add(time.Hour)
	if _, ok := c.Lookup("key.txt", newMtime); ok {
		t.Fatal("expected miss for stale cache entry")
	}
}

func TestNewCacheNilWhenDirMissing(t *testing.T) {
	if c := NewCache(filepath.Join(t.TempDir(), "does-not-exist")); c != nil {
		t.Fatal("expected nil Cache for missing dir")
	}
}

func TestNewCacheNilWhenPathIsFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "notadir")
	os.WriteFile(p, []byte("x"), 0644)
	if c := NewCache(p); c != nil {
		t.Fatal("expected nil Cache when path is a regular file")
	}
}
