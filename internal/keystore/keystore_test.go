package keystore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const samplePubKey = "-----BEGIN PGP PUBLIC KEY BLOCK-----\nfake\n-----END PGP PUBLIC KEY BLOCK-----\n"

func TestAddThenLookupGet(t *testing.T) {
	dir := t.TempDir()
	ks := NewFileKeyStore(dir)
	if err := ks.Add(samplePubKey); err != nil {
		t.Fatal(err)
	}

	entries, err := ks.matchingEntries("")
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries = %v, err = %v", entries, err)
	}

	res, err := ks.Lookup("get", entries[0], nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.ContentType != "application/pgp-keys" {
		t.Fatalf("ContentType = %q", res.ContentType)
	}
	if string(res.Body) != samplePubKey {
		t.Fatalf("Body = %q", res.Body)
	}
}

func TestLookupGetMissingReturnsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	ks := NewFileKeyStore(dir)
	_, err := ks.Lookup("get", "deadbeef", nil)
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAddRejectsNonArmoredText(t *testing.T) {
	dir := t.TempDir()
	ks := NewFileKeyStore(dir)
	if err := ks.Add("not a key"); err == nil {
		t.Fatal("expected rejection of non-armored input")
	}
}

func TestLookupIndexListsAllKeys(t *testing.T) {
	dir := t.TempDir()
	ks := NewFileKeyStore(dir)
	ks.Add(samplePubKey)
	ks.Add(strings.Replace(samplePubKey, "fake", "fake2", 1))

	res, err := ks.Lookup("index", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(res.Body), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 pub lines, got %v", lines)
	}
}

func TestNormalizeSearchStripsHexPrefix(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "abcd1234.asc"), []byte(samplePubKey), 0644)
	ks := NewFileKeyStore(dir)

	res, err := ks.Lookup("get", "0xabcd1234", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Body) != samplePubKey {
		t.Fatalf("Body = %q", res.Body)
	}
}
