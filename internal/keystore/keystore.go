// Package keystore supplies the KeyStore capability: a minimal HKP
// lookup/add backend over a flat-file keyring directory, one
// ASCII-armored public key per fingerprint file.
package keystore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Result is what a KeyStore call hands back to the Dispatcher's HKP
// action, ready to be written as a response body.
type Result struct {
	ContentType string
	Body        []byte
}

// ErrNotFound is returned by Lookup when op=get finds no matching key.
var ErrNotFound = errors.New("keystore: key not found")

// FileKeyStore implements KeyStore over Dir, where each entry is
// "<fingerprint>.asc" holding one ASCII-armored OpenPGP public key.
type FileKeyStore struct {
	Dir string
}

// NewFileKeyStore returns a FileKeyStore rooted at dir. The directory
// must already exist.
func NewFileKeyStore(dir string) *FileKeyStore {
	return &FileKeyStore{Dir: dir}
}

// Lookup implements the pks/lookup operations (spec §4.12): "get"
// returns one key's ASCII armor; "index"/"vindex" return a plain-text
// listing of matching keys, mirroring the original keyserver's
// minimal machine-readable index format (one "pub" line per key).
func (ks *FileKeyStore) Lookup(op, search string, options map[string]string) (Result, error) {
	search = normalizeSearch(search)
	switch op {
	case "get":
		return ks.lookupGet(search)
	case "index", "vindex":
		return ks.lookupIndex(search, options["mr"] == "on")
	default:
		return Result{}, errors.New("keystore: unsupported op " + op)
	}
}

func (ks *FileKeyStore) lookupGet(search string) (Result, error) {
	entries, err := ks.matchingEntries(search)
	if err != nil {
		return Result{}, err
	}
	if len(entries) == 0 {
		return Result{}, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(ks.Dir, entries[0]+".asc"))
	if err != nil {
		return Result{}, err
	}
	return Result{ContentType: "application/pgp-keys", Body: data}, nil
}

func (ks *FileKeyStore) lookupIndex(search string, machineReadable bool) (Result, error) {
	entries, err := ks.matchingEntries(search)
	if err != nil {
		return Result{}, err
	}
	var b strings.Builder
	if machineReadable {
		b.WriteString("info:1:" + itoa(len(entries)) + "\n")
	}
	for _, fp := range entries {
		if machineReadable {
			b.WriteString("pub:" + fp + "\n")
		} else {
			b.WriteString("pub  " + fp + "\n")
		}
	}
	return Result{ContentType: "text/plain", Body: []byte(b.String())}, nil
}

// matchingEntries returns fingerprints (file basenames without
// ".asc") whose fingerprint contains search as a substring (case
// insensitive), sorted for deterministic output.
func (ks *FileKeyStore) matchingEntries(search string) ([]string, error) {
	files, err := os.ReadDir(ks.Dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".asc") {
			continue
		}
		fp := strings.TrimSuffix(f.Name(), ".asc")
		if search == "" || strings.Contains(strings.ToLower(fp), strings.ToLower(search)) {
			out = append(out, fp)
		}
	}
	sort.Strings(out)
	return out, nil
}

func normalizeSearch(s string) string {
	return strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// Add implements pks/add (spec §4.12): stores keytext under a
// fingerprint-derived filename. Deriving a *real* OpenPGP fingerprint
// requires parsing the public key packet; absent an OpenPGP parsing
// library in this module's dependency set, the store key is instead a
// sha256 digest of the armored text, which is stable and collision-
// resistant for the purpose of this flat-file backend but is not the
// OpenPGP fingerprint a real client would query by. A production
// deployment would swap in a proper parser (e.g. ProtonMail/go-crypto)
// here without changing the KeyStore interface.
func (ks *FileKeyStore) Add(keytext string) error {
	if !strings.Contains(keytext, "BEGIN PGP PUBLIC KEY BLOCK") {
		return errors.New("keystore: not an ASCII-armored public key")
	}
	sum := sha256.Sum256([]byte(keytext))
	id := hex.EncodeToString(sum[:])
	return os.WriteFile(filepath.Join(ks.Dir, id+".asc"), []byte(keytext), 0644)
}
