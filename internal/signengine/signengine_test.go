package signengine

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"testing"
)

// fakeEngine exercises the Engine interface contract without shelling
// out to a real gpg binary (not assumed present in the test environment).
type fakeEngine struct{ sig []byte }

func (f fakeEngine) Sign(ctx context.Context, r io.Reader) ([]byte, error) {
	io.Copy(io.Discard, r) // must fully drain r per the Engine contract
	return f.sig, nil
}

func TestEngineInterfaceDrainsReader(t *testing.T) {
	var e Engine = fakeEngine{sig: []byte("-----BEGIN PGP SIGNATURE-----\n...\n")}
	r := bytes.NewReader([]byte("payload"))
	sig, err := e.Sign(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) == 0 {
		t.Fatal("expected non-empty signature")
	}
	if r.Len() != 0 {
		t.Fatal("expected reader fully drained")
	}
}

func TestGPGEngineMissingBinaryReturnsError(t *testing.T) {
	if _, err := exec.LookPath("definitely-not-a-real-gpg-binary"); err == nil {
		t.Skip("unexpectedly found the fake binary on PATH")
	}
	eng := &GPGEngine{GPGPath: "definitely-not-a-real-gpg-binary"}
	_, err := eng.Sign(context.Background(), bytes.NewReader([]byte("x")))
	if err == nil {
		t.Fatal("expected error for missing gpg binary")
	}
}
