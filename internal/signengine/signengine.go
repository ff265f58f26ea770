// Package signengine supplies the SignEngine capability: producing a
// detached OpenPGP signature over a byte stream. GPGEngine shells out
// to the gpg binary the same way CgiWorker shells out to CGI scripts —
// a subprocess fed via stdin, its stdout captured as the result.
package signengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
)

// Engine produces a detached, ASCII-armored signature over the bytes
// read from r. Implementations must fully drain r even on error paths
// that discard the signature, so a pull-based consumer upstream
// (SigningPipe) never blocks writing to a half-read pipe.
type Engine interface {
	Sign(ctx context.Context, r io.Reader) ([]byte, error)
}

// GPGEngine signs with the `gpg` binary in batch mode using the
// default secret key (or KeyID, if set).
type GPGEngine struct {
	GPGPath    string // defaults to "gpg" via PATH lookup
	KeyID      string // optional; signs with the default key if empty
	Passphrase string // optional, passed via --passphrase-fd
}

// NewGPGEngine returns a GPGEngine using "gpg" from PATH.
func NewGPGEngine(keyID string) *GPGEngine {
	return &GPGEngine{GPGPath: "gpg", KeyID: keyID}
}

func (g *GPGEngine) Sign(ctx context.Context, r io.Reader) ([]byte, error) {
	path := g.GPGPath
	if path == "" {
		path = "gpg"
	}
	args := []string{"--batch", "--yes", "--detach-sign", "--armor"}
	if g.KeyID != "" {
		args = append(args, "--local-user", g.KeyID)
	}
	if g.Passphrase != "" {
		args = append(args, "--pinentry-mode", "loopback", "--passphrase-fd", "0")
	}
	cmd := exec.CommandContext(ctx, path, args...)

	var stdin io.Reader = r
	if g.Passphrase != "" {
		// Passphrase must precede the payload on fd 0 in this mode;
		// real deployments instead use gpg-agent and drop --passphrase-fd.
		stdin = io.MultiReader(bytes.NewReader([]byte(g.Passphrase+"\n")), r)
	}
	cmd.Stdin = stdin

	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		io.Copy(io.Discard, r)
		return nil, fmt.Errorf("gpg sign: %w: %s", err, errBuf.String())
	}
	return out.Bytes(), nil
}
