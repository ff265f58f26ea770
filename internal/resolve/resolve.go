// Package resolve implements the Resolver (C7): turns a parsed request's
// origfilename into a canonicalized, contained, visible filesystem path,
// applying virtual hosting, symlink expansion, hidden-resource and
// world-visibility rules, and optional per-directory Basic auth.
package resolve

import (
	"crypto/sha256"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jbar/thttpgpd/internal/herror"
)

// Options configures a single resolution call. Cwd must be an absolute,
// already-cleaned path (the document root).
type Options struct {
	Cwd              string
	VHostEnabled     bool
	ForbidHidden     bool
	IndexNames       []string
	IndexingEnabled  bool
	ReqHost, HdrHost string
	AuthHeader       string
}

// Result is what the resolver hands to the Dispatcher.
type Result struct {
	RealFilename               string // Cwd-relative path after canonicalization
	AbsPath                    string
	HostDir                    string // vhost subdirectory applied, if any, for logging
	Info                       os.FileInfo
	IsDir                      bool
	NeedsTrailingSlashRedirect bool
	RedirectQuery              string
}

// Resolve performs steps 1-6 of spec §4.6 for a single request. For a
// directory it also flags the trailing-slash redirect, selects the first
// world-readable index file, or fails with 403 when there is none and
// listing is disabled; choosing between CGI, a static file and a listing
// remains the Dispatcher's job.
func Resolve(opt Options, origFilename, rawQuery string) (*Result, *herror.Error) {
	candidate := origFilename
	hostDir := ""

	if opt.VHostEnabled {
		host := opt.ReqHost
		if host == "" {
			host = opt.HdrHost
		}
		if host != "" {
			host = stripPort(host)
			if fi, err := os.Stat(filepath.Join(opt.Cwd, host)); err == nil && fi.IsDir() {
				hostDir = host
				candidate = filepath.Join(host, candidate)
			}
		}
	}

	joined := filepath.Join(opt.Cwd, candidate)
	real, err := realpath(joined)
	var abs string
	if err == nil {
		if !withinCwd(real, opt.Cwd) {
			return nil, herror.New(herror.Forbidden, "Forbidden", "outside document root")
		}
		abs = real
	} else if os.IsNotExist(err) {
		abs = joined // report 404 against the un-canonicalized path
	} else {
		return nil, herror.Wrap(herror.Internal, "Internal Error", err)
	}

	relFromCwd := strings.TrimPrefix(strings.TrimPrefix(abs, opt.Cwd), "/")
	if relFromCwd == "" {
		relFromCwd = "."
	}

	if opt.ForbidHidden {
		for _, seg := range strings.Split(relFromCwd, "/") {
			if seg != "." && strings.HasPrefix(seg, ".") {
				return nil, herror.New(herror.Forbidden, "Forbidden", "hidden resource")
			}
		}
	}

	info, statErr := os.Stat(abs)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return nil, herror.New(herror.NotFound, "Not Found", origFilename)
		}
		return nil, herror.Wrap(herror.Internal, "Internal Error", statErr)
	}

	if !worldVisible(info) {
		return nil, herror.New(herror.Forbidden, "Forbidden", "not world-readable")
	}

	res := &Result{
		RealFilename: relFromCwd,
		AbsPath:      abs,
		HostDir:      hostDir,
		Info:         info,
		IsDir:        info.IsDir(),
	}

	if res.IsDir {
		if !strings.HasSuffix(origFilename, "/") && origFilename != "." {
			res.NeedsTrailingSlashRedirect = true
			res.RedirectQuery = rawQuery
			return res, nil
		}
		for _, name := range opt.IndexNames {
			ip := filepath.Join(abs, name)
			if ifi, err := os.Stat(ip); err == nil && !ifi.IsDir() {
				if !worldVisible(ifi) {
					continue
				}
				res.AbsPath = ip
				res.Info = ifi
				res.IsDir = false
				res.RealFilename = filepath.Join(relFromCwd, name)
				return res, nil
			}
		}
		if !opt.IndexingEnabled {
			return nil, herror.New(herror.Forbidden, "Forbidden", "directory listing disabled")
		}
	}

	authDir := res.AbsPath
	if !res.IsDir {
		authDir = filepath.Dir(res.AbsPath)
	}
	if herr := CheckBasicAuth(authDir, opt.AuthHeader); herr != nil {
		return nil, herr
	}

	return res, nil
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

// realpath canonicalizes path with filepath.EvalSymlinks. A missing
// component yields an error for which os.IsNotExist is true, distinct
// from a symlink loop or a permission error.
func realpath(path string) (string, error) {
	return filepath.EvalSymlinks(path)
}

func withinCwd(abs, cwd string) bool {
	if abs == cwd {
		return true
	}
	return strings.HasPrefix(abs, cwd+string(filepath.Separator))
}

func worldVisible(info os.FileInfo) bool {
	mode := info.Mode()
	const otherRead = 0004
	const otherExec = 0001
	perm := mode.Perm()
	if info.IsDir() {
		return perm&otherRead != 0 && perm&otherExec != 0
	}
	return perm&otherRead != 0
}

// --- Basic auth (spec §4.6 step 6) ---

type authCacheEntry struct {
	dir   string
	mtime int64
	user  string
	hash  string
}

var (
	authMu    sync.Mutex
	authCache authCacheEntry
)

// CheckBasicAuth validates an "Authorization: Basic ..." header value
// against dir's .htpasswd file (user:cryptedpass per line). A one-slot
// cache memoizes the last successful (path, mtime, user, hash) tuple so
// a hot directory under load doesn't re-read and re-hash .htpasswd on
// every request.
func CheckBasicAuth(dir, authHeader string) *herror.Error {
	htpasswd := filepath.Join(dir, ".htpasswd")
	fi, err := os.Stat(htpasswd)
	if err != nil {
		return nil // no auth configured
	}

	if authHeader == "" {
		return herror.New(herror.Unauthorized, "Unauthorized", "")
	}
	const prefix = "Basic "
	if !strings.HasPrefix(authHeader, prefix) {
		return herror.New(herror.Unauthorized, "Unauthorized", "")
	}
	decoded, err := base64.StdEncoding.DecodeString(authHeader[len(prefix):])
	if err != nil {
		return herror.New(herror.Unauthorized, "Unauthorized", "")
	}
	colon := strings.IndexByte(string(decoded), ':')
	if colon < 0 {
		return herror.New(herror.Unauthorized, "Unauthorized", "")
	}
	user, pass := string(decoded[:colon]), string(decoded[colon+1:])

	authMu.Lock()
	if authCache.dir == dir && authCache.mtime == fi.ModTime().UnixNano() && authCache.user == user && authCache.hash == hashPass(pass) {
		authMu.Unlock()
		return nil
	}
	authMu.Unlock()

	f, err := os.Open(htpasswd)
	if err != nil {
		return herror.New(herror.Forbidden, "Forbidden", ".htpasswd unreadable")
	}
	defer f.Close()

	found, ok := lookupCreds(f, user)
	if !ok || !verifyPassword(pass, found) {
		return herror.New(herror.Unauthorized, "Unauthorized", "")
	}

	authMu.Lock()
	authCache = authCacheEntry{dir: dir, mtime: fi.ModTime().UnixNano(), user: user, hash: hashPass(pass)}
	authMu.Unlock()
	return nil
}

func lookupCreds(f *os.File, user string) (string, bool) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := f.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	for _, line := range strings.Split(string(buf), "\n") {
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		if line[:colon] == user {
			return strings.TrimSpace(line[colon+1:]), true
		}
	}
	return "", false
}

// verifyPassword compares pass against a stored "salt$digest" entry,
// where digest is base64(sha256(salt+pass)) (see hashWithSalt). This is
// not crypt(3): DES, MD5 or bcrypt entries written by htpasswd or the
// system crypt() never verify.
func verifyPassword(pass, stored string) bool {
	return hashWithSalt(pass, stored) == stored
}

func hashWithSalt(pass, stored string) string {
	// A minimal, dependency-free scheme: salt is stored[:salt_len] up to
	// the first '$', digest is sha256(salt+pass) base64'd. Real
	// deployments generate .htpasswd with a matching offline tool.
	dollar := strings.IndexByte(stored, '$')
	if dollar < 0 {
		return ""
	}
	salt := stored[:dollar]
	sum := sha256.Sum256([]byte(salt + pass))
	return salt + "$" + base64.StdEncoding.EncodeToString(sum[:])
}

func hashPass(pass string) string {
	sum := sha256.Sum256([]byte(pass))
	return base64.StdEncoding.EncodeToString(sum[:])
}
