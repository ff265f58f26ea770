// Package server wires the request pipeline together: RequestReader ->
// RequestParser -> Resolver -> Dispatcher -> ResponseEmitter/CgiWorker/
// SigningPipe -> Logger, for one connection at a time. A Server's
// HandleConn method is the Handler a reactor.Loop dispatches accepted
// connections to, one goroutine per connection, mirroring the
// teacher's per-connection goroutine servers (transparentProxy,
// proxyProto) with the read/parse/dispatch/send phases of a single
// request instead of a proxied byte stream.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jbar/thttpgpd/internal/accesslog"
	"github.com/jbar/thttpgpd/internal/cgi"
	"github.com/jbar/thttpgpd/internal/childtable"
	"github.com/jbar/thttpgpd/internal/config"
	"github.com/jbar/thttpgpd/internal/dispatch"
	"github.com/jbar/thttpgpd/internal/herror"
	"github.com/jbar/thttpgpd/internal/keystore"
	"github.com/jbar/thttpgpd/internal/mime"
	"github.com/jbar/thttpgpd/internal/mmapcache"
	"github.com/jbar/thttpgpd/internal/pattern"
	"github.com/jbar/thttpgpd/internal/reqio"
	"github.com/jbar/thttpgpd/internal/reqparse"
	"github.com/jbar/thttpgpd/internal/resolve"
	"github.com/jbar/thttpgpd/internal/respond"
	"github.com/jbar/thttpgpd/internal/sign"
	"github.com/jbar/thttpgpd/internal/signengine"
	"github.com/jbar/thttpgpd/internal/timer"
)

const (
	maxRequestBytes = 64 * 1024
	readChunk       = 4096

	idleReadTimeout = 15 * time.Second
	idleSendTimeout = 300 * time.Second
	hardKillDelay   = 5 * time.Second

	cgiByteCountEstimate = -1 // bookkeeping estimate; actual bytes aren't known until the worker finishes
)

// childEntry is what childtable.Table tracks per live CGI pid: the
// soft/hard-kill timer handles so they can be disarmed the moment the
// owning goroutine's cmd.Wait() returns, generalizing the spec's
// "ChildTable maps pid to the connection whose response it produces"
// from an async SIGCHLD-driven reaper (not needed here — the spawning
// goroutine already owns a structured, blocking wait) to bookkeeping
// the kill-timer pair.
type childEntry struct {
	soft, hard timer.Handle
}

// Server holds everything a single connection's handling needs: no
// per-request field lives here, only shared, concurrency-safe state
// (spec §3's Server record, restated as explicit objects instead of
// globals per DESIGN NOTES' "Global mutable state" resolution).
type Server struct {
	DocRoot         string
	Charset         string
	IndexNames      []string
	IndexingEnabled bool
	ForbidHidden    bool
	VHostEnabled    bool

	CgiPattern        string
	SigExcludePattern string
	CgiPath           string
	ServerName        string
	ServerPort        string
	TZ                string

	CurrencyCreateBin   string
	CurrencyValidateBin string

	CgiTimeLimit time.Duration

	Admission *dispatch.Admission
	Cache     *mmapcache.Cache
	Timers    *timer.Wheel
	Children  *childtable.Table[childEntry]
	Log       *accesslog.Logger
	KeyStore  *keystore.FileKeyStore
	Engine    signengine.Engine
	SigCache  *sign.Cache

	now func() int64 // millis; overridable in tests

	cgiCount int64
}

// New builds a Server from cfg plus the collaborators the process
// surface (cmd/sighttpd) constructs (KeyStore, SignEngine, log sink).
func New(cfg config.Config, log *accesslog.Logger, keyStore *keystore.FileKeyStore, engine signengine.Engine) (*Server, error) {
	docRoot, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("server: resolving dir: %w", err)
	}
	docRoot = filepath.Clean(docRoot)

	var sigCache *sign.Cache
	if cfg.DataDir != "" {
		sigDir := filepath.Join(cfg.DataDir, "sigcache")
		os.MkdirAll(sigDir, 0755)
		sigCache = sign.NewCache(sigDir)
	}

	s := &Server{
		DocRoot:             docRoot,
		Charset:             cfg.Charset,
		IndexNames:          []string{"index.html", "index.htm"},
		IndexingEnabled:     true,
		ForbidHidden:        true,
		VHostEnabled:        cfg.VirtualHost,
		CgiPattern:          cfg.CgiPat,
		SigExcludePattern:   cfg.SigPat,
		CgiPath:             envOr("PATH", "/usr/local/bin:/usr/bin:/bin"),
		ServerName:          cfg.Host,
		ServerPort:          strconv.Itoa(cfg.Port),
		TZ:                  os.Getenv("TZ"),
		CurrencyCreateBin:   cfg.CurrencyCreateBin,
		CurrencyValidateBin: cfg.CurrencyValidateBin,
		CgiTimeLimit:        time.Duration(cfg.CgiTimeLimitSeconds) * time.Second,
		Admission:           dispatch.NewAdmission(cfg.CgiLimit),
		Cache:               mmapcache.New(mmapcache.DefaultLimits),
		Timers:              timer.New(),
		Children:            childtable.New[childEntry](),
		Log:                 log,
		KeyStore:            keyStore,
		Engine:              engine,
		SigCache:            sigCache,
		now:                 nowMillis,
	}
	return s, nil
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// currencyEnabled reports whether the udc/create + udc/validate routes
// are wired (spec §4.7: "when compiled in").
func (s *Server) currencyEnabled() bool {
	return s.CurrencyCreateBin != "" && s.CurrencyValidateBin != ""
}

// RunHousekeeping drives the timer wheel and mmap cache cleanup once
// per tick until ctx is canceled, the way the original event loop's
// own housekeeping pass runs between select() calls.
func (s *Server) RunHousekeeping(ctx context.Context, tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Timers.Run(s.now())
			s.Cache.Cleanup()
		}
	}
}

// HandleConn implements reactor.Loop's Handler signature: it serves
// exactly one request from conn then returns, since the spec disallows
// keep-alive/pipelining (spec.md §1 Non-goals).
func (s *Server) HandleConn(conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	host, _, _ := net.SplitHostPort(remoteAddr)
	if host == "" {
		host = remoteAddr
	}

	done := &accesslog.Done{}
	conn.SetReadDeadline(time.Now().Add(idleReadTimeout))
	buf, headerEnd, totalRead, ferr := readRequestHead(conn)
	if ferr != nil {
		s.logAndClose(done, host, "", "", 0, 0)
		return
	}

	req, herr := reqparse.Parse(buf, headerEnd, s.SigExcludePattern != "", s.SigExcludePattern, matchExclude)
	if herr != nil {
		s.respondError(conn, reqparse.HTTP10, herr, done, host, "", "", "")
		return
	}

	bufferedBody := buf[headerEnd:totalRead]
	remoteUser := parseBasicUser(req.Auth)

	conn.SetReadDeadline(time.Now().Add(idleSendTimeout))

	decision, routed := dispatch.Route(req, dispatch.Options{
		CurrencyEnabled: s.currencyEnabled(),
		MatchCgiPattern: func(path string) bool { return pattern.Match(s.CgiPattern, path) },
	})
	if !routed {
		decision = dispatch.Decision{}
	}

	if !routed {
		res, herr := resolve.Resolve(resolve.Options{
			Cwd:             s.DocRoot,
			VHostEnabled:    s.VHostEnabled,
			ForbidHidden:    s.ForbidHidden,
			IndexNames:      s.IndexNames,
			IndexingEnabled: s.IndexingEnabled,
			ReqHost:         req.ReqHost,
			HdrHost:         req.HdrHost,
			AuthHeader:      req.Auth,
		}, req.OrigFilename, req.Query)
		if herr != nil {
			s.respondError(conn, req.Version, herr, done, host, req.Method.String(), req.EncodedURL, remoteUser)
			return
		}
		decision, herr = dispatch.Dispatch(res, dispatch.Options{
			CurrencyEnabled: s.currencyEnabled(),
			MatchCgiPattern: func(path string) bool { return pattern.Match(s.CgiPattern, path) },
		})
		if herr != nil {
			s.respondError(conn, req.Version, herr, done, host, req.Method.String(), req.EncodedURL, remoteUser)
			return
		}
	}

	switch decision.Action {
	case dispatch.ActionHKPLookup:
		s.handleHKPLookup(conn, req, done, host, remoteUser)
	case dispatch.ActionHKPAdd:
		s.handleHKPAdd(conn, req, bufferedBody, done, host, remoteUser)
	case dispatch.ActionCurrencyCreate:
		s.handleCurrencyAction(conn, req, s.CurrencyCreateBin, bufferedBody, done, host, remoteUser)
	case dispatch.ActionCurrencyValidate:
		s.handleCurrencyAction(conn, req, s.CurrencyValidateBin, bufferedBody, done, host, remoteUser)
	case dispatch.ActionRedirect:
		s.handleRedirect(conn, req, decision.Resolved, done, host, remoteUser)
	case dispatch.ActionDirectoryListing:
		s.handleDirectoryListing(conn, req, decision.Resolved, done, host, remoteUser)
	case dispatch.ActionCGI:
		s.handleCGI(conn, req, decision.Resolved, bufferedBody, done, host, remoteUser)
	case dispatch.ActionStaticFile:
		s.handleStaticFile(conn, req, decision.Resolved, done, host, remoteUser)
	default:
		herr := herror.New(herror.NotFound, "Not Found", req.EncodedURL)
		s.respondError(conn, req.Version, herr, done, host, req.Method.String(), req.EncodedURL, remoteUser)
	}
}

func matchExclude(pat, path string) bool {
	if pat == "" {
		return false
	}
	return pattern.Match(pat, path)
}

// readRequestHead grows buf until reqio.Reader reports GotRequest or
// BadRequest, or maxRequestBytes is exceeded.
func readRequestHead(conn net.Conn) ([]byte, int, int, *herror.Error) {
	buf := make([]byte, readChunk)
	r := reqio.NewReader()
	total := 0
	for {
		n, err := conn.Read(buf[total:])
		if n > 0 {
			total += n
			switch r.Feed(buf, total) {
			case reqio.GotRequest:
				return buf, r.CheckedIdx, total, nil
			case reqio.BadRequest:
				return nil, 0, 0, herror.New(herror.Malformed, "Bad Request", "malformed request line")
			}
		}
		if err != nil {
			return nil, 0, 0, herror.Wrap(herror.Timeout, "Request Timeout", err)
		}
		if total == len(buf) {
			if total >= maxRequestBytes {
				return nil, 0, 0, herror.New(herror.Malformed, "Bad Request", "request too large")
			}
			grown := make([]byte, len(buf)*2)
			copy(grown, buf)
			buf = grown
		}
	}
}

func parseBasicUser(authHeader string) string {
	const prefix = "Basic "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(authHeader[len(prefix):])
	if err != nil {
		return ""
	}
	colon := bytes.IndexByte(decoded, ':')
	if colon < 0 {
		return ""
	}
	return string(decoded[:colon])
}

func (s *Server) logAndClose(done *accesslog.Done, host, method, uri string, status int, bytesSent int64) {
	if !done.Claim() {
		return
	}
	s.Log.Log(accesslog.Entry{
		RemoteHost: host,
		When:       time.Now(),
		Method:     method,
		RequestURI: uri,
		Status:     status,
		BytesSent:  bytesSent,
	})
}

func (s *Server) respondError(conn net.Conn, version reqparse.Version, herr *herror.Error, done *accesslog.Done, host, method, uri, remoteUser string) {
	resp := respond.FromHerror(version, herr)
	resp.Charset = s.Charset
	w := bufio.NewWriter(conn)
	respond.WriteHeaders(w, resp)
	respond.WriteFully(conn, resp.Body)
	if done.Claim() {
		s.Log.Log(accesslog.Entry{
			RemoteHost: host,
			RemoteUser: remoteUser,
			When:       time.Now(),
			Method:     method,
			RequestURI: uri,
			Protocol:   protocolName(version),
			Status:     resp.Status,
			BytesSent:  int64(len(resp.Body)),
		})
	}
}

func protocolName(v reqparse.Version) string {
	switch v {
	case reqparse.HTTP11:
		return "HTTP/1.1"
	case reqparse.HTTP10:
		return "HTTP/1.0"
	default:
		return ""
	}
}

// --- HKP ---

func (s *Server) handleHKPLookup(conn net.Conn, req *reqparse.Request, done *accesslog.Done, host, remoteUser string) {
	if s.KeyStore == nil {
		s.respondError(conn, req.Version, herror.New(herror.FeatureUnavailable, "Not Implemented", "pks/lookup"), done, host, req.Method.String(), req.EncodedURL, remoteUser)
		return
	}
	values, err := url.ParseQuery(req.Query)
	if err != nil {
		s.respondError(conn, req.Version, herror.New(herror.Malformed, "Bad Request", "malformed query"), done, host, req.Method.String(), req.EncodedURL, remoteUser)
		return
	}
	op := values.Get("op")
	search := values.Get("search")
	options := map[string]string{"mr": values.Get("options")}

	result, err := s.KeyStore.Lookup(op, search, options)
	if err == keystore.ErrNotFound {
		s.respondError(conn, req.Version, herror.New(herror.NotFound, "Not Found", search), done, host, req.Method.String(), req.EncodedURL, remoteUser)
		return
	}
	if err != nil {
		s.respondError(conn, req.Version, herror.Wrap(herror.Internal, "Internal Error", err), done, host, req.Method.String(), req.EncodedURL, remoteUser)
		return
	}
	s.writeCapabilityResult(conn, req, result.ContentType, result.Body, done, host, remoteUser)
}

func (s *Server) handleHKPAdd(conn net.Conn, req *reqparse.Request, bufferedBody []byte, done *accesslog.Done, host, remoteUser string) {
	if s.KeyStore == nil {
		s.respondError(conn, req.Version, herror.New(herror.FeatureUnavailable, "Not Implemented", "pks/add"), done, host, req.Method.String(), req.EncodedURL, remoteUser)
		return
	}
	body, herr := s.readBody(conn, req, bufferedBody)
	if herr != nil {
		s.respondError(conn, req.Version, herr, done, host, req.Method.String(), req.EncodedURL, remoteUser)
		return
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		s.respondError(conn, req.Version, herror.New(herror.Malformed, "Bad Request", "malformed form body"), done, host, req.Method.String(), req.EncodedURL, remoteUser)
		return
	}
	if err := s.KeyStore.Add(values.Get("keytext")); err != nil {
		s.respondError(conn, req.Version, herror.Wrap(herror.Malformed, "Bad Request", err), done, host, req.Method.String(), req.EncodedURL, remoteUser)
		return
	}
	s.writeCapabilityResult(conn, req, "text/plain", []byte("Key added\n"), done, host, remoteUser)
}

// writeCapabilityResult emits an embedded-action response (HKP), routed
// through SigningPipe when the request asked for it, same as a static
// file would be.
func (s *Server) writeCapabilityResult(conn net.Conn, req *reqparse.Request, contentType string, body []byte, done *accesslog.Done, host, remoteUser string) {
	header := fmt.Sprintf("HTTP/1.0 200 OK\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n", contentType, len(body))
	combined := append([]byte(header), body...)
	s.emitThroughSigningPipe(conn, req, combined, sign.ModeStatic, "", time.Time{}, done, host, remoteUser, len(body))
}

// --- currency actions ---

func (s *Server) handleCurrencyAction(conn net.Conn, req *reqparse.Request, bin string, bufferedBody []byte, done *accesslog.Done, host, remoteUser string) {
	body, herr := s.readBody(conn, req, bufferedBody)
	if herr != nil {
		s.respondError(conn, req.Version, herr, done, host, req.Method.String(), req.EncodedURL, remoteUser)
		return
	}
	w := cgi.Worker{
		ScriptPath:   bin,
		ScriptDir:    filepath.Dir(bin),
		Env:          cgi.BuildEnviron(s.cgiEnv(), req, req.DecodedURL, connRemoteAddrOf(conn), remoteUser),
		BufferedBody: body,
	}
	var out bytes.Buffer
	result, herr := w.Run(conn, true, true, func(r io.Reader) { io.Copy(&out, r) })
	if herr != nil {
		s.respondError(conn, req.Version, herr, done, host, req.Method.String(), req.EncodedURL, remoteUser)
		return
	}
	if result.ExitErr != nil {
		s.respondError(conn, req.Version, herror.Wrap(herror.Internal, "Internal Error", result.ExitErr), done, host, req.Method.String(), req.EncodedURL, remoteUser)
		return
	}
	s.emitThroughSigningPipe(conn, req, out.Bytes(), sign.ModeCGI, "", time.Time{}, done, host, remoteUser, out.Len())
}

func connRemoteAddrOf(conn net.Conn) string {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	return host
}

// readBody returns the full POST body: bufferedBody (already read past
// headers) plus whatever remains to be read off conn per Content-Length.
func (s *Server) readBody(conn net.Conn, req *reqparse.Request, bufferedBody []byte) ([]byte, *herror.Error) {
	if req.ContentLen <= int64(len(bufferedBody)) {
		return bufferedBody, nil
	}
	remaining := req.ContentLen - int64(len(bufferedBody))
	rest := make([]byte, remaining)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return nil, herror.Wrap(herror.Malformed, "Bad Request", err)
	}
	return append(bufferedBody, rest...), nil
}

func (s *Server) cgiEnv() cgi.Env {
	return cgi.Env{
		ServerSoftware:    "sighttpd",
		ServerName:        s.ServerName,
		ServerPort:        s.ServerPort,
		CgiPath:           s.CgiPath,
		CgiPattern:        s.CgiPattern,
		SigExcludePattern: s.SigExcludePattern,
		TZ:                s.TZ,
	}
}

// --- redirect / directory listing ---

func (s *Server) handleRedirect(conn net.Conn, req *reqparse.Request, res *resolve.Result, done *accesslog.Done, host, remoteUser string) {
	location := req.DecodedURL + "/"
	if res.RedirectQuery != "" {
		location += "?" + res.RedirectQuery
	}
	resp := respond.Response{
		Version:       req.Version,
		Status:        302,
		Title:         "Found",
		ContentType:   "text/html",
		ContentLength: 0,
		Extra:         respond.Headers{"Location: " + location},
	}
	w := bufio.NewWriter(conn)
	respond.WriteHeaders(w, resp)
	if done.Claim() {
		s.Log.Log(accesslog.Entry{RemoteHost: host, RemoteUser: remoteUser, When: time.Now(), Method: req.Method.String(), RequestURI: req.EncodedURL, Protocol: protocolName(req.Version), Status: 302, BytesSent: 0})
	}
}

func (s *Server) handleDirectoryListing(conn net.Conn, req *reqparse.Request, res *resolve.Result, done *accesslog.Done, host, remoteUser string) {
	body, herr := buildDirListing(res.AbsPath, req.DecodedURL)
	if herr != nil {
		s.respondError(conn, req.Version, herr, done, host, req.Method.String(), req.EncodedURL, remoteUser)
		return
	}
	resp := respond.Response{
		Version:       req.Version,
		Status:        200,
		Title:         "OK",
		ContentType:   "text/html",
		Charset:       s.Charset,
		ContentLength: int64(len(body)),
	}
	w := bufio.NewWriter(conn)
	respond.WriteHeaders(w, resp)
	if req.Method != reqparse.HEAD {
		respond.WriteFully(conn, body)
	}
	if done.Claim() {
		s.Log.Log(accesslog.Entry{RemoteHost: host, RemoteUser: remoteUser, When: time.Now(), Method: req.Method.String(), RequestURI: req.EncodedURL, Protocol: protocolName(req.Version), Status: 200, BytesSent: int64(len(body))})
	}
}

// buildDirListing renders spec §4.11's <PRE> table: mode(other-perms
// only) links size time name, with a class suffix ("/" dir, "=" socket,
// "@" symlink, "*" executable).
func buildDirListing(absDir, uri string) ([]byte, *herror.Error) {
	entries, err := os.ReadDir(absDir)
	if err != nil {
		return nil, herror.Wrap(herror.Internal, "Internal Error", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	fmt.Fprintf(&b, "<html><head><title>Index of %s</title></head><body>", htmlEscape(uri))
	fmt.Fprintf(&b, "<h1>Index of %s</h1><pre>\n", htmlEscape(uri))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		suffix := classSuffix(info)
		perm := info.Mode().Perm() & 0007
		links := uint64(1)
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			links = uint64(st.Nlink)
		}
		when := formatListingTime(info.ModTime())
		fmt.Fprintf(&b, "%s %3d %8d %s %s%s\n", permString(perm), links, info.Size(), when, htmlEscape(e.Name()), suffix)
	}
	b.WriteString("</pre></body></html>\n")
	return []byte(b.String()), nil
}

func classSuffix(info os.FileInfo) string {
	switch {
	case info.IsDir():
		return "/"
	case info.Mode()&os.ModeSocket != 0:
		return "="
	case info.Mode()&os.ModeSymlink != 0:
		return "@"
	case info.Mode().Perm()&0111 != 0:
		return "*"
	default:
		return ""
	}
}

func permString(perm os.FileMode) string {
	bits := [3]byte{'-', '-', '-'}
	if perm&0004 != 0 {
		bits[0] = 'r'
	}
	if perm&0002 != 0 {
		bits[1] = 'w'
	}
	if perm&0001 != 0 {
		bits[2] = 'x'
	}
	return string(bits[:])
}

func formatListingTime(t time.Time) string {
	if time.Since(t) > 183*24*time.Hour {
		return t.Format("Jan 02  2006")
	}
	return t.Format("Jan 02 15:04")
}

func htmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// --- static file ---

func (s *Server) handleStaticFile(conn net.Conn, req *reqparse.Request, res *resolve.Result, done *accesslog.Done, host, remoteUser string) {
	size := res.Info.Size()
	start, end, ranged, herr := resolveRange(req, size)
	if herr != nil {
		s.respondError(conn, req.Version, herr, done, host, req.Method.String(), req.EncodedURL, remoteUser)
		return
	}

	ext := filepath.Ext(res.RealFilename)
	contentType := mime.TypeFor(ext)
	encoding := mime.EncodingFor(ext)

	if req.DetachSign && s.Engine != nil {
		s.handleSignedStaticFile(conn, req, res, start, end, ranged, contentType, encoding, done, host, remoteUser)
		return
	}

	status, title := 200, "OK"
	if ranged {
		status, title = 206, "Partial Content"
	}
	resp := respond.Response{
		Version:         req.Version,
		Status:          status,
		Title:           title,
		ContentType:     contentType,
		Charset:         s.Charset,
		ContentEncoding: encoding,
		LastModified:    res.Info.ModTime(),
		Ranged:          ranged,
		RangeStart:      start,
		RangeEnd:        end,
		TotalSize:       size,
	}
	if !ranged {
		resp.ContentLength = size
	}
	w := bufio.NewWriter(conn)
	if err := respond.WriteHeaders(w, resp); err != nil {
		s.logAndClose(done, host, req.Method.String(), req.EncodedURL, status, 0)
		return
	}
	var sent int64
	if req.Method != reqparse.HEAD {
		f, err := os.Open(res.AbsPath)
		if err != nil {
			s.logAndClose(done, host, req.Method.String(), req.EncodedURL, status, 0)
			return
		}
		defer f.Close()
		sent, _ = respond.TransferFile(conn, f, start, end)
	}
	if done.Claim() {
		s.Log.Log(accesslog.Entry{RemoteHost: host, RemoteUser: remoteUser, When: time.Now(), Method: req.Method.String(), RequestURI: req.EncodedURL, Protocol: protocolName(req.Version), Status: status, BytesSent: sent})
	}
}

func (s *Server) handleSignedStaticFile(conn net.Conn, req *reqparse.Request, res *resolve.Result, start, end int64, ranged bool, contentType, encoding string, done *accesslog.Done, host, remoteUser string) {
	fi := res.Info
	data := s.Cache.Map(res.AbsPath, fi)
	var body []byte
	if data != nil {
		defer s.Cache.Unmap(fi)
		body = data[start : end+1]
	} else {
		raw, err := os.ReadFile(res.AbsPath)
		if err != nil {
			s.respondError(conn, req.Version, herror.Wrap(herror.Internal, "Internal Error", err), done, host, req.Method.String(), req.EncodedURL, remoteUser)
			return
		}
		body = raw[start : end+1]
	}

	status, title := 200, "OK"
	var extra strings.Builder
	if ranged {
		status, title = 206, "Partial Content"
		fmt.Fprintf(&extra, "Content-Range: bytes %d-%d/%d\r\n", start, end, fi.Size())
	}
	if encoding != "" {
		fmt.Fprintf(&extra, "Content-Encoding: %s\r\n", encoding)
	}
	header := fmt.Sprintf("HTTP/1.0 %d %s\r\n%sContent-Type: %s\r\nContent-Length: %d\r\n\r\n", status, title, extra.String(), contentType, len(body))
	combined := append([]byte(header), body...)

	realPath := res.RealFilename
	if s.SigExcludePattern != "" && pattern.Match(s.SigExcludePattern, req.OrigFilename) {
		realPath = "" // excluded from signing entirely; reqparse.Parse already clears DetachSign for excluded paths upstream too
	}
	s.emitThroughSigningPipeRanged(conn, req, combined, sign.ModeStatic, realPath, fi.ModTime(), ranged, done, host, remoteUser, len(body))
}

// emitThroughSigningPipe runs combined (a synthetic "HTTP/1.0 ...\r\n
// headers\r\n\r\nbody" stream) through the signing pipe, signing iff
// req.DetachSign and s.Engine are both set.
func (s *Server) emitThroughSigningPipe(conn net.Conn, req *reqparse.Request, combined []byte, mode sign.Mode, realPath string, mtime time.Time, done *accesslog.Done, host, remoteUser string, bodyLen int) {
	s.emitThroughSigningPipeRanged(conn, req, combined, mode, realPath, mtime, false, done, host, remoteUser, bodyLen)
}

func (s *Server) emitThroughSigningPipeRanged(conn net.Conn, req *reqparse.Request, combined []byte, mode sign.Mode, realPath string, mtime time.Time, ranged bool, done *accesslog.Done, host, remoteUser string, bodyLen int) {
	pipe := &sign.Pipe{
		Engine:          s.Engine,
		Cache:           s.SigCache,
		Mode:            mode,
		DetachRequested: req.DetachSign && s.Engine != nil,
		RealPath:        realPath,
		ResourceMtime:   mtime,
		RangeRequested:  ranged,
	}
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pipe.Run(ctx, bytes.NewReader(combined), &out); err != nil {
		s.respondError(conn, req.Version, herror.Wrap(herror.Internal, "Internal Error", err), done, host, req.Method.String(), req.EncodedURL, remoteUser)
		return
	}
	respond.WriteFully(conn, out.Bytes())
	if done.Claim() {
		s.Log.Log(accesslog.Entry{RemoteHost: host, RemoteUser: remoteUser, When: time.Now(), Method: req.Method.String(), RequestURI: req.EncodedURL, Protocol: protocolName(req.Version), Status: 200, BytesSent: int64(out.Len())})
	}
}

// resolveRange turns a parsed Range request into concrete [start,end]
// bounds (spec §4.8/§8 invariant 4): 0 <= start <= end < size.
func resolveRange(req *reqparse.Request, size int64) (start, end int64, ranged bool, herr *herror.Error) {
	if !req.GotRange {
		return 0, size - 1, false, nil
	}
	first, last := req.FirstByteIndex, req.LastByteIndex
	switch {
	case first < 0:
		n := -first
		if n > size {
			n = size
		}
		start = size - n
		end = size - 1
	case last < 0:
		start = first
		end = size - 1
	default:
		start = first
		end = last
	}
	if start < 0 || end >= size || start > end {
		return 0, 0, false, herror.New(herror.Malformed, "Requested Range Not Satisfiable", fmt.Sprintf("bytes */%d", size))
	}
	return start, end, true, nil
}

// --- CGI ---

func (s *Server) handleCGI(conn net.Conn, req *reqparse.Request, res *resolve.Result, bufferedBody []byte, done *accesslog.Done, host, remoteUser string) {
	release, ok := s.Admission.TryAcquire()
	if !ok {
		s.respondError(conn, req.Version, herror.New(herror.Overloaded, "Service Unavailable", "cgi_limit reached"), done, host, req.Method.String(), req.EncodedURL, remoteUser)
		return
	}
	defer release()
	atomic.AddInt64(&s.cgiCount, 1)
	defer atomic.AddInt64(&s.cgiCount, -1)

	scriptBase := filepath.Base(res.AbsPath)
	needInput := cgi.NeedsInputInterposer(req, len(bufferedBody))
	needOutput := cgi.NeedsOutputInterposer(scriptBase, req.Version)

	var bodyReader io.Reader
	if needInput && req.ContentLen > int64(len(bufferedBody)) {
		bodyReader = io.LimitReader(conn, req.ContentLen-int64(len(bufferedBody)))
	}

	w := cgi.Worker{
		ScriptPath:   res.AbsPath,
		ScriptDir:    filepath.Dir(res.AbsPath),
		Env:          cgi.BuildEnviron(s.cgiEnv(), req, req.DecodedURL, connRemoteAddrOf(conn), remoteUser),
		Argv:         cgi.DecodeArgv(req.Query),
		BufferedBody: bufferedBody,
		BodyReader:   bodyReader,
	}

	// OnStart runs synchronously within w.Run, on this same goroutine,
	// before Run blocks on the child's completion — so arming and
	// disarming the kill timers here needs no locking of its own.
	var pid int
	if s.CgiTimeLimit > 0 {
		w.OnStart = func(p int) {
			pid = p
			entry := childEntry{
				soft: s.Timers.Create(s.now(), func(cd timer.ClientData, now int64) {
					cgi.SoftKill(cd.(int))
				}, p, s.CgiTimeLimit.Milliseconds(), false),
				hard: s.Timers.Create(s.now(), func(cd timer.ClientData, now int64) {
					cgi.HardKill(cd.(int))
				}, p, s.CgiTimeLimit.Milliseconds()+hardKillDelay.Milliseconds(), false),
			}
			s.Children.Put(p, entry)
		}
	}

	var out bytes.Buffer
	var result *cgi.Result
	var herr *herror.Error
	if needOutput {
		result, herr = w.Run(conn, needInput, true, func(r io.Reader) { io.Copy(&out, r) })
	} else {
		result, herr = w.Run(conn, needInput, false, nil)
	}

	if pid != 0 {
		if entry, ok := s.Children.Take(pid); ok {
			s.Timers.Cancel(entry.soft)
			s.Timers.Cancel(entry.hard)
		}
	}

	if herr != nil {
		s.respondError(conn, req.Version, herr, done, host, req.Method.String(), req.EncodedURL, remoteUser)
		return
	}
	if !needOutput {
		// The script wrote its own status line/headers/body straight to
		// the socket (nph- script, or HTTP/0.9 with no header framing), so
		// the actual byte count is unknown to the server — spec §4.7's
		// "bytes_sent := CGI_BYTECOUNT" bookkeeping estimate.
		s.logAndClose(done, host, req.Method.String(), req.EncodedURL, 0, cgiByteCountEstimate)
		return
	}
	if result.ExitErr != nil && out.Len() == 0 {
		s.respondError(conn, req.Version, herror.Wrap(herror.Internal, "Internal Error", result.ExitErr), done, host, req.Method.String(), req.EncodedURL, remoteUser)
		return
	}
	s.emitThroughSigningPipe(conn, req, out.Bytes(), sign.ModeCGI, "", time.Time{}, done, host, remoteUser, out.Len())
}
