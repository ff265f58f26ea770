// Package accesslog implements the Logger (C12): emission of a single
// CERN-combined-format line per request, plus the LOG_DONE handshake
// that ensures a request spawning a worker is logged exactly once
// (either by the parent, for error/direct paths, or by the worker
// itself, never both).
package accesslog

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Entry carries the fields of one CERN-combined log line.
type Entry struct {
	RemoteHost string
	RemoteUser string // "-" if unauthenticated
	When       time.Time
	Method     string
	RequestURI string
	Protocol   string // "HTTP/1.1" etc; empty for HTTP/0.9
	Status     int
	BytesSent  int64 // -1 to render as "-"
	Referrer   string
	UserAgent  string
}

// Logger serializes writes to a single underlying sink (a log file or
// stdout), since concurrent goroutines/processes may log at once and
// a torn line is worse than a blocked writer.
type Logger struct {
	mu       sync.Mutex
	w        *bufio.Writer
	closer   io.Closer
	disabled bool
}

// New wraps w as a Logger. If w also implements io.Closer, Close will
// close it.
func New(w io.Writer) *Logger {
	l := &Logger{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		l.closer = c
	}
	return l
}

// Disabled returns a Logger that silently discards everything,
// matching the `no_log` process flag.
func Disabled() *Logger {
	return &Logger{disabled: true}
}

// Log formats and writes one CERN-combined line, flushing immediately
// so a crash doesn't lose buffered entries (the original writes with
// unbuffered stdio for the same reason).
func (l *Logger) Log(e Entry) error {
	if l == nil || l.disabled {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, FormatLine(e))
	return l.w.Flush()
}

// Close flushes and closes the underlying sink, if closeable.
func (l *Logger) Close() error {
	if l == nil || l.disabled {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

const cernDateLayout = "02/Jan/2006:15:04:05 -0700"

// FormatLine renders e as a single CERN-combined log line:
//
//	host ident user [date] "METHOD uri PROTO" status bytes "referrer" "user-agent"
func FormatLine(e Entry) string {
	user := e.RemoteUser
	if user == "" {
		user = "-"
	}
	requestLine := e.Method + " " + e.RequestURI
	if e.Protocol != "" {
		requestLine += " " + e.Protocol
	}
	bytes := "-"
	if e.BytesSent >= 0 {
		bytes = fmt.Sprintf("%d", e.BytesSent)
	}
	referrer := e.Referrer
	if referrer == "" {
		referrer = "-"
	}
	ua := e.UserAgent
	if ua == "" {
		ua = "-"
	}
	when := e.When
	if when.IsZero() {
		when = time.Now()
	}
	return fmt.Sprintf("%s - %s [%s] %q %d %s %q %q",
		e.RemoteHost, user, when.Format(cernDateLayout),
		requestLine, e.Status, bytes,
		quoteField(referrer), quoteField(ua))
}

// quoteField replaces embedded double quotes with single quotes in a
// field the log line itself quotes, so a malicious Referer/User-Agent can't forge
// additional log fields.
func quoteField(s string) string {
	return strings.ReplaceAll(s, `"`, `'`)
}

// Done gates the "log exactly once per request" handshake between the
// parent (error/direct paths) and a spawned worker (spec §5's
// LOG_DONE flag): Claim reports true exactly once per Done instance.
type Done struct {
	mu     sync.Mutex
	logged bool
}

// Claim returns true the first time it's called, false on every
// subsequent call, regardless of caller (parent or worker).
func (d *Done) Claim() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.logged {
		return false
	}
	d.logged = true
	return true
}
