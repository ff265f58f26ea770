package server

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jbar/thttpgpd/internal/accesslog"
	"github.com/jbar/thttpgpd/internal/childtable"
	"github.com/jbar/thttpgpd/internal/dispatch"
	"github.com/jbar/thttpgpd/internal/mmapcache"
	"github.com/jbar/thttpgpd/internal/reqparse"
	"github.com/jbar/thttpgpd/internal/timer"
)

func newTestServer(t *testing.T, docRoot string) (*Server, *bytes.Buffer) {
	t.Helper()
	var logBuf bytes.Buffer
	s := &Server{
		DocRoot:         docRoot,
		Charset:         "utf-8",
		IndexNames:      []string{"index.html", "index.htm"},
		IndexingEnabled: true,
		ForbidHidden:    true,
		CgiPath:         "/usr/bin:/bin",
		Admission:       dispatch.NewAdmission(0),
		Cache:           mmapcache.New(mmapcache.DefaultLimits),
		Timers:          timer.New(),
		Children:        childtable.New[childEntry](),
		Log:             accesslog.New(&logBuf),
		now:             nowMillis,
	}
	return s, &logBuf
}

func serveOnce(s *Server, raw string) string {
	client, serverConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		s.HandleConn(serverConn)
		close(done)
	}()
	client.Write([]byte(raw))

	var out bytes.Buffer
	buf := make([]byte, 4096)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		n, err := client.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	<-done
	return out.String()
}

func TestHandleConnServesStaticFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}
	s, _ := newTestServer(t, dir)

	resp := serveOnce(s, "GET /hello.txt HTTP/1.0\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.0 200") {
		t.Fatalf("status line = %q", strings.SplitN(resp, "\r\n", 2)[0])
	}
	if !strings.HasSuffix(resp, "hello world") {
		t.Fatalf("body not found in response: %q", resp)
	}
}

func TestHandleConnMissingFileReturns404(t *testing.T) {
	dir := t.TempDir()
	s, logBuf := newTestServer(t, dir)

	resp := serveOnce(s, "GET /nope.txt HTTP/1.0\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.0 404") {
		t.Fatalf("status line = %q", strings.SplitN(resp, "\r\n", 2)[0])
	}
	if logBuf.Len() == 0 {
		t.Fatal("expected an access log line to be written")
	}
}

func TestHandleConnRangeRequest(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "data.bin"), []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}
	s, _ := newTestServer(t, dir)

	resp := serveOnce(s, "GET /data.bin HTTP/1.0\r\nRange: bytes=2-4\r\n\r\n")
	statusLine := strings.SplitN(resp, "\r\n", 2)[0]
	if !strings.HasPrefix(statusLine, "HTTP/1.0 206") {
		t.Fatalf("status line = %q", statusLine)
	}
	if !strings.HasSuffix(resp, "234") {
		t.Fatalf("expected ranged body %q, got response %q", "234", resp)
	}
}

func TestHandleConnDirectoryListing(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	s, _ := newTestServer(t, dir)

	resp := serveOnce(s, "GET / HTTP/1.0\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.0 200") {
		t.Fatalf("status line = %q", strings.SplitN(resp, "\r\n", 2)[0])
	}
	if !strings.Contains(resp, "sub/") {
		t.Fatalf("expected directory entry %q in listing, got %q", "sub/", resp)
	}
}

func TestResolveRangeVariants(t *testing.T) {
	cases := []struct {
		name              string
		gotRange          bool
		first, last       int64
		size              int64
		wantStart, wantEnd int64
		wantRanged        bool
		wantErr           bool
	}{
		{name: "no range", gotRange: false, size: 100, wantStart: 0, wantEnd: 99, wantRanged: false},
		{name: "explicit", gotRange: true, first: 10, last: 20, size: 100, wantStart: 10, wantEnd: 20, wantRanged: true},
		{name: "open ended", gotRange: true, first: 90, last: -1, size: 100, wantStart: 90, wantEnd: 99, wantRanged: true},
		{name: "suffix", gotRange: true, first: -10, last: -1, size: 100, wantStart: 90, wantEnd: 99, wantRanged: true},
		{name: "suffix larger than size", gotRange: true, first: -1000, last: -1, size: 100, wantStart: 0, wantEnd: 99, wantRanged: true},
		{name: "unsatisfiable", gotRange: true, first: 50, last: 200, size: 100, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := &reqparse.Request{GotRange: tc.gotRange, FirstByteIndex: tc.first, LastByteIndex: tc.last}
			start, end, ranged, herr := resolveRange(req, tc.size)
			if tc.wantErr {
				if herr == nil {
					t.Fatal("expected an error, got nil")
				}
				return
			}
			if herr != nil {
				t.Fatalf("unexpected error: %v", herr)
			}
			if start != tc.wantStart || end != tc.wantEnd || ranged != tc.wantRanged {
				t.Fatalf("got (%d,%d,%v), want (%d,%d,%v)", start, end, ranged, tc.wantStart, tc.wantEnd, tc.wantRanged)
			}
		})
	}
}

func TestFormatListingTimeSwitchesFormatPastSixMonths(t *testing.T) {
	recent := formatListingTime(time.Now().Add(-24 * time.Hour))
	if _, err := time.Parse("Jan 02 15:04", recent); err != nil {
		t.Fatalf("recent listing time %q did not parse as clock format: %v", recent, err)
	}
	old := formatListingTime(time.Now().Add(-365 * 24 * time.Hour))
	if _, err := time.Parse("Jan 02  2006", old); err != nil {
		t.Fatalf("old listing time %q did not parse as date format: %v", old, err)
	}
}

func TestClassSuffixMarksDirectoriesAndExecutables(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "run.sh")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(exe)
	if err != nil {
		t.Fatal(err)
	}
	if got := classSuffix(info); got != "*" {
		t.Fatalf("classSuffix(executable) = %q, want %q", got, "*")
	}

	dinfo, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := classSuffix(dinfo); got != "/" {
		t.Fatalf("classSuffix(dir) = %q, want %q", got, "/")
	}
}

func TestParseBasicUserDecodesCredentials(t *testing.T) {
	// "alice:secret" base64-encoded
	if got := parseBasicUser("Basic YWxpY2U6c2VjcmV0"); got != "alice" {
		t.Fatalf("parseBasicUser = %q, want %q", got, "alice")
	}
	if got := parseBasicUser(""); got != "" {
		t.Fatalf("parseBasicUser(empty) = %q, want empty", got)
	}
}

func TestCurrencyEnabledRequiresBothBinaries(t *testing.T) {
	s := &Server{}
	if s.currencyEnabled() {
		t.Fatal("expected currencyEnabled() false with no binaries configured")
	}
	s.CurrencyCreateBin = "/bin/true"
	if s.currencyEnabled() {
		t.Fatal("expected currencyEnabled() false with only one binary configured")
	}
	s.CurrencyValidateBin = "/bin/true"
	if !s.currencyEnabled() {
		t.Fatal("expected currencyEnabled() true with both binaries configured")
	}
}

func TestReadRequestHeadRejectsOversizeRequest(t *testing.T) {
	client, serverConn := net.Pipe()
	defer client.Close()
	defer serverConn.Close()

	go func() {
		line := "GET /" + strings.Repeat("a", maxRequestBytes+1) + " HTTP/1.0\r\n\r\n"
		client.Write([]byte(line))
	}()

	_, _, _, ferr := readRequestHead(serverConn)
	if ferr == nil {
		t.Fatal("expected an oversize request to be rejected")
	}
}

func TestReadBodyCombinesBufferedAndRemaining(t *testing.T) {
	client, serverConn := net.Pipe()
	defer client.Close()
	defer serverConn.Close()

	s := &Server{}
	req := &reqparse.Request{ContentLen: 10}
	go func() { client.Write([]byte("fgh")) }()

	body, herr := s.readBody(serverConn, req, []byte("abcdefg"))
	if herr != nil {
		t.Fatalf("unexpected error: %v", herr)
	}
	if string(body) != "abcdefgfgh" {
		t.Fatalf("body = %q", body)
	}
}
