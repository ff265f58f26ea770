package accesslog

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestFormatLineBasicShape(t *testing.T) {
	e := Entry{
		RemoteHost: "10.0.0.1",
		RemoteUser: "",
		When:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Method:     "GET",
		RequestURI: "/index.html",
		Protocol:   "HTTP/1.1",
		Status:     200,
		BytesSent:  1234,
	}
	line := FormatLine(e)
	if !strings.HasPrefix(line, "10.0.0.1 - - [") {
		t.Fatalf("line = %q", line)
	}
	if !strings.Contains(line, `"GET /index.html HTTP/1.1"`) {
		t.Fatalf("missing request line in %q", line)
	}
	if !strings.Contains(line, "200 1234") {
		t.Fatalf("missing status/bytes in %q", line)
	}
	if !strings.HasSuffix(line, `"-" "-"`) {
		t.Fatalf("expected dash referrer/user-agent, got %q", line)
	}
}

func TestFormatLineUnknownBytesSentRendersDash(t *testing.T) {
	e := Entry{RemoteHost: "h", Method: "GET", RequestURI: "/x", Status: 500, BytesSent: -1}
	if !strings.Contains(FormatLine(e), "500 -") {
		t.Fatalf("expected dash byte count, got %q", FormatLine(e))
	}
}

func TestFormatLineEscapesEmbeddedQuotes(t *testing.T) {
	e := Entry{RemoteHost: "h", Method: "GET", RequestURI: "/x", Status: 200, BytesSent: 0,
		Referrer: `evil" extra-field`}
	line := FormatLine(e)
	if strings.Contains(line, `evil" extra-field`) {
		t.Fatalf("expected embedded quote to be neutralized, got %q", line)
	}
}

func TestLoggerWritesOneLinePerEntry(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.Log(Entry{RemoteHost: "h1", Method: "GET", RequestURI: "/a", Status: 200, BytesSent: 1})
	l.Log(Entry{RemoteHost: "h2", Method: "GET", RequestURI: "/b", Status: 404, BytesSent: 0})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	l := Disabled()
	if err := l.Log(Entry{RemoteHost: "h", Method: "GET", RequestURI: "/", Status: 200}); err != nil {
		t.Fatal(err)
	}
}

func TestDoneClaimOnlyOnce(t *testing.T) {
	var d Done
	if !d.Claim() {
		t.Fatal("first Claim should succeed")
	}
	if d.Claim() {
		t.Fatal("second Claim should fail")
	}
}
