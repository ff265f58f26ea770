// Package respond implements the ResponseEmitter (C9): assembling the
// status line and headers, and transferring the body either via a
// plain io.Writer or, for static files, a raw sendfile(2) fast path.
package respond

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jbar/thttpgpd/internal/herror"
	"github.com/jbar/thttpgpd/internal/reqparse"
)

const serverBanner = "sighttpd"

// Headers is an ordered list of extra header lines to emit verbatim
// (each already "Name: value", no trailing CRLF).
type Headers []string

// Response describes what ResponseEmitter must write for a single
// request/reply. Body is nil when nothing follows the headers
// (HEAD requests, or when a caller streams the body separately).
type Response struct {
	Version         reqparse.Version
	Status          int
	Title           string
	ContentType     string
	Charset         string
	ContentLength   int64 // -1 if unknown
	ContentEncoding string
	LastModified    time.Time
	Ranged          bool
	RangeStart      int64
	RangeEnd        int64
	TotalSize       int64
	Extra           Headers
	Body            []byte // in-memory body (error pages, directory listings)
}

// WriteHeaders assembles and writes the status line and headers (spec
// §4.8) to w, the way write_fully does in the original: a single
// buffered write so a slow client can't fragment the header block.
func WriteHeaders(w *bufio.Writer, resp Response) error {
	proto := "HTTP/1.0"
	if resp.Version == reqparse.HTTP11 {
		proto = "HTTP/1.1"
	}
	if resp.Version == reqparse.HTTP09 {
		// HTTP/0.9 replies carry no status line or headers at all.
		return nil
	}

	fmt.Fprintf(w, "%s %d %s\r\n", proto, resp.Status, resp.Title)
	fmt.Fprintf(w, "Server: %s\r\n", serverBanner)
	if resp.ContentType != "" {
		ct := resp.ContentType
		if resp.Charset != "" && strings.HasPrefix(ct, "text/") {
			ct += "; charset=" + resp.Charset
		}
		fmt.Fprintf(w, "Content-Type: %s\r\n", ct)
	}
	fmt.Fprintf(w, "Date: %s\r\n", time.Now().UTC().Format(http11Date))
	if !resp.LastModified.IsZero() {
		fmt.Fprintf(w, "Last-Modified: %s\r\n", resp.LastModified.UTC().Format(http11Date))
	}
	fmt.Fprintf(w, "Accept-Ranges: bytes\r\n")
	fmt.Fprintf(w, "Connection: close\r\n")
	if resp.Status < 200 || resp.Status >= 400 {
		fmt.Fprintf(w, "Cache-Control: no-cache,no-store\r\n")
	}
	if resp.ContentEncoding != "" {
		fmt.Fprintf(w, "Content-Encoding: %s\r\n", resp.ContentEncoding)
	}
	if resp.Ranged {
		fmt.Fprintf(w, "Content-Range: bytes %d-%d/%d\r\n", resp.RangeStart, resp.RangeEnd, resp.TotalSize)
		fmt.Fprintf(w, "Content-Length: %d\r\n", resp.RangeEnd-resp.RangeStart+1)
	} else if resp.ContentLength >= 0 {
		fmt.Fprintf(w, "Content-Length: %d\r\n", resp.ContentLength)
	}
	for _, h := range resp.Extra {
		fmt.Fprintf(w, "%s\r\n", h)
	}
	fmt.Fprintf(w, "\r\n")
	return w.Flush()
}

const http11Date = "Mon, 02 Jan 2006 15:04:05 GMT"

// ErrorPage renders a minimal HTML error body with arg HTML-defanged,
// matching spec §4.8's "defanged argument" error body contract.
func ErrorPage(title string, arg string) []byte {
	safe := defang(arg)
	var b strings.Builder
	b.WriteString("<html><head><title>")
	b.WriteString(defang(title))
	b.WriteString("</title></head><body><h1>")
	b.WriteString(defang(title))
	b.WriteString("</h1>")
	if safe != "" {
		b.WriteString("<p>")
		b.WriteString(safe)
		b.WriteString("</p>")
	}
	b.WriteString("</body></html>\n")
	return []byte(b.String())
}

func defang(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// FromHerror builds a Response for a failed request.
func FromHerror(version reqparse.Version, herr *herror.Error) Response {
	status := herr.Kind.Status()
	title := herr.Title
	body := ErrorPage(title, herr.Arg)
	return Response{
		Version:       version,
		Status:        status,
		Title:         title,
		ContentType:   "text/html",
		ContentLength: int64(len(body)),
		Body:          body,
	}
}

// WriteFully writes all of buf to conn, tolerating EINTR/EAGAIN with a
// brief sleep rather than treating them as fatal — mirrors the
// original's write_fully retry loop for a non-blocking socket fd.
func WriteFully(conn net.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if n > 0 {
			buf = buf[n:]
		}
		if err == nil {
			continue
		}
		if isRetryable(err) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return nil
}

func isRetryable(err error) bool {
	return err == syscall.EINTR || err == syscall.EAGAIN
}

// TransferFile sends file[start:end] (inclusive) to conn using
// sendfile(2) when conn is a *net.TCPConn, falling back to a buffered
// user-space copy otherwise (e.g. over TLS or in tests with a non-TCP
// net.Conn). Grounded directly on sendfl's transferWithSendFile.
func TransferFile(conn net.Conn, file *os.File, start, end int64) (int64, error) {
	length := end - start + 1
	if length <= 0 {
		return 0, nil
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		n, err := sendfileRange(tcp, file, start, length)
		if err == nil {
			return n, nil
		}
		// on sendfile failure, buffered-copy whatever sendfile did not send
		m, err := copyRange(conn, file, start+n, length-n)
		return n + m, err
	}
	return copyRange(conn, file, start, length)
}

func sendfileRange(tcp *net.TCPConn, file *os.File, start, length int64) (int64, error) {
	rawConn, err := tcp.SyscallConn()
	if err != nil {
		return 0, err
	}
	offset := start
	remaining := length
	var totalWritten int64
	var sysErr error
	idleSpins := 0
	for remaining > 0 && idleSpins < maxIdleSpins {
		werr := rawConn.Write(func(fd uintptr) bool {
			off := offset
			n, e := syscall.Sendfile(int(fd), int(file.Fd()), &off, int(remaining))
			if n > 0 {
				totalWritten += int64(n)
				offset += int64(n)
				remaining -= int64(n)
			}
			sysErr = e
			return e != syscall.EAGAIN && e != syscall.EINTR
		})
		if werr != nil {
			return totalWritten, werr
		}
		if sysErr != nil && sysErr != syscall.EAGAIN && sysErr != syscall.EINTR {
			return totalWritten, sysErr
		}
		if sysErr != nil {
			idleSpins++
			time.Sleep(time.Millisecond)
			continue
		}
		idleSpins = 0
	}
	if remaining > 0 {
		return totalWritten, syscall.EAGAIN
	}
	return totalWritten, nil
}

// maxIdleSpins bounds how many consecutive EAGAIN/EINTR retries
// sendfileRange tolerates before giving up and letting the caller fall
// back to a buffered copy.
const maxIdleSpins = 1000

func copyRange(conn net.Conn, file *os.File, start, length int64) (int64, error) {
	buf := make([]byte, 64*1024)
	var total int64
	remaining := length
	offset := start
	for remaining > 0 {
		chunk := int64(len(buf))
		if remaining < chunk {
			chunk = remaining
		}
		n, err := file.ReadAt(buf[:chunk], offset)
		if n > 0 {
			if werr := WriteFully(conn, buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			offset += int64(n)
			remaining -= int64(n)
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ContentLengthHeader is a convenience for building Extra headers.
func ContentLengthHeader(n int64) string {
	return "Content-Length: " + strconv.FormatInt(n, 10)
}
