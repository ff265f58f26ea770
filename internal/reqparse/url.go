package reqparse

import "strings"

func hexit(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}

// URLDecode decodes %XX escapes and "+" (query-string space) in place,
// mirroring strdecode/strdecodequery from the original implementation.
// Malformed escapes pass the literal "%" and following bytes through
// unchanged rather than erroring, matching the original's leniency.
func URLDecode(s string, plusAsSpace bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%' && i+2 < len(s):
			hi, lo := hexit(s[i+1]), hexit(s[i+2])
			if hi >= 0 && lo >= 0 {
				b.WriteByte(byte(hi<<4 | lo))
				i += 2
				continue
			}
			b.WriteByte(c)
		case c == '+' && plusAsSpace:
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

const upperhex = "0123456789ABCDEF"

// URLEncode percent-encodes any byte that is not an unreserved URL
// character, the inverse of URLDecode(s, false).
func URLEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
		} else {
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&0xf])
		}
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	}
	return false
}

// DeDotDot collapses "//", "/./" and resolves "/.." segments in place,
// the way the original's de_dotdot() walks the string with src/dst
// cursors. It is idempotent: DeDotDot(DeDotDot(s)) == DeDotDot(s). A
// trailing "/" is kept, so the Resolver can tell "dir/" from "dir".
//
// Returns ok=false if the result would escape above the root (a leading
// "..", or any unresolved ".." after collapsing) — the caller must treat
// that as a 400.
func DeDotDot(file string) (string, bool) {
	segs := strings.Split(file, "/")
	out := make([]string, 0, len(segs))
	for _, seg := range segs {
		switch seg {
		case "", ".":
			// collapse "//" and "/./"
			continue
		case "..":
			if len(out) == 0 {
				return "", false
			}
			out = out[:len(out)-1]
		default:
			out = append(out, seg)
		}
	}
	result := strings.Join(out, "/")
	if result == "" {
		result = "."
	}
	if result != "." && strings.HasSuffix(file, "/") {
		result += "/"
	}
	if strings.HasPrefix(result, "/") || result == ".." || strings.HasPrefix(result, "../") {
		return "", false
	}
	return result, true
}
