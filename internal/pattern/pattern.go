// Package pattern implements the shell-style wildcard matcher used for
// cgi_pattern and sig_exclude_pattern: a "|"-separated list of
// alternatives, each matched greedily and anchored at both ends.
//
// Within an alternative: "*" matches a run of non-"/" bytes, "**" matches
// a run including "/", "?" matches exactly one byte. There is no capture
// and no escaping.
package pattern

import "strings"

// Match reports whether s matches the given pattern. The pattern may be
// a single glob or several joined with "|"; s matches if any alternative
// matches the whole string.
func Match(pat, s string) bool {
	for _, alt := range strings.Split(pat, "|") {
		if matchAlt(alt, s) {
			return true
		}
	}
	return false
}

// matchAlt matches a single glob alternative (no "|") against s.
func matchAlt(pat, s string) bool {
	return matchBytes([]byte(pat), []byte(s))
}

// matchBytes is a classic recursive-descent glob matcher extended with a
// distinct "**" token that is allowed to consume "/".
func matchBytes(pat, s []byte) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case '*':
			if len(pat) > 1 && pat[1] == '*' {
				// "**" — match any run, including "/".
				pat = pat[2:]
				if len(pat) == 0 {
					return true
				}
				for i := 0; i <= len(s); i++ {
					if matchBytes(pat, s[i:]) {
						return true
					}
				}
				return false
			}
			// "*" — match a run of non-"/" bytes.
			pat = pat[1:]
			if len(pat) == 0 {
				return !containsSlash(s)
			}
			for i := 0; i <= len(s); i++ {
				if i > 0 && s[i-1] == '/' {
					break
				}
				if matchBytes(pat, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			pat = pat[1:]
			s = s[1:]
		default:
			if len(s) == 0 || s[0] != pat[0] {
				return false
			}
			pat = pat[1:]
			s = s[1:]
		}
	}
	return len(s) == 0
}

func containsSlash(b []byte) bool {
	for _, c := range b {
		if c == '/' {
			return true
		}
	}
	return false
}
