package pattern

import "testing"

func TestMatch(t *testing.T) {
	cases := []struct {
		pat, s string
		want   bool
	}{
		{"*.cgi", "foo.cgi", true},
		{"*.cgi", "cgi-bin/foo.cgi", false}, // single * stops at /
		{"**/*.cgi", "cgi-bin/foo.cgi", true},
		{"cgi-bin/**", "cgi-bin/sub/foo.cgi", true},
		{"a/b|c**", "a/b", true},
		{"a/b|c**", "cxyz", true},
		{"a/b|c**", "zzz", false},
		{"foo?", "foo1", true},
		{"foo?", "foo", false},
		{"foo?", "foo12", false},
		{"*", "anything", true},
		{"*", "with/slash", false},
		{"**", "with/slash", true},
	}
	for _, c := range cases {
		if got := Match(c.pat, c.s); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.pat, c.s, got, c.want)
		}
	}
}

func TestMatchAlternativeOrderIndependence(t *testing.T) {
	a := "a/b|c**"
	b := "c**|a/b"
	for _, s := range []string{"a/b", "cxyz", "zzz"} {
		if Match(a, s) != Match(b, s) {
			t.Errorf("order dependence detected for %q", s)
		}
	}
}
