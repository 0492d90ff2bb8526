package template

import "strings"

const upperhex = "0123456789ABCDEF"

// shouldEscape reports whether c must be percent-encoded. The unreserved set
// matches the browser's encodeURIComponent: ASCII alphanumerics plus
// - _ . ! ~ * ' ( ). Both execution paths must produce the same bytes for
// the same value, so this is the only escaping table in the module.
func shouldEscape(c byte) bool {
	if 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' {
		return false
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return false
	}
	return true
}

// Encode percent-encodes s byte-wise over its UTF-8 encoding, uppercase hex,
// space as %20.
func Encode(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if shouldEscape(c) {
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&15])
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}
