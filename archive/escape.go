package archive

import (
	"strings"

	"github.com/pkg/errors"
)

// Folder names come from the server and may contain path separators,
// percent signs or other bytes that are unsafe in a directory name.
// EscapeFolder maps them to a flat, filesystem-safe name that is
// deterministic and reversible: two distinct folder names never escape to
// the same directory, and UnescapeFolder restores the original exactly.
//
// Bytes are kept literally when they are ASCII letters, digits or one of
// "-_+@&, " and dots anywhere except the start of the name (so escaped
// names are never hidden files and never "." or ".."). Everything else,
// including '/' and '%', is written as %XX.

const hexdigits = "0123456789ABCDEF"

func escapeByte(b *strings.Builder, c byte) {
	b.WriteByte('%')
	b.WriteByte(hexdigits[c>>4])
	b.WriteByte(hexdigits[c&0xf])
}

func plainByte(c byte, first bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.':
		return !first
	case c == '-' || c == '_' || c == '+' || c == '@' || c == '&' || c == ',' || c == ' ':
		return true
	}
	return false
}

// EscapeFolder returns the directory name used for a folder.
func EscapeFolder(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		if plainByte(name[i], i == 0) {
			b.WriteByte(name[i])
		} else {
			escapeByte(&b, name[i])
		}
	}
	return b.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// UnescapeFolder inverts EscapeFolder.
func UnescapeFolder(dir string) (string, error) {
	var b strings.Builder
	b.Grow(len(dir))
	for i := 0; i < len(dir); i++ {
		if dir[i] != '%' {
			b.WriteByte(dir[i])
			continue
		}
		if i+2 >= len(dir) {
			return "", errors.Errorf("truncated escape in folder directory %q", dir)
		}
		hi, ok1 := unhex(dir[i+1])
		lo, ok2 := unhex(dir[i+2])
		if !ok1 || !ok2 {
			return "", errors.Errorf("invalid escape %q in folder directory %q", dir[i:i+3], dir)
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}
