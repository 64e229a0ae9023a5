// Package digest computes content addresses for mail messages from their
// header bytes. The digest is independent of the server-assigned UID, so a
// message that reappears under a new UID after a folder rebuild is still
// recognized as already archived.
package digest

import (
	"bytes"
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Algorithm names the digest function and the canonicalization it is applied
// to. It is recorded in the archive index when an archive is created; opening
// an archive written with a different algorithm is refused, since mixing
// digests would silently break deduplication.
const Algorithm = "blake3-256/crlf-header"

// Size is the length of a digest in bytes.
const Size = 32

// Digest is the content address of a message.
type Digest [Size]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

var (
	crlf  = []byte("\r\n")
	lf    = []byte("\n")
	blank = []byte("\n\n")
)

// Canonical returns the canonical header bytes of b: everything up to and
// including the first blank line, with line endings normalized to CRLF.
// It accepts either bare header bytes (as returned by a header-only fetch)
// or a complete message; both yield the same result, which is what makes
// digests computed before and after a full download comparable.
func Canonical(b []byte) []byte {
	unix := bytes.ReplaceAll(b, crlf, lf)
	if i := bytes.Index(unix, blank); i >= 0 {
		unix = unix[:i+2]
	} else {
		unix = append(bytes.TrimRight(unix, "\n"), '\n', '\n')
	}
	return bytes.ReplaceAll(unix, lf, crlf)
}

// Compute returns the digest of the canonical header of b.
func Compute(b []byte) Digest {
	return Digest(blake3.Sum256(Canonical(b)))
}
