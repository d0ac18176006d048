package sync

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"
)

const digestBufSize = 256 * 1024

// NewFastHash returns the hash used for content-equality checks.
func NewFastHash() hash.Hash { return xxhash.New() }

// NewStrongHash returns the cryptographic hash used for verification.
func NewStrongHash() hash.Hash {
	h, _ := blake2b.New256(nil) // only fails for keys longer than 64 bytes
	return h
}

// FormatDigest renders a finished hash as lowercase hex.
func FormatDigest(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// FastDigest computes the fast digest of r.
func FastDigest(r io.Reader) (string, error) {
	h := NewFastHash()
	if _, err := io.CopyBuffer(h, r, make([]byte, digestBufSize)); err != nil {
		return "", err
	}
	return FormatDigest(h), nil
}

// StrongDigest computes the strong digest of r.
func StrongDigest(r io.Reader) (string, error) {
	h := NewStrongHash()
	if _, err := io.CopyBuffer(h, r, make([]byte, digestBufSize)); err != nil {
		return "", err
	}
	return FormatDigest(h), nil
}

// DigestFile computes the fast digest and, if strong is set, the strong
// digest of the file at path in one read.
func DigestFile(fs afero.Fs, path string, strong bool) (fast, strongHex string, err error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	fh := NewFastHash()
	var w io.Writer = fh
	var sh hash.Hash
	if strong {
		sh = NewStrongHash()
		w = io.MultiWriter(fh, sh)
	}
	if _, err := io.CopyBuffer(w, f, make([]byte, digestBufSize)); err != nil {
		return "", "", fmt.Errorf("read %s: %w", path, err)
	}
	fast = FormatDigest(fh)
	if sh != nil {
		strongHex = FormatDigest(sh)
	}
	return fast, strongHex, nil
}
