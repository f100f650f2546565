// Package ohifcache holds the identifiers shared by the metadata cache, the
// study aggregator and the HTTP server.
package ohifcache

import (
	"encoding/hex"
	"io"

	"github.com/zeebo/blake3"
)

// Hash is a BLAKE3 256-bit digest, used as the entity tag of study
// documents.
type Hash [32]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// ETag returns the hash as a strong HTTP entity tag.
func (h Hash) ETag() string {
	return `"` + h.String() + `"`
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashingWriter wraps a writer and computes the hash as data is written,
// so a response body and its ETag come out of one encoding pass.
type HashingWriter struct {
	w io.Writer
	h *blake3.Hasher
	n int64
}

// NewHashingWriter creates a writer that computes a hash as data is written.
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{
		w: w,
		h: blake3.New(),
	}
}

// Write implements io.Writer.
func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
		hw.n += int64(n)
	}
	return n, err
}

// Sum returns the hash of all data written so far.
func (hw *HashingWriter) Sum() Hash {
	var hash Hash
	hw.h.Sum(hash[:0])
	return hash
}

// BytesWritten returns the total number of bytes written.
func (hw *HashingWriter) BytesWritten() int64 {
	return hw.n
}
