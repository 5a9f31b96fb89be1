// Package hasher computes the content hashes used for deduplication.
// A content hash is the lowercase hex SHA-256 of the full byte stream.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"
)

// Sum streams r to the end and returns its hex digest and length.
func Sum(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// SumBytes is Sum for in-memory content.
func SumBytes(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

// Writer hashes everything written through it.
type Writer struct {
	w       io.Writer
	h       hash.Hash
	written int64
}

// NewWriter returns a Writer forwarding to w. w may be nil.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, h: sha256.New()}
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.w != nil {
		n, err := w.w.Write(p)
		w.h.Write(p[:n])
		w.written += int64(n)
		return n, err
	}
	w.h.Write(p)
	w.written += int64(len(p))
	return len(p), nil
}

func (w *Writer) Sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

func (w *Writer) Written() int64 {
	return w.written
}

// Equal compares two hex digests ignoring case.
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Valid reports whether s looks like a hex SHA-256 digest.
func Valid(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Normalize lowercases a digest so it can be used as a lookup key.
func Normalize(s string) string {
	return strings.ToLower(s)
}
