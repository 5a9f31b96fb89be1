// Package storage defines the byte stores file contents are written to and the
// registry mapping storage-type tags to them.
package storage

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrHashMismatch is returned by Save when the written bytes don't hash to the expected value.
	// Nothing is published in that case.
	ErrHashMismatch = errors.New("content hash mismatch")
	ErrNotFound     = errors.New("content not found")
)

type SaveResult struct {
	Locator string
	Size    int64
	Hash    string
}

// Backend stores immutable blobs.
//
// Save streams r under key. When expectedHash is not empty the computed hash must
// match it; on mismatch no bytes are left behind. A blob becomes visible to Open
// only after Save returned successfully.
//
// Delete of a missing locator is not an error.
type Backend interface {
	Name() string
	Save(ctx context.Context, key string, r io.Reader, expectedHash string) (SaveResult, error)
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
	Delete(ctx context.Context, locator string) error
}
