// Package flat stores blobs as plain files on a local (or in-memory) filesystem.
package flat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/noisersup/dedupfs-api/hasher"
	l "github.com/noisersup/dedupfs-api/logger"
	"github.com/noisersup/dedupfs-api/storage"
	"github.com/spf13/afero"
)

const tmpDir = ".tmp"

type Store struct {
	fs   afero.Fs
	name string
}

// New creates a store rooted at the given filesystem.
// A nil fs falls back to ./files on disk.
func New(fs afero.Fs, name string) (*Store, error) {
	if fs == nil {
		fs = afero.NewBasePathFs(afero.NewOsFs(), "files")
	}
	if name == "" {
		name = "flat"
	}
	if err := fs.MkdirAll(tmpDir, 0700); err != nil {
		return nil, fmt.Errorf("flat: preparing %s: %w", tmpDir, err)
	}
	return &Store{fs: fs, name: name}, nil
}

// NewOnDisk creates a store keeping its files under dir.
func NewOnDisk(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir), "flat@"+dir)
}

// NewInMemory creates a store that forgets everything on restart.
func NewInMemory() *Store {
	s, _ := New(afero.NewMemMapFs(), "memory")
	return s
}

func (s *Store) Name() string { return s.name }

func (s *Store) Save(ctx context.Context, key string, r io.Reader, expectedHash string) (storage.SaveResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.SaveResult{}, err
	}
	locator, err := locatorOf(key)
	if err != nil {
		return storage.SaveResult{}, err
	}

	tmp, err := afero.TempFile(s.fs, tmpDir, "put-")
	if err != nil {
		return storage.SaveResult{}, fmt.Errorf("flat: create temp for %q: %w", key, err)
	}
	tmpName := tmp.Name()

	w := hasher.NewWriter(tmp)
	_, err = io.Copy(w, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.remove(tmpName)
		return storage.SaveResult{}, fmt.Errorf("flat: write %q: %w", key, err)
	}

	sum := w.Sum()
	if expectedHash != "" && !hasher.Equal(sum, expectedHash) {
		s.remove(tmpName)
		return storage.SaveResult{}, fmt.Errorf("flat: %q got %s want %s: %w", key, sum, expectedHash, storage.ErrHashMismatch)
	}

	if err := s.fs.MkdirAll(path.Dir(locator), 0700); err != nil {
		s.remove(tmpName)
		return storage.SaveResult{}, fmt.Errorf("flat: ensuring directories for %q: %w", key, err)
	}
	if err := s.fs.Rename(tmpName, locator); err != nil {
		s.remove(tmpName)
		return storage.SaveResult{}, fmt.Errorf("flat: publish %q: %w", key, err)
	}

	return storage.SaveResult{Locator: locator, Size: w.Written(), Hash: sum}, nil
}

func (s *Store) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.fs.Open(locator)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("flat: %q: %w", locator, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("flat: open %q: %w", locator, err)
	}
	return f, nil
}

func (s *Store) Delete(ctx context.Context, locator string) error {
	if err := s.fs.Remove(locator); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("flat: removing %q: %w", locator, err)
	}
	return nil
}

// Exists reports whether a blob is published under locator.
func (s *Store) Exists(locator string) (bool, error) {
	fi, err := s.fs.Stat(locator)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !fi.IsDir(), nil
}

func (s *Store) remove(name string) {
	if err := s.fs.Remove(name); err != nil && !os.IsNotExist(err) {
		l.Warn("flat: could not remove temp file %s: %v", name, err)
	}
}

// locatorOf spreads blobs over two-character directories: "ab/abcd...".
func locatorOf(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." || strings.HasPrefix(key, ".") {
		return "", errors.New("flat: invalid key " + key)
	}
	if len(key) < 3 {
		return key, nil
	}
	return path.Join(key[:2], key), nil
}
