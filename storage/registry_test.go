package storage

import (
	"context"
	"io"
	"testing"

	"github.com/noisersup/dedupfs-api/models"
	"github.com/stretchr/testify/assert"
)

type nopBackend struct{ name string }

func (b nopBackend) Name() string { return b.name }
func (b nopBackend) Save(ctx context.Context, key string, r io.Reader, expectedHash string) (SaveResult, error) {
	return SaveResult{Locator: key}, nil
}
func (b nopBackend) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	return nil, ErrNotFound
}
func (b nopBackend) Delete(ctx context.Context, locator string) error { return nil }

func Test_Registry(t *testing.T) {
	r, err := NewRegistry(map[string]Backend{"FLAT": nopBackend{"flat"}, "S3": nopBackend{"s3"}})
	assert.NoError(t, err)

	assert.Equal(t, []string{"FLAT", "S3"}, r.Tags())
	assert.True(t, r.Has("FLAT"))

	b, err := r.Lookup("S3")
	assert.NoError(t, err)
	assert.Equal(t, "s3", b.Name())

	_, err = r.Lookup("TAPE")
	assert.ErrorIs(t, err, models.ErrBadRequest)

	// sealed after first lookup
	assert.Error(t, r.Register("MEMORY", nopBackend{"mem"}))
}

func Test_RegistryRejectsRef(t *testing.T) {
	_, err := NewRegistry(map[string]Backend{models.StorageTypeRef: nopBackend{"x"}})
	assert.Error(t, err)

	r, _ := NewRegistry(nil)
	assert.Error(t, r.Register("REF", nopBackend{"x"}))
	assert.Error(t, r.Register("", nopBackend{"x"}))
	assert.NoError(t, r.Register("FLAT", nopBackend{"x"}))
	assert.Error(t, r.Register("FLAT", nopBackend{"y"}))
	assert.Error(t, r.Register("flat", nopBackend{"y"}))
}

func Test_RegistryTagsIgnoreCase(t *testing.T) {
	r, err := NewRegistry(map[string]Backend{"Flat": nopBackend{"flat"}})
	assert.NoError(t, err)
	assert.Equal(t, []string{"FLAT"}, r.Tags())
	assert.True(t, r.Has("flat"))

	for _, tag := range []string{"FLAT", "flat", "Flat"} {
		b, err := r.Lookup(tag)
		if assert.NoError(t, err, tag) {
			assert.Equal(t, "flat", b.Name())
		}
	}
}
