package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/noisersup/dedupfs-api/models"
)

// Registry maps storage-type tags ("FLAT", "S3"...) to backends. Tags are case
// insensitive and reported upper-cased. It is filled once at startup and
// read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	sealed   bool
}

func NewRegistry(backends map[string]Backend) (*Registry, error) {
	r := &Registry{backends: map[string]Backend{}}
	for tag, b := range backends {
		if err := r.Register(tag, b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a backend. It fails after the first Lookup.
func (r *Registry) Register(tag string, b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.sealed:
		return fmt.Errorf("registry: cannot register %q after first use", tag)
	case tag == "" || strings.EqualFold(tag, models.StorageTypeRef):
		return fmt.Errorf("registry: %q is a reserved storage type", tag)
	case b == nil:
		return fmt.Errorf("registry: nil backend for %q", tag)
	}
	if _, ok := r.backends[canonical(tag)]; ok {
		return fmt.Errorf("registry: storage type %q already registered", tag)
	}
	r.backends[canonical(tag)] = b
	return nil
}

// Lookup returns the backend for tag or a BadRequest error.
func (r *Registry) Lookup(tag string) (Backend, error) {
	r.mu.RLock()
	b, ok := r.backends[canonical(tag)]
	sealed := r.sealed
	r.mu.RUnlock()

	if !sealed {
		r.mu.Lock()
		r.sealed = true
		r.mu.Unlock()
	}

	if !ok {
		return nil, models.BadRequest("unknown storage type %q", tag)
	}
	return b, nil
}

func (r *Registry) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.backends[canonical(tag)]
	return ok
}

func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.backends))
	for t := range r.backends {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

func canonical(tag string) string {
	return strings.ToUpper(tag)
}
