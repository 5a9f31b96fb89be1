// Package dedup maintains the mother/reference graph: for every content hash at
// most one file (the mother) owns the bytes and lists the files sharing them.
//
// Every change to the graph of one hash happens under that hash's lock. Since a
// hash has one mother and the hash survives a change of mother, this also
// serializes all changes to a given mother.
package dedup

import (
	"bytes"
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/noisersup/dedupfs-api/lockmap"
	l "github.com/noisersup/dedupfs-api/logger"
	"github.com/noisersup/dedupfs-api/metrics"
	"github.com/noisersup/dedupfs-api/models"
	"github.com/noisersup/dedupfs-api/tree"
)

// ErrNoMother is returned by Replace when content has no mother and no bytes were written for it.
var ErrNoMother = errors.New("dedup: no mother holds this content")

// Blob is a physical object in a storage backend.
type Blob struct {
	StorageType string
	Locator     string
}

func blobOf(n *models.FileNode) *Blob {
	if n.StorageType == "" || n.StorageType == models.StorageTypeRef || n.Locator == "" {
		return nil
	}
	return &Blob{StorageType: n.StorageType, Locator: n.Locator}
}

type Manager struct {
	tree    *tree.Store
	locks   *lockmap.Map
	metrics *metrics.Metrics
}

func New(t *tree.Store, m *metrics.Metrics) *Manager {
	return &Manager{tree: t, locks: lockmap.New(), metrics: m}
}

// Lock serializes dedup changes of the given hashes and returns the unlock function.
func (m *Manager) Lock(hashes ...string) func() {
	keys := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if h != "" {
			keys = append(keys, "hash:"+h)
		}
	}
	return m.locks.Lock(keys...)
}

// TryAttachAsReference looks for the mother of candidate's content and, if there is
// one, lists candidate among its references. The caller then stores candidate as a
// reference to the returned mother. Returns nil when the content is new.
func (m *Manager) TryAttachAsReference(ctx context.Context, candidate *models.FileNode) (*models.FileNode, error) {
	unlock := m.Lock(candidate.ContentHash)
	defer unlock()
	return m.attach(ctx, candidate)
}

// DetachReference removes ref from its mother's references. Detaching twice is harmless.
func (m *Manager) DetachReference(ctx context.Context, ref *models.FileNode) error {
	unlock := m.Lock(ref.ContentHash)
	defer unlock()
	return m.detach(ctx, ref)
}

// ReassignMother hands the bytes of old to one of its references, which becomes the
// new mother of the remaining ones and of old itself: old ends up an ordinary
// reference listed by the new mother. orphaned is true when old had no references
// and its bytes are not needed by anyone else; old is then left untouched.
func (m *Manager) ReassignMother(ctx context.Context, old *models.FileNode) (newMother *models.FileNode, orphaned bool, err error) {
	unlock := m.Lock(old.ContentHash)
	defer unlock()

	fresh, err := m.tree.Get(ctx, old.ID)
	if err != nil {
		return nil, false, err
	}
	if !fresh.IsMother() {
		return nil, false, models.BadRequest("%s is not a mother", old.ID)
	}
	newMother, orphaned, err = m.reassign(ctx, fresh)
	if err != nil || newMother == nil {
		return newMother, orphaned, err
	}
	if err := m.tree.Update(ctx, newMother.ID, models.Patch{AddReferences: []uuid.UUID{fresh.ID}}); err != nil {
		return newMother, false, err
	}
	newMother.Extra.FileReferences = append(newMother.Extra.FileReferences, fresh.ID)
	return newMother, false, nil
}

// attach expects the hash lock to be held.
func (m *Manager) attach(ctx context.Context, candidate *models.FileNode) (*models.FileNode, error) {
	mother, err := m.tree.FindByHash(ctx, candidate.ContentHash)
	if err != nil || mother == nil || mother.ID == candidate.ID {
		return nil, err
	}
	if err := m.tree.Update(ctx, mother.ID, models.Patch{AddReferences: []uuid.UUID{candidate.ID}}); err != nil {
		return nil, err
	}
	mother.Extra.FileReferences = append(mother.Extra.FileReferences, candidate.ID)
	return mother, nil
}

// detach expects the hash lock to be held.
func (m *Manager) detach(ctx context.Context, ref *models.FileNode) error {
	motherID, err := ref.MotherID()
	if err != nil {
		return m.defect("reference %s has an invalid mother %q", ref.ID, ref.Locator)
	}
	err = m.tree.Update(ctx, motherID, models.Patch{RemoveReferences: []uuid.UUID{ref.ID}})
	if errors.Is(err, models.ErrNotFound) {
		return m.defect("mother %s of reference %s does not exist", motherID, ref.ID)
	}
	return err
}

// reassign expects the hash lock to be held and old to be freshly read.
// On success old points at the new mother but is not among its references: the
// caller must delete old or rewrite it before releasing the hash lock.
func (m *Manager) reassign(ctx context.Context, old *models.FileNode) (*models.FileNode, bool, error) {
	refs := append([]uuid.UUID(nil), old.Extra.FileReferences...)
	sort.Slice(refs, func(i, j int) bool { return bytes.Compare(refs[i][:], refs[j][:]) < 0 })

	var (
		newMother *models.FileNode
		rest      []uuid.UUID
	)
	for _, id := range refs {
		n, err := m.tree.Get(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			m.defect("mother %s lists missing reference %s", old.ID, id)
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if newMother == nil {
			newMother = n
		} else {
			rest = append(rest, id)
		}
	}

	if newMother == nil {
		if len(refs) > 0 {
			if err := m.tree.Update(ctx, old.ID, models.Patch{References: &[]uuid.UUID{}}); err != nil {
				return nil, false, err
			}
		}
		return nil, true, nil
	}

	// The old mother lets go of the content first, the store accepts one mother per hash.
	newID := newMother.ID.String()
	err := m.tree.Update(ctx, old.ID, models.Patch{
		StorageType: models.Ptr(models.StorageTypeRef),
		Locator:     &newID,
		References:  &[]uuid.UUID{},
	})
	if err != nil {
		return nil, false, err
	}

	promote := models.Patch{
		StorageType: models.Ptr(old.StorageType),
		Locator:     models.Ptr(old.Locator),
		ContentHash: models.Ptr(old.ContentHash),
		Size:        models.Ptr(old.Size),
		References:  &rest,
	}
	if err := m.tree.Update(ctx, newMother.ID, promote); err != nil {
		restore := models.Patch{
			StorageType: models.Ptr(old.StorageType),
			Locator:     models.Ptr(old.Locator),
			References:  &old.Extra.FileReferences,
		}
		if rerr := m.tree.Update(ctx, old.ID, restore); rerr != nil {
			l.Err("dedup: could not restore mother %s after failed reassign: %v", old.ID, rerr)
		}
		return nil, false, err
	}
	promote.Apply(newMother)

	for _, id := range rest {
		if err := m.tree.Update(ctx, id, models.Patch{Locator: &newID}); err != nil {
			// readers still reach the bytes through the demoted old mother
			l.Err("dedup: reference %s still points at %s: %v", id, old.ID, err)
			return newMother, false, err
		}
	}

	l.LogV("dedup: %s is the new mother of %s (%d references)", newMother.ID, old.ContentHash, len(rest))
	m.metrics.Reassigned()
	return newMother, false, nil
}

func (m *Manager) defect(format string, a ...interface{}) error {
	l.Defect("dedup: "+format, a...)
	m.metrics.Defect()
	return models.Integrity(format, a...)
}
