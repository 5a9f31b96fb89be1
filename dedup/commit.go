package dedup

import (
	"context"
	"errors"

	"github.com/google/uuid"
	l "github.com/noisersup/dedupfs-api/logger"
	"github.com/noisersup/dedupfs-api/models"
)

// Commit stores a new file node either as the mother of its content or, when the
// content already has a mother, as a reference to it. persist writes the node
// document; it runs under the hash lock after node was rewritten as needed.
//
// A concurrent writer outside this process is caught by the store's uniqueness
// constraint, in which case the node is retried as a reference.
// Returns the mother when node became a reference.
func (m *Manager) Commit(ctx context.Context, node *models.FileNode, persist func(ctx context.Context, n *models.FileNode) error) (*models.FileNode, error) {
	unlock := m.Lock(node.ContentHash)
	defer unlock()

	own := *node
	for attempt := 0; attempt < 2; attempt++ {
		mother, err := m.attach(ctx, node)
		if err != nil {
			return nil, err
		}

		if mother != nil {
			asReference(node, mother)
			if err := persist(ctx, node); err != nil {
				m.undoAttach(ctx, mother.ID, node.ID)
				*node = own
				return nil, err
			}
			m.metrics.DedupHit()
			return mother, nil
		}

		err = persist(ctx, node)
		if errors.Is(err, models.ErrDuplicate) && attempt == 0 {
			l.LogV("dedup: lost the race for %s, storing %s as a reference", node.ContentHash, node.ID)
			continue
		}
		return nil, err
	}
	return nil, models.Unavailable(errors.New("mother keeps changing"), "commit %s", node.ID)
}

// Link stores node as a reference when its content already has a mother and
// returns that mother. When the content is new, nothing is persisted and nil is returned.
func (m *Manager) Link(ctx context.Context, node *models.FileNode, persist func(ctx context.Context, n *models.FileNode) error) (*models.FileNode, error) {
	unlock := m.Lock(node.ContentHash)
	defer unlock()

	own := *node
	mother, err := m.attach(ctx, node)
	if err != nil || mother == nil {
		return nil, err
	}
	asReference(node, mother)
	if err := persist(ctx, node); err != nil {
		m.undoAttach(ctx, mother.ID, node.ID)
		*node = own
		return nil, err
	}
	m.metrics.DedupHit()
	return mother, nil
}

// Release takes node out of the dedup graph and runs drop, normally the deletion of
// the node document, while the hash is locked. It returns the blob nobody uses
// anymore, which the caller deletes from its backend once.
func (m *Manager) Release(ctx context.Context, node *models.FileNode, drop func(ctx context.Context) error) (*Blob, error) {
	unlock := m.Lock(node.ContentHash)
	defer unlock()

	fresh, err := m.tree.Get(ctx, node.ID)
	if err != nil {
		return nil, err
	}

	switch {
	case fresh.IsRef():
		if err := m.detach(ctx, fresh); err != nil && !errors.Is(err, models.ErrDataIntegrity) {
			return nil, err
		}
		// a dangling reference has nothing to clean up, it can still go
		return nil, drop(ctx)

	case len(fresh.Extra.FileReferences) > 0:
		newMother, orphaned, err := m.reassign(ctx, fresh)
		if err != nil {
			return nil, err
		}
		if err := drop(ctx); err != nil {
			if newMother != nil {
				// keep the demoted node a proper reference of its new mother
				m.tree.Update(ctx, newMother.ID, models.Patch{AddReferences: []uuid.UUID{fresh.ID}})
			}
			return nil, err
		}
		if orphaned {
			return blobOf(fresh), nil
		}
		return nil, nil
	}

	if err := drop(ctx); err != nil {
		return nil, err
	}
	return blobOf(fresh), nil
}

// Content describes the bytes a node should point to after Replace.
// Locator is empty when the bytes were not written (the caller hopes for a mother).
type Content struct {
	Hash        string
	Size        int64
	StorageType string
	Locator     string
	MimeType    string
}

type ReplaceResult struct {
	// Mother is set when the node became a reference.
	Mother *models.FileNode
	// Orphan is the node's previous blob if nothing refers to it anymore.
	Orphan *Blob
	// Discard is the freshly written blob when it turned out not to be needed.
	Discard *Blob
}

// Replace points an existing file node at new content. Its old role is given up
// first (detached, or mother duty reassigned), then the node becomes a reference
// to an existing mother of c.Hash or the mother of c itself.
// When there is no mother and c has no locator, ErrNoMother is returned and nothing changes.
func (m *Manager) Replace(ctx context.Context, node *models.FileNode, c Content) (ReplaceResult, error) {
	unlock := m.Lock(node.ContentHash, c.Hash)
	defer unlock()

	var res ReplaceResult
	written := blobOf(&models.FileNode{StorageType: c.StorageType, Locator: c.Locator})

	fresh, err := m.tree.Get(ctx, node.ID)
	if err != nil {
		return res, err
	}
	mother, err := m.tree.FindByHash(ctx, c.Hash)
	if err != nil {
		return res, err
	}

	switch {
	case mother != nil && mother.ID == fresh.ID,
		mother != nil && fresh.IsRef() && fresh.Locator == mother.ID.String():
		// same content as before
		res.Discard = written
		*node = *fresh
		return res, nil
	case mother == nil && written == nil:
		return res, ErrNoMother
	}

	switch {
	case fresh.IsRef():
		if err := m.detach(ctx, fresh); err != nil && !errors.Is(err, models.ErrDataIntegrity) {
			return res, err
		}
	case len(fresh.Extra.FileReferences) > 0:
		if _, orphaned, err := m.reassign(ctx, fresh); err != nil {
			return res, err
		} else if orphaned {
			res.Orphan = blobOf(fresh)
		}
	default:
		res.Orphan = blobOf(fresh)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if mother != nil {
			if err := m.tree.Update(ctx, mother.ID, models.Patch{AddReferences: []uuid.UUID{fresh.ID}}); err != nil {
				return res, err
			}
			p := models.Patch{
				StorageType: models.Ptr(models.StorageTypeRef),
				Locator:     models.Ptr(mother.ID.String()),
				ContentHash: models.Ptr(mother.ContentHash),
				Size:        models.Ptr(mother.Size),
				References:  &[]uuid.UUID{},
				MimeType:    models.Ptr(mimeOf(mother, c)),
			}
			if err := m.tree.Update(ctx, fresh.ID, p); err != nil {
				m.undoAttach(ctx, mother.ID, fresh.ID)
				return res, err
			}
			p.Apply(fresh)
			*node = *fresh
			res.Mother = mother
			res.Discard = written
			m.metrics.DedupHit()
			return res, nil
		}

		p := models.Patch{
			StorageType: models.Ptr(c.StorageType),
			Locator:     models.Ptr(c.Locator),
			ContentHash: models.Ptr(c.Hash),
			Size:        models.Ptr(c.Size),
			References:  &[]uuid.UUID{},
		}
		if c.MimeType != "" {
			p.MimeType = &c.MimeType
		}
		err := m.tree.Update(ctx, fresh.ID, p)
		if errors.Is(err, models.ErrDuplicate) && attempt == 0 {
			if mother, err = m.tree.FindByHash(ctx, c.Hash); err != nil {
				return res, err
			}
			if mother != nil {
				continue
			}
			err = models.Unavailable(models.ErrDuplicate, "commit %s", fresh.ID)
		}
		if err != nil {
			return res, err
		}
		p.Apply(fresh)
		*node = *fresh
		return res, nil
	}
	return res, models.Unavailable(errors.New("mother keeps changing"), "replace %s", fresh.ID)
}

func asReference(node, mother *models.FileNode) {
	node.StorageType = models.StorageTypeRef
	node.Locator = mother.ID.String()
	node.Size = mother.Size
	node.ContentHash = mother.ContentHash
	node.Extra.FileReferences = nil
	if mother.Extra.MimeType != "" {
		node.Extra.MimeType = mother.Extra.MimeType
	}
}

// mimeOf is the type of a reference to mother: the mother's bytes are what it serves.
func mimeOf(mother *models.FileNode, c Content) string {
	if mother.Extra.MimeType != "" {
		return mother.Extra.MimeType
	}
	return c.MimeType
}

func (m *Manager) undoAttach(ctx context.Context, motherID, id uuid.UUID) {
	if err := m.tree.Update(ctx, motherID, models.Patch{RemoveReferences: []uuid.UUID{id}}); err != nil {
		l.Err("dedup: could not undo attach of %s to %s: %v", id, motherID, err)
	}
}
