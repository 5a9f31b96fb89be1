package tree

import (
	"context"
	"errors"

	"github.com/google/uuid"
	l "github.com/noisersup/dedupfs-api/logger"
	"github.com/noisersup/dedupfs-api/models"
)

// Reconcile makes the children lists agree with the parent field of id:
// only its parent lists it, and the parent does list it.
// A node that no longer exists is dropped from every list. Returns the number of repairs.
func (s *Store) Reconcile(ctx context.Context, id uuid.UUID) (int, error) {
	node, err := s.Get(ctx, id)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return 0, err
	}
	if node != nil {
		unlock := s.parents.Lock(node.Parent.String())
		defer unlock()
	}
	return s.reconcile(ctx, id)
}

// reconcile expects the lock of the node's parent to be held when the node exists.
func (s *Store) reconcile(ctx context.Context, id uuid.UUID) (int, error) {
	node, err := s.Get(ctx, id)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return 0, err
	}

	var holders []*models.FileNode
	err = s.do(ctx, "find holders", func(ctx context.Context) (err error) {
		holders, err = s.docs.Find(ctx, models.Filter{Child: id})
		return err
	})
	if err != nil {
		return 0, s.fail(err, "holders of %s", id)
	}

	repairs := 0
	listed := false
	for _, h := range holders {
		if node != nil && h.ID == node.Parent && h.ID != id {
			listed = true
			continue
		}
		err := s.do(ctx, "drop stale child", func(ctx context.Context) error {
			return s.docs.UpdateOne(ctx, models.Filter{ID: h.ID}, models.Patch{RemoveChildren: []uuid.UUID{id}})
		})
		if err != nil && !errors.Is(err, models.ErrNoDocument) {
			return repairs, s.fail(err, "holder %s", h.ID)
		}
		l.LogV("tree: dropped stale entry %s from %s", id, h.ID)
		repairs++
	}

	if node != nil && !listed && node.Parent != node.ID {
		err := s.do(ctx, "relink child", func(ctx context.Context) error {
			return s.docs.UpdateOne(ctx, models.Filter{ID: node.Parent}, models.Patch{AddChildren: []uuid.UUID{id}})
		})
		if errors.Is(err, models.ErrNoDocument) {
			l.Defect("tree: parent %s of %s does not exist", node.Parent, id)
			return repairs, models.Integrity("parent %s of %s does not exist", node.Parent, id)
		}
		if err != nil {
			return repairs, s.fail(err, "parent %s", node.Parent)
		}
		l.LogV("tree: relinked %s into %s", id, node.Parent)
		repairs++
	}

	if repairs > 0 {
		l.Log("tree: reconciled %s (%d repairs)", id, repairs)
	}
	return repairs, nil
}
