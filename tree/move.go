package tree

import (
	"context"
	"errors"

	"github.com/google/uuid"
	l "github.com/noisersup/dedupfs-api/logger"
	"github.com/noisersup/dedupfs-api/models"
)

// Attempts at re-reading a node whose parent changed while we waited for locks.
const moveAttempts = 3

// Move re-parents id under newParent.
//
// Folder moves are serialized with each other so two crossing moves can't both pass
// the cycle check. File moves can't create cycles and only take the parent locks.
func (s *Store) Move(ctx context.Context, id, newParent uuid.UUID) error {
	node, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if node.Kind == models.KindRoot {
		return models.BadRequest("root folder cannot be moved")
	}
	if node.Parent == newParent {
		return nil
	}
	if node.IsContainer() {
		s.moveMu.Lock()
		defer s.moveMu.Unlock()
	}

	dest, err := s.Get(ctx, newParent)
	if err != nil {
		return err
	}
	if !dest.IsContainer() {
		return models.BadRequest("destination %s is not a folder", newParent)
	}
	if dest.Owner != node.Owner {
		return models.Forbidden("destination %s belongs to another namespace", newParent)
	}
	if err := s.checkAcyclic(ctx, id, dest); err != nil {
		return err
	}

	for attempt := 0; attempt < moveAttempts; attempt++ {
		oldParent := node.Parent
		unlock := s.parents.Lock(oldParent.String(), newParent.String())

		node, err = s.Get(ctx, id)
		if err != nil {
			unlock()
			return err
		}
		if node.Parent != oldParent {
			unlock()
			continue
		}
		if node.Parent == newParent {
			unlock()
			return nil
		}

		err = s.relink(ctx, id, oldParent, newParent)
		unlock()
		return err
	}
	return models.Unavailable(errors.New("node keeps changing parent"), "move %s", id)
}

// checkAcyclic refuses a destination that is id itself or one of its descendants.
func (s *Store) checkAcyclic(ctx context.Context, id uuid.UUID, dest *models.FileNode) error {
	if dest.ID == id {
		return models.BadRequest("cannot move %s into itself", id)
	}
	ancestors, err := s.Ancestors(ctx, dest.ID)
	if err != nil {
		return err
	}
	for _, a := range ancestors {
		if a.ID == id {
			return models.BadRequest("cannot move %s under its own descendant %s", id, dest.ID)
		}
	}
	return nil
}

// relink performs the move with both parents locked.
func (s *Store) relink(ctx context.Context, id, from, to uuid.UUID) error {
	now := s.now().UTC()

	if s.mover != nil {
		err := s.do(ctx, "move node", func(ctx context.Context) error {
			return s.mover.MoveNode(ctx, id, from, to, now)
		})
		if err != nil {
			return s.fail(err, "move %s", id)
		}
		return nil
	}

	// Without transactions the node is listed by the new parent first, so that it
	// is reachable at every step. A failure before the parent field flips is undone.
	err := s.do(ctx, "link child", func(ctx context.Context) error {
		return s.docs.UpdateOne(ctx, models.Filter{ID: to}, models.Patch{AddChildren: []uuid.UUID{id}, UpdatedAt: &now})
	})
	if err != nil {
		return s.fail(err, "destination %s", to)
	}

	err = s.do(ctx, "set parent", func(ctx context.Context) error {
		return s.docs.UpdateOne(ctx, models.Filter{ID: id}, models.Patch{Parent: &to, UpdatedAt: &now})
	})
	if err != nil {
		if cerr := s.do(ctx, "unlink child", func(ctx context.Context) error {
			return s.docs.UpdateOne(ctx, models.Filter{ID: to}, models.Patch{RemoveChildren: []uuid.UUID{id}})
		}); cerr != nil {
			l.Err("tree: could not undo link of %s into %s: %v", id, to, cerr)
		}
		return s.fail(err, "node %s", id)
	}

	err = s.do(ctx, "unlink child", func(ctx context.Context) error {
		return s.docs.UpdateOne(ctx, models.Filter{ID: from}, models.Patch{RemoveChildren: []uuid.UUID{id}, UpdatedAt: &now})
	})
	if err != nil {
		// the move is committed, only a stale entry is left behind
		l.Warn("tree: %s moved to %s but still listed in %s: %v", id, to, from, err)
		if _, rerr := s.reconcile(ctx, id); rerr != nil {
			l.Warn("tree: reconcile of %s deferred: %v", id, rerr)
		}
	}
	return nil
}
