// Package tree keeps the hierarchy of folders and files on top of a document
// store: parent/children consistency, moves without cycles and self-healing
// listings when a multi-step change was interrupted.
package tree

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/noisersup/dedupfs-api/lockmap"
	l "github.com/noisersup/dedupfs-api/logger"
	"github.com/noisersup/dedupfs-api/models"
	"github.com/noisersup/dedupfs-api/retry"
)

// Longest parent chain followed before the tree is considered corrupted.
const maxDepth = 4096

const RootName = "root"

type Store struct {
	docs    models.DocumentStore
	mover   models.Mover
	parents *lockmap.Map
	moveMu  sync.Mutex
	retry   retry.Config
	now     func() time.Time
}

type Option func(*Store)

func WithRetry(cfg retry.Config) Option {
	return func(s *Store) { s.retry = cfg }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps docs. If docs also implements models.Mover, moves use it.
func New(docs models.DocumentStore, opts ...Option) *Store {
	s := &Store{
		docs:    docs,
		parents: lockmap.New(),
		retry:   retry.DefaultConfig(),
		now:     time.Now,
	}
	if m, ok := docs.(models.Mover); ok {
		s.mover = m
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.FileNode, error) {
	var n *models.FileNode
	err := s.do(ctx, "get node", func(ctx context.Context) (err error) {
		n, err = s.docs.FindOne(ctx, models.Filter{ID: id})
		return err
	})
	if err != nil {
		return nil, s.fail(err, "node %s", id)
	}
	return n, nil
}

// Create inserts node under node.Parent and links it into the parent's children.
func (s *Store) Create(ctx context.Context, node *models.FileNode) error {
	if node.Kind == models.KindRoot {
		return models.BadRequest("root folders are created with EnsureRoot")
	}
	if !node.Kind.Valid() {
		return models.BadRequest("invalid kind %q", node.Kind)
	}
	if err := ValidName(node.Name); err != nil {
		return err
	}
	if node.ID == uuid.Nil {
		node.ID = uuid.New()
	}

	unlock := s.parents.Lock(node.Parent.String())
	defer unlock()

	parent, err := s.Get(ctx, node.Parent)
	if err != nil {
		return err
	}
	if !parent.IsContainer() {
		return models.BadRequest("parent %s is not a folder", parent.ID)
	}

	now := s.now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now
	if node.Kind == models.KindFile {
		node.Children = nil
	}

	err = s.do(ctx, "insert node", func(ctx context.Context) error {
		return s.docs.Insert(ctx, node)
	})
	if err != nil {
		return s.fail(err, "node %s", node.ID)
	}

	err = s.do(ctx, "link child", func(ctx context.Context) error {
		return s.docs.UpdateOne(ctx, models.Filter{ID: parent.ID}, models.Patch{
			AddChildren: []uuid.UUID{node.ID},
			UpdatedAt:   &now,
		})
	})
	if err != nil {
		l.Err("tree: linking %s into %s failed, removing it: %v", node.ID, parent.ID, err)
		if derr := s.do(ctx, "unlink orphan", func(ctx context.Context) error {
			return s.docs.DeleteOne(ctx, models.Filter{ID: node.ID})
		}); derr != nil && !errors.Is(derr, models.ErrNoDocument) {
			l.Err("tree: compensating delete of %s failed: %v", node.ID, derr)
		}
		return s.fail(err, "parent %s", parent.ID)
	}
	return nil
}

// Update applies a patch to one node. Structural fields go through Create, Move and Delete.
func (s *Store) Update(ctx context.Context, id uuid.UUID, p models.Patch) error {
	if p.UpdatedAt == nil {
		now := s.now().UTC()
		p.UpdatedAt = &now
	}
	err := s.do(ctx, "update node", func(ctx context.Context) error {
		return s.docs.UpdateOne(ctx, models.Filter{ID: id}, p)
	})
	if err != nil {
		return s.fail(err, "node %s", id)
	}
	return nil
}

func (s *Store) Rename(ctx context.Context, id uuid.UUID, name string) error {
	if err := ValidName(name); err != nil {
		return err
	}
	return s.Update(ctx, id, models.Patch{Name: &name})
}

// Delete removes a single node. Folders must be empty.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	node, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if node.Kind == models.KindRoot {
		return models.BadRequest("root folder cannot be deleted")
	}

	// locking the node itself keeps Create from adding children to a folder being removed
	unlock := s.parents.Lock(node.Parent.String(), id.String())
	defer unlock()

	if node.IsContainer() {
		children, err := s.ListChildren(ctx, id)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return models.BadRequest("folder %s is not empty", id)
		}
	}

	err = s.do(ctx, "delete node", func(ctx context.Context) error {
		return s.docs.DeleteOne(ctx, models.Filter{ID: id})
	})
	if err != nil {
		return s.fail(err, "node %s", id)
	}

	now := s.now().UTC()
	err = s.do(ctx, "unlink child", func(ctx context.Context) error {
		return s.docs.UpdateOne(ctx, models.Filter{ID: node.Parent}, models.Patch{
			RemoveChildren: []uuid.UUID{id},
			UpdatedAt:      &now,
		})
	})
	if err != nil && !errors.Is(err, models.ErrNoDocument) {
		// the node is gone, listings skip the stale entry until Reconcile drops it
		l.Warn("tree: %s deleted but still listed in %s: %v", id, node.Parent, err)
	}
	return nil
}

// ListChildren returns the children of a container in insertion order.
// Entries whose parent field disagrees (an interrupted move or delete) are skipped.
func (s *Store) ListChildren(ctx context.Context, parentID uuid.UUID) ([]*models.FileNode, error) {
	parent, err := s.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if !parent.IsContainer() {
		return []*models.FileNode{}, nil
	}

	var found []*models.FileNode
	err = s.do(ctx, "list children", func(ctx context.Context) (err error) {
		found, err = s.docs.Find(ctx, models.Filter{Parent: parentID})
		return err
	})
	if err != nil {
		return nil, s.fail(err, "children of %s", parentID)
	}

	byID := make(map[uuid.UUID]*models.FileNode, len(found))
	for _, n := range found {
		if n.ID != parentID {
			byID[n.ID] = n
		}
	}

	children := make([]*models.FileNode, 0, len(parent.Children))
	for _, id := range parent.Children {
		if n, ok := byID[id]; ok {
			children = append(children, n)
			delete(byID, id)
		}
	}
	return children, nil
}

// FindByHash returns the mother holding the bytes of hash, or nil when there is none.
func (s *Store) FindByHash(ctx context.Context, hash string) (*models.FileNode, error) {
	if hash == "" {
		return nil, nil
	}
	var n *models.FileNode
	err := s.do(ctx, "find by hash", func(ctx context.Context) (err error) {
		n, err = s.docs.FindOne(ctx, models.Filter{ContentHash: hash, Kind: models.KindFile, ExcludeRef: true})
		return err
	})
	if errors.Is(err, models.ErrNoDocument) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail(err, "hash %s", hash)
	}
	return n, nil
}

// Subtree returns id and all its descendants, parents before children.
func (s *Store) Subtree(ctx context.Context, id uuid.UUID) ([]*models.FileNode, error) {
	root, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	out := []*models.FileNode{root}
	seen := map[uuid.UUID]bool{root.ID: true}
	for i := 0; i < len(out); i++ {
		if !out[i].IsContainer() {
			continue
		}
		children, err := s.ListChildren(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if seen[c.ID] {
				l.Defect("tree: %s reachable twice under %s", c.ID, id)
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out, nil
}

// Walk follows path segments down from a node. A segment matches a child by id or by name.
func (s *Store) Walk(ctx context.Context, from uuid.UUID, segments []string) (*models.FileNode, error) {
	cur, err := s.Get(ctx, from)
	if err != nil {
		return nil, err
	}
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		children, err := s.ListChildren(ctx, cur.ID)
		if err != nil {
			return nil, err
		}
		next := matchSegment(children, seg)
		if next == nil {
			return nil, models.NotFound("%q not found in %s", seg, cur.ID)
		}
		cur = next
	}
	return cur, nil
}

func matchSegment(children []*models.FileNode, seg string) *models.FileNode {
	if id, err := uuid.Parse(seg); err == nil {
		for _, c := range children {
			if c.ID == id {
				return c
			}
		}
	}
	for _, c := range children {
		if c.Name == seg {
			return c
		}
	}
	return nil
}

// Ancestors returns the chain of parents of id, nearest first, ending with the root.
func (s *Store) Ancestors(ctx context.Context, id uuid.UUID) ([]*models.FileNode, error) {
	node, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	out := []*models.FileNode{}
	for depth := 0; node.Parent != node.ID; depth++ {
		if depth >= maxDepth {
			l.Defect("tree: parent chain of %s does not end in a root", id)
			return nil, models.Integrity("parent chain of %s does not end in a root", id)
		}
		node, err = s.Get(ctx, node.Parent)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				l.Defect("tree: %s has a missing ancestor", id)
				return nil, models.Integrity("%s has a missing ancestor", id)
			}
			return nil, err
		}
		out = append(out, node)
	}
	return out, nil
}

// EnsureRoot returns the root folder with the given id, creating it for owner if needed.
func (s *Store) EnsureRoot(ctx context.Context, owner, id uuid.UUID) (*models.FileNode, error) {
	n, err := s.Get(ctx, id)
	if err == nil {
		if n.Kind != models.KindRoot {
			return nil, models.BadRequest("%s exists and is not a root folder", id)
		}
		return n, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	root := &models.FileNode{
		ID:        id,
		Name:      RootName,
		Kind:      models.KindRoot,
		Parent:    id,
		Owner:     owner,
		CreatedAt: now,
		UpdatedAt: now,
		Children:  []uuid.UUID{},
	}
	err = s.do(ctx, "insert root", func(ctx context.Context) error {
		return s.docs.Insert(ctx, root)
	})
	if errors.Is(err, models.ErrDuplicate) {
		return s.Get(ctx, id)
	}
	if err != nil {
		return nil, s.fail(err, "root %s", id)
	}
	l.Log("Created root folder %s for %s", id, owner)
	return root, nil
}

// All returns every node in the store.
func (s *Store) All(ctx context.Context) ([]*models.FileNode, error) {
	var nodes []*models.FileNode
	err := s.do(ctx, "list nodes", func(ctx context.Context) (err error) {
		nodes, err = s.docs.Find(ctx, models.Filter{})
		return err
	})
	if err != nil {
		return nil, s.fail(err, "all nodes")
	}
	return nodes, nil
}

// ValidName rejects names that could not be addressed by a path segment.
func ValidName(name string) error {
	if strings.TrimSpace(name) == "" {
		return models.BadRequest("name must not be empty")
	}
	if strings.Contains(name, "/") {
		return models.BadRequest("name %q must not contain '/'", name)
	}
	if len(name) > 255 {
		return models.BadRequest("name too long")
	}
	return nil
}

// do runs a document store call with retries. Missing and duplicate documents are
// answers, not failures, so they are never retried.
func (s *Store) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, s.retry, op, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, models.ErrNoDocument) || errors.Is(err, models.ErrDuplicate) {
			return retry.Permanent(err)
		}
		return err
	})
}

// fail converts a document store error into the error taxonomy.
func (s *Store) fail(err error, format string, a ...interface{}) error {
	var e *models.Error
	switch {
	case errors.As(err, &e):
		return err
	case errors.Is(err, models.ErrNoDocument):
		return models.NotFound(format, a...)
	case errors.Is(err, models.ErrDuplicate):
		return &models.Error{Kind: models.KindBadRequest, Msg: "already exists", Err: err}
	}
	return models.Unavailable(err, "metadata store")
}
