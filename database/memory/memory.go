// Package memory is an in-process document store used by tests and single node
// development setups. It enforces the same uniqueness rules as the SQL store.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/noisersup/dedupfs-api/models"
)

type Op string

const (
	OpInsert Op = "insert"
	OpFind   Op = "find"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Fault is consulted before every operation; a non-nil error is returned to the
// caller instead of running the operation. It runs under the store lock and must
// not call back into the store.
type Fault func(op Op, f models.Filter, p *models.Patch) error

type Store struct {
	mu    sync.RWMutex
	nodes map[uuid.UUID]*models.FileNode
	fault Fault
}

func New() *Store {
	return &Store{nodes: map[uuid.UUID]*models.FileNode{}}
}

// Inject installs a fault hook. Pass nil to remove it.
func (s *Store) Inject(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

func (s *Store) check(op Op, f models.Filter, p *models.Patch) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op, f, p)
}

func (s *Store) Insert(ctx context.Context, node *models.FileNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(OpInsert, models.Filter{ID: node.ID}, nil); err != nil {
		return err
	}
	if _, ok := s.nodes[node.ID]; ok {
		return models.ErrDuplicate
	}
	if s.motherTaken(node, uuid.Nil) {
		return models.ErrDuplicate
	}
	s.nodes[node.ID] = node.Clone()
	return nil
}

func (s *Store) FindOne(ctx context.Context, f models.Filter) (*models.FileNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(OpFind, f, nil); err != nil {
		return nil, err
	}
	n := s.first(f)
	if n == nil {
		return nil, models.ErrNoDocument
	}
	return n.Clone(), nil
}

func (s *Store) Find(ctx context.Context, f models.Filter) ([]*models.FileNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(OpFind, f, nil); err != nil {
		return nil, err
	}
	out := []*models.FileNode{}
	for _, n := range s.matching(f) {
		out = append(out, n.Clone())
	}
	return out, nil
}

func (s *Store) UpdateOne(ctx context.Context, f models.Filter, p models.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(OpUpdate, f, &p); err != nil {
		return err
	}
	n := s.first(f)
	if n == nil {
		return models.ErrNoDocument
	}

	updated := n.Clone()
	p.Apply(updated)
	if s.motherTaken(updated, updated.ID) {
		return models.ErrDuplicate
	}
	s.nodes[updated.ID] = updated
	return nil
}

func (s *Store) DeleteOne(ctx context.Context, f models.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(OpDelete, f, nil); err != nil {
		return err
	}
	n := s.first(f)
	if n == nil {
		return models.ErrNoDocument
	}
	delete(s.nodes, n.ID)
	return nil
}

// MoveNode re-parents a node in one step.
func (s *Store) MoveNode(ctx context.Context, id, from, to uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := models.Patch{Parent: &to, UpdatedAt: &at}
	if err := s.check(OpUpdate, models.Filter{ID: id}, &p); err != nil {
		return err
	}
	n, ok := s.nodes[id]
	if !ok || n.Parent != from {
		return models.ErrNoDocument
	}
	if from == to {
		return nil
	}
	src, ok1 := s.nodes[from]
	dst, ok2 := s.nodes[to]
	if !ok1 || !ok2 {
		return models.ErrNoDocument
	}

	n = n.Clone()
	p.Apply(n)
	src = src.Clone()
	models.Patch{RemoveChildren: []uuid.UUID{id}, UpdatedAt: &at}.Apply(src)
	s.nodes[from] = src
	dst = dst.Clone()
	models.Patch{AddChildren: []uuid.UUID{id}, UpdatedAt: &at}.Apply(dst)
	s.nodes[to] = dst
	s.nodes[id] = n
	return nil
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

func (s *Store) Close() {}

func (s *Store) first(f models.Filter) *models.FileNode {
	if f.ID != uuid.Nil {
		n, ok := s.nodes[f.ID]
		if !ok || !f.Match(n) {
			return nil
		}
		return n
	}
	m := s.matching(f)
	if len(m) == 0 {
		return nil
	}
	return m[0]
}

// matching returns the documents matching f ordered by id.
func (s *Store) matching(f models.Filter) []*models.FileNode {
	out := []*models.FileNode{}
	for _, n := range s.nodes {
		if f.Match(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// motherTaken reports whether another file already owns the bytes of node's hash.
func (s *Store) motherTaken(node *models.FileNode, self uuid.UUID) bool {
	if !node.IsMother() || node.ContentHash == "" {
		return false
	}
	for id, n := range s.nodes {
		if id != self && id != node.ID && n.IsMother() && n.ContentHash == node.ContentHash {
			return true
		}
	}
	return false
}
