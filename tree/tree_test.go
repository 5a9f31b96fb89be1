package tree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/noisersup/dedupfs-api/database/memory"
	"github.com/noisersup/dedupfs-api/models"
	"github.com/noisersup/dedupfs-api/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

// noMover hides MoveNode so the multi-step move path is used.
type noMover struct {
	models.DocumentStore
}

type fixture struct {
	docs  *memory.Store
	tree  *Store
	owner uuid.UUID
	root  *models.FileNode
}

func newFixture(t *testing.T, transactional bool) *fixture {
	docs := memory.New()
	var ds models.DocumentStore = docs
	if !transactional {
		ds = noMover{docs}
	}
	f := &fixture{docs: docs, tree: New(ds, WithRetry(fastRetry)), owner: uuid.New()}
	root, err := f.tree.EnsureRoot(context.Background(), f.owner, uuid.New())
	require.NoError(t, err)
	f.root = root
	return f
}

func (f *fixture) folder(t *testing.T, parent uuid.UUID, name string) *models.FileNode {
	n := &models.FileNode{Name: name, Kind: models.KindFolder, Parent: parent, Owner: f.owner}
	require.NoError(t, f.tree.Create(context.Background(), n))
	return n
}

func (f *fixture) file(t *testing.T, parent uuid.UUID, name string) *models.FileNode {
	n := &models.FileNode{Name: name, Kind: models.KindFile, Parent: parent, Owner: f.owner, StorageType: "FLAT"}
	require.NoError(t, f.tree.Create(context.Background(), n))
	return n
}

func names(nodes []*models.FileNode) []string {
	out := []string{}
	for _, n := range nodes {
		out = append(out, n.Name)
	}
	return out
}

func Test_EnsureRoot(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	assert.Equal(t, f.root.ID, f.root.Parent)
	assert.Equal(t, models.KindRoot, f.root.Kind)

	again, err := f.tree.EnsureRoot(ctx, f.owner, f.root.ID)
	assert.NoError(t, err)
	assert.Equal(t, f.root.ID, again.ID)

	docs := f.folder(t, f.root.ID, "docs")
	_, err = f.tree.EnsureRoot(ctx, f.owner, docs.ID)
	assert.ErrorIs(t, err, models.ErrBadRequest)
}

func Test_CreateAndList(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	docs := f.folder(t, f.root.ID, "docs")
	f.file(t, docs.ID, "a.txt")
	f.file(t, docs.ID, "b.txt")

	children, err := f.tree.ListChildren(ctx, f.root.ID)
	assert.NoError(t, err)
	assert.Equal(t, []string{"docs"}, names(children))

	children, err = f.tree.ListChildren(ctx, docs.ID)
	assert.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, names(children))
}

func Test_CreateRejections(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.file(t, f.root.ID, "a.txt")

	err := f.tree.Create(ctx, &models.FileNode{Name: "x", Kind: models.KindFile, Parent: a.ID})
	assert.ErrorIs(t, err, models.ErrBadRequest)

	err = f.tree.Create(ctx, &models.FileNode{Name: "x", Kind: models.KindFile, Parent: uuid.New()})
	assert.ErrorIs(t, err, models.ErrNotFound)

	err = f.tree.Create(ctx, &models.FileNode{Name: "a/b", Kind: models.KindFile, Parent: f.root.ID})
	assert.ErrorIs(t, err, models.ErrBadRequest)

	err = f.tree.Create(ctx, &models.FileNode{Name: "r", Kind: models.KindRoot, Parent: f.root.ID})
	assert.ErrorIs(t, err, models.ErrBadRequest)
}

func Test_CreateCompensatesFailedLink(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	before := f.docs.Len()

	f.docs.Inject(func(op memory.Op, flt models.Filter, p *models.Patch) error {
		if op == memory.OpUpdate && p != nil && len(p.AddChildren) > 0 {
			return errors.New("connection reset")
		}
		return nil
	})
	err := f.tree.Create(ctx, &models.FileNode{Name: "x", Kind: models.KindFile, Parent: f.root.ID})
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.Equal(t, before, f.docs.Len())
}

func Test_MoveRejectsCycles(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a := f.folder(t, f.root.ID, "a")
	b := f.folder(t, a.ID, "b")
	c := f.folder(t, b.ID, "c")
	file := f.file(t, f.root.ID, "x.txt")

	assert.ErrorIs(t, f.tree.Move(ctx, a.ID, c.ID), models.ErrBadRequest)
	assert.ErrorIs(t, f.tree.Move(ctx, a.ID, a.ID), models.ErrBadRequest)
	assert.ErrorIs(t, f.tree.Move(ctx, f.root.ID, a.ID), models.ErrBadRequest)
	assert.ErrorIs(t, f.tree.Move(ctx, c.ID, file.ID), models.ErrBadRequest)

	// nothing changed
	chain, err := f.tree.Ancestors(ctx, c.ID)
	assert.NoError(t, err)
	assert.Equal(t, []string{"b", "a", RootName}, names(chain))
}

func Test_Move(t *testing.T) {
	for _, transactional := range []bool{true, false} {
		f := newFixture(t, transactional)
		ctx := context.Background()

		a := f.folder(t, f.root.ID, "a")
		b := f.folder(t, f.root.ID, "b")
		x := f.file(t, a.ID, "x.txt")

		require.NoError(t, f.tree.Move(ctx, x.ID, b.ID))

		inA, _ := f.tree.ListChildren(ctx, a.ID)
		inB, _ := f.tree.ListChildren(ctx, b.ID)
		assert.Empty(t, inA)
		assert.Equal(t, []string{"x.txt"}, names(inB))

		rawA, _ := f.tree.Get(ctx, a.ID)
		assert.False(t, rawA.HasChild(x.ID))

		// moving to the current parent is a no-op
		assert.NoError(t, f.tree.Move(ctx, x.ID, b.ID))
	}
}

func Test_MoveCompensatesFailedParentUpdate(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	a := f.folder(t, f.root.ID, "a")
	b := f.folder(t, f.root.ID, "b")
	x := f.file(t, a.ID, "x.txt")

	f.docs.Inject(func(op memory.Op, flt models.Filter, p *models.Patch) error {
		if op == memory.OpUpdate && flt.ID == x.ID && p != nil && p.Parent != nil {
			return errors.New("timeout")
		}
		return nil
	})

	err := f.tree.Move(ctx, x.ID, b.ID)
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
	f.docs.Inject(nil)

	rawB, _ := f.tree.Get(ctx, b.ID)
	assert.False(t, rawB.HasChild(x.ID))
	node, _ := f.tree.Get(ctx, x.ID)
	assert.Equal(t, a.ID, node.Parent)
	inA, _ := f.tree.ListChildren(ctx, a.ID)
	assert.Equal(t, []string{"x.txt"}, names(inA))
}

func Test_ReconcileAfterInterruptedMove(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	a := f.folder(t, f.root.ID, "a")
	b := f.folder(t, f.root.ID, "b")
	x := f.file(t, a.ID, "x.txt")

	// the old parent refuses every unlink, including the inline reconcile
	f.docs.Inject(func(op memory.Op, flt models.Filter, p *models.Patch) error {
		if op == memory.OpUpdate && flt.ID == a.ID && p != nil && len(p.RemoveChildren) > 0 {
			return errors.New("timeout")
		}
		return nil
	})
	require.NoError(t, f.tree.Move(ctx, x.ID, b.ID))

	// double membership is hidden from listings
	rawA, _ := f.tree.Get(ctx, a.ID)
	assert.True(t, rawA.HasChild(x.ID))
	inA, _ := f.tree.ListChildren(ctx, a.ID)
	assert.Empty(t, inA)
	inB, _ := f.tree.ListChildren(ctx, b.ID)
	assert.Equal(t, []string{"x.txt"}, names(inB))

	f.docs.Inject(nil)
	repairs, err := f.tree.Reconcile(ctx, x.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, repairs)

	rawA, _ = f.tree.Get(ctx, a.ID)
	assert.False(t, rawA.HasChild(x.ID))

	repairs, err = f.tree.Reconcile(ctx, x.ID)
	assert.NoError(t, err)
	assert.Equal(t, 0, repairs)
}

func Test_ReconcileRelinksAndDropsMissing(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.folder(t, f.root.ID, "a")
	x := f.file(t, a.ID, "x.txt")

	// unlinked from its parent behind the tree's back
	require.NoError(t, f.docs.UpdateOne(ctx, models.Filter{ID: a.ID}, models.Patch{RemoveChildren: []uuid.UUID{x.ID}}))
	repairs, err := f.tree.Reconcile(ctx, x.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, repairs)
	inA, _ := f.tree.ListChildren(ctx, a.ID)
	assert.Equal(t, []string{"x.txt"}, names(inA))

	// a dangling entry for a deleted node
	require.NoError(t, f.docs.DeleteOne(ctx, models.Filter{ID: x.ID}))
	repairs, err = f.tree.Reconcile(ctx, x.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, repairs)
	rawA, _ := f.tree.Get(ctx, a.ID)
	assert.Empty(t, rawA.Children)
}

func Test_ConcurrentCrossingMoves(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		a := f.folder(t, f.root.ID, "a")
		b := f.folder(t, f.root.ID, "b")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() { defer wg.Done(); errs[0] = f.tree.Move(ctx, a.ID, b.ID) }()
		go func() { defer wg.Done(); errs[1] = f.tree.Move(ctx, b.ID, a.ID) }()
		wg.Wait()

		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
			} else {
				assert.ErrorIs(t, err, models.ErrBadRequest)
			}
		}
		assert.Equal(t, 1, ok)

		for _, id := range []uuid.UUID{a.ID, b.ID} {
			_, err := f.tree.Ancestors(ctx, id)
			assert.NoError(t, err)
		}
	}
}

func Test_Delete(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.folder(t, f.root.ID, "a")
	x := f.file(t, a.ID, "x.txt")

	assert.ErrorIs(t, f.tree.Delete(ctx, a.ID), models.ErrBadRequest)
	assert.ErrorIs(t, f.tree.Delete(ctx, f.root.ID), models.ErrBadRequest)

	require.NoError(t, f.tree.Delete(ctx, x.ID))
	require.NoError(t, f.tree.Delete(ctx, a.ID))

	_, err := f.tree.Get(ctx, a.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	root, _ := f.tree.Get(ctx, f.root.ID)
	assert.Empty(t, root.Children)
}

func Test_ConcurrentCreateDeleteUnderOneParent(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	dir := f.folder(t, f.root.ID, "shared")

	const n = 16
	doomed := make([]*models.FileNode, n)
	for i := range doomed {
		doomed[i] = f.file(t, dir.ID, fmt.Sprintf("old%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(id uuid.UUID) {
			defer wg.Done()
			assert.NoError(t, f.tree.Delete(ctx, id))
		}(doomed[i].ID)
		go func(name string) {
			defer wg.Done()
			n := &models.FileNode{Name: name, Kind: models.KindFile, Parent: dir.ID, Owner: f.owner, StorageType: "FLAT"}
			assert.NoError(t, f.tree.Create(ctx, n))
		}(fmt.Sprintf("new%d", i))
	}
	wg.Wait()

	stored, err := f.docs.FindOne(ctx, models.Filter{ID: dir.ID})
	require.NoError(t, err)
	under, err := f.docs.Find(ctx, models.Filter{Parent: dir.ID})
	require.NoError(t, err)

	ids := []uuid.UUID{}
	for _, c := range under {
		ids = append(ids, c.ID)
	}
	assert.Len(t, ids, n)
	assert.ElementsMatch(t, ids, stored.Children)
}

func Test_SubtreeWalkAncestors(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.folder(t, f.root.ID, "a")
	b := f.folder(t, a.ID, "b")
	f.file(t, a.ID, "x.txt")
	y := f.file(t, b.ID, "y.txt")

	sub, err := f.tree.Subtree(ctx, a.ID)
	assert.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "x.txt", "y.txt"}, names(sub))

	got, err := f.tree.Walk(ctx, f.root.ID, []string{"a", b.ID.String(), "y.txt"})
	assert.NoError(t, err)
	assert.Equal(t, y.ID, got.ID)

	_, err = f.tree.Walk(ctx, f.root.ID, []string{"a", "nope"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	// y is not a direct child of root
	_, err = f.tree.Walk(ctx, f.root.ID, []string{y.ID.String()})
	assert.ErrorIs(t, err, models.ErrNotFound)

	chain, err := f.tree.Ancestors(ctx, y.ID)
	assert.NoError(t, err)
	assert.Equal(t, []string{"b", "a", RootName}, names(chain))
}

func Test_FindByHash(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	m, err := f.tree.FindByHash(ctx, "abc")
	assert.NoError(t, err)
	assert.Nil(t, m)

	n := &models.FileNode{Name: "x", Kind: models.KindFile, Parent: f.root.ID, ContentHash: "abc", StorageType: "FLAT"}
	require.NoError(t, f.tree.Create(ctx, n))
	ref := &models.FileNode{Name: "y", Kind: models.KindFile, Parent: f.root.ID, ContentHash: "abc", StorageType: models.StorageTypeRef}
	require.NoError(t, f.tree.Create(ctx, ref))

	m, err = f.tree.FindByHash(ctx, "abc")
	assert.NoError(t, err)
	assert.Equal(t, n.ID, m.ID)
}

func Test_RetriesThenUnavailable(t *testing.T) {
	f := newFixture(t, true)
	calls := 0
	f.docs.Inject(func(op memory.Op, flt models.Filter, p *models.Patch) error {
		calls++
		return errors.New("down")
	})

	_, err := f.tree.Get(context.Background(), f.root.ID)
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.Equal(t, fastRetry.MaxAttempts, calls)
}
