package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/noisersup/dedupfs-api/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func file(parent uuid.UUID, hash, storage string) *models.FileNode {
	return &models.FileNode{ID: uuid.New(), Kind: models.KindFile, Parent: parent, ContentHash: hash, StorageType: storage}
}

func Test_InsertFindUpdateDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	root := &models.FileNode{ID: uuid.New(), Kind: models.KindRoot}
	root.Parent = root.ID
	require.NoError(t, s.Insert(ctx, root))
	assert.ErrorIs(t, s.Insert(ctx, root), models.ErrDuplicate)

	f := file(root.ID, "h1", "FLAT")
	require.NoError(t, s.Insert(ctx, f))
	require.NoError(t, s.UpdateOne(ctx, models.Filter{ID: root.ID}, models.Patch{AddChildren: []uuid.UUID{f.ID}}))

	got, err := s.FindOne(ctx, models.Filter{Child: f.ID})
	require.NoError(t, err)
	assert.Equal(t, root.ID, got.ID)

	// returned documents are copies
	got.Children = nil
	again, _ := s.FindOne(ctx, models.Filter{ID: root.ID})
	assert.Equal(t, []uuid.UUID{f.ID}, again.Children)

	list, err := s.Find(ctx, models.Filter{Parent: root.ID, Kind: models.KindFile})
	assert.NoError(t, err)
	assert.Len(t, list, 1)

	assert.NoError(t, s.DeleteOne(ctx, models.Filter{ID: f.ID}))
	assert.ErrorIs(t, s.DeleteOne(ctx, models.Filter{ID: f.ID}), models.ErrNoDocument)
	_, err = s.FindOne(ctx, models.Filter{ID: f.ID})
	assert.ErrorIs(t, err, models.ErrNoDocument)
	assert.ErrorIs(t, s.UpdateOne(ctx, models.Filter{ID: f.ID}, models.Patch{}), models.ErrNoDocument)
}

func Test_MotherUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()
	parent := uuid.New()

	mother := file(parent, "h", "FLAT")
	require.NoError(t, s.Insert(ctx, mother))
	assert.ErrorIs(t, s.Insert(ctx, file(parent, "h", "S3")), models.ErrDuplicate)

	ref := file(parent, "h", models.StorageTypeRef)
	require.NoError(t, s.Insert(ctx, ref))

	// promoting the ref while the mother still owns the hash is rejected
	err := s.UpdateOne(ctx, models.Filter{ID: ref.ID}, models.Patch{StorageType: models.Ptr("FLAT")})
	assert.ErrorIs(t, err, models.ErrDuplicate)

	require.NoError(t, s.UpdateOne(ctx, models.Filter{ID: mother.ID}, models.Patch{StorageType: models.Ptr(models.StorageTypeRef)}))
	assert.NoError(t, s.UpdateOne(ctx, models.Filter{ID: ref.ID}, models.Patch{StorageType: models.Ptr("FLAT")}))

	m, err := s.FindOne(ctx, models.Filter{ContentHash: "h", ExcludeRef: true})
	assert.NoError(t, err)
	assert.Equal(t, ref.ID, m.ID)
}

func Test_MoveNode(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := &models.FileNode{ID: uuid.New(), Kind: models.KindFolder}
	b := &models.FileNode{ID: uuid.New(), Kind: models.KindFolder}
	f := file(a.ID, "h", "FLAT")
	a.Children = []uuid.UUID{f.ID}
	for _, n := range []*models.FileNode{a, b, f} {
		require.NoError(t, s.Insert(ctx, n))
	}

	require.NoError(t, s.MoveNode(ctx, f.ID, a.ID, b.ID, time.Now()))

	a, _ = s.FindOne(ctx, models.Filter{ID: a.ID})
	b, _ = s.FindOne(ctx, models.Filter{ID: b.ID})
	f, _ = s.FindOne(ctx, models.Filter{ID: f.ID})
	assert.Empty(t, a.Children)
	assert.Equal(t, []uuid.UUID{f.ID}, b.Children)
	assert.Equal(t, b.ID, f.Parent)

	assert.ErrorIs(t, s.MoveNode(ctx, f.ID, a.ID, b.ID, time.Now()), models.ErrNoDocument)
}

func Test_Inject(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	s.Inject(func(op Op, f models.Filter, p *models.Patch) error {
		if op == OpInsert {
			return boom
		}
		return nil
	})

	assert.ErrorIs(t, s.Insert(context.Background(), file(uuid.New(), "", "FLAT")), boom)
	assert.Equal(t, 0, s.Len())

	s.Inject(nil)
	assert.NoError(t, s.Insert(context.Background(), file(uuid.New(), "", "FLAT")))
}
