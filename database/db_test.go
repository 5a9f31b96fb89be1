package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/noisersup/dedupfs-api/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real CockroachDB/PostgreSQL:
// DEDUPFS_TEST_DB=postgresql://root@localhost:26257/defaultdb?sslmode=disable
func connect(t *testing.T) *Database {
	uri := os.Getenv("DEDUPFS_TEST_DB")
	if uri == "" {
		t.Skip("DEDUPFS_TEST_DB not set")
	}
	ctx := context.Background()
	db, err := ConnectDB(ctx, uri, "")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))
	t.Cleanup(db.Close)
	return db
}

func Test_DatabaseRoundTrip(t *testing.T) {
	db := connect(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	root := &models.FileNode{ID: uuid.New(), Name: "root", Kind: models.KindRoot, CreatedAt: now, UpdatedAt: now}
	root.Parent = root.ID
	root.Owner = uuid.New()
	require.NoError(t, db.Insert(ctx, root))

	hash := uuid.NewString()
	mother := &models.FileNode{ID: uuid.New(), Name: "a.txt", Kind: models.KindFile, Parent: root.ID, Owner: root.Owner,
		CreatedAt: now, UpdatedAt: now, ContentHash: hash, StorageType: "FLAT", Locator: "x"}
	require.NoError(t, db.Insert(ctx, mother))
	require.NoError(t, db.UpdateOne(ctx, models.Filter{ID: root.ID}, models.Patch{AddChildren: []uuid.UUID{mother.ID}}))

	dup := mother.Clone()
	dup.ID = uuid.New()
	assert.ErrorIs(t, db.Insert(ctx, dup), models.ErrDuplicate)

	dup.StorageType = models.StorageTypeRef
	dup.Locator = mother.ID.String()
	require.NoError(t, db.Insert(ctx, dup))
	require.NoError(t, db.UpdateOne(ctx, models.Filter{ID: mother.ID}, models.Patch{AddReferences: []uuid.UUID{dup.ID}}))

	got, err := db.FindOne(ctx, models.Filter{ContentHash: hash, ExcludeRef: true})
	require.NoError(t, err)
	assert.Equal(t, mother.ID, got.ID)
	assert.Equal(t, []uuid.UUID{dup.ID}, got.Extra.FileReferences)

	parent, err := db.FindOne(ctx, models.Filter{Child: mother.ID})
	require.NoError(t, err)
	assert.Equal(t, root.ID, parent.ID)

	for _, id := range []uuid.UUID{dup.ID, mother.ID, root.ID} {
		assert.NoError(t, db.DeleteOne(ctx, models.Filter{ID: id}))
	}
	_, err = db.FindOne(ctx, models.Filter{ID: root.ID})
	assert.ErrorIs(t, err, models.ErrNoDocument)
}
