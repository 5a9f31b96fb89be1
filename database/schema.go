package database

import (
	"context"

	l "github.com/noisersup/dedupfs-api/logger"
)

// The partial unique index makes the store refuse a second mother for the same content.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS file_tree (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		parent_id UUID NOT NULL,
		children UUID[] NOT NULL DEFAULT '{}',
		owner_id UUID NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		size BIGINT NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL DEFAULT '',
		storage_type TEXT NOT NULL DEFAULT '',
		locator TEXT NOT NULL DEFAULT '',
		file_references UUID[] NOT NULL DEFAULT '{}',
		mime_type TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS file_tree_parent_idx ON file_tree (parent_id);`,
	`CREATE INDEX IF NOT EXISTS file_tree_hash_idx ON file_tree (content_hash);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS file_tree_mother_idx ON file_tree (content_hash)
		WHERE kind = 'File' AND storage_type <> 'ref' AND content_hash <> '';`,
}

// Creates the file_tree table and its indexes if they don't exist yet
func (db *Database) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		l.LogV("migrate: %s", stmt)
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	l.Log("Database schema is up to date.")
	return nil
}
