package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	l "github.com/noisersup/dedupfs-api/logger"
	"github.com/noisersup/dedupfs-api/models"

	"github.com/cockroachdb/cockroach-go/v2/crdb/crdbpgx"
	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// Database is the CockroachDB/PostgreSQL document store of the metadata tree.
type Database struct {
	pool *pgxpool.Pool // database connection
}

// Connects to database with provided data
// and returns database object
func ConnectDB(ctx context.Context, uri, database string) (*Database, error) {
	config, err := pgxpool.ParseConfig(os.ExpandEnv(uri))
	if err != nil {
		return nil, err
	}

	if database != "" {
		config.ConnConfig.Database = database
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Database{pool: pool}, nil
}

// Close database connection
// ( pool.Close alias )
func (db *Database) Close() {
	l.Log("Closing database...")
	db.pool.Close()
	l.Log("All database connections closed.")
}

func (db *Database) Insert(ctx context.Context, n *models.FileNode) error {
	sqlFormula := "INSERT INTO file_tree (" + columns + ") VALUES ($1, $2, $3, $4, $5::UUID[], $6, $7, $8, $9, $10, $11, $12, $13::UUID[], $14);"

	_, err := db.pool.Exec(ctx, sqlFormula,
		n.ID, n.Name, string(n.Kind), n.Parent, idStrings(n.Children), n.Owner,
		n.CreatedAt, n.UpdatedAt, n.Size, n.ContentHash, n.StorageType, n.Locator,
		idStrings(n.Extra.FileReferences), n.Extra.MimeType,
	)
	return translate(err)
}

func (db *Database) FindOne(ctx context.Context, f models.Filter) (*models.FileNode, error) {
	where, args := whereClause(f, 1)
	row := db.pool.QueryRow(ctx, "SELECT "+columns+" FROM file_tree"+where+" ORDER BY id LIMIT 1;", args...)
	n, err := scanNode(row)
	if err != nil {
		return nil, translate(err)
	}
	return n, nil
}

func (db *Database) Find(ctx context.Context, f models.Filter) ([]*models.FileNode, error) {
	where, args := whereClause(f, 1)
	rows, err := db.pool.Query(ctx, "SELECT "+columns+" FROM file_tree"+where+" ORDER BY id;", args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	nodes := []*models.FileNode{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, translate(err)
		}
		nodes = append(nodes, n)
	}
	return nodes, translate(rows.Err())
}

func (db *Database) UpdateOne(ctx context.Context, f models.Filter, p models.Patch) error {
	set, args := setClause(p, 1)
	if set == "" {
		_, err := db.FindOne(ctx, f)
		return err
	}
	where, whereArgs := whereClause(f, len(args)+1)
	args = append(args, whereArgs...)

	sqlFormula := "UPDATE file_tree SET " + set +
		" WHERE id = (SELECT id FROM file_tree" + where + " ORDER BY id LIMIT 1);"

	tag, err := db.pool.Exec(ctx, sqlFormula, args...)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNoDocument
	}
	return nil
}

func (db *Database) DeleteOne(ctx context.Context, f models.Filter) error {
	where, args := whereClause(f, 1)
	sqlFormula := "DELETE FROM file_tree WHERE id = (SELECT id FROM file_tree" + where + " ORDER BY id LIMIT 1);"

	tag, err := db.pool.Exec(ctx, sqlFormula, args...)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNoDocument
	}
	return nil
}

// MoveNode re-parents id from one container to another in a single transaction.
func (db *Database) MoveNode(ctx context.Context, id, from, to uuid.UUID, at time.Time) error {
	return translate(crdbpgx.ExecuteTx(ctx, db.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "UPDATE file_tree SET parent_id = $1, updated_at = $2 WHERE id = $3 AND parent_id = $4;", to, at, id, from)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return models.ErrNoDocument
		}
		if from == to {
			return nil
		}

		if tag, err = tx.Exec(ctx, "UPDATE file_tree SET children = array_remove(children, $1), updated_at = $2 WHERE id = $3;", id, at, from); err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return models.ErrNoDocument
		}
		if tag, err = tx.Exec(ctx, "UPDATE file_tree SET children = array_append(array_remove(children, $1), $1), updated_at = $2 WHERE id = $3;", id, at, to); err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return models.ErrNoDocument
		}
		return nil
	}))
}

/*

	Database errors

*/

const uniqueViolation = "23505"

// translate maps driver errors to the document store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNoDocument
	}
	if errors.Is(err, models.ErrNoDocument) || errors.Is(err, models.ErrDuplicate) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, models.ErrDuplicate)
	}
	return err
}
