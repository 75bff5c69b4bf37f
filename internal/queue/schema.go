package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"stagehand/internal/sqlitedb"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
// Users will need to clear their queue database after schema changes.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

var requiredTables = []string{"stage_queue", "stage_lock", "stage_attempt_log", "schema_version"}

// initSchema creates or verifies the schema inside one immediate transaction,
// so peers opening a fresh database at the same moment serialize on it.
func (s *Store) initSchema(ctx context.Context) error {
	return sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var tableExists int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
		).Scan(&tableExists); err != nil {
			return fmt.Errorf("check schema_version table: %w", err)
		}

		if tableExists == 0 {
			return createSchema(ctx, tx)
		}

		var version int
		if err := tx.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return createSchema(ctx, tx)
			}
			return fmt.Errorf("read schema version: %w", err)
		}
		if version != schemaVersion {
			return fmt.Errorf("%w: database has version %d, expected %d (run 'stagehand queue clear' or delete the database)",
				ErrSchemaMismatch, version, schemaVersion)
		}
		return nil
	})
}

func createSchema(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	for _, stage := range stageOrder {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO stage_lock (type) VALUES (?)", string(stage)); err != nil {
			return fmt.Errorf("seed stage lock %s: %w", stage, err)
		}
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}
