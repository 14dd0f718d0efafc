package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id    TEXT PRIMARY KEY,
		device_id     TEXT NOT NULL,
		first_seen_at INTEGER NOT NULL,
		last_seen_at  INTEGER NOT NULL,
		record_count  INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS records (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL,
		sequence    INTEGER NOT NULL,
		kind        TEXT NOT NULL,
		device_id   TEXT NOT NULL,
		recorded_at INTEGER NOT NULL,
		received_at INTEGER NOT NULL,
		summary     TEXT NOT NULL,
		body        BLOB NOT NULL,
		UNIQUE(session_id, sequence)
	);`,
	`CREATE INDEX IF NOT EXISTS records_session_seq ON records(session_id, sequence);`,
	`CREATE INDEX IF NOT EXISTS sessions_last_seen ON sessions(last_seen_at DESC);`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	return nil
}
