package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

//goland:noinspection SqlWithoutWhere
var clearDatabaseStatements = []string{
	`DELETE FROM records;`,
	`DELETE FROM sessions;`,
}

func ClearDatabase(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database is not initialized")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear database tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range clearDatabaseStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear database tables: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear database tx: %w", err)
	}

	return nil
}

// PruneSessions deletes sessions last seen before cutoff together with their
// records, and returns how many sessions were removed.
func PruneSessions(ctx context.Context, db *sql.DB, cutoff time.Time) (int64, error) {
	if db == nil {
		return 0, fmt.Errorf("database is not initialized")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	ms := unixMillis(cutoff)
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM records WHERE session_id IN (SELECT session_id FROM sessions WHERE last_seen_at < ?)
	`, ms); err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE last_seen_at < ?`, ms)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune tx: %w", err)
	}

	return n, nil
}
