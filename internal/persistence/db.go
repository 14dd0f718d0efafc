package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver
)

const busyTimeout = 5 * time.Second

// connection pragmas applied in order after the database is reachable.
var pragmas = []struct {
	name string
	stmt string
}{
	{"busy timeout", fmt.Sprintf(`PRAGMA busy_timeout = %d;`, busyTimeout.Milliseconds())},
	{"wal mode", `PRAGMA journal_mode = WAL;`},
	{"synchronous", `PRAGMA synchronous = NORMAL;`},
}

// Open opens (creating if needed) the record database at path and migrates
// it. The pool holds a single connection: the writer queue is the only writer
// and CLI readers are short-lived.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	fail := func(err error) (*sql.DB, error) {
		_ = db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return fail(fmt.Errorf("ping sqlite db %s: %w", path, err))
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.stmt); err != nil {
			return fail(fmt.Errorf("set %s: %w", p.name, err))
		}
	}
	if err := migrate(ctx, db); err != nil {
		return fail(err)
	}

	return db, nil
}

// Timestamps are stored as unix milliseconds; zero means unset.
func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMillis(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
