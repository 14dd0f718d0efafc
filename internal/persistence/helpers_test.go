package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/inspectlink/inspectlink/internal/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "inspector.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func receivedLog(sessionID string, seq uint64, message string, at time.Time) domain.ReceivedRecord {
	rec := domain.NewGenericLogRecord(domain.LogTypeInfo, "test", message, map[string]any{"seq": seq})
	rec.SessionID = sessionID
	rec.Sequence = seq
	rec.Timestamp = at

	return domain.ReceivedRecord{Record: rec, DeviceID: "device-1", ReceivedAt: at}
}
