package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/inspectlink/inspectlink/internal/domain"
	"github.com/inspectlink/inspectlink/internal/wire"
)

// RecordRepo stores received records with their CBOR body.
type RecordRepo struct {
	db *sql.DB
}

func NewRecordRepo(db *sql.DB) *RecordRepo {
	return &RecordRepo{db: db}
}

// Insert stores rec. A record already stored under the same session and
// sequence is kept and its id returned.
func (r *RecordRepo) Insert(ctx context.Context, rec domain.ReceivedRecord) (int64, error) {
	body, err := wire.Marshal(rec.Record)
	if err != nil {
		return 0, fmt.Errorf("encode record body: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO records(session_id, sequence, kind, device_id, recorded_at, received_at, summary, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, sequence) DO NOTHING
	`, rec.Record.SessionID, int64(rec.Record.Sequence), rec.Record.Kind.String(), rec.DeviceID,
		unixMillis(rec.Record.Timestamp), unixMillis(rec.ReceivedAt), domain.Summary(rec.Record), body)
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}

	var id int64
	if err := r.db.QueryRowContext(ctx, `
		SELECT id FROM records WHERE session_id = ? AND sequence = ?
	`, rec.Record.SessionID, int64(rec.Record.Sequence)).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup record id: %w", err)
	}

	return id, nil
}

// ListBySession returns the latest limit records of a session in sequence order.
func (r *RecordRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.LogRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT body FROM (
			SELECT sequence, body FROM records
			WHERE session_id = ?
			ORDER BY sequence DESC
			LIMIT ?
		) ORDER BY sequence ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []domain.LogRecord
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec domain.LogRecord
		if err := wire.Unmarshal(body, &rec); err != nil {
			return nil, fmt.Errorf("decode record body: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return out, nil
}
