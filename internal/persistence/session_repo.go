package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/inspectlink/inspectlink/internal/domain"
)

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// Touch records that rec arrived for its session.
func (r *SessionRepo) Touch(ctx context.Context, rec domain.ReceivedRecord) error {
	at := unixMillis(rec.ReceivedAt)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions(session_id, device_id, first_seen_at, last_seen_at, record_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(session_id) DO UPDATE SET
			device_id = excluded.device_id,
			last_seen_at = MAX(sessions.last_seen_at, excluded.last_seen_at),
			record_count = sessions.record_count + 1
	`, rec.Record.SessionID, rec.DeviceID, at, at)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	return nil
}

func (r *SessionRepo) ListRecent(ctx context.Context, limit int) ([]domain.SessionInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, device_id, first_seen_at, last_seen_at, record_count
		FROM sessions
		ORDER BY last_seen_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionInfo
	for rows.Next() {
		var (
			s       domain.SessionInfo
			firstMs int64
			lastMs  int64
		)
		if err := rows.Scan(&s.ID, &s.DeviceID, &firstMs, &lastMs, &s.RecordCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.FirstSeenAt = timeFromMillis(firstMs)
		s.LastSeenAt = timeFromMillis(lastMs)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return out, nil
}
