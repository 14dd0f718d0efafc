package domain

import "context"

type RecordRepository interface {
	Insert(ctx context.Context, rec ReceivedRecord) (int64, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]LogRecord, error)
}

type SessionRepository interface {
	Touch(ctx context.Context, rec ReceivedRecord) error
	ListRecent(ctx context.Context, limit int) ([]SessionInfo, error)
}
