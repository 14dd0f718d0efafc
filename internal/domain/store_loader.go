package domain

import (
	"context"
	"fmt"
)

// LoadSessionStore fills store with the most recent sessions and their latest records.
func LoadSessionStore(ctx context.Context, store *SessionStore, sessionRepo SessionRepository, recordRepo RecordRepository, sessions, recordsPerSession int) error {
	items, err := sessionRepo.ListRecent(ctx, sessions)
	if err != nil {
		return fmt.Errorf("load sessions from db: %w", err)
	}

	records := make(map[string][]LogRecord, len(items))
	for _, info := range items {
		recs, err := recordRepo.ListBySession(ctx, info.ID, recordsPerSession)
		if err != nil {
			return fmt.Errorf("load records of session %s: %w", info.ID, err)
		}
		records[info.ID] = recs
	}

	store.Load(items, records)

	return nil
}
