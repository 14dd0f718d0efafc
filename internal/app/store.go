package app

import (
	"context"
	"database/sql"

	"github.com/inspectlink/inspectlink/internal/persistence"
)

// Store bundles the inspector database with its repositories. The CLI
// query commands open it without starting a daemon.
type Store struct {
	DB       *sql.DB
	Records  *persistence.RecordRepo
	Sessions *persistence.SessionRepo
}

func OpenStore(ctx context.Context, path string) (*Store, error) {
	db, err := persistence.Open(ctx, path)
	if err != nil {
		return nil, err
	}

	return &Store{
		DB:       db,
		Records:  persistence.NewRecordRepo(db),
		Sessions: persistence.NewSessionRepo(db),
	}, nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}

	return s.DB.Close()
}
