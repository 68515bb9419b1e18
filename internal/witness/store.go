package witness

import (
	"context"
	"strings"
)

// Store persists witness records. Transition is the only way a record changes
// after Insert, and every backend enforces CanTransition atomically.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	GetByCallID(ctx context.Context, callID string) (Record, error)
	List(ctx context.Context, limit int) ([]Record, error)
	Transition(ctx context.Context, id string, to Status, apply func(*Record)) (Record, error)
	Close() error
}

// NewStore picks a backend: Postgres when databaseURL is set, SQLite when
// sqlitePath is set, memory otherwise. The returned mode names the backend.
func NewStore(ctx context.Context, databaseURL, sqlitePath string) (Store, string, error) {
	if strings.TrimSpace(databaseURL) != "" {
		st, err := NewPostgresStore(ctx, databaseURL)
		if err != nil {
			return nil, "", err
		}
		return st, "postgres", nil
	}
	if strings.TrimSpace(sqlitePath) != "" {
		st, err := NewSQLiteStore(sqlitePath)
		if err != nil {
			return nil, "", err
		}
		return st, "sqlite", nil
	}
	return NewMemoryStore(), "memory", nil
}
