package presence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store persists online/offline transitions. Only transitions reach the
// store; individual connects and disconnects of an already-online user do
// not touch the database.
type Store interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string, lastSeen time.Time) error
}

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) SetOnline(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_online=1, updated_at=CURRENT_TIMESTAMP WHERE id=?`, userID)
	if err != nil {
		return fmt.Errorf("presence: set online: %w", err)
	}
	return nil
}

func (s *SQLStore) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_online=0, last_seen=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		lastSeen, userID)
	if err != nil {
		return fmt.Errorf("presence: set offline: %w", err)
	}
	return nil
}
