package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetCursor retrieves the saved firehose cursor for a service.
func (s *Store) GetCursor(ctx context.Context, service string) (int64, bool, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM sub_state WHERE service = ?`, service,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, classify("get cursor", err)
	}
	return cursor, true, nil
}

// UpdateCursor upserts the firehose cursor for a service. The stored cursor
// never moves backwards.
func (s *Store) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sub_state (service, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (service) DO UPDATE
		SET cursor = excluded.cursor, updated_at = excluded.updated_at
		WHERE excluded.cursor >= sub_state.cursor`,
		service, cursor, formatTime(time.Now()),
	)
	if err != nil {
		return classify("update cursor", err)
	}
	return nil
}
