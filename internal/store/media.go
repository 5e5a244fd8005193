package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fieldkit/fieldsync/internal/schema"
)

// InsertMedia appends a media row for an already-persisted event.
func (s *Store) InsertMedia(ctx context.Context, m *schema.Media) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertMediaTx(ctx, tx, m)
	})
}

func insertMediaTx(ctx context.Context, tx *sql.Tx, m *schema.Media) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid media: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO media (
			event_id, kind, uri, checksum, size, status, last_error,
			created_at, updated_at, server_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.EventID,
		m.Kind,
		m.URI,
		m.Checksum,
		m.Size,
		string(m.Status),
		nullIfEmpty(m.LastError),
		m.CreatedAt.Format(time.RFC3339Nano),
		m.UpdatedAt.Format(time.RFC3339Nano),
		ptrToNullString(m.ServerID),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("media for event %d: %w", m.EventID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert media: %w", err)
	}

	m.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read media id: %w", err)
	}
	return nil
}

const mediaColumns = `id, event_id, kind, uri, checksum, size, status,
	last_error, created_at, updated_at, server_id`

// GetMedia retrieves a single media row. Returns ErrNotFound if missing.
func (s *Store) GetMedia(ctx context.Context, id int64) (*schema.Media, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE id = ?`, id)
	m, err := scanMedia(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("media %d: %w", id, ErrNotFound)
	}
	return m, err
}

// ListMediaForEvent returns all media attached to an event, oldest first.
func (s *Store) ListMediaForEvent(ctx context.Context, eventID int64) ([]*schema.Media, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE event_id = ? ORDER BY id ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list media: %w", err)
	}
	defer rows.Close()
	return scanMediaRows(rows)
}

// ListMediaByStatus returns media in the given state, oldest first.
func (s *Store) ListMediaByStatus(ctx context.Context, status schema.Status) ([]*schema.Media, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE status = ? ORDER BY id ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list media: %w", err)
	}
	defer rows.Close()
	return scanMediaRows(rows)
}

// MarkMediaSyncing moves the given media from pending to syncing.
func (s *Store) MarkMediaSyncing(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		for _, id := range ids {
			_, err := tx.ExecContext(ctx,
				`UPDATE media SET status = ?, updated_at = ?
				 WHERE id = ? AND status = ?`,
				string(schema.StatusSyncing), now, id, string(schema.StatusPending))
			if err != nil {
				return fmt.Errorf("failed to mark media %d syncing: %w", id, err)
			}
		}
		return nil
	})
}

// ResolveMediaSynced records server acceptance of a media item. The guard
// on server_id makes the transition exactly-once.
func (s *Store) ResolveMediaSynced(ctx context.Context, id int64, serverID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.conn.ExecContext(ctx,
		`UPDATE media SET status = ?, server_id = ?, last_error = NULL, updated_at = ?
		 WHERE id = ? AND server_id IS NULL`,
		string(schema.StatusSynced), serverID, now, id)
	if err != nil {
		return fmt.Errorf("failed to resolve media %d synced: %w", id, err)
	}
	return nil
}

// ResolveMediaError records a permanent failure for a media item.
func (s *Store) ResolveMediaError(ctx context.Context, id int64, message string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.conn.ExecContext(ctx,
		`UPDATE media SET status = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND server_id IS NULL`,
		string(schema.StatusError), message, now, id)
	if err != nil {
		return fmt.Errorf("failed to resolve media %d error: %w", id, err)
	}
	return nil
}

func scanMedia(row rowScanner) (*schema.Media, error) {
	var m schema.Media
	var createdAt, updatedAt string
	var lastErr, serverID sql.NullString

	err := row.Scan(
		&m.ID,
		&m.EventID,
		&m.Kind,
		&m.URI,
		&m.Checksum,
		&m.Size,
		(*string)(&m.Status),
		&lastErr,
		&createdAt,
		&updatedAt,
		&serverID,
	)
	if err != nil {
		return nil, err
	}

	if lastErr.Valid {
		m.LastError = lastErr.String
	}
	m.ServerID = strPtr(serverID)

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		m.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		m.UpdatedAt = t
	}

	return &m, nil
}

func scanMediaRows(rows *sql.Rows) ([]*schema.Media, error) {
	var media []*schema.Media
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan media: %w", err)
		}
		media = append(media, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating media: %w", err)
	}
	return media, nil
}
