package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fieldkit/fieldsync/internal/schema"
)

// ErrDuplicate is returned when an insert collides with an existing
// client_id. It is the idempotency guard against double capture.
var ErrDuplicate = errors.New("record already exists")

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// InsertEvent appends a captured event. The event's ID is assigned on
// return. Inserting a client_id that already exists fails with
// ErrDuplicate.
func (s *Store) InsertEvent(ctx context.Context, ev *schema.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertEventTx(ctx, tx, ev)
	})
}

// InsertCapture persists an event and all of its media rows in a single
// transaction. Either everything is durable when this returns, or nothing
// is.
func (s *Store) InsertCapture(ctx context.Context, ev *schema.Event, media []*schema.Media) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertEventTx(ctx, tx, ev); err != nil {
			return err
		}
		for _, m := range media {
			m.EventID = ev.ID
			if err := insertMediaTx(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertEventTx(ctx context.Context, tx *sql.Tx, ev *schema.Event) error {
	now := time.Now().UTC()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = now
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (
			client_id, kind, actor_role, payload, status, last_error,
			created_at, updated_at, occurred_at, server_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ClientID,
		string(ev.Kind),
		ev.ActorRole,
		ev.Payload,
		string(ev.Status),
		nullIfEmpty(ev.LastError),
		ev.CreatedAt.Format(time.RFC3339Nano),
		ev.UpdatedAt.Format(time.RFC3339Nano),
		ev.OccurredAt.Format(time.RFC3339Nano),
		ptrToNullString(ev.ServerID),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("event %s: %w", ev.ClientID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	ev.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read event id: %w", err)
	}
	return nil
}

const eventColumns = `id, client_id, kind, actor_role, payload, status,
	last_error, created_at, updated_at, occurred_at, server_id`

// GetEventByClientID retrieves a single event by its idempotency key.
// Returns ErrNotFound if no such event exists.
func (s *Store) GetEventByClientID(ctx context.Context, clientID string) (*schema.Event, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE client_id = ?`, clientID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", clientID, ErrNotFound)
	}
	return ev, err
}

// GetEvent retrieves a single event by its local row ID. Returns
// ErrNotFound if no such event exists.
func (s *Store) GetEvent(ctx context.Context, id int64) (*schema.Event, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	return ev, err
}

// ListEventsByStatus returns events in the given state, oldest first. The
// ordering matters: the sync manager selects batches front-to-back so
// capture order is preserved on the wire.
func (s *Store) ListEventsByStatus(ctx context.Context, status schema.Status) ([]*schema.Event, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE status = ? ORDER BY id ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MarkEventsSyncing moves the given events from pending to syncing as one
// transaction. Events that are no longer pending are left untouched, so a
// record can never re-enter the in-flight set twice.
func (s *Store) MarkEventsSyncing(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		for _, id := range ids {
			_, err := tx.ExecContext(ctx,
				`UPDATE events SET status = ?, updated_at = ?
				 WHERE id = ? AND status = ?`,
				string(schema.StatusSyncing), now, id, string(schema.StatusPending))
			if err != nil {
				return fmt.Errorf("failed to mark event %d syncing: %w", id, err)
			}
		}
		return nil
	})
}

// ResolveEventSynced records server acceptance: status synced plus the
// assigned server ID. The guard on server_id makes the transition
// exactly-once; a second call for the same event is a no-op.
func (s *Store) ResolveEventSynced(ctx context.Context, id int64, serverID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.conn.ExecContext(ctx,
		`UPDATE events SET status = ?, server_id = ?, last_error = NULL, updated_at = ?
		 WHERE id = ? AND server_id IS NULL`,
		string(schema.StatusSynced), serverID, now, id)
	if err != nil {
		return fmt.Errorf("failed to resolve event %d synced: %w", id, err)
	}
	return nil
}

// ResolveEventError records a permanent per-item failure (conflict or
// rejection). The event is not retried; it is surfaced for resolution.
func (s *Store) ResolveEventError(ctx context.Context, id int64, message string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.conn.ExecContext(ctx,
		`UPDATE events SET status = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND server_id IS NULL`,
		string(schema.StatusError), message, now, id)
	if err != nil {
		return fmt.Errorf("failed to resolve event %d error: %w", id, err)
	}
	return nil
}

// CountEventsByStatus returns the number of events per lifecycle state.
// Pending counts drive the offline badge in callers.
func (s *Store) CountEventsByStatus(ctx context.Context) (map[schema.Status]int, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[schema.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[schema.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*schema.Event, error) {
	var ev schema.Event
	var kind, createdAt, updatedAt, occurredAt string
	var lastErr, serverID sql.NullString

	err := row.Scan(
		&ev.ID,
		&ev.ClientID,
		&kind,
		&ev.ActorRole,
		&ev.Payload,
		(*string)(&ev.Status),
		&lastErr,
		&createdAt,
		&updatedAt,
		&occurredAt,
		&serverID,
	)
	if err != nil {
		return nil, err
	}

	ev.Kind = schema.Kind(kind)
	if lastErr.Valid {
		ev.LastError = lastErr.String
	}
	ev.ServerID = strPtr(serverID)

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		ev.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		ev.UpdatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, occurredAt); err == nil {
		ev.OccurredAt = t
	}

	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]*schema.Event, error) {
	var events []*schema.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func ptrToNullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}
