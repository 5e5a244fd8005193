package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fieldkit/fieldsync/internal/schema"
)

// Cursor returns the watermark for a sync stream. A stream that has never
// been pulled reports Seq 0.
func (s *Store) Cursor(ctx context.Context, streamID string) (schema.Cursor, error) {
	cur := schema.Cursor{StreamID: streamID}

	var updatedAt string
	err := s.conn.QueryRowContext(ctx,
		`SELECT cursor, updated_at FROM sync_cursors WHERE id = ?`, streamID).
		Scan(&cur.Seq, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cur, nil
	}
	if err != nil {
		return cur, fmt.Errorf("failed to read cursor %s: %w", streamID, err)
	}

	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		cur.UpdatedAt = t
	}
	return cur, nil
}

// advanceCursorTx moves a stream's watermark forward inside an existing
// transaction. A seq at or behind the persisted value is a no-op: the
// cursor is monotonic and only ever advances.
func advanceCursorTx(ctx context.Context, tx *sql.Tx, streamID string, seq int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_cursors (id, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = excluded.updated_at
		WHERE excluded.cursor > sync_cursors.cursor`,
		streamID, seq, now)
	if err != nil {
		return fmt.Errorf("failed to advance cursor %s: %w", streamID, err)
	}
	return nil
}

// PullMergeResult summarizes a MergePulled call.
type PullMergeResult struct {
	// Inserted is the number of remote events added to the store.
	Inserted int

	// Conflicts lists client IDs of remote events that collided with a
	// local record. The local record is left untouched; resolution is a
	// product decision, not the engine's.
	Conflicts []string

	// Malformed lists client IDs of remote events that failed validation
	// and were skipped. Aborting the merge on one bad remote record would
	// pin the cursor behind it and poison every later pull.
	Malformed []string
}

// MergePulled merges events returned by a pull into the store and advances
// the stream cursor to seq, all in one transaction. A crash mid-merge
// leaves either both the data and the cursor or neither; the watermark can
// never run ahead of its data.
//
// Remote events that collide with an existing client_id are skipped and
// reported as conflicts rather than overwriting local state; remote events
// that fail validation are skipped and reported as malformed.
func (s *Store) MergePulled(ctx context.Context, streamID string, seq int64, events []*schema.Event) (*PullMergeResult, error) {
	result := &PullMergeResult{}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, ev := range events {
			var exists int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM events WHERE client_id = ?`, ev.ClientID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to check event %s: %w", ev.ClientID, err)
			}
			if exists > 0 {
				result.Conflicts = append(result.Conflicts, ev.ClientID)
				continue
			}
			if err := ev.Validate(); err != nil {
				result.Malformed = append(result.Malformed, ev.ClientID)
				continue
			}

			if err := insertEventTx(ctx, tx, ev); err != nil {
				return fmt.Errorf("failed to merge event %s: %w", ev.ClientID, err)
			}
			result.Inserted++
		}

		return advanceCursorTx(ctx, tx, streamID, seq)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
