package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldkit/fieldsync/internal/schema"
)

// InsertPendingUploads persists a set of server-issued upload tickets in
// one transaction. Tickets arrive with a push response and are consumed by
// the media upload step of a later (or the same) sync cycle.
func (s *Store) InsertPendingUploads(ctx context.Context, uploads []*schema.PendingUpload) error {
	if len(uploads) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, u := range uploads {
			headers, err := json.Marshal(u.Headers)
			if err != nil {
				return fmt.Errorf("failed to marshal ticket headers: %w", err)
			}
			if u.CreatedAt.IsZero() {
				u.CreatedAt = time.Now().UTC()
			}

			res, err := tx.ExecContext(ctx, `
				INSERT INTO pending_uploads (event_id, media_id, upload_url, method, headers, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				u.EventID, u.MediaID, u.UploadURL, u.Method,
				string(headers), u.CreatedAt.Format(time.RFC3339Nano))
			if err != nil {
				return fmt.Errorf("failed to insert upload ticket: %w", err)
			}
			u.ID, err = res.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to read ticket id: %w", err)
			}
		}
		return nil
	})
}

// ListPendingUploads returns all outstanding upload tickets, oldest first.
func (s *Store) ListPendingUploads(ctx context.Context) ([]*schema.PendingUpload, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, event_id, media_id, upload_url, method, headers, created_at
		FROM pending_uploads ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list upload tickets: %w", err)
	}
	defer rows.Close()

	var uploads []*schema.PendingUpload
	for rows.Next() {
		var u schema.PendingUpload
		var headers, createdAt string

		if err := rows.Scan(&u.ID, &u.EventID, &u.MediaID, &u.UploadURL,
			&u.Method, &headers, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan upload ticket: %w", err)
		}

		if err := json.Unmarshal([]byte(headers), &u.Headers); err != nil {
			return nil, fmt.Errorf("corrupt ticket headers: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			u.CreatedAt = t
		}

		uploads = append(uploads, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating upload tickets: %w", err)
	}
	return uploads, nil
}

// DeletePendingUpload removes a consumed ticket. Deleting a ticket that is
// already gone is a no-op.
func (s *Store) DeletePendingUpload(ctx context.Context, id int64) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM pending_uploads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete upload ticket %d: %w", id, err)
	}
	return nil
}
