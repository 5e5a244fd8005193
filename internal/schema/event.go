// Package schema provides the record types persisted by the fieldsync engine:
// captured events, their media attachments, sync cursors, server-issued upload
// tickets, and deferred REST mutations.
package schema

import (
	"fmt"
	"time"
)

// Status tracks a record through the sync lifecycle.
//
// The only legal transitions are pending -> syncing -> synced and
// pending -> syncing -> error. A record never returns to pending and is
// never deleted by the sync engine.
type Status string

const (
	// StatusPending marks records captured locally and not yet selected
	// into a sync batch.
	StatusPending Status = "pending"

	// StatusSyncing marks records that are part of an in-flight batch.
	StatusSyncing Status = "syncing"

	// StatusSynced marks records durably accepted by the server.
	// A synced record always carries a non-nil ServerID.
	StatusSynced Status = "synced"

	// StatusError marks records the server answered with a permanent
	// conflict or rejection. They are surfaced for resolution, not retried.
	StatusError Status = "error"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusError:
		return true
	}
	return false
}

// Terminal reports whether a record in this state is done with the sync
// engine (successfully or not).
func (s Status) Terminal() bool {
	return s == StatusSynced || s == StatusError
}

// Event is a captured domain occurrence.
//
// ClientID is the client-generated idempotency key: globally unique,
// immutable, and used to deduplicate re-pushed events across retries.
// ServerID is assigned by the remote system and is non-nil iff the event
// reached StatusSynced.
type Event struct {
	ID        int64  `json:"id"`
	ClientID  string `json:"client_id"`
	Kind      Kind   `json:"kind"`
	ActorRole string `json:"actor_role"`

	// Payload holds the event document encoded as JSON. Use Document to
	// decode it into the typed union.
	Payload []byte `json:"payload"`

	Status    Status `json:"status"`
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// OccurredAt is the domain timestamp: when the thing happened in the
	// field, as opposed to when it was recorded.
	OccurredAt time.Time `json:"occurred_at"`

	ServerID *string `json:"server_id,omitempty"`
}

// Validate checks the event invariants that must hold before persisting.
func (e *Event) Validate() error {
	if e.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if e.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("invalid status %q", e.Status)
	}
	if e.Status == StatusSynced && e.ServerID == nil {
		return fmt.Errorf("synced event %s has no server_id", e.ClientID)
	}
	if e.Status != StatusSynced && e.ServerID != nil {
		return fmt.Errorf("event %s has server_id but status %q", e.ClientID, e.Status)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	return nil
}

// Document decodes the payload into its typed form.
func (e *Event) Document() (Document, error) {
	return DecodePayload(e.Kind, e.Payload)
}

// PayloadSize returns the number of payload bytes the event contributes to
// a batch's bandwidth budget.
func (e *Event) PayloadSize() int64 {
	return int64(len(e.Payload))
}

// Cursor is a per-stream watermark recording how much of the remote event
// stream has been consumed. Seq only ever advances, and it is persisted in
// the same transaction as the pulled data it protects.
type Cursor struct {
	StreamID  string    `json:"stream_id"`
	Seq       int64     `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}
