package schema

import (
	"fmt"
	"time"
)

// Media is a binary attachment bound to exactly one event. The row is
// cascade-deleted with its parent event.
//
// Checksum and Size are computed once at capture time and never recomputed;
// they identify the exact bytes the server agreed to accept.
type Media struct {
	ID      int64 `json:"id"`
	EventID int64 `json:"event_id"`

	// Kind is the media type, e.g. "image/jpeg" or "audio/wav".
	Kind string `json:"kind"`

	// URI is the local file reference for the captured bytes.
	URI string `json:"uri"`

	Checksum string `json:"checksum"` // sha256, hex encoded
	Size     int64  `json:"size"`

	Status    Status `json:"status"`
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ServerID *string `json:"server_id,omitempty"`
}

// Validate checks the media invariants that must hold before persisting.
func (m *Media) Validate() error {
	if m.EventID == 0 {
		return fmt.Errorf("event_id is required")
	}
	if m.URI == "" {
		return fmt.Errorf("uri is required")
	}
	if m.Checksum == "" {
		return fmt.Errorf("checksum is required")
	}
	if m.Size < 0 {
		return fmt.Errorf("size must be non-negative (got %d)", m.Size)
	}
	if !m.Status.Valid() {
		return fmt.Errorf("invalid status %q", m.Status)
	}
	if m.Status == StatusSynced && m.ServerID == nil {
		return fmt.Errorf("synced media %d has no server_id", m.ID)
	}
	if m.Status != StatusSynced && m.ServerID != nil {
		return fmt.Errorf("media %d has server_id but status %q", m.ID, m.Status)
	}
	return nil
}

// PendingUpload is a server-issued ticket authorizing the transfer of one
// media item to a storage endpoint. It is created from a push response and
// deleted once the media item reaches StatusSynced.
type PendingUpload struct {
	ID        int64             `json:"id"`
	EventID   int64             `json:"event_id"`
	MediaID   int64             `json:"media_id"`
	UploadURL string            `json:"upload_url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
