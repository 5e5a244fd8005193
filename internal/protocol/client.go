// Package protocol defines the typed RPC surface to the remote
// synchronization endpoint and an HTTP implementation of it.
//
// The sync engine talks to the server through the Client interface only;
// transports and wire formats stay behind this boundary so tests can drive
// the engine with an in-memory fake.
package protocol

import (
	"context"

	"github.com/fieldkit/fieldsync/internal/schema"
)

// ItemStatus is the per-item outcome of a push.
type ItemStatus string

const (
	// ItemSuccess means the server durably accepted the item and
	// assigned it a server ID.
	ItemSuccess ItemStatus = "success"

	// ItemConflict means the item collides with server-side state. It is
	// permanent at this layer and surfaced for resolution, never
	// auto-retried.
	ItemConflict ItemStatus = "conflict"

	// ItemRejected means the server refused the item outright, e.g. a
	// validation failure. Permanent, not retried.
	ItemRejected ItemStatus = "rejected"
)

// PushItem is one event plus its media descriptors, as sent to the server.
type PushItem struct {
	Event *schema.Event   `json:"event"`
	Media []*schema.Media `json:"media,omitempty"`
}

// PushResult is the server's verdict on one pushed item, keyed by the
// event's idempotency key.
type PushResult struct {
	ClientID string     `json:"client_id"`
	Status   ItemStatus `json:"status"`
	ServerID string     `json:"server_id,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// PushResponse is the full server answer to a push call.
type PushResponse struct {
	Results []PushResult `json:"results"`

	// PendingUploads are tickets for media the server has not yet
	// received the bytes for.
	PendingUploads []*schema.PendingUpload `json:"pending_uploads,omitempty"`

	// ServerSeq is the push-side sequencing watermark.
	ServerSeq int64 `json:"server_seq"`
}

// MediaDescriptor announces a media item to the server ahead of transfer.
type MediaDescriptor struct {
	ClientID string `json:"client_id"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// PullResponse carries remote events newer than the requested cursor.
type PullResponse struct {
	ServerSeq int64           `json:"server_seq"`
	Events    []*schema.Event `json:"events"`
}

// Client is the typed RPC surface of the remote sync endpoint.
//
// All methods take a context because every one of them crosses the
// network. Implementations must return NetworkError for failures where no
// response was received, so callers can tell transient outages from
// server-side verdicts.
type Client interface {
	// Push sends a batch of events (with media descriptors) and returns
	// per-item results, upload tickets, and the server watermark.
	Push(ctx context.Context, items []PushItem) (*PushResponse, error)

	// PrepareMedia requests upload tickets for media items ahead of a
	// push, e.g. to pre-stage large files.
	PrepareMedia(ctx context.Context, files []MediaDescriptor) ([]*schema.PendingUpload, error)

	// UploadMedia transfers one media item's bytes to the endpoint named
	// by its ticket, using the ticket's method and headers.
	UploadMedia(ctx context.Context, upload *schema.PendingUpload, media *schema.Media) error

	// CompleteUpload tells the server the media bytes are fully
	// transferred and returns the server ID assigned to the media item.
	CompleteUpload(ctx context.Context, mediaID int64) (string, error)

	// Commit finalizes server-side associations for a fully-transferred
	// batch. Idempotent on the server: safe to repeat.
	Commit(ctx context.Context, eventServerIDs, mediaServerIDs []string) error

	// Pull returns remote events after the given cursor for a stream,
	// together with the new watermark.
	Pull(ctx context.Context, streamID string, cursor int64) (*PullResponse, error)
}
