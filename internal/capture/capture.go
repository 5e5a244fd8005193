// Package capture is the ingestion boundary for new field events.
//
// Capture is synchronous and durable: when Capture returns without error,
// the event and all of its media rows are on disk and will eventually be
// synced. The network is never touched on this path; sync happens later,
// driven by the sync manager.
package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldkit/fieldsync/internal/schema"
	"github.com/fieldkit/fieldsync/internal/store"
)

// ErrNotRegistered is returned by Capture until a sync manager has been
// attached. Capture and sync are wired together at startup, not at call
// time; an unwired service would silently accumulate events nothing will
// ever push.
var ErrNotRegistered = errors.New("no sync manager registered")

// Notifier is the hook the capture service uses to tell the sync manager
// that new work exists. Implementations must not block; a capture call
// never waits on the network.
type Notifier interface {
	Notify()
}

// MediaFile names a local file to attach to an event at capture time.
type MediaFile struct {
	// Path is the local filesystem location of the captured bytes.
	Path string

	// Kind is the media type, e.g. "image/jpeg".
	Kind string
}

// Draft is an event as handed in by the application, before the capture
// service fills in defaults.
type Draft struct {
	// ClientID is the idempotency key. Left empty, a new one is
	// generated.
	ClientID string

	Kind      schema.Kind
	ActorRole string
	Document  schema.Document

	// OccurredAt is the domain timestamp. Left zero, capture time is
	// used.
	OccurredAt time.Time
}

// Service persists captured events through the local store.
type Service struct {
	store       *store.Store
	defaultRole string
	logger      *zap.SugaredLogger

	mu       sync.RWMutex
	notifier Notifier
}

// New creates a capture service. defaultRole is assigned to events whose
// draft carries no actor role. If logger is nil, logging is disabled.
func New(st *store.Store, defaultRole string, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{
		store:       st,
		defaultRole: defaultRole,
		logger:      logger,
	}
}

// Attach registers the sync manager notification hook. Until this is
// called, Capture fails with ErrNotRegistered.
func (s *Service) Attach(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Capture persists one event and its media attachments. The write is
// durable before Capture returns; media checksums and sizes are computed
// here, once, and never recomputed.
func (s *Service) Capture(ctx context.Context, draft Draft, files ...MediaFile) (*schema.Event, error) {
	s.mu.RLock()
	notifier := s.notifier
	s.mu.RUnlock()
	if notifier == nil {
		return nil, ErrNotRegistered
	}

	ev, media, err := s.build(draft, files)
	if err != nil {
		return nil, err
	}

	if err := s.store.InsertCapture(ctx, ev, media); err != nil {
		return nil, fmt.Errorf("failed to persist capture: %w", err)
	}

	s.logger.Infow("event captured",
		"client_id", ev.ClientID, "kind", ev.Kind, "media", len(media))

	// Best effort nudge; the manager picks the event up on its next
	// cycle regardless.
	notifier.Notify()

	return ev, nil
}

// build assembles the event and media rows from a draft, filling defaults.
func (s *Service) build(draft Draft, files []MediaFile) (*schema.Event, []*schema.Media, error) {
	if draft.Document == nil {
		return nil, nil, fmt.Errorf("draft has no document")
	}
	if draft.Kind == "" {
		draft.Kind = draft.Document.Kind()
	}
	if draft.Kind != draft.Document.Kind() {
		return nil, nil, fmt.Errorf("draft kind %q does not match document kind %q",
			draft.Kind, draft.Document.Kind())
	}

	payload, err := schema.EncodePayload(draft.Document)
	if err != nil {
		return nil, nil, err
	}

	clientID := draft.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	role := draft.ActorRole
	if role == "" {
		role = s.defaultRole
	}
	occurred := draft.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	ev := &schema.Event{
		ClientID:   clientID,
		Kind:       draft.Kind,
		ActorRole:  role,
		Payload:    payload,
		Status:     schema.StatusPending,
		OccurredAt: occurred,
	}

	media := make([]*schema.Media, 0, len(files))
	for _, f := range files {
		m, err := describeFile(f)
		if err != nil {
			return nil, nil, err
		}
		media = append(media, m)
	}
	return ev, media, nil
}

// describeFile computes the checksum and size of a media file at capture
// time.
func describeFile(f MediaFile) (*schema.Media, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open media file %s: %w", f.Path, err)
	}
	defer file.Close()

	h := sha256.New()
	size, err := io.Copy(h, file)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum media file %s: %w", f.Path, err)
	}

	return &schema.Media{
		Kind:     f.Kind,
		URI:      f.Path,
		Checksum: hex.EncodeToString(h.Sum(nil)),
		Size:     size,
		Status:   schema.StatusPending,
	}, nil
}
