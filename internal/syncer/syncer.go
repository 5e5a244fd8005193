// Package syncer drives the bidirectional sync cycle: select a bounded
// batch of local work, push it, transfer media, commit, then pull remote
// changes. Exactly one cycle runs at a time.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldkit/fieldsync/internal/protocol"
	"github.com/fieldkit/fieldsync/internal/schema"
	"github.com/fieldkit/fieldsync/internal/store"
)

// State is the manager's lifecycle state.
type State string

const (
	// StateIdle means no cycle is running and the last one (if any)
	// succeeded.
	StateIdle State = "idle"

	// StateSyncing means a cycle is in flight.
	StateSyncing State = "syncing"

	// StateBackoff means the last cycle failed; unforced triggers are
	// rejected until the backoff delay has elapsed.
	StateBackoff State = "backoff"
)

// ErrSyncInFlight is returned by TriggerSync while a cycle is already
// running. Callers treat it as a no-op: the running cycle covers their
// work.
var ErrSyncInFlight = errors.New("sync cycle already in flight")

// ErrBackingOff is returned by unforced triggers that arrive before the
// backoff delay from the last failed cycle has elapsed.
var ErrBackingOff = errors.New("backing off after failed sync cycle")

// Config bounds a sync cycle.
type Config struct {
	// BatchSize caps the number of events pushed per cycle.
	BatchSize int

	// MaxBandwidthBytes caps the cumulative payload + media bytes
	// selected per cycle. An event whose own weight exceeds the cap is
	// still sent alone, otherwise it could never sync.
	MaxBandwidthBytes int64

	// StreamID names the pull stream this device follows.
	StreamID string

	// BackoffInitial and BackoffMax bound the delay between failed
	// cycles. The delay doubles per consecutive failure.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxBandwidthBytes <= 0 {
		c.MaxBandwidthBytes = 1 << 20
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 5 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
}

// CycleResult summarizes one completed sync cycle.
type CycleResult struct {
	Pushed        int
	Synced        int
	Failed        int
	MediaUploaded int
	Pulled        int
	PullConflicts []string
	Duration      time.Duration
}

// Status is a point-in-time snapshot for the CLI and dashboard.
type Status struct {
	State     State
	LastSync  time.Time
	LastError string
	Pending   map[schema.Status]int
}

// Manager owns the sync state machine.
type Manager struct {
	store  *store.Store
	client protocol.Client
	cfg    Config
	logger *zap.SugaredLogger

	notify chan struct{}

	mu           sync.Mutex
	state        State
	lastSync     time.Time
	lastErr      string
	failures     int
	backoffUntil time.Time
	listeners    []func(old, new State)
	cycleHooks   []func(*CycleResult, error)
}

// New creates a manager. The client is the remote endpoint; nil logger
// disables logging.
func New(st *store.Store, client protocol.Client, cfg Config, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg.applyDefaults()
	return &Manager{
		store:  st,
		client: client,
		cfg:    cfg,
		logger: logger,
		notify: make(chan struct{}, 1),
		state:  StateIdle,
	}
}

// Notify signals that new local work exists. Never blocks; coalesces with
// any signal already pending.
func (m *Manager) Notify() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Notifications is the channel the daemon watches for capture nudges.
func (m *Manager) Notifications() <-chan struct{} {
	return m.notify
}

// OnTransition registers a state-transition listener. Listeners are
// called synchronously, outside the manager lock, in registration order.
func (m *Manager) OnTransition(fn func(old, new State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// OnCycle registers a hook called after every completed cycle, successful
// or not.
func (m *Manager) OnCycle(fn func(*CycleResult, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycleHooks = append(m.cycleHooks, fn)
}

// Status reports the manager state and the store's per-status event
// counts.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	counts, err := m.store.CountEventsByStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:     m.state,
		LastSync:  m.lastSync,
		LastError: m.lastErr,
		Pending:   counts,
	}, nil
}

// setState moves the machine to next and fires listeners.
func (m *Manager) setState(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	listeners := make([]func(old, new State), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	if prev == next {
		return
	}
	for _, fn := range listeners {
		fn(prev, next)
	}
}

// TriggerSync runs one sync cycle. While a cycle is in flight it returns
// ErrSyncInFlight; unforced triggers during a backoff window return
// ErrBackingOff. Once the push call has been issued the cycle runs to
// completion even if ctx is cancelled, so that server-acknowledged work
// is always recorded locally.
func (m *Manager) TriggerSync(ctx context.Context, force bool) (*CycleResult, error) {
	m.mu.Lock()
	if m.state == StateSyncing {
		m.mu.Unlock()
		return nil, ErrSyncInFlight
	}
	if !force && m.state == StateBackoff && time.Now().Before(m.backoffUntil) {
		m.mu.Unlock()
		return nil, ErrBackingOff
	}
	// Claim the cycle under the same lock as the in-flight check so two
	// concurrent triggers can never both start one.
	prev := m.state
	m.state = StateSyncing
	listeners := make([]func(old, new State), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(prev, StateSyncing)
	}

	start := time.Now()

	res, err := m.cycle(ctx)
	res.Duration = time.Since(start)

	m.mu.Lock()
	hooks := make([]func(*CycleResult, error), len(m.cycleHooks))
	copy(hooks, m.cycleHooks)
	m.mu.Unlock()
	defer func() {
		for _, fn := range hooks {
			fn(res, err)
		}
	}()

	m.mu.Lock()
	if err != nil {
		m.failures++
		m.lastErr = err.Error()
		delay := m.cfg.BackoffInitial << (m.failures - 1)
		if delay > m.cfg.BackoffMax || delay <= 0 {
			delay = m.cfg.BackoffMax
		}
		m.backoffUntil = time.Now().Add(delay)
	} else {
		m.failures = 0
		m.lastErr = ""
		m.lastSync = time.Now()
	}
	m.mu.Unlock()

	if err != nil {
		m.setState(StateBackoff)
		m.logger.Warnw("sync cycle failed", "error", err, "duration", res.Duration)
		return res, err
	}
	m.setState(StateIdle)
	m.logger.Infow("sync cycle complete",
		"pushed", res.Pushed, "synced", res.Synced, "failed", res.Failed,
		"media", res.MediaUploaded, "pulled", res.Pulled, "duration", res.Duration)
	return res, nil
}

// cycle runs the five sync steps. It returns a partially-filled result
// alongside any error so callers can see how far the cycle got.
func (m *Manager) cycle(ctx context.Context) (*CycleResult, error) {
	res := &CycleResult{}

	batch, err := m.selectBatch(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to select batch: %w", err)
	}

	if len(batch) > 0 {
		if err := m.pushBatch(ctx, batch, res); err != nil {
			return res, err
		}
		// The push reached the server; from here the cycle must not be
		// abandoned mid-flight or acknowledged work would be lost.
		ctx = context.WithoutCancel(ctx)
	}

	if err := m.requestMissingTickets(ctx); err != nil {
		return res, err
	}

	uploaded, mediaServerIDs, err := m.uploadMedia(ctx, res)
	res.MediaUploaded = uploaded
	if err != nil {
		return res, err
	}

	if len(batch) > 0 || len(mediaServerIDs) > 0 {
		if err := m.commit(ctx, batch, mediaServerIDs); err != nil {
			// Commit is idempotent server-side; a later cycle repeats
			// it, so a failure here does not undo the cycle's work.
			m.logger.Warnw("commit failed, will retry next cycle", "error", err)
		}
	}

	if err := m.pull(ctx, res); err != nil {
		return res, err
	}
	return res, nil
}

// batchItem pairs an event with its media rows for push.
type batchItem struct {
	event *schema.Event
	media []*schema.Media
}

// weight is the bandwidth cost of an item: payload bytes plus media bytes.
func (b *batchItem) weight() int64 {
	w := b.event.PayloadSize()
	for _, m := range b.media {
		w += m.Size
	}
	return w
}

// selectBatch picks events for this cycle under both caps: item count and
// cumulative bytes. Rows left in syncing by an interrupted earlier cycle
// are retried first; push is idempotent by client ID, so resending them
// is safe.
func (m *Manager) selectBatch(ctx context.Context) ([]*batchItem, error) {
	stuck, err := m.store.ListEventsByStatus(ctx, schema.StatusSyncing)
	if err != nil {
		return nil, err
	}
	pending, err := m.store.ListEventsByStatus(ctx, schema.StatusPending)
	if err != nil {
		return nil, err
	}
	candidates := append(stuck, pending...)

	var (
		batch []*batchItem
		bytes int64
	)
	for _, ev := range candidates {
		if len(batch) >= m.cfg.BatchSize {
			break
		}
		media, err := m.store.ListMediaForEvent(ctx, ev.ID)
		if err != nil {
			return nil, err
		}
		item := &batchItem{event: ev, media: media}
		w := item.weight()
		if len(batch) > 0 && bytes+w > m.cfg.MaxBandwidthBytes {
			break
		}
		batch = append(batch, item)
		bytes += w
		if bytes >= m.cfg.MaxBandwidthBytes {
			break
		}
	}
	return batch, nil
}

// pushBatch marks the batch syncing, pushes it, and applies per-item
// results in server order.
func (m *Manager) pushBatch(ctx context.Context, batch []*batchItem, res *CycleResult) error {
	var (
		eventIDs []int64
		mediaIDs []int64
		items    []protocol.PushItem
		byClient = make(map[string]*batchItem, len(batch))
	)
	for _, b := range batch {
		eventIDs = append(eventIDs, b.event.ID)
		for _, md := range b.media {
			mediaIDs = append(mediaIDs, md.ID)
		}
		items = append(items, protocol.PushItem{Event: b.event, Media: b.media})
		byClient[b.event.ClientID] = b
	}

	if err := m.store.MarkEventsSyncing(ctx, eventIDs); err != nil {
		return fmt.Errorf("failed to mark events syncing: %w", err)
	}
	if err := m.store.MarkMediaSyncing(ctx, mediaIDs); err != nil {
		return fmt.Errorf("failed to mark media syncing: %w", err)
	}

	resp, err := m.client.Push(ctx, items)
	if err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	res.Pushed = len(items)

	// Results apply in server order. Recording happens before anything
	// else so an interruption never loses an acknowledged server ID.
	dctx := context.WithoutCancel(ctx)
	seen := make(map[string]bool, len(resp.Results))
	for _, r := range resp.Results {
		b, ok := byClient[r.ClientID]
		if !ok {
			m.logger.Warnw("push result for unknown client id", "client_id", r.ClientID)
			continue
		}
		seen[r.ClientID] = true
		switch r.Status {
		case protocol.ItemSuccess:
			if err := m.store.ResolveEventSynced(dctx, b.event.ID, r.ServerID); err != nil {
				return fmt.Errorf("failed to record synced event: %w", err)
			}
			b.event.ServerID = &r.ServerID
			res.Synced++
		case protocol.ItemConflict:
			msg := r.Error
			if msg == "" {
				msg = "conflict with server state"
			}
			if err := m.failItem(dctx, b, msg); err != nil {
				return fmt.Errorf("failed to record conflicted event: %w", err)
			}
			res.Failed++
		case protocol.ItemRejected:
			msg := r.Error
			if msg == "" {
				msg = "rejected by server"
			}
			if err := m.failItem(dctx, b, msg); err != nil {
				return fmt.Errorf("failed to record rejected event: %w", err)
			}
			res.Failed++
		default:
			m.logger.Warnw("unknown push result status",
				"client_id", r.ClientID, "status", r.Status)
		}
	}

	// Items the server did not answer for stay syncing and ride along in
	// the next cycle's batch.
	for clientID := range byClient {
		if !seen[clientID] {
			m.logger.Warnw("no push result for item, will retry", "client_id", clientID)
		}
	}

	if len(resp.PendingUploads) > 0 {
		if err := m.store.InsertPendingUploads(dctx, resp.PendingUploads); err != nil {
			return fmt.Errorf("failed to persist upload tickets: %w", err)
		}
	}
	return nil
}

// failItem records a permanent per-item failure on the event and all of
// its media. Media of a dead event can never sync; leaving it syncing
// would have every later cycle requesting upload tickets for it.
func (m *Manager) failItem(ctx context.Context, b *batchItem, msg string) error {
	if err := m.store.ResolveEventError(ctx, b.event.ID, msg); err != nil {
		return err
	}
	for _, md := range b.media {
		if err := m.store.ResolveMediaError(ctx, md.ID, msg); err != nil {
			return err
		}
	}
	return nil
}

// requestMissingTickets covers media rows stuck in syncing with no stored
// upload ticket, e.g. after a crash between recording push results and
// persisting the response's tickets. The server re-issues tickets via the
// prepare endpoint; their events were already pushed.
func (m *Manager) requestMissingTickets(ctx context.Context) error {
	media, err := m.store.ListMediaByStatus(ctx, schema.StatusSyncing)
	if err != nil {
		return fmt.Errorf("failed to list syncing media: %w", err)
	}
	if len(media) == 0 {
		return nil
	}
	tickets, err := m.store.ListPendingUploads(ctx)
	if err != nil {
		return fmt.Errorf("failed to list upload tickets: %w", err)
	}
	covered := make(map[int64]bool, len(tickets))
	for _, t := range tickets {
		covered[t.MediaID] = true
	}

	var (
		orphans []*schema.Media
		descs   []protocol.MediaDescriptor
	)
	for _, md := range media {
		if covered[md.ID] {
			continue
		}
		ev, err := m.store.GetEvent(ctx, md.EventID)
		if err != nil {
			return fmt.Errorf("failed to load event for media %d: %w", md.ID, err)
		}
		orphans = append(orphans, md)
		descs = append(descs, protocol.MediaDescriptor{
			ClientID: ev.ClientID,
			Checksum: md.Checksum,
			Size:     md.Size,
			MimeType: md.Kind,
		})
	}
	if len(orphans) == 0 {
		return nil
	}

	uploads, err := m.client.PrepareMedia(ctx, descs)
	if err != nil {
		return fmt.Errorf("failed to prepare media uploads: %w", err)
	}
	// Tickets come back in request order.
	for i, u := range uploads {
		if i >= len(orphans) {
			break
		}
		u.EventID = orphans[i].EventID
		u.MediaID = orphans[i].ID
	}
	if err := m.store.InsertPendingUploads(ctx, uploads); err != nil {
		return fmt.Errorf("failed to persist re-issued tickets: %w", err)
	}
	m.logger.Infow("re-issued upload tickets for orphaned media", "count", len(uploads))
	return nil
}

// uploadMedia works through pending upload tickets. Any failure leaves
// the media row syncing and its ticket in place for a later cycle: a
// transport failure stops the loop, a server-side failure skips the item
// and carries on.
func (m *Manager) uploadMedia(ctx context.Context, res *CycleResult) (int, []string, error) {
	tickets, err := m.store.ListPendingUploads(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to list upload tickets: %w", err)
	}

	var (
		uploaded  int
		serverIDs []string
	)
	for _, t := range tickets {
		media, err := m.store.GetMedia(ctx, t.MediaID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				m.logger.Warnw("upload ticket for missing media, dropping", "media_id", t.MediaID)
				if err := m.store.DeletePendingUpload(ctx, t.ID); err != nil {
					return uploaded, serverIDs, err
				}
				continue
			}
			return uploaded, serverIDs, err
		}

		if err := m.client.UploadMedia(ctx, t, media); err != nil {
			if protocol.IsNetworkError(err) {
				return uploaded, serverIDs, fmt.Errorf("media upload failed: %w", err)
			}
			m.logger.Warnw("media upload rejected, will retry next cycle",
				"media_id", media.ID, "error", err)
			continue
		}

		serverID, err := m.client.CompleteUpload(ctx, media.ID)
		if err != nil {
			if protocol.IsNetworkError(err) {
				return uploaded, serverIDs, fmt.Errorf("media upload completion failed: %w", err)
			}
			m.logger.Warnw("media upload completion rejected, will retry next cycle",
				"media_id", media.ID, "error", err)
			continue
		}

		if err := m.store.ResolveMediaSynced(ctx, media.ID, serverID); err != nil {
			return uploaded, serverIDs, fmt.Errorf("failed to record synced media: %w", err)
		}
		if err := m.store.DeletePendingUpload(ctx, t.ID); err != nil {
			return uploaded, serverIDs, err
		}
		uploaded++
		serverIDs = append(serverIDs, serverID)
	}
	return uploaded, serverIDs, nil
}

// commit finalizes the cycle's server-side associations.
func (m *Manager) commit(ctx context.Context, batch []*batchItem, mediaServerIDs []string) error {
	var eventServerIDs []string
	for _, b := range batch {
		if b.event.ServerID != nil {
			eventServerIDs = append(eventServerIDs, *b.event.ServerID)
		}
	}
	if len(eventServerIDs) == 0 && len(mediaServerIDs) == 0 {
		return nil
	}
	return m.client.Commit(ctx, eventServerIDs, mediaServerIDs)
}

// pull fetches remote events past the stream cursor and merges them with
// the cursor advance in one transaction.
func (m *Manager) pull(ctx context.Context, res *CycleResult) error {
	cursor, err := m.store.Cursor(ctx, m.cfg.StreamID)
	if err != nil {
		return fmt.Errorf("failed to read cursor: %w", err)
	}
	resp, err := m.client.Pull(ctx, m.cfg.StreamID, cursor.Seq)
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}
	merged, err := m.store.MergePulled(ctx, m.cfg.StreamID, resp.ServerSeq, resp.Events)
	if err != nil {
		return fmt.Errorf("failed to merge pulled events: %w", err)
	}
	res.Pulled = merged.Inserted
	res.PullConflicts = merged.Conflicts
	if len(merged.Conflicts) > 0 {
		m.logger.Warnw("pull conflicts surfaced", "client_ids", merged.Conflicts)
	}
	if len(merged.Malformed) > 0 {
		m.logger.Warnw("skipped malformed remote events", "client_ids", merged.Malformed)
	}
	return nil
}
