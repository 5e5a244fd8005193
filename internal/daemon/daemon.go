// Package daemon runs the engine unattended: it watches connectivity and
// reacts to edges, re-triggers sync while work is pending, and ingests
// event drafts dropped into a spool directory.
//
// The daemon:
// 1. Drains the REST queue and syncs on every offline-to-online edge
// 2. Re-triggers sync periodically while online
// 3. Watches spool/*.json for event drafts and captures them
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fieldkit/fieldsync/internal/capture"
	"github.com/fieldkit/fieldsync/internal/connectivity"
	"github.com/fieldkit/fieldsync/internal/restqueue"
	"github.com/fieldkit/fieldsync/internal/schema"
	"github.com/fieldkit/fieldsync/internal/syncer"
)

// Config holds daemon timing knobs.
type Config struct {
	// SpoolDir is the directory watched for dropped event drafts.
	SpoolDir string

	// RetriggerInterval is how often to re-trigger sync while online.
	RetriggerInterval time.Duration

	// DebounceInterval is how long a spool file must sit quiet before
	// it is ingested. Batches rapid writes from the same producer.
	DebounceInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RetriggerInterval: time.Minute,
		DebounceInterval:  200 * time.Millisecond,
	}
}

// Daemon wires the monitor, syncer, queue, and capture service together.
type Daemon struct {
	monitor connectivity.Monitor
	manager *syncer.Manager
	queue   *restqueue.Client
	capture *capture.Service
	config  Config
	logger  *zap.SugaredLogger

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. The spool watcher is optional: an empty SpoolDir
// disables it.
func New(monitor connectivity.Monitor, manager *syncer.Manager, queue *restqueue.Client,
	capSvc *capture.Service, cfg Config, logger *zap.SugaredLogger) (*Daemon, error) {
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if manager == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.RetriggerInterval <= 0 {
		cfg.RetriggerInterval = time.Minute
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		monitor:     monitor,
		manager:     manager,
		queue:       queue,
		capture:     capSvc,
		config:      cfg,
		logger:      logger,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.SpoolDir != "" {
		if capSvc == nil {
			cancel()
			return nil, fmt.Errorf("spool watching requires a capture service")
		}
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = watcher
	}
	return d, nil
}

// Start runs the daemon until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Infow("starting daemon", "spool", d.config.SpoolDir)

	if d.watcher != nil {
		if err := os.MkdirAll(d.config.SpoolDir, 0o755); err != nil {
			return fmt.Errorf("failed to create spool directory: %w", err)
		}
		if err := d.watcher.Add(d.config.SpoolDir); err != nil {
			return fmt.Errorf("failed to watch spool directory: %w", err)
		}
		// Drafts dropped while the daemon was down.
		if err := d.sweepSpool(); err != nil {
			d.logger.Warnw("initial spool sweep failed", "error", err)
		}

		d.wg.Add(2)
		go d.watchSpoolEvents()
		go d.processChangeQueue()
	}

	d.wg.Add(2)
	go d.watchConnectivity()
	go d.retriggerLoop()

	// Come up working if the link is already there.
	if d.monitor.State() == connectivity.Online {
		d.onOnline()
	}

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.logger.Info("stopping daemon")
	d.cancel()
	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.logger.Warnw("error closing watcher", "error", err)
		}
	}
	d.wg.Wait()
	d.logger.Info("daemon stopped")
	return nil
}

// onOnline is the offline-to-online edge handler: drain the mutation
// queue first, then run a sync cycle. Queue order matters more than sync
// freshness; the mutations are older.
func (d *Daemon) onOnline() {
	if d.queue != nil && d.queue.Depth() > 0 {
		stats, err := d.queue.Drain(d.ctx)
		if err != nil {
			d.logger.Warnw("queue drain failed", "error", err)
		} else {
			d.logger.Infow("queue drained",
				"delivered", stats.Delivered, "dropped", stats.Dropped,
				"remaining", stats.Remaining, "halted", stats.Halted)
		}
	}
	d.triggerSync(true)
}

// triggerSync runs a cycle, treating in-flight and backoff rejections as
// no-ops.
func (d *Daemon) triggerSync(force bool) {
	_, err := d.manager.TriggerSync(d.ctx, force)
	if err != nil &&
		!errors.Is(err, syncer.ErrSyncInFlight) &&
		!errors.Is(err, syncer.ErrBackingOff) {
		d.logger.Warnw("triggered sync failed", "error", err)
	}
}

// watchConnectivity reacts to monitor edges and capture nudges.
func (d *Daemon) watchConnectivity() {
	defer d.wg.Done()

	edges := d.monitor.Subscribe()
	for {
		select {
		case <-d.ctx.Done():
			return

		case state, ok := <-edges:
			if !ok {
				return
			}
			if state == connectivity.Online {
				d.onOnline()
			} else {
				d.logger.Info("link lost, engine going quiet")
			}

		case <-d.manager.Notifications():
			if d.monitor.State() == connectivity.Online {
				d.triggerSync(false)
			}
		}
	}
}

// retriggerLoop periodically re-triggers sync while online. This is the
// bounded retry path out of the backoff state.
func (d *Daemon) retriggerLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.RetriggerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if d.monitor.State() == connectivity.Online {
				d.triggerSync(false)
			}
		}
	}
}

// watchSpoolEvents monitors filesystem events and queues draft files.
func (d *Daemon) watchSpoolEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warnw("watcher error", "error", err)
		}
	}
}

// queueChange records a spool file with the time it was last touched.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[path] = time.Now()
}

// processChangeQueue ingests spool files that have sat quiet past the
// debounce interval.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, touchedAt := range d.changeQueue {
		if now.Sub(touchedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	for _, path := range ready {
		if err := d.ingestDraft(path); err != nil {
			d.logger.Errorw("failed to ingest spool draft", "path", path, "error", err)
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			d.logger.Warnw("failed to remove ingested draft", "path", path, "error", err)
		}
	}
}

// sweepSpool queues every draft already present in the spool directory.
func (d *Daemon) sweepSpool() error {
	entries, err := os.ReadDir(d.config.SpoolDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		d.queueChange(filepath.Join(d.config.SpoolDir, entry.Name()))
	}
	return nil
}

// spoolDraft is the on-disk draft format.
type spoolDraft struct {
	ClientID   string          `json:"client_id,omitempty"`
	Kind       schema.Kind     `json:"kind"`
	ActorRole  string          `json:"actor_role,omitempty"`
	OccurredAt time.Time       `json:"occurred_at,omitempty"`
	Document   json.RawMessage `json:"document"`
	Media      []spoolMedia    `json:"media,omitempty"`
}

type spoolMedia struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// ingestDraft parses one spool file and captures it. A file some producer
// deleted between queueing and ingestion is skipped silently.
func (d *Daemon) ingestDraft(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read draft: %w", err)
	}

	var draft spoolDraft
	if err := json.Unmarshal(data, &draft); err != nil {
		return fmt.Errorf("failed to parse draft: %w", err)
	}
	if draft.Kind == "" {
		return fmt.Errorf("draft has no kind")
	}
	doc, err := schema.DecodePayload(draft.Kind, draft.Document)
	if err != nil {
		return fmt.Errorf("failed to decode draft document: %w", err)
	}

	files := make([]capture.MediaFile, 0, len(draft.Media))
	for _, m := range draft.Media {
		files = append(files, capture.MediaFile{Path: m.Path, Kind: m.Kind})
	}

	ev, err := d.capture.Capture(d.ctx, capture.Draft{
		ClientID:   draft.ClientID,
		Kind:       draft.Kind,
		ActorRole:  draft.ActorRole,
		Document:   doc,
		OccurredAt: draft.OccurredAt,
	}, files...)
	if err != nil {
		return err
	}
	d.logger.Infow("spool draft captured", "path", path, "client_id", ev.ClientID)
	return nil
}
