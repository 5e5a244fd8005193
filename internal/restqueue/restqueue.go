// Package restqueue wraps an HTTP client with a durable retry queue for
// mutating requests. When the network is down, a POST/PUT/PATCH/DELETE is
// persisted instead of lost, and replayed in order once connectivity
// returns. Reads are never queued; a stale read has no value later.
package restqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldkit/fieldsync/internal/schema"
)

// DefaultMaxAttempts is how many server-rejected replays an item gets
// before it is dropped.
const DefaultMaxAttempts = 5

// Disposition says what happened to a request handed to Do.
type Disposition string

const (
	// Delivered means a response was received, whatever its status. The
	// server's verdict is the caller's to interpret.
	Delivered Disposition = "delivered"

	// Queued means no response was received and the request was
	// persisted for replay.
	Queued Disposition = "queued"

	// Failed means the request could not be delivered and was not
	// queueable (non-mutating method, or unreadable body).
	Failed Disposition = "failed"
)

// Outcome is the tagged result of Do. Exactly one of Response, Item, or
// Err is set, matching the Disposition.
type Outcome struct {
	Disposition Disposition
	Response    *http.Response
	Item        *schema.QueueItem
	Err         error
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Delivered int
	Dropped   int
	Remaining int

	// Halted is true when the pass stopped early because a replay got
	// no response. The head item keeps its attempt count.
	Halted bool
}

// Client is the queue-backed HTTP client.
type Client struct {
	http        *http.Client
	path        string
	maxAttempts int
	logger      *zap.SugaredLogger

	mu         sync.Mutex
	items      []*schema.QueueItem
	drainHooks []func(*DrainStats)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithMaxAttempts overrides the per-item replay budget.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) { c.logger = l }
}

// New opens the queue at path, loading any items persisted by an earlier
// run.
func New(path string, opts ...Option) (*Client, error) {
	c := &Client{
		http:        &http.Client{Timeout: 30 * time.Second},
		path:        path,
		maxAttempts: DefaultMaxAttempts,
		logger:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// Do performs req. Mutating requests that get no response are persisted
// and reported as Queued; everything the server answers is Delivered.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Outcome, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return &Outcome{Disposition: Failed, Err: err}, nil
		}
		body = b
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	resp, err := c.http.Do(req.WithContext(ctx))
	if err == nil {
		return &Outcome{Disposition: Delivered, Response: resp}, nil
	}

	if !schema.MutatingMethod(req.Method) {
		return &Outcome{Disposition: Failed, Err: err}, nil
	}

	item := &schema.QueueItem{
		ID:        uuid.NewString(),
		Method:    req.Method,
		URL:       req.URL.String(),
		Body:      body,
		Headers:   req.Header.Clone(),
		CreatedAt: time.Now().UTC(),
	}
	if qerr := c.enqueue(item); qerr != nil {
		return nil, fmt.Errorf("failed to queue request: %w", qerr)
	}
	c.logger.Infow("request queued for replay",
		"method", item.Method, "url", item.URL, "id", item.ID, "cause", err)
	return &Outcome{Disposition: Queued, Item: item}, nil
}

// OnDrain registers a hook called with the stats of every completed
// drain pass.
func (c *Client) OnDrain(fn func(*DrainStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainHooks = append(c.drainHooks, fn)
}

// Drain replays queued items strictly in order, visiting each at most
// once per pass. A replay that gets no response halts the pass without
// touching the item's attempt count; a server-returned success removes
// the item; a server-returned failure costs one attempt and the item is
// kept for a later drain, dropped once it is out of attempts.
func (c *Client) Drain(ctx context.Context) (*DrainStats, error) {
	stats := &DrainStats{}

	pos := 0
	for {
		c.mu.Lock()
		if pos >= len(c.items) {
			c.mu.Unlock()
			break
		}
		item := c.items[pos]
		c.mu.Unlock()

		resp, err := c.replay(ctx, item)
		if err != nil {
			// No response. The server may be gone again; FIFO order
			// forbids skipping ahead, so stop here and keep the item
			// as-is for the next drain.
			stats.Halted = true
			break
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			if err := c.removeAt(pos, item.ID); err != nil {
				return stats, err
			}
			stats.Delivered++
			continue
		}

		item.Attempts++
		if item.Attempts > c.maxAttempts {
			if err := c.removeAt(pos, item.ID); err != nil {
				return stats, err
			}
			stats.Dropped++
			c.logger.Errorw("dropping queued request after repeated server rejections",
				"method", item.Method, "url", item.URL, "id", item.ID,
				"attempts", item.Attempts, "status", resp.StatusCode)
			continue
		}
		// Kept for the next drain; move on to the next item.
		if err := c.save(); err != nil {
			return stats, err
		}
		pos++
	}

	c.mu.Lock()
	stats.Remaining = len(c.items)
	hooks := make([]func(*DrainStats), len(c.drainHooks))
	copy(hooks, c.drainHooks)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(stats)
	}
	return stats, nil
}

// replay re-issues one queued item.
func (c *Client) replay(ctx context.Context, item *schema.QueueItem) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, item.Method, item.URL, bytes.NewReader(item.Body))
	if err != nil {
		return nil, err
	}
	for k, vs := range item.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.http.Do(req)
}

// Depth reports the number of queued items.
func (c *Client) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Items returns a snapshot of the queue, oldest first.
func (c *Client) Items() []*schema.QueueItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*schema.QueueItem, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Client) enqueue(item *schema.QueueItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, item)
	return c.saveLocked()
}

// removeAt drops the item at idx if it still matches id.
func (c *Client) removeAt(idx int, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx >= len(c.items) || c.items[idx].ID != id {
		return nil
	}
	c.items = append(c.items[:idx], c.items[idx+1:]...)
	return c.saveLocked()
}

func (c *Client) save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

// saveLocked writes the queue file atomically: temp file in the same
// directory, then rename. A crash mid-write leaves the previous file
// intact.
func (c *Client) saveLocked() error {
	data, err := json.MarshalIndent(struct {
		Items []*schema.QueueItem `json:"items"`
	}{Items: c.items}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".queue-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp queue file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write queue file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close queue file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace queue file: %w", err)
	}
	return nil
}

func (c *Client) load() error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read queue file: %w", err)
	}
	var file struct {
		Items []*schema.QueueItem `json:"items"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse queue file %s: %w", c.path, err)
	}
	c.items = file.Items
	return nil
}
