// Package connectivity watches whether the sync endpoint is reachable.
// The engine keys its behavior off edges, not levels: it drains and syncs
// when the link comes back, and goes quiet when it drops.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the reachability of the sync endpoint.
type State string

const (
	Online  State = "online"
	Offline State = "offline"
)

// Monitor reports connectivity state and its transitions.
type Monitor interface {
	// Subscribe returns a channel that receives each state transition.
	// Notifications are edge-triggered: the same state is never
	// delivered twice in a row.
	Subscribe() <-chan State

	// State returns the current state.
	State() State

	// Close stops the monitor and closes all subscriber channels.
	Close()
}

// Prober is a Monitor that polls a health endpoint.
type Prober struct {
	url      string
	interval time.Duration
	http     *http.Client
	logger   *zap.SugaredLogger

	mu    sync.Mutex
	state State
	subs  []chan State

	cancel context.CancelFunc
	done   chan struct{}
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithHTTPClient replaces the probe transport.
func WithHTTPClient(h *http.Client) ProberOption {
	return func(p *Prober) { p.http = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) ProberOption {
	return func(p *Prober) { p.logger = l }
}

// NewProber starts polling url every interval. The initial state is
// determined by a synchronous first probe, so callers can branch on
// State() immediately after construction.
func NewProber(url string, interval time.Duration, opts ...ProberOption) *Prober {
	p := &Prober{
		url:      url,
		interval: interval,
		http:     &http.Client{Timeout: 5 * time.Second},
		logger:   zap.NewNop().Sugar(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.interval <= 0 {
		p.interval = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.state = p.probe(ctx)

	go p.loop(ctx)
	return p
}

// Subscribe registers a transition channel. Delivery is non-blocking: a
// consumer more than four edges behind misses the older ones.
func (p *Prober) Subscribe() <-chan State {
	ch := make(chan State, 4)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch
}

// State returns the last probed state.
func (p *Prober) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close stops the poll loop and closes subscriber channels.
func (p *Prober) Close() {
	p.cancel()
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		close(ch)
	}
	p.subs = nil
}

func (p *Prober) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.transition(p.probe(ctx))
		}
	}
}

// probe performs one health check. Any received response counts as
// online; a degraded server is still a reachable server.
func (p *Prober) probe(ctx context.Context) State {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Offline
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return Offline
	}
	resp.Body.Close()
	return Online
}

// transition records next and, on an edge, fans out to subscribers
// without blocking.
func (p *Prober) transition(next State) {
	p.mu.Lock()
	if p.state == next {
		p.mu.Unlock()
		return
	}
	prev := p.state
	p.state = next
	subs := make([]chan State, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	p.logger.Infow("connectivity changed", "from", prev, "to", next)
	for _, ch := range subs {
		select {
		case ch <- next:
		default:
		}
	}
}
