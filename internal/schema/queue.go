package schema

import (
	"fmt"
	"net/http"
	"time"
)

// QueueItem is a deferred mutating HTTP call that failed with no response.
// Items are replayed strictly in insertion order; Attempts counts
// server-returned failures only and never decreases.
type QueueItem struct {
	ID        string      `json:"id"`
	Method    string      `json:"method"`
	URL       string      `json:"url"`
	Body      []byte      `json:"body,omitempty"`
	Headers   http.Header `json:"headers,omitempty"`
	Attempts  int         `json:"attempts"`
	CreatedAt time.Time   `json:"created_at"`
}

// Validate checks the queue item invariants.
func (q *QueueItem) Validate() error {
	if q.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !MutatingMethod(q.Method) {
		return fmt.Errorf("method %q is not a mutating HTTP method", q.Method)
	}
	if q.URL == "" {
		return fmt.Errorf("url is required")
	}
	if q.Attempts < 0 {
		return fmt.Errorf("attempts must be non-negative (got %d)", q.Attempts)
	}
	return nil
}

// MutatingMethod reports whether the HTTP method can change server state and
// is therefore eligible for queueing.
func MutatingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
