package connectivity

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestProberInitialStateOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(srv.URL+"/health", time.Hour)
	defer p.Close()

	if p.State() != Online {
		t.Fatalf("expected online, got %s", p.State())
	}
}

func TestProberInitialStateOffline(t *testing.T) {
	p := NewProber("http://127.0.0.1:1/health", time.Hour)
	defer p.Close()

	if p.State() != Offline {
		t.Fatalf("expected offline, got %s", p.State())
	}
}

func TestProberDegradedServerStillOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewProber(srv.URL+"/health", time.Hour)
	defer p.Close()

	if p.State() != Online {
		t.Fatalf("a responding server is reachable; expected online, got %s", p.State())
	}
}

func TestProberEdgeTriggeredTransitions(t *testing.T) {
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			// Hijack and slam the connection to simulate no response.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("hijacking unsupported")
				return
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(srv.URL+"/health", 10*time.Millisecond)
	defer p.Close()
	sub := p.Subscribe()

	if p.State() != Online {
		t.Fatalf("expected initial online, got %s", p.State())
	}

	down.Store(true)
	select {
	case s := <-sub:
		if s != Offline {
			t.Fatalf("expected offline edge, got %s", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for offline edge")
	}

	down.Store(false)
	select {
	case s := <-sub:
		if s != Online {
			t.Fatalf("expected online edge, got %s", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for online edge")
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	p := NewProber("http://127.0.0.1:1/health", time.Hour)
	sub := p.Subscribe()
	p.Close()

	select {
	case _, ok := <-sub:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}
}
