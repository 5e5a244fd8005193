package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fieldkit/fieldsync/internal/protocol"
	"github.com/fieldkit/fieldsync/internal/schema"
	"github.com/fieldkit/fieldsync/internal/store"
)

// fakeClient is an in-memory protocol.Client driven by function fields.
// Unset fields default to empty successful responses.
type fakeClient struct {
	mu        sync.Mutex
	pushFn    func(items []protocol.PushItem) (*protocol.PushResponse, error)
	prepareFn func(files []protocol.MediaDescriptor) ([]*schema.PendingUpload, error)
	uploadFn  func(upload *schema.PendingUpload, media *schema.Media) error
	completes map[int64]string
	pullFn    func(streamID string, cursor int64) (*protocol.PullResponse, error)

	commitEvents [][]string
	commitMedia  [][]string
}

func (f *fakeClient) Push(_ context.Context, items []protocol.PushItem) (*protocol.PushResponse, error) {
	if f.pushFn != nil {
		return f.pushFn(items)
	}
	resp := &protocol.PushResponse{}
	for i, it := range items {
		resp.Results = append(resp.Results, protocol.PushResult{
			ClientID: it.Event.ClientID,
			Status:   protocol.ItemSuccess,
			ServerID: fmt.Sprintf("srv-%d", i),
		})
	}
	return resp, nil
}

func (f *fakeClient) PrepareMedia(_ context.Context, files []protocol.MediaDescriptor) ([]*schema.PendingUpload, error) {
	if f.prepareFn != nil {
		return f.prepareFn(files)
	}
	return nil, nil
}

func (f *fakeClient) UploadMedia(_ context.Context, upload *schema.PendingUpload, media *schema.Media) error {
	if f.uploadFn != nil {
		return f.uploadFn(upload, media)
	}
	return nil
}

func (f *fakeClient) CompleteUpload(_ context.Context, mediaID int64) (string, error) {
	if id, ok := f.completes[mediaID]; ok {
		return id, nil
	}
	return fmt.Sprintf("media-srv-%d", mediaID), nil
}

func (f *fakeClient) Commit(_ context.Context, eventServerIDs, mediaServerIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitEvents = append(f.commitEvents, eventServerIDs)
	f.commitMedia = append(f.commitMedia, mediaServerIDs)
	return nil
}

func (f *fakeClient) Pull(_ context.Context, streamID string, cursor int64) (*protocol.PullResponse, error) {
	if f.pullFn != nil {
		return f.pullFn(streamID, cursor)
	}
	return &protocol.PullResponse{ServerSeq: cursor}, nil
}

func setupManager(t *testing.T, client protocol.Client, cfg Config) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"), nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if cfg.StreamID == "" {
		cfg.StreamID = "field-team-1"
	}
	return New(st, client, cfg, nil), st
}

func seedPending(t *testing.T, st *store.Store, clientID, text string) *schema.Event {
	t.Helper()
	payload, err := schema.EncodePayload(schema.Note{Text: text})
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	ev := &schema.Event{
		ClientID:   clientID,
		Kind:       schema.KindNote,
		ActorRole:  "ranger",
		Payload:    payload,
		Status:     schema.StatusPending,
		OccurredAt: time.Now().UTC(),
	}
	if err := st.InsertEvent(context.Background(), ev); err != nil {
		t.Fatalf("failed to seed event: %v", err)
	}
	return ev
}

func TestBatchSelectionDualCap(t *testing.T) {
	m, st := setupManager(t, &fakeClient{}, Config{
		BatchSize:         10,
		MaxBandwidthBytes: 1000,
	})

	// Three events with ~1500 byte payloads; only one fits per batch.
	big := strings.Repeat("x", 1500)
	for i := 0; i < 3; i++ {
		seedPending(t, st, fmt.Sprintf("big-%d", i), big)
	}

	batch, err := m.selectBatch(context.Background())
	if err != nil {
		t.Fatalf("selectBatch failed: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 oversized event selected alone, got %d", len(batch))
	}
	if batch[0].event.ClientID != "big-0" {
		t.Errorf("expected oldest event first, got %s", batch[0].event.ClientID)
	}
}

func TestBatchSelectionCountCap(t *testing.T) {
	m, st := setupManager(t, &fakeClient{}, Config{
		BatchSize:         2,
		MaxBandwidthBytes: 1 << 20,
	})
	for i := 0; i < 5; i++ {
		seedPending(t, st, fmt.Sprintf("ev-%d", i), "small")
	}

	batch, err := m.selectBatch(context.Background())
	if err != nil {
		t.Fatalf("selectBatch failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(batch))
	}
}

func TestTriggerSyncCoalesces(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	client := &fakeClient{
		pushFn: func(items []protocol.PushItem) (*protocol.PushResponse, error) {
			close(started)
			<-release
			return &protocol.PushResponse{}, nil
		},
	}
	m, st := setupManager(t, client, Config{})
	seedPending(t, st, "ev-1", "hello")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.TriggerSync(context.Background(), true)
	}()

	<-started
	if _, err := m.TriggerSync(context.Background(), true); !errors.Is(err, ErrSyncInFlight) {
		t.Errorf("expected ErrSyncInFlight, got %v", err)
	}
	close(release)
	<-done
}

func TestCycleAppliesPerItemResults(t *testing.T) {
	client := &fakeClient{
		pushFn: func(items []protocol.PushItem) (*protocol.PushResponse, error) {
			return &protocol.PushResponse{Results: []protocol.PushResult{
				{ClientID: "ok", Status: protocol.ItemSuccess, ServerID: "srv-1"},
				{ClientID: "dup", Status: protocol.ItemConflict, Error: "already exists"},
				{ClientID: "bad", Status: protocol.ItemRejected, Error: "invalid payload"},
			}}, nil
		},
	}
	m, st := setupManager(t, client, Config{})
	ctx := context.Background()
	seedPending(t, st, "ok", "a")
	seedPending(t, st, "dup", "b")
	bad := seedPending(t, st, "bad", "c")
	badMedia := &schema.Media{
		EventID: bad.ID, Kind: "image/jpeg", URI: "/tmp/b.jpg",
		Checksum: strings.Repeat("ff", 32), Size: 8, Status: schema.StatusPending,
	}
	if err := st.InsertMedia(ctx, badMedia); err != nil {
		t.Fatal(err)
	}

	res, err := m.TriggerSync(ctx, true)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if res.Synced != 1 || res.Failed != 2 {
		t.Fatalf("expected 1 synced / 2 failed, got %d / %d", res.Synced, res.Failed)
	}

	ok, err := st.GetEventByClientID(ctx, "ok")
	if err != nil {
		t.Fatal(err)
	}
	if ok.Status != schema.StatusSynced || ok.ServerID == nil || *ok.ServerID != "srv-1" {
		t.Errorf("expected synced with srv-1, got %s / %v", ok.Status, ok.ServerID)
	}
	for _, id := range []string{"dup", "bad"} {
		ev, err := st.GetEventByClientID(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if ev.Status != schema.StatusError || ev.LastError == "" {
			t.Errorf("%s: expected error status with message, got %s / %q", id, ev.Status, ev.LastError)
		}
	}

	// Media of a permanently-failed event is failed with it, never left
	// syncing.
	gotMedia, err := st.GetMedia(ctx, badMedia.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotMedia.Status != schema.StatusError || gotMedia.LastError == "" {
		t.Errorf("expected media of rejected event errored, got %s / %q",
			gotMedia.Status, gotMedia.LastError)
	}
}

func TestNetworkFailureBacksOffAndRetries(t *testing.T) {
	var fail bool
	client := &fakeClient{}
	client.pushFn = func(items []protocol.PushItem) (*protocol.PushResponse, error) {
		if fail {
			return nil, &protocol.NetworkError{Op: "push", Err: errors.New("connection refused")}
		}
		resp := &protocol.PushResponse{}
		for _, it := range items {
			resp.Results = append(resp.Results, protocol.PushResult{
				ClientID: it.Event.ClientID,
				Status:   protocol.ItemSuccess,
				ServerID: "srv-" + it.Event.ClientID,
			})
		}
		return resp, nil
	}
	m, st := setupManager(t, client, Config{})
	ctx := context.Background()
	seedPending(t, st, "ev-1", "x")

	fail = true
	if _, err := m.TriggerSync(ctx, true); err == nil {
		t.Fatal("expected cycle failure")
	}

	// The event stays syncing, never back to pending.
	ev, err := st.GetEventByClientID(ctx, "ev-1")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Status != schema.StatusSyncing {
		t.Fatalf("expected syncing after aborted cycle, got %s", ev.Status)
	}

	// Unforced triggers are rejected during the backoff window.
	if _, err := m.TriggerSync(ctx, false); !errors.Is(err, ErrBackingOff) {
		t.Fatalf("expected ErrBackingOff, got %v", err)
	}

	// A forced retry picks the stuck row back up and completes it.
	fail = false
	res, err := m.TriggerSync(ctx, true)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.Synced != 1 {
		t.Fatalf("expected 1 synced on retry, got %d", res.Synced)
	}
	ev, err = st.GetEventByClientID(ctx, "ev-1")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Status != schema.StatusSynced {
		t.Errorf("expected synced after retry, got %s", ev.Status)
	}
}

func TestMediaUploadFlowAndCommit(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{completes: map[int64]string{}}
	m, st := setupManager(t, client, Config{})

	ev := seedPending(t, st, "with-media", "photo attached")
	media := &schema.Media{
		EventID:  ev.ID,
		Kind:     "image/jpeg",
		URI:      "/tmp/p.jpg",
		Checksum: strings.Repeat("ab", 32),
		Size:     64,
		Status:   schema.StatusPending,
	}
	if err := st.InsertMedia(ctx, media); err != nil {
		t.Fatalf("failed to insert media: %v", err)
	}
	client.completes[media.ID] = "media-srv-1"

	client.pushFn = func(items []protocol.PushItem) (*protocol.PushResponse, error) {
		return &protocol.PushResponse{
			Results: []protocol.PushResult{
				{ClientID: "with-media", Status: protocol.ItemSuccess, ServerID: "srv-1"},
			},
			PendingUploads: []*schema.PendingUpload{
				{EventID: ev.ID, MediaID: media.ID, UploadURL: "https://up.example/1", Method: "PUT"},
			},
		}, nil
	}

	res, err := m.TriggerSync(ctx, true)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if res.MediaUploaded != 1 {
		t.Fatalf("expected 1 media uploaded, got %d", res.MediaUploaded)
	}

	got, err := st.GetMedia(ctx, media.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != schema.StatusSynced || got.ServerID == nil || *got.ServerID != "media-srv-1" {
		t.Errorf("expected media synced with server id, got %s / %v", got.Status, got.ServerID)
	}

	tickets, err := st.ListPendingUploads(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tickets) != 0 {
		t.Errorf("expected ticket retired, %d remain", len(tickets))
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.commitEvents) != 1 {
		t.Fatalf("expected one commit, got %d", len(client.commitEvents))
	}
	if len(client.commitEvents[0]) != 1 || client.commitEvents[0][0] != "srv-1" {
		t.Errorf("unexpected committed event ids: %v", client.commitEvents[0])
	}
	if len(client.commitMedia[0]) != 1 || client.commitMedia[0][0] != "media-srv-1" {
		t.Errorf("unexpected committed media ids: %v", client.commitMedia[0])
	}
}

func TestMediaTransportFailureLeavesTicket(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		uploadFn: func(*schema.PendingUpload, *schema.Media) error {
			return &protocol.NetworkError{Op: "upload", Err: errors.New("broken pipe")}
		},
	}
	m, st := setupManager(t, client, Config{})

	ev := seedPending(t, st, "m-ev", "x")
	media := &schema.Media{
		EventID: ev.ID, Kind: "image/jpeg", URI: "/tmp/p.jpg",
		Checksum: strings.Repeat("cd", 32), Size: 10, Status: schema.StatusSyncing,
	}
	if err := st.InsertMedia(ctx, media); err != nil {
		t.Fatal(err)
	}
	if err := st.InsertPendingUploads(ctx, []*schema.PendingUpload{
		{EventID: ev.ID, MediaID: media.ID, UploadURL: "https://up.example/1", Method: "PUT"},
	}); err != nil {
		t.Fatal(err)
	}
	_, err := m.TriggerSync(ctx, true)
	if err == nil {
		t.Fatal("expected cycle failure from upload transport error")
	}

	tickets, err := st.ListPendingUploads(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tickets) != 1 {
		t.Fatalf("expected ticket kept for retry, got %d", len(tickets))
	}
	got, err := st.GetMedia(ctx, media.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != schema.StatusSyncing {
		t.Errorf("expected media still syncing, got %s", got.Status)
	}
}

func TestMediaServerErrorLeavesTicketForRetry(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{
		uploadFn: func(*schema.PendingUpload, *schema.Media) error {
			return &protocol.ServerError{Op: "upload_media", Status: 503, Body: "try later"}
		},
	}
	m, st := setupManager(t, client, Config{})

	ev := seedPending(t, st, "m-ev", "x")
	media := &schema.Media{
		EventID: ev.ID, Kind: "image/jpeg", URI: "/tmp/p.jpg",
		Checksum: strings.Repeat("aa", 32), Size: 10, Status: schema.StatusSyncing,
	}
	if err := st.InsertMedia(ctx, media); err != nil {
		t.Fatal(err)
	}
	if err := st.InsertPendingUploads(ctx, []*schema.PendingUpload{
		{EventID: ev.ID, MediaID: media.ID, UploadURL: "https://up.example/1", Method: "PUT"},
	}); err != nil {
		t.Fatal(err)
	}

	// A server-side refusal skips the item but does not abort the cycle.
	res, err := m.TriggerSync(ctx, true)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if res.MediaUploaded != 0 {
		t.Fatalf("expected no media uploaded, got %d", res.MediaUploaded)
	}

	tickets, err := st.ListPendingUploads(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tickets) != 1 {
		t.Fatalf("expected ticket kept for retry, got %d", len(tickets))
	}
	got, err := st.GetMedia(ctx, media.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != schema.StatusSyncing {
		t.Errorf("expected media still syncing after server refusal, got %s", got.Status)
	}
	if got.LastError != "" {
		t.Errorf("expected no recorded error, got %q", got.LastError)
	}
}

func TestOrphanedSyncingMediaGetsReissuedTicket(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{completes: map[int64]string{}}
	m, st := setupManager(t, client, Config{})

	// An earlier run pushed the event and recorded its result, then died
	// before persisting the ticket: media syncing, no ticket on disk.
	ev := seedPending(t, st, "crashed", "x")
	if err := st.MarkEventsSyncing(ctx, []int64{ev.ID}); err != nil {
		t.Fatal(err)
	}
	if err := st.ResolveEventSynced(ctx, ev.ID, "srv-crashed"); err != nil {
		t.Fatal(err)
	}
	media := &schema.Media{
		EventID: ev.ID, Kind: "image/jpeg", URI: "/tmp/p.jpg",
		Checksum: strings.Repeat("ef", 32), Size: 20, Status: schema.StatusSyncing,
	}
	if err := st.InsertMedia(ctx, media); err != nil {
		t.Fatal(err)
	}
	client.completes[media.ID] = "media-srv-9"

	var prepared []protocol.MediaDescriptor
	client.prepareFn = func(files []protocol.MediaDescriptor) ([]*schema.PendingUpload, error) {
		prepared = files
		uploads := make([]*schema.PendingUpload, len(files))
		for i := range files {
			uploads[i] = &schema.PendingUpload{UploadURL: "https://up.example/re", Method: "PUT"}
		}
		return uploads, nil
	}

	res, err := m.TriggerSync(ctx, true)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(prepared) != 1 || prepared[0].ClientID != "crashed" {
		t.Fatalf("expected one prepare for the orphaned media, got %+v", prepared)
	}
	if res.MediaUploaded != 1 {
		t.Fatalf("expected media uploaded via re-issued ticket, got %d", res.MediaUploaded)
	}
	got, err := st.GetMedia(ctx, media.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != schema.StatusSynced || got.ServerID == nil || *got.ServerID != "media-srv-9" {
		t.Errorf("expected media synced, got %s / %v", got.Status, got.ServerID)
	}
}

func TestPullMergesAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	serverID := "remote-1"
	client := &fakeClient{
		pullFn: func(streamID string, cursor int64) (*protocol.PullResponse, error) {
			if cursor != 0 {
				return &protocol.PullResponse{ServerSeq: cursor}, nil
			}
			payload, _ := schema.EncodePayload(schema.Note{Text: "from server"})
			return &protocol.PullResponse{
				ServerSeq: 42,
				Events: []*schema.Event{{
					ClientID:   "remote-ev-1",
					Kind:       schema.KindNote,
					ActorRole:  "supervisor",
					Payload:    payload,
					Status:     schema.StatusSynced,
					ServerID:   &serverID,
					OccurredAt: time.Now().UTC(),
				}},
			}, nil
		},
	}
	m, st := setupManager(t, client, Config{StreamID: "team-a"})

	res, err := m.TriggerSync(ctx, true)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if res.Pulled != 1 {
		t.Fatalf("expected 1 pulled event, got %d", res.Pulled)
	}

	cur, err := st.Cursor(ctx, "team-a")
	if err != nil {
		t.Fatal(err)
	}
	if cur.Seq != 42 {
		t.Errorf("expected cursor 42, got %d", cur.Seq)
	}
	if _, err := st.GetEventByClientID(ctx, "remote-ev-1"); err != nil {
		t.Errorf("pulled event not merged: %v", err)
	}
}

// The canonical field scenario: two events captured during an offline
// stretch, then the link returns. Both must sync with distinct server
// IDs, and the pull cursor advances exactly once.
func TestTwoOfflineEventsSyncWhenLinkReturns(t *testing.T) {
	ctx := context.Background()
	var online bool
	var pulls int
	client := &fakeClient{}
	client.pushFn = func(items []protocol.PushItem) (*protocol.PushResponse, error) {
		if !online {
			return nil, &protocol.NetworkError{Op: "push", Err: errors.New("no route to host")}
		}
		resp := &protocol.PushResponse{}
		for _, it := range items {
			resp.Results = append(resp.Results, protocol.PushResult{
				ClientID: it.Event.ClientID,
				Status:   protocol.ItemSuccess,
				ServerID: "srv-" + it.Event.ClientID,
			})
		}
		return resp, nil
	}
	client.pullFn = func(streamID string, cursor int64) (*protocol.PullResponse, error) {
		if !online {
			return nil, &protocol.NetworkError{Op: "pull", Err: errors.New("no route to host")}
		}
		pulls++
		return &protocol.PullResponse{ServerSeq: 17}, nil
	}
	m, st := setupManager(t, client, Config{StreamID: "patrol"})

	seedPending(t, st, "offline-1", "first note")
	seedPending(t, st, "offline-2", "second note")

	if _, err := m.TriggerSync(ctx, true); err == nil {
		t.Fatal("expected offline cycle to fail")
	}

	online = true
	res, err := m.TriggerSync(ctx, true)
	if err != nil {
		t.Fatalf("online cycle failed: %v", err)
	}
	if res.Synced != 2 {
		t.Fatalf("expected both events synced, got %d", res.Synced)
	}

	ids := map[string]bool{}
	for _, clientID := range []string{"offline-1", "offline-2"} {
		ev, err := st.GetEventByClientID(ctx, clientID)
		if err != nil {
			t.Fatal(err)
		}
		if ev.Status != schema.StatusSynced || ev.ServerID == nil {
			t.Fatalf("%s not synced: %s / %v", clientID, ev.Status, ev.ServerID)
		}
		ids[*ev.ServerID] = true
	}
	if len(ids) != 2 {
		t.Errorf("expected distinct server ids, got %v", ids)
	}

	cur, err := st.Cursor(ctx, "patrol")
	if err != nil {
		t.Fatal(err)
	}
	if cur.Seq != 17 {
		t.Errorf("expected cursor at 17, got %d", cur.Seq)
	}
	if pulls != 1 {
		t.Errorf("expected exactly one successful pull, got %d", pulls)
	}
}

func TestTransitionListener(t *testing.T) {
	m, _ := setupManager(t, &fakeClient{}, Config{})

	var mu sync.Mutex
	var transitions []string
	m.OnTransition(func(old, new State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, string(old)+"->"+string(new))
	})

	if _, err := m.TriggerSync(context.Background(), true); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"idle->syncing", "syncing->idle"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, transitions)
		}
	}
}
