package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"Listd/internal/dto"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:       srv.URL,
		ListID:        "l1",
		ParticipantID: "alice",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, srv
}

func payload(id, text, order string, version int64) dto.ItemPayload {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return dto.ItemPayload{
		ID:             id,
		Text:           text,
		SortOrder:      order,
		SyncVersion:    version,
		LastModifiedBy: "bob",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestAddItemAckSwapsTempID(t *testing.T) {
	var got dto.SyncRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/lists/l1/sync", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		item := payload("srv-1", *got.Changes[0].Text, *got.Changes[0].SortOrder, 1)
		writeJSON(w, dto.SyncResponse{
			SyncSeq: 1,
			Results: []dto.ChangeResult{{
				ItemID:   got.Changes[0].ItemID,
				Status:   "accepted",
				ServerID: "srv-1",
				Item:     &item,
			}},
		})
	})
	c, _ := newTestClient(t, mux)

	tempID := c.AddItem("buy milk")
	items := c.Items()
	assert.Equal(t, len(items), 1)
	assert.Equal(t, items[0].ID, tempID)

	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	assert.Equal(t, got.Changes[0].Kind, "create")
	assert.Equal(t, got.Changes[0].ItemID, tempID)
	assert.Equal(t, got.Changes[0].ClientVersion, int64(0))

	items = c.Items()
	assert.Equal(t, len(items), 1)
	assert.Equal(t, items[0].ID, "srv-1")
	assert.Equal(t, items[0].SyncVersion, int64(1))
	assert.Equal(t, c.Pending(), 0)
}

func TestConflictRollsBackAndNotifies(t *testing.T) {
	authoritative := payload("it-1", "bob wrote this", "i", 3)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/lists/l1/sync", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, dto.SyncResponse{
			SyncSeq: 4,
			Results: []dto.ChangeResult{{ItemID: "it-1", Status: "conflict"}},
			Conflicts: []dto.ConflictPayload{{
				ItemID:        "it-1",
				LocalVersion:  1,
				RemoteVersion: 3,
				Resolution:    "version_conflict",
				Item:          &authoritative,
			}},
		})
	})
	c, _ := newTestClient(t, mux)

	var notified []dto.ConflictPayload
	c.cfg.OnConflict = func(cf dto.ConflictPayload) { notified = append(notified, cf) }

	c.ApplyRemote(dto.SyncEvent{Seq: 1, Item: payload("it-1", "original", "i", 1)})
	if err := c.EditItem("it-1", "alice wrote this"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	assert.Equal(t, c.Items()[0].Text, "alice wrote this")

	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	items := c.Items()
	assert.Equal(t, items[0].Text, "bob wrote this")
	assert.Equal(t, items[0].SyncVersion, int64(3))
	assert.Equal(t, c.Pending(), 0)
	assert.Equal(t, len(notified), 1)
	assert.Equal(t, notified[0].RemoteVersion, int64(3))
}

func TestApplyRemoteIdempotent(t *testing.T) {
	c, _ := newTestClient(t, http.NewServeMux())

	changed := 0
	c.cfg.OnChange = func(dto.ItemPayload) { changed++ }

	ev := dto.SyncEvent{Seq: 2, Item: payload("it-1", "hello", "i", 2)}
	c.ApplyRemote(ev)
	c.ApplyRemote(ev)

	assert.Equal(t, changed, 1)
	assert.Equal(t, len(c.Items()), 1)
	assert.Equal(t, c.Items()[0].SyncVersion, int64(2))

	// older version arriving late changes nothing
	c.ApplyRemote(dto.SyncEvent{Seq: 1, Item: payload("it-1", "old", "i", 1)})
	assert.Equal(t, c.Items()[0].Text, "hello")
}

func TestRemoteDeleteRemovesItem(t *testing.T) {
	c, _ := newTestClient(t, http.NewServeMux())

	c.ApplyRemote(dto.SyncEvent{Seq: 1, Item: payload("it-1", "doomed", "i", 1)})
	deleted := payload("it-1", "doomed", "i", 2)
	at := time.Now().UTC()
	deleted.DeletedAt = &at
	c.ApplyRemote(dto.SyncEvent{Seq: 2, Kind: "delete", Item: deleted})

	assert.Equal(t, len(c.Items()), 0)
}

func TestMoveItemSendsSingleReorder(t *testing.T) {
	var got dto.SyncRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/lists/l1/sync", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		item := payload("c", "C", *got.Changes[0].SortOrder, 2)
		writeJSON(w, dto.SyncResponse{
			SyncSeq: 4,
			Results: []dto.ChangeResult{{ItemID: "c", Status: "accepted", Item: &item}},
		})
	})
	c, _ := newTestClient(t, mux)

	c.ApplyRemote(dto.SyncEvent{Seq: 1, Item: payload("a", "A", "c", 1)})
	c.ApplyRemote(dto.SyncEvent{Seq: 2, Item: payload("b", "B", "i", 1)})
	c.ApplyRemote(dto.SyncEvent{Seq: 3, Item: payload("c", "C", "r", 1)})

	// move C between A and B
	if err := c.MoveItem("c", "a"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	assert.Equal(t, len(got.Changes), 1)
	assert.Equal(t, got.Changes[0].Kind, "reorder")
	order := *got.Changes[0].SortOrder
	if order <= "c" || order >= "i" {
		t.Fatalf("rank %q not between neighbors", order)
	}

	items := c.Items()
	assert.Equal(t, items[0].ID, "a")
	assert.Equal(t, items[1].ID, "c")
	assert.Equal(t, items[2].ID, "b")
}

func TestFlushRateLimited(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/lists/l1/sync", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c, _ := newTestClient(t, mux)

	c.AddItem("burst")
	err := c.Flush(context.Background())

	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	assert.Equal(t, rl.RetryAfter, 7*time.Second)
	assert.Equal(t, c.Pending(), 1) // change survives for the next flush
	assert.Equal(t, c.Synced(), false)
}

func TestFlushResyncsOnStaleCursor(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/lists/l1/sync", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusConflict)
	})
	mux.HandleFunc("GET /api/v1/lists/l1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, dto.Snapshot{
			List:    dto.ListPayload{ID: "l1", Name: "groceries"},
			Items:   []dto.ItemPayload{payload("it-1", "from snapshot", "i", 5)},
			SyncSeq: 42,
		})
	})
	c, _ := newTestClient(t, mux)

	tempID := c.AddItem("pending create")
	err := c.Flush(context.Background())
	assert.Equal(t, err, ErrResynced)
	assert.Equal(t, calls, 1)

	// snapshot applied, unacked create carried over, cursor rebased
	items := c.Items()
	assert.Equal(t, len(items), 2)
	found := false
	for _, it := range items {
		if it.ID == tempID {
			found = true
		}
	}
	assert.Equal(t, found, true)

	c.mu.Lock()
	assert.Equal(t, c.seq, int64(42))
	c.mu.Unlock()
}

func TestPerItemQueueFlushesInOrder(t *testing.T) {
	var kinds []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/lists/l1/sync", func(w http.ResponseWriter, r *http.Request) {
		var req dto.SyncRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		results := make([]dto.ChangeResult, len(req.Changes))
		for i, ch := range req.Changes {
			kinds = append(kinds, ch.Kind)
			item := payload(ch.ItemID, "x", "i", ch.ClientVersion+1)
			results[i] = dto.ChangeResult{ItemID: ch.ItemID, Status: "accepted", Item: &item}
		}
		writeJSON(w, dto.SyncResponse{SyncSeq: 9, Results: results})
	})
	c, _ := newTestClient(t, mux)

	c.ApplyRemote(dto.SyncEvent{Seq: 1, Item: payload("it-1", "x", "i", 1)})
	_ = c.EditItem("it-1", "first edit")
	_ = c.CompleteItem("it-1", true)

	// two queued ops on one item flush one at a time
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush 1: %v", err)
	}
	assert.Equal(t, c.Pending(), 1)
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("flush 2: %v", err)
	}
	assert.Equal(t, c.Pending(), 0)
	assert.Equal(t, kinds, []string{"update", "update"})
}

func TestFlushPrunesAckedQueueOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/lists/l1/sync", func(w http.ResponseWriter, r *http.Request) {
		var req dto.SyncRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		results := make([]dto.ChangeResult, len(req.Changes))
		for i, ch := range req.Changes {
			item := payload(ch.ItemID, "x", "i", ch.ClientVersion+1)
			results[i] = dto.ChangeResult{ItemID: ch.ItemID, Status: "accepted", Item: &item}
		}
		writeJSON(w, dto.SyncResponse{SyncSeq: 1, Results: results})
	})
	c, _ := newTestClient(t, mux)

	c.ApplyRemote(dto.SyncEvent{Seq: 1, Item: payload("it-1", "x", "i", 1)})
	_ = c.EditItem("it-1", "edited")
	_ = c.CompleteItem("it-1", true)

	c.mu.Lock()
	assert.Equal(t, len(c.order), 1)
	c.mu.Unlock()

	// acked queues leave no slot behind in the flush order
	for i := 0; i < 2; i++ {
		if err := c.Flush(context.Background()); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
	}
	assert.Equal(t, c.Pending(), 0)
	c.mu.Lock()
	assert.Equal(t, len(c.order), 0)
	c.mu.Unlock()
}

func TestBackoffProgression(t *testing.T) {
	d := backoffInitial
	var seen []time.Duration
	for i := 0; i < 7; i++ {
		seen = append(seen, d)
		d = nextBackoff(d)
	}
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	assert.Equal(t, seen, want)
}

func TestRunCatchesUpBeforeTrustingPushes(t *testing.T) {
	caughtUp := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/lists/l1/changes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, dto.ChangesResponse{
			Changes: []dto.ItemPayload{payload("it-1", "from catch-up", "i", 3)},
			SyncSeq: 7,
		})
		close(caughtUp)
	})
	mux.HandleFunc("GET /api/v1/lists/l1/subscribe", func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event:connected\ndata:{\"syncSeq\":7}\n\n")
		fl.Flush()

		<-caughtUp
		// stale push for the same item; the catch-up state must win
		ev := dto.SyncEvent{Seq: 5, Item: payload("it-1", "stale push", "i", 2)}
		data, _ := json.Marshal(ev)
		fmt.Fprintf(w, "event:sync\ndata:%s\n\n", data)
		fl.Flush()
		<-r.Context().Done()
	})
	c, _ := newTestClient(t, mux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		items := c.Items()
		if len(items) == 1 && items[0].Text == "from catch-up" && c.State() == StateOpen {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("catch-up state never observed: %+v state=%s", items, c.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// give the stale push time to arrive and be discarded
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, c.Items()[0].Text, "from catch-up")
	assert.Equal(t, c.Items()[0].SyncVersion, int64(3))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}

func TestStreamOutlivesRequestTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/lists/l1/changes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, dto.ChangesResponse{SyncSeq: 0})
	})
	mux.HandleFunc("GET /api/v1/lists/l1/subscribe", func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event:connected\ndata:{\"syncSeq\":0}\n\n")
		fl.Flush()
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-tick.C:
				fmt.Fprint(w, "event:heartbeat\ndata:1\n\n")
				fl.Flush()
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:        srv.URL,
		ListID:         "l1",
		ParticipantID:  "alice",
		RequestTimeout: 150 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateOpen {
		if time.Now().After(deadline) {
			t.Fatalf("stream never opened, state=%s", c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// a heartbeating connection stays open well past the per-request deadline
	time.Sleep(3 * c.cfg.RequestTimeout)
	assert.Equal(t, c.State(), StateOpen)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}
