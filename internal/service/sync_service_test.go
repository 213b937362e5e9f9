package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"Listd/internal/domain"
	"Listd/internal/dto"
	"Listd/internal/presence"
	"Listd/internal/repo"
)

// recorder captures published events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []dto.SyncEvent
}

func (r *recorder) Publish(_ string, ev dto.SyncEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []dto.SyncEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dto.SyncEvent(nil), r.events...)
}

func newTestService(t *testing.T) (*SyncService, *repo.MemListStore, *recorder, domain.List) {
	t.Helper()
	store := repo.NewMemListStore()
	rec := &recorder{}
	svc := NewSyncService(store, nil, rec, presence.NewMemStore(30*time.Second))
	l, err := svc.CreateList(context.Background(), "groceries")
	assert.Equal(t, err, nil)
	return svc, store, rec, l
}

func strPtr(s string) *string { return &s }

func syncOne(t *testing.T, svc *SyncService, listID, participant string, lastSeq int64, ch dto.ChangeRequest) dto.SyncResponse {
	t.Helper()
	resp, err := svc.Sync(context.Background(), listID, dto.SyncRequest{
		ParticipantID: participant,
		LastSyncSeq:   lastSeq,
		Changes:       []dto.ChangeRequest{ch},
	})
	assert.Equal(t, err, nil)
	return resp
}

func TestSyncCreateAssignsServerID(t *testing.T) {
	svc, _, rec, l := newTestService(t)

	resp := syncOne(t, svc, l.ID, "p-a", 0, dto.ChangeRequest{
		Kind: "create", ItemID: "tmp-1", Text: strPtr("buy milk"),
	})

	assert.Equal(t, len(resp.Results), 1)
	res := resp.Results[0]
	assert.Equal(t, res.Status, "accepted")
	assert.Equal(t, res.ItemID, "tmp-1")
	assert.NotEqual(t, res.ServerID, "")
	assert.NotEqual(t, res.ServerID, "tmp-1")
	assert.Equal(t, res.Item.SyncVersion, int64(1))
	assert.NotEqual(t, res.Item.SortOrder, "")

	events := rec.all()
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Origin, "p-a")
	assert.Equal(t, events[0].Kind, "create")
}

func TestSyncCreateReplayIsStale(t *testing.T) {
	svc, _, _, l := newTestService(t)

	first := syncOne(t, svc, l.ID, "p-a", 0, dto.ChangeRequest{
		Kind: "create", ItemID: "tmp-1", Text: strPtr("buy milk"),
	})
	replay := syncOne(t, svc, l.ID, "p-a", 0, dto.ChangeRequest{
		Kind: "create", ItemID: "tmp-1", Text: strPtr("buy milk"),
	})

	assert.Equal(t, replay.Results[0].Status, "stale")
	// the replay still learns its server id
	assert.Equal(t, replay.Results[0].ServerID, first.Results[0].ServerID)
}

func TestSyncUpdateAndVersioning(t *testing.T) {
	svc, _, _, l := newTestService(t)

	created := syncOne(t, svc, l.ID, "p-a", 0, dto.ChangeRequest{
		Kind: "create", ItemID: "tmp-1", Text: strPtr("buy milk"),
	})
	id := created.Results[0].ServerID

	updated := syncOne(t, svc, l.ID, "p-b", 0, dto.ChangeRequest{
		Kind: "update", ItemID: id, ClientVersion: 1, Text: strPtr("buy oat milk"),
	})
	assert.Equal(t, updated.Results[0].Status, "accepted")
	assert.Equal(t, updated.Results[0].Item.SyncVersion, int64(2))
	assert.Equal(t, updated.Results[0].Item.LastModifiedBy, "p-b")
}

func TestSyncBehindClientGetsConflictAndAuthoritativeState(t *testing.T) {
	svc, _, _, l := newTestService(t)

	created := syncOne(t, svc, l.ID, "p-a", 0, dto.ChangeRequest{
		Kind: "create", ItemID: "tmp-1", Text: strPtr("v1"),
	})
	id := created.Results[0].ServerID

	// advance the item to version 3
	for v := int64(1); v <= 2; v++ {
		syncOne(t, svc, l.ID, "p-a", 0, dto.ChangeRequest{
			Kind: "update", ItemID: id, ClientVersion: v, Text: strPtr("edit"),
		})
	}

	// a client one version behind submits a different edit
	resp := syncOne(t, svc, l.ID, "p-b", 0, dto.ChangeRequest{
		Kind: "update", ItemID: id, ClientVersion: 2, Text: strPtr("stale edit"),
	})
	assert.Equal(t, resp.Results[0].Status, "conflict")
	assert.Equal(t, len(resp.Conflicts), 1)
	assert.Equal(t, resp.Conflicts[0].LocalVersion, int64(2))
	assert.Equal(t, resp.Conflicts[0].RemoteVersion, int64(3))
	assert.Equal(t, resp.Conflicts[0].Item.SyncVersion, int64(3))
}

func TestSyncFarBehindClientMustResync(t *testing.T) {
	svc, _, _, l := newTestService(t)

	created := syncOne(t, svc, l.ID, "p-a", 0, dto.ChangeRequest{
		Kind: "create", ItemID: "tmp-1", Text: strPtr("v1"),
	})
	id := created.Results[0].ServerID

	// advance the item to version 7
	for v := int64(1); v <= 6; v++ {
		syncOne(t, svc, l.ID, "p-a", 0, dto.ChangeRequest{
			Kind: "update", ItemID: id, ClientVersion: v, Text: strPtr("edit"),
		})
	}

	// version 5 against stored version 7: a snapshot, not a conflict record
	_, err := svc.Sync(context.Background(), l.ID, dto.SyncRequest{
		ParticipantID: "p-b",
		Changes: []dto.ChangeRequest{{
			Kind: "update", ItemID: id, ClientVersion: 5, Text: strPtr("ancient edit"),
		}},
	})
	assert.Equal(t, err, ErrResyncRequired)
}

func TestSyncConcurrentWritersExactlyOneWins(t *testing.T) {
	svc, _, _, l := newTestService(t)

	created := syncOne(t, svc, l.ID, "p-a", 0, dto.ChangeRequest{
		Kind: "create", ItemID: "tmp-1", Text: strPtr("base"),
	})
	id := created.Results[0].ServerID

	// Both clients saw version 1 and submit racing edits.
	r1 := syncOne(t, svc, l.ID, "p-a", 0, dto.ChangeRequest{
		Kind: "update", ItemID: id, ClientVersion: 1, Text: strPtr("from a"),
	})
	r2 := syncOne(t, svc, l.ID, "p-b", 0, dto.ChangeRequest{
		Kind: "update", ItemID: id, ClientVersion: 1, Text: strPtr("from b"),
	})

	assert.Equal(t, r1.Results[0].Status, "accepted")
	assert.Equal(t, r2.Results[0].Status, "conflict")
	// final version is exactly 2: never skipped, never duplicated
	assert.Equal(t, r2.Conflicts[0].Item.SyncVersion, int64(2))
	assert.Equal(t, r2.Conflicts[0].Item.Text, "from a")
}

func TestSyncDeleteWins(t *testing.T) {
	svc, _, _, l := newTestService(t)

	created := syncOne(t, svc, l.ID, "p-a", 0, dto.ChangeRequest{
		Kind: "create", ItemID: "tmp-1", Text: strPtr("doomed"),
	})
	id := created.Results[0].ServerID

	del := syncOne(t, svc, l.ID, "p-a", 0, dto.ChangeRequest{
		Kind: "delete", ItemID: id, ClientVersion: 1,
	})
	assert.Equal(t, del.Results[0].Status, "accepted")

	// concurrent edit from a client that saw version 1
	edit := syncOne(t, svc, l.ID, "p-b", 0, dto.ChangeRequest{
		Kind: "update", ItemID: id, ClientVersion: 1, Text: strPtr("saved?"),
	})
	assert.Equal(t, edit.Results[0].Status, "conflict")
	assert.Equal(t, edit.Conflicts[0].Resolution, "delete_wins")
	if edit.Conflicts[0].Item.DeletedAt == nil {
		t.Fatal("authoritative state must stay deleted")
	}
}

func TestSyncReorderSingleItemPayload(t *testing.T) {
	svc, _, _, l := newTestService(t)

	var ids []string
	for _, text := range []string{"a", "b", "c"} {
		resp := syncOne(t, svc, l.ID, "p-a", 0, dto.ChangeRequest{
			Kind: "create", ItemID: "tmp-" + text, Text: strPtr(text),
		})
		ids = append(ids, resp.Results[0].ServerID)
	}

	snap, err := svc.Snapshot(context.Background(), l.ID)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(snap.Items), 3)

	// move the last item between the first two: one change, one item
	mid := "k" // between Initial-based tail ranks is fine as long as it's valid
	resp := syncOne(t, svc, l.ID, "p-a", 0, dto.ChangeRequest{
		Kind: "reorder", ItemID: ids[2], ClientVersion: 1, SortOrder: strPtr(mid),
	})
	assert.Equal(t, resp.Results[0].Status, "accepted")
	assert.Equal(t, resp.Results[0].Item.SortOrder, mid)
}

func TestSyncResyncRequiredWhenCursorAhead(t *testing.T) {
	svc, _, _, l := newTestService(t)
	_, err := svc.Sync(context.Background(), l.ID, dto.SyncRequest{
		ParticipantID: "p-a", LastSyncSeq: 99, Changes: []dto.ChangeRequest{},
	})
	assert.Equal(t, err, ErrResyncRequired)
}

func TestSyncUnknownListNotFound(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.Sync(context.Background(), "nope", dto.SyncRequest{
		ParticipantID: "p-a", Changes: []dto.ChangeRequest{},
	})
	assert.Equal(t, err, ErrNotFound)
}

func TestSyncInvalidSortOrderRejected(t *testing.T) {
	svc, _, _, l := newTestService(t)
	_, err := svc.Sync(context.Background(), l.ID, dto.SyncRequest{
		ParticipantID: "p-a",
		Changes: []dto.ChangeRequest{{
			Kind: "reorder", ItemID: "x", ClientVersion: 1, SortOrder: strPtr("NOT VALID"),
		}},
	})
	if err == nil {
		t.Fatal("expected invalid change error")
	}
}

func TestSyncRejectedBatchPersistsNothing(t *testing.T) {
	svc, store, rec, l := newTestService(t)

	// second change carries no fields, so the whole batch must be refused
	_, err := svc.Sync(context.Background(), l.ID, dto.SyncRequest{
		ParticipantID: "p-a",
		Changes: []dto.ChangeRequest{
			{Kind: "create", ItemID: "tmp-1", Text: strPtr("valid")},
			{Kind: "update", ItemID: "tmp-2", ClientVersion: 1},
		},
	})
	if err == nil {
		t.Fatal("expected invalid change error")
	}

	items, _ := store.GetItems(context.Background(), l.ID)
	assert.Equal(t, len(items), 0)
	assert.Equal(t, len(rec.all()), 0)
}

func TestSyncResponseCarriesDelta(t *testing.T) {
	svc, _, _, l := newTestService(t)

	first := syncOne(t, svc, l.ID, "p-a", 0, dto.ChangeRequest{
		Kind: "create", ItemID: "tmp-1", Text: strPtr("one"),
	})
	// second client syncs nothing but learns about the first change
	resp, err := svc.Sync(context.Background(), l.ID, dto.SyncRequest{
		ParticipantID: "p-b", LastSyncSeq: 0, Changes: []dto.ChangeRequest{},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(resp.ServerChanges), 1)
	assert.Equal(t, resp.ServerChanges[0].ID, first.Results[0].ServerID)
	assert.Equal(t, resp.SyncSeq, first.SyncSeq)
}

func TestChangesSinceIncludesDeletes(t *testing.T) {
	svc, _, _, l := newTestService(t)

	created := syncOne(t, svc, l.ID, "p-a", 0, dto.ChangeRequest{
		Kind: "create", ItemID: "tmp-1", Text: strPtr("x"),
	})
	id := created.Results[0].ServerID
	cursor := created.SyncSeq

	syncOne(t, svc, l.ID, "p-a", cursor, dto.ChangeRequest{
		Kind: "delete", ItemID: id, ClientVersion: 1,
	})

	delta, err := svc.ChangesSince(context.Background(), l.ID, cursor)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(delta.Changes), 1)
	if delta.Changes[0].DeletedAt == nil {
		t.Fatal("delta must carry the soft-delete")
	}
}

func TestRebalanceKeepsOrder(t *testing.T) {
	svc, store, _, l := newTestService(t)

	texts := []string{"a", "b", "c", "d"}
	for _, txt := range texts {
		syncOne(t, svc, l.ID, "p-a", 0, dto.ChangeRequest{
			Kind: "create", ItemID: "tmp-" + txt, Text: strPtr(txt),
		})
	}

	before, _ := store.GetItems(context.Background(), l.ID)
	err := svc.Rebalance(context.Background(), l.ID)
	assert.Equal(t, err, nil)
	after, _ := store.GetItems(context.Background(), l.ID)

	assert.Equal(t, len(after), len(before))
	for i := range after {
		assert.Equal(t, after[i].ID, before[i].ID)
		assert.Equal(t, after[i].SyncVersion, before[i].SyncVersion+1)
	}
}

func TestPurgeDeletedRespectsRetention(t *testing.T) {
	svc, store, _, l := newTestService(t)

	created := syncOne(t, svc, l.ID, "p-a", 0, dto.ChangeRequest{
		Kind: "create", ItemID: "tmp-1", Text: strPtr("x"),
	})
	id := created.Results[0].ServerID
	syncOne(t, svc, l.ID, "p-a", 0, dto.ChangeRequest{
		Kind: "delete", ItemID: id, ClientVersion: 1,
	})

	// recent soft delete survives a 24h retention purge
	n, err := svc.PurgeDeleted(context.Background(), 24*time.Hour)
	assert.Equal(t, err, nil)
	assert.Equal(t, n, int64(0))

	// zero retention purges it
	n, err = svc.PurgeDeleted(context.Background(), 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, n, int64(1))

	_, err = store.GetItem(context.Background(), l.ID, id)
	assert.Equal(t, err, repo.ErrNotFound)
}
