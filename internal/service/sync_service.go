package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"Listd/internal/broadcast"
	"Listd/internal/cache"
	"Listd/internal/domain"
	"Listd/internal/dto"
	"Listd/internal/presence"
	"Listd/internal/rank"
	"Listd/internal/repo"
	"Listd/internal/resolve"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrResyncRequired means the client's cursor is ahead of anything the
	// server knows; the client must drop its state and fetch a snapshot.
	ErrResyncRequired = errors.New("full resync required")

	ErrInvalidChange = errors.New("invalid change")
)

// SyncService runs the write path: admit, resolve, persist with
// compare-and-set, then fan out. It holds no authoritative state of its own;
// every decision goes back to the shared store.
type SyncService struct {
	store repo.ListStore
	cache *cache.SnapshotCache
	pub   broadcast.Publisher
	pres  presence.Store
	sf    singleflight.Group
	now   func() time.Time
}

// NewSyncService creates a SyncService. If c is nil, snapshot caching is
// disabled.
func NewSyncService(store repo.ListStore, c *cache.SnapshotCache, pub broadcast.Publisher, pres presence.Store) *SyncService {
	return &SyncService{store: store, cache: c, pub: pub, pres: pres, now: time.Now}
}

func (s *SyncService) CreateList(ctx context.Context, name string) (domain.List, error) {
	return s.store.CreateList(ctx, name)
}

// Snapshot returns the full authoritative state of a list. Concurrent
// snapshot requests for the same list collapse into one store read.
func (s *SyncService) Snapshot(ctx context.Context, listID string) (dto.Snapshot, error) {
	v, err, _ := s.sf.Do("snapshot:"+listID, func() (interface{}, error) {
		if s.cache != nil {
			if snap, err := s.cache.Get(ctx, listID); err == nil && snap != nil {
				return *snap, nil
			}
		}
		snap, err := s.buildSnapshot(ctx, listID)
		if err != nil {
			return dto.Snapshot{}, err
		}
		if s.cache != nil {
			_ = s.cache.Set(ctx, listID, snap)
		}
		return snap, nil
	})
	if err != nil {
		return dto.Snapshot{}, err
	}
	return v.(dto.Snapshot), nil
}

func (s *SyncService) buildSnapshot(ctx context.Context, listID string) (dto.Snapshot, error) {
	list, err := s.store.GetList(ctx, listID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return dto.Snapshot{}, ErrNotFound
		}
		return dto.Snapshot{}, err
	}
	items, err := s.store.GetItems(ctx, listID)
	if err != nil {
		return dto.Snapshot{}, err
	}
	seq, err := s.store.Seq(ctx, listID)
	if err != nil {
		return dto.Snapshot{}, err
	}
	snap := dto.Snapshot{
		List:    dto.ListToPayload(list),
		Items:   dto.ItemsToPayloads(items),
		SyncSeq: seq,
	}
	if s.pres != nil {
		if parts, err := s.pres.Active(ctx, listID); err == nil {
			for _, p := range parts {
				snap.Participants = append(snap.Participants, dto.ParticipantToPayload(p))
			}
		}
	}
	return snap, nil
}

// ChangesSince is the delta catch-up read: everything past the client's
// cursor, soft-deleted items included.
func (s *SyncService) ChangesSince(ctx context.Context, listID string, cursor int64) (dto.ChangesResponse, error) {
	if _, err := s.store.GetList(ctx, listID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return dto.ChangesResponse{}, ErrNotFound
		}
		return dto.ChangesResponse{}, err
	}
	items, err := s.store.ChangesSince(ctx, listID, cursor)
	if err != nil {
		return dto.ChangesResponse{}, err
	}
	resp := dto.ChangesResponse{Changes: dto.ItemsToPayloads(items), SyncSeq: cursor}
	for _, it := range items {
		if it.ChangeSeq > resp.SyncSeq {
			resp.SyncSeq = it.ChangeSeq
		}
	}
	return resp, nil
}

// Seq returns the list's current change cursor.
func (s *SyncService) Seq(ctx context.Context, listID string) (int64, error) {
	if _, err := s.store.GetList(ctx, listID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return s.store.Seq(ctx, listID)
}

func (s *SyncService) Participants(ctx context.Context, listID string) ([]domain.Participant, error) {
	if s.pres == nil {
		return nil, nil
	}
	return s.pres.Active(ctx, listID)
}

// TouchPresence marks the participant as active on the list. Best-effort.
func (s *SyncService) TouchPresence(ctx context.Context, listID, participantID string) {
	if s.pres == nil || participantID == "" {
		return
	}
	if _, err := s.pres.Touch(ctx, listID, participantID); err != nil {
		log.Printf("presence touch %s/%s: %v", listID, participantID, err)
	}
}

// Sync applies a batch of client changes. Changes are processed in submission
// order; each one is resolved against stored state and persisted with
// compare-and-set, so of two racing writers for the same version exactly one
// wins and the other gets a conflict with the authoritative state.
func (s *SyncService) Sync(ctx context.Context, listID string, req dto.SyncRequest) (dto.SyncResponse, error) {
	if _, err := s.store.GetList(ctx, listID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return dto.SyncResponse{}, ErrNotFound
		}
		return dto.SyncResponse{}, err
	}
	cur, err := s.store.Seq(ctx, listID)
	if err != nil {
		return dto.SyncResponse{}, err
	}
	if req.LastSyncSeq > cur {
		return dto.SyncResponse{}, ErrResyncRequired
	}

	// Admit the whole batch before persisting anything: a rejected batch
	// must leave no partial writes behind, so every check that can fail the
	// request runs up front.
	changes := make([]domain.Change, 0, len(req.Changes))
	for _, cr := range req.Changes {
		ch := cr.ToDomain(req.ParticipantID)
		if err := ch.Validate(); err != nil {
			return dto.SyncResponse{}, fmt.Errorf("%w: %v", ErrInvalidChange, err)
		}
		if ch.SortOrder != nil && !rank.Valid(*ch.SortOrder) {
			return dto.SyncResponse{}, fmt.Errorf("%w: malformed sortOrder %q", ErrInvalidChange, *ch.SortOrder)
		}
		if ch.Kind != domain.ChangeCreate {
			stored, err := s.getStored(ctx, listID, ch.ItemID)
			if err != nil {
				return dto.SyncResponse{}, err
			}
			// More than one version behind means the client missed
			// intermediate state; it must take a snapshot instead of
			// churning out a conflict per edit.
			if stored != nil && stored.SyncVersion-ch.ClientVersion > 1 {
				return dto.SyncResponse{}, ErrResyncRequired
			}
		}
		changes = append(changes, ch)
	}

	receivedAt := s.now().UTC()
	resp := dto.SyncResponse{
		Results:       make([]dto.ChangeResult, 0, len(req.Changes)),
		ServerChanges: []dto.ItemPayload{},
		Conflicts:     []dto.ConflictPayload{},
	}
	var events []dto.SyncEvent
	accepted := false
	rebalanceNeeded := false

	for _, ch := range changes {
		// Creates are stored under a server id derived from the client's
		// temporary id, so a replayed create finds its earlier insert and
		// resolves as a stale no-op instead of duplicating the item.
		storageID := ch.ItemID
		if ch.Kind == domain.ChangeCreate {
			storageID = serverID(listID, req.ParticipantID, ch.ItemID)
		}
		stored, err := s.getStored(ctx, listID, storageID)
		if err != nil {
			return dto.SyncResponse{}, err
		}

		out := resolve.Resolve(stored, ch, receivedAt)
		switch out.Status {
		case resolve.Accepted:
			item, conflict, err := s.persist(ctx, listID, ch, *out.Item, stored)
			if err != nil {
				return dto.SyncResponse{}, err
			}
			if conflict != nil {
				resp.Conflicts = append(resp.Conflicts, *conflict)
				resp.Results = append(resp.Results, dto.ChangeResult{
					ItemID: ch.ItemID, Status: "conflict", Item: conflict.Item,
				})
				continue
			}
			accepted = true
			payload := dto.ItemToPayload(*item)
			result := dto.ChangeResult{ItemID: ch.ItemID, Status: "accepted", Item: &payload}
			if ch.Kind == domain.ChangeCreate {
				result.ServerID = item.ID
			}
			resp.Results = append(resp.Results, result)
			events = append(events, dto.SyncEvent{
				Kind:   string(ch.Kind),
				Seq:    item.ChangeSeq,
				Item:   payload,
				Origin: req.ParticipantID,
			})
			if rank.NeedsRebalance(item.SortOrder) {
				rebalanceNeeded = true
			}
		case resolve.Stale:
			result := dto.ChangeResult{ItemID: ch.ItemID, Status: "stale"}
			if out.Item != nil {
				p := dto.ItemToPayload(*out.Item)
				result.Item = &p
				if ch.Kind == domain.ChangeCreate {
					result.ServerID = out.Item.ID
				}
			}
			resp.Results = append(resp.Results, result)
		case resolve.Conflict:
			cp := dto.ConflictToPayload(*out.Conflict, out.Item)
			resp.Conflicts = append(resp.Conflicts, cp)
			resp.Results = append(resp.Results, dto.ChangeResult{
				ItemID: ch.ItemID, Status: "conflict", Item: cp.Item,
			})
		}
	}

	if accepted {
		if s.cache != nil {
			_ = s.cache.Invalidate(ctx, listID)
		}
		// Fan-out is fire-and-forget; it never gates the response.
		for _, ev := range events {
			s.pub.Publish(listID, ev)
		}
	}
	s.TouchPresence(ctx, listID, req.ParticipantID)

	delta, err := s.ChangesSince(ctx, listID, req.LastSyncSeq)
	if err != nil {
		return dto.SyncResponse{}, err
	}
	resp.ServerChanges = delta.Changes
	resp.SyncSeq = delta.SyncSeq

	if rebalanceNeeded {
		go func() {
			if err := s.Rebalance(context.Background(), listID); err != nil {
				log.Printf("rebalance %s: %v", listID, err)
			}
		}()
	}
	return resp, nil
}

func (s *SyncService) getStored(ctx context.Context, listID, itemID string) (*domain.Item, error) {
	it, err := s.store.GetItem(ctx, listID, itemID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// persist writes one resolved item. A failed CAS means the resolver's winner
// lost a race after all: the fresh authoritative state comes back as a
// conflict instead of a silent server-side retry.
func (s *SyncService) persist(ctx context.Context, listID string, ch domain.Change, item domain.Item, stored *domain.Item) (*domain.Item, *dto.ConflictPayload, error) {
	if ch.Kind == domain.ChangeCreate && stored == nil {
		item.ListID = listID
		item.ID = serverID(listID, ch.ParticipantID, ch.ItemID)
		if item.SortOrder == "" {
			tail, err := s.tailRank(ctx, listID)
			if err != nil {
				return nil, nil, err
			}
			item.SortOrder = tail
		}
		out, err := s.store.InsertItem(ctx, item)
		if errors.Is(err, repo.ErrDuplicateItem) {
			// two replays racing: the row exists now, hand back the
			// authoritative state as a conflict
			fresh, gerr := s.store.GetItem(ctx, listID, item.ID)
			if gerr != nil {
				return nil, nil, gerr
			}
			cp := dto.ConflictToPayload(domain.Conflict{
				ItemID:        ch.ItemID,
				LocalVersion:  ch.ClientVersion,
				RemoteVersion: fresh.SyncVersion,
				DetectedAt:    s.now().UTC(),
				Resolution:    resolve.ResolutionDuplicateCreate,
			}, &fresh)
			return nil, &cp, nil
		}
		if err != nil {
			return nil, nil, err
		}
		return &out, nil, nil
	}

	item.ListID = listID
	out, err := s.store.UpdateItemCAS(ctx, item, stored.SyncVersion)
	if err == nil {
		return &out, nil, nil
	}
	if !errors.Is(err, repo.ErrVersionMismatch) {
		return nil, nil, err
	}
	fresh, gerr := s.store.GetItem(ctx, listID, ch.ItemID)
	if gerr != nil {
		return nil, nil, gerr
	}
	cp := dto.ConflictToPayload(domain.Conflict{
		ItemID:        ch.ItemID,
		LocalVersion:  ch.ClientVersion,
		RemoteVersion: fresh.SyncVersion,
		DetectedAt:    s.now().UTC(),
		Resolution:    resolve.ResolutionVersionConflict,
	}, &fresh)
	return nil, &cp, nil
}

// serverID maps a client's temporary create id onto a stable server-assigned
// id. Deterministic, so retries land on the same row on any instance.
func serverID(listID, participantID, tempID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(listID+"/"+participantID+"/"+tempID)).String()
}

// tailRank computes a rank after the current last item.
func (s *SyncService) tailRank(ctx context.Context, listID string) (string, error) {
	items, err := s.store.GetItems(ctx, listID)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return rank.Initial(), nil
	}
	r, err := rank.Between(items[len(items)-1].SortOrder, "")
	if err != nil {
		return "", err
	}
	return r, nil
}

// Rebalance recomputes every active item's rank with even spacing. It runs off
// the hot path and never blocks concurrent reads; per-item version bumps make
// clients converge on the new ranks like any other change.
func (s *SyncService) Rebalance(ctx context.Context, listID string) error {
	items, err := s.store.GetItems(ctx, listID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	ranks := rank.Rebalance(len(items))
	assign := make(map[string]string, len(items))
	for i, it := range items {
		assign[it.ID] = ranks[i]
	}
	if err := s.store.RebalanceRanks(ctx, listID, assign); err != nil {
		return err
	}
	if s.cache != nil {
		_ = s.cache.Invalidate(ctx, listID)
	}
	fresh, err := s.store.GetItems(ctx, listID)
	if err != nil {
		return err
	}
	for _, it := range fresh {
		s.pub.Publish(listID, dto.SyncEvent{
			Kind: string(domain.ChangeReorder),
			Seq:  it.ChangeSeq,
			Item: dto.ItemToPayload(it),
		})
	}
	return nil
}

// PurgeDeleted hard-deletes items whose soft-delete retention expired.
func (s *SyncService) PurgeDeleted(ctx context.Context, retention time.Duration) (int64, error) {
	return s.store.PurgeDeleted(ctx, s.now().UTC().Add(-retention))
}
