package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"Listd/internal/domain"
)

// MemListStore is an in-memory ListStore with the same CAS semantics as the
// Postgres one. It backs tests and single-process runs.
type MemListStore struct {
	mu    sync.Mutex
	lists map[string]domain.List
	items map[string]map[string]domain.Item // listID -> itemID -> item
	seq   int64
}

func NewMemListStore() *MemListStore {
	return &MemListStore{
		lists: make(map[string]domain.List),
		items: make(map[string]map[string]domain.Item),
	}
}

func (s *MemListStore) CreateList(_ context.Context, name string) (domain.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	l := domain.List{ID: uuid.NewString(), Name: name, CreatedAt: now, LastModifiedAt: now}
	s.lists[l.ID] = l
	s.items[l.ID] = make(map[string]domain.Item)
	return l, nil
}

func (s *MemListStore) GetList(_ context.Context, id string) (domain.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[id]
	if !ok {
		return domain.List{}, ErrNotFound
	}
	return l, nil
}

func (s *MemListStore) GetItems(_ context.Context, listID string) ([]domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Item
	for _, it := range s.items[listID] {
		if it.Active() {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemListStore) GetItem(_ context.Context, listID, itemID string) (domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[listID][itemID]
	if !ok {
		return domain.Item{}, ErrNotFound
	}
	return it, nil
}

func (s *MemListStore) InsertItem(_ context.Context, item domain.Item) (domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.items[item.ListID]
	if !ok {
		return domain.Item{}, ErrNotFound
	}
	if _, exists := byID[item.ID]; exists {
		return domain.Item{}, ErrDuplicateItem
	}
	s.seq++
	item.SyncVersion = 1
	item.ChangeSeq = s.seq
	byID[item.ID] = item
	s.touchList(item.ListID, item.CreatedAt)
	return item, nil
}

func (s *MemListStore) UpdateItemCAS(_ context.Context, item domain.Item, expectedVersion int64) (domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.items[item.ListID]
	if !ok {
		return domain.Item{}, ErrNotFound
	}
	stored, ok := byID[item.ID]
	if !ok {
		return domain.Item{}, ErrNotFound
	}
	if stored.SyncVersion != expectedVersion {
		return domain.Item{}, ErrVersionMismatch
	}
	s.seq++
	item.SyncVersion = stored.SyncVersion + 1
	item.ChangeSeq = s.seq
	item.CreatedAt = stored.CreatedAt
	byID[item.ID] = item
	s.touchList(item.ListID, item.UpdatedAt)
	return item, nil
}

func (s *MemListStore) ChangesSince(_ context.Context, listID string, cursor int64) ([]domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Item
	for _, it := range s.items[listID] {
		if it.ChangeSeq > cursor {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChangeSeq < out[j].ChangeSeq })
	return out, nil
}

func (s *MemListStore) Seq(_ context.Context, listID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, it := range s.items[listID] {
		if it.ChangeSeq > max {
			max = it.ChangeSeq
		}
	}
	return max, nil
}

func (s *MemListStore) RebalanceRanks(_ context.Context, listID string, ranks map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.items[listID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	for itemID, rank := range ranks {
		it, ok := byID[itemID]
		if !ok || !it.Active() {
			continue
		}
		s.seq++
		it.SortOrder = rank
		it.SyncVersion++
		it.ChangeSeq = s.seq
		it.UpdatedAt = now
		byID[itemID] = it
	}
	s.touchList(listID, now)
	return nil
}

func (s *MemListStore) PurgeDeleted(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, byID := range s.items {
		for id, it := range byID {
			if it.DeletedAt != nil && it.DeletedAt.Before(before) {
				delete(byID, id)
				n++
			}
		}
	}
	return n, nil
}

func (s *MemListStore) touchList(listID string, at time.Time) {
	if l, ok := s.lists[listID]; ok {
		l.LastModifiedAt = at
		s.lists[listID] = l
	}
}
