package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"Listd/internal/domain"
)

// MemStore is the in-process presence store for tests and single-process runs.
type MemStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]map[string]time.Time // listID -> participantID -> last seen
	now  func() time.Time
}

func NewMemStore(ttl time.Duration) *MemStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MemStore{ttl: ttl, seen: make(map[string]map[string]time.Time), now: time.Now}
}

func (s *MemStore) Touch(_ context.Context, listID, participantID string) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	byID, ok := s.seen[listID]
	if !ok {
		byID = make(map[string]time.Time)
		s.seen[listID] = byID
	}
	byID[participantID] = now
	return domain.Participant{
		ID: participantID, Color: Color(participantID), LastSeenAt: now, IsActive: true,
	}, nil
}

func (s *MemStore) Active(_ context.Context, listID string) ([]domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().UTC().Add(-s.ttl)
	var out []domain.Participant
	for id, seen := range s.seen[listID] {
		if seen.Before(cutoff) {
			delete(s.seen[listID], id)
			continue
		}
		out = append(out, domain.Participant{
			ID: id, Color: Color(id), LastSeenAt: seen, IsActive: true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
