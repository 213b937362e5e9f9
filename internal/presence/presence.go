// Package presence tracks which participants are currently active on a list.
// Records are ephemeral TTL entries in the shared store, not accounts: a
// participant exists from first contact until its inactivity timeout lapses.
package presence

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"Listd/internal/domain"
)

const keyPrefix = "presence:"

// palette assigns each participant a stable display color from its id.
var palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#008080",
}

// Color returns the deterministic color for a participant id.
func Color(participantID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(participantID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Store tracks per-list participant liveness.
type Store interface {
	// Touch marks the participant as seen on the list, creating the record on
	// first contact and refreshing its expiry otherwise.
	Touch(ctx context.Context, listID, participantID string) (domain.Participant, error)
	// Active returns the participants currently present on the list.
	Active(ctx context.Context, listID string) ([]domain.Participant, error)
}

// RedisStore keeps one TTL key per (list, participant); expiry does the
// inactivity cleanup, there is no janitor for presence.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Touch(ctx context.Context, listID, participantID string) (domain.Participant, error) {
	now := time.Now().UTC()
	key := keyPrefix + listID + ":" + participantID
	if err := s.rdb.Set(ctx, key, strconv.FormatInt(now.UnixMilli(), 10), s.ttl).Err(); err != nil {
		return domain.Participant{}, err
	}
	return domain.Participant{
		ID:         participantID,
		Color:      Color(participantID),
		LastSeenAt: now,
		IsActive:   true,
	}, nil
}

func (s *RedisStore) Active(ctx context.Context, listID string) ([]domain.Participant, error) {
	prefix := keyPrefix + listID + ":"
	var out []domain.Participant
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, err
		}
		millis, _ := strconv.ParseInt(raw, 10, 64)
		id := strings.TrimPrefix(key, prefix)
		out = append(out, domain.Participant{
			ID:         id,
			Color:      Color(id),
			LastSeenAt: time.UnixMilli(millis).UTC(),
			IsActive:   true,
		})
	}
	return out, iter.Err()
}
