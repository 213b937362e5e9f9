package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"Listd/internal/dto"
)

const channelPrefix = "listsync:events:"

type envelope struct {
	Node  string        `json:"node"`
	Event dto.SyncEvent `json:"event"`
}

// Bridge republishes local events through Redis pub/sub and feeds events from
// other server processes into the local hub, so horizontally scaled instances
// share one logical broadcaster. Events this node published are skipped on the
// way back in.
type Bridge struct {
	hub    *Hub
	rdb    *redis.Client
	nodeID string
}

func NewBridge(hub *Hub, rdb *redis.Client) *Bridge {
	return &Bridge{hub: hub, rdb: rdb, nodeID: uuid.NewString()}
}

// Publish fans out locally and republishes for the other processes. The Redis
// publish is fire-and-forget off the write path.
func (b *Bridge) Publish(listID string, ev dto.SyncEvent) {
	b.hub.Publish(listID, ev)
	go func() {
		payload, err := json.Marshal(envelope{Node: b.nodeID, Event: ev})
		if err != nil {
			return
		}
		if err := b.rdb.Publish(context.Background(), channelPrefix+listID, payload).Err(); err != nil {
			log.Printf("broadcast publish %s: %v", listID, err)
		}
	}()
}

// Run consumes the shared channel until ctx is done. Connection drops are
// retried by go-redis; missed events are covered by client delta catch-up.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("broadcast: bad envelope on %s: %v", msg.Channel, err)
				continue
			}
			if env.Node == b.nodeID {
				continue
			}
			listID := strings.TrimPrefix(msg.Channel, channelPrefix)
			b.hub.Publish(listID, env.Event)
		}
	}
}
