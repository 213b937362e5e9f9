package broadcast

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"Listd/internal/dto"
)

func event(seq int64, origin string) dto.SyncEvent {
	return dto.SyncEvent{
		Kind:   "update",
		Seq:    seq,
		Item:   dto.ItemPayload{ID: "item-1", SyncVersion: seq},
		Origin: origin,
	}
}

func TestPublishFanOut(t *testing.T) {
	h := NewHub(4)
	a := h.Subscribe("list-1", "p-a")
	b := h.Subscribe("list-1", "p-b")
	other := h.Subscribe("list-2", "p-c")

	h.Publish("list-1", event(1, ""))

	assert.Equal(t, len(a.C), 1)
	assert.Equal(t, len(b.C), 1)
	assert.Equal(t, len(other.C), 0)

	ev := <-a.C
	assert.Equal(t, ev.Seq, int64(1))
}

func TestPublishSkipsOriginator(t *testing.T) {
	h := NewHub(4)
	a := h.Subscribe("list-1", "p-a")
	b := h.Subscribe("list-1", "p-b")

	h.Publish("list-1", event(1, "p-a"))

	assert.Equal(t, len(a.C), 0)
	assert.Equal(t, len(b.C), 1)
}

func TestUnsubscribeRemovesEntry(t *testing.T) {
	h := NewHub(4)
	a := h.Subscribe("list-1", "p-a")
	assert.Equal(t, h.Count("list-1"), 1)

	h.Unsubscribe("list-1", a)
	assert.Equal(t, h.Count("list-1"), 0)

	// channel is closed, repeated unsubscribe is harmless
	_, open := <-a.C
	assert.Equal(t, open, false)
	h.Unsubscribe("list-1", a)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	h := NewHub(1)
	slow := h.Subscribe("list-1", "p-slow")
	fast := h.Subscribe("list-1", "p-fast")

	// The second publish overflows the slow subscriber's buffer and is
	// dropped for it; the fast subscriber drains and gets both.
	h.Publish("list-1", event(1, ""))
	ev := <-fast.C
	assert.Equal(t, ev.Seq, int64(1))
	h.Publish("list-1", event(2, ""))

	assert.Equal(t, len(slow.C), 1)
	ev = <-slow.C
	assert.Equal(t, ev.Seq, int64(1))
	ev = <-fast.C
	assert.Equal(t, ev.Seq, int64(2))
}

func TestIndependentHubsAreIsolated(t *testing.T) {
	h1 := NewHub(4)
	h2 := NewHub(4)
	a := h1.Subscribe("list-1", "p-a")
	h2.Publish("list-1", event(1, ""))
	assert.Equal(t, len(a.C), 0)
}
