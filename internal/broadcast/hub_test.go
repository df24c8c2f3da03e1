// internal/broadcast/hub_test.go
package broadcast

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllTopicSubscribers(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe(1)
	b := hub.Subscribe(1)
	other := hub.Subscribe(2)

	hub.Publish(1, "processing", "Segmentation started", nil)

	for _, sub := range []*Subscriber{a, b} {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, "status_update", ev.Type)
			assert.Equal(t, uint(1), ev.ScanID)
			assert.Equal(t, "processing", ev.Status)
			assert.Equal(t, "Segmentation started", ev.Message)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case <-other.Events():
		t.Fatal("subscriber on another scan received the event")
	default:
	}
}

func TestPerScanPublishOrderPreserved(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(7)

	statuses := []string{"pending", "processing", "completed"}
	for _, s := range statuses {
		hub.Publish(7, s, "", nil)
	}

	for _, want := range statuses {
		ev := <-sub.Events()
		assert.Equal(t, want, ev.Status)
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(3)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// well past the channel buffer, with nobody draining
		for i := 0; i < subscriberBuffer*3; i++ {
			hub.Publish(3, "processing", "tick", nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// the buffered prefix is still delivered in order
	ev := <-sub.Events()
	assert.Equal(t, "processing", ev.Status)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(5)
	hub.Unsubscribe(sub)

	_, open := <-sub.Events()
	assert.False(t, open)

	// publishing after unsubscribe must not panic
	hub.Publish(5, "completed", "", nil)

	// double unsubscribe is a no-op
	hub.Unsubscribe(sub)
}

func TestLateSubscriberMissesEarlierEvents(t *testing.T) {
	hub := NewHub()
	hub.Publish(9, "processing", "", nil)

	sub := hub.Subscribe(9)
	select {
	case <-sub.Events():
		t.Fatal("late subscriber replayed an old event")
	default:
	}

	hub.Publish(9, "completed", "", nil)
	ev := <-sub.Events()
	assert.Equal(t, "completed", ev.Status)
}

func TestEventJSONFlattensExtra(t *testing.T) {
	ev := Event{
		Type:      "status_update",
		ScanID:    4,
		Status:    "completed",
		Message:   "done",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Extra:     map[string]any{"task_id": 11, "inference_time_ms": 5230},
	}

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "status_update", m["type"])
	assert.Equal(t, float64(4), m["scan_id"])
	assert.Equal(t, "2025-06-01T12:00:00Z", m["timestamp"])
	assert.Equal(t, float64(11), m["task_id"])
	assert.Equal(t, float64(5230), m["inference_time_ms"])
}
