package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeReady, ReadyPayload{Port: 54321})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeReady, ev.Type)
		var p ReadyPayload
		require.NoError(t, ev.Decode(&p))
		assert.Equal(t, uint16(54321), p.Port)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeStarting, nil)
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, int64(3), snap[0].ID)
	assert.Equal(t, int64(5), snap[2].ID)

	assert.Len(t, h.SnapshotSince(4), 1)

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(5), latest.ID)
}

func TestLatestEmpty(t *testing.T) {
	_, ok := NewHub(0).Latest()
	assert.False(t, ok)
}

func TestNilPayloadIsEmptyObject(t *testing.T) {
	ev := NewHub(1).Publish(TypeStopped, nil)
	assert.JSONEq(t, `{}`, string(ev.Data))
}

func TestCancelClosesChannel(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.NotPanics(t, func() { h.Publish(TypeError, ErrorPayload{Message: "x"}) })
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(4)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Publish(TypeStarting, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}
