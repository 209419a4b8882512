package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r33drichards/ip-allocator-webserver/internal/engine"
)

func TestBroadcaster_PublishDeliversToSubscriber(t *testing.T) {
	b := engine.NewBroadcaster()
	ch, unsubscribe := b.Subscribe(4)
	defer unsubscribe()

	b.Publish(engine.LifecycleEvent{Kind: "borrow", State: "committed"})

	select {
	case ev := <-ch:
		assert.Equal(t, "borrow", ev.Kind)
		assert.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected event was not delivered")
	}
}

func TestBroadcaster_FullBufferDropsRatherThanBlocks(t *testing.T) {
	b := engine.NewBroadcaster()
	ch, unsubscribe := b.Subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(engine.LifecycleEvent{Kind: "submit"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
	require.NotEmpty(t, ch)
}

func TestBroadcaster_UnsubscribeStopsDelivery(t *testing.T) {
	b := engine.NewBroadcaster()
	ch, unsubscribe := b.Subscribe(4)
	unsubscribe()

	b.Publish(engine.LifecycleEvent{Kind: "submit"})

	_, open := <-ch
	assert.False(t, open)
}
