package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribeDelivers(t *testing.T) {
	b := NewBus(nil)
	sub, err := b.Subscribe(4)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(Event{Category: CategoryPlan, Type: "plan_over", GID: "001"}))

	select {
	case ev := <-sub.C():
		assert.Equal(t, CategoryPlan, ev.Category)
		assert.Equal(t, "001", ev.GID)
	case <-time.After(time.Second):
		t.Fatal("expected event delivery")
	}
}

func TestPublishRejectsMissingCategory(t *testing.T) {
	b := NewBus(nil)
	assert.Error(t, b.Publish(Event{Type: "x"}))
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := NewBus(nil)
	sub, err := b.Subscribe(1)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(Event{Category: CategorySafety}))
	require.NoError(t, b.Publish(Event{Category: CategorySafety})) // drops, subscriber buffer full

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestPublishCtxEnrichesFromSpan(t *testing.T) {
	b := NewBus(nil)
	sub, err := b.Subscribe(1)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.PublishCtx(context.Background(), Event{Category: CategoryDuration}))
	ev := <-sub.C()
	assert.Empty(t, ev.TraceID) // no span in a bare context
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus(nil)
	sub, err := b.Subscribe(1)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	assert.NoError(t, b.Publish(Event{Category: CategoryDevice}))
	assert.Equal(t, int64(0), b.Stats().Subscribers)
}
