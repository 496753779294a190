package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
)

func snapshotEvent(executionID string) core.Event {
	return core.Event{
		ID:          core.NewID(),
		ExecutionID: executionID,
		Kind:        core.EventSnapshot,
		Timestamp:   time.Now().UTC(),
		Snapshot:    &core.ExecutionSnapshot{Status: core.ExecutionRunning},
	}
}

func TestBus_PublishReachesSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("exec-1")
	defer sub.Close()

	b.Publish(snapshotEvent("exec-1"))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "exec-1", ev.ExecutionID)
		assert.Equal(t, core.EventSnapshot, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_IsolationBetweenExecutions(t *testing.T) {
	b := New()
	defer b.Close()

	subX := b.Subscribe("exec-x")
	defer subX.Close()

	b.Publish(snapshotEvent("exec-y"))

	select {
	case ev := <-subX.Events():
		t.Fatalf("subscriber of exec-x received event for %s", ev.ExecutionID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_SlowSubscriberDropsNotBlocks(t *testing.T) {
	b := New(func(o *Options) { o.BufferSize = 1 })
	defer b.Close()

	sub := b.Subscribe("exec-1")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(snapshotEvent("exec-1"))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
}

func TestBus_UnsubscribeDoesNotAffectOthers(t *testing.T) {
	b := New()
	defer b.Close()

	sub1 := b.Subscribe("exec-1")
	sub2 := b.Subscribe("exec-1")
	require.Equal(t, 2, b.SubscriberCount("exec-1"))

	sub1.Close()
	sub1.Close() // idempotent
	assert.Equal(t, 1, b.SubscriberCount("exec-1"))

	b.Publish(snapshotEvent("exec-1"))
	select {
	case ev := <-sub2.Events():
		assert.Equal(t, core.EventSnapshot, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber lost events after sibling unsubscribed")
	}
	sub2.Close()
	assert.Equal(t, 0, b.SubscriberCount("exec-1"))
}

func TestBus_ClosedSubscriptionChannelCloses(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("exec-1")
	sub.Close()

	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestBus_Heartbeat(t *testing.T) {
	b := New(func(o *Options) { o.HeartbeatInterval = 20 * time.Millisecond })
	defer b.Close()

	sub := b.Subscribe("exec-1")
	defer sub.Close()

	select {
	case ev := <-sub.Events():
		assert.Equal(t, core.EventHeartbeat, ev.Kind)
		assert.Equal(t, "exec-1", ev.ExecutionID)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat delivered")
	}
}

func TestBus_CloseTearsDownSubscribers(t *testing.T) {
	b := New()
	sub := b.Subscribe("exec-1")

	b.Close()

	_, open := <-sub.Events()
	assert.False(t, open)

	// Subscribe after close yields an already-closed feed.
	late := b.Subscribe("exec-2")
	_, open = <-late.Events()
	assert.False(t, open)
}
