package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitops-sentinel/pkg/logger"
)

func collect(sub *Subscription, n int, timeout time.Duration) []Event {
	var out []Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestPublishDeliversInFIFOOrder(t *testing.T) {
	bus := New(logger.Nop(), 16)
	defer bus.Close()

	sub := bus.Subscribe(ChannelDeployments)
	for i := 0; i < 10; i++ {
		bus.Publish(ChannelDeployments, TypeStageUpdate, "owner/repo", map[string]any{"seq": i})
	}

	got := collect(sub, 10, time.Second)
	require.Len(t, got, 10)
	for i, ev := range got {
		assert.Equal(t, i, ev.Payload["seq"])
		assert.Equal(t, ChannelDeployments, ev.Channel)
	}
}

func TestSubscribersAreIndependent(t *testing.T) {
	bus := New(logger.Nop(), 16)
	defer bus.Close()

	a := bus.Subscribe(ChannelHealth)
	b := bus.Subscribe(ChannelHealth)
	other := bus.Subscribe(ChannelAlerts)

	bus.Publish(ChannelHealth, "update", "owner/repo", nil)

	assert.Len(t, collect(a, 1, time.Second), 1)
	assert.Len(t, collect(b, 1, time.Second), 1)
	assert.Empty(t, collect(other, 1, 50*time.Millisecond), "no cross-channel delivery")
}

func TestOverflowDropsOldestAndEmitsMetaEvent(t *testing.T) {
	const buffer = 8
	bus := New(logger.Nop(), buffer)
	defer bus.Close()

	sub := bus.Subscribe(ChannelPipelines)
	const total = 40
	for i := 0; i < total; i++ {
		bus.Publish(ChannelPipelines, "metrics", "owner/repo", map[string]any{"seq": i})
	}

	got := collect(sub, total+1, 500*time.Millisecond)
	require.NotEmpty(t, got)

	var overflow int
	var seqs []int
	for _, ev := range got {
		if ev.Type == TypeOverflow {
			overflow++
			assert.Greater(t, ev.Payload["dropped"], 0)
			continue
		}
		seqs = append(seqs, ev.Payload["seq"].(int))
	}
	assert.GreaterOrEqual(t, overflow, 1, "overflow meta-event expected")
	assert.LessOrEqual(t, len(seqs), total, "delivered <= published")

	// Surviving events stay in publish order, and the newest event is
	// never dropped.
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
	require.NotEmpty(t, seqs)
	assert.Equal(t, total-1, seqs[len(seqs)-1])
}

func TestPublishNeverBlocksWithoutConsumer(t *testing.T) {
	bus := New(logger.Nop(), 4)
	defer bus.Close()
	_ = bus.Subscribe(ChannelDeployments)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			bus.Publish(ChannelDeployments, TypeStageUpdate, "r", map[string]any{"seq": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestStatsCountsDrops(t *testing.T) {
	bus := New(logger.Nop(), 2)
	defer bus.Close()
	_ = bus.Subscribe(ChannelAlerts)
	for i := 0; i < 50; i++ {
		bus.Publish(ChannelAlerts, "new", "r", map[string]any{"i": fmt.Sprint(i)})
	}
	published, dropped := bus.Stats()
	assert.Equal(t, int64(50), published[ChannelAlerts])
	assert.Greater(t, dropped[ChannelAlerts], int64(0))
}

func TestClosedSubscriptionStopsDelivery(t *testing.T) {
	bus := New(logger.Nop(), 8)
	defer bus.Close()

	sub := bus.Subscribe(ChannelDeployments)
	sub.Close()

	bus.Publish(ChannelDeployments, TypeStarted, "r", nil)
	got := collect(sub, 1, 100*time.Millisecond)
	assert.Empty(t, got)
}
