package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(sub Subscriber, n int, timeout time.Duration) []*Event {
	var got []*Event
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case ev, ok := <-sub:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			return got
		}
	}
	return got
}

func TestFanOutToAllSubscribers(t *testing.T) {
	b := NewBroker(nil)
	b.Start()
	defer b.Stop()

	first := b.Subscribe()
	second := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventTaskQueued, TaskID: "t1"})
	b.Publish(&Event{Type: EventTaskCompleted, TaskID: "t1"})

	for _, sub := range []Subscriber{first, second} {
		got := collect(sub, 2, time.Second)
		require.Len(t, got, 2)
		assert.Equal(t, EventTaskQueued, got[0].Type)
		assert.Equal(t, EventTaskCompleted, got[1].Type)
	}
}

func TestPublishFillsIDAndTimestamp(t *testing.T) {
	clock := NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := NewBroker(clock)
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Publish(&Event{Type: EventTaskCreated, TaskID: "t1"})

	got := collect(sub, 1, time.Second)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, clock.Now(), got[0].Timestamp)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroker(nil)
	b.Start()
	defer b.Stop()

	slow := b.Subscribe()
	fast := b.Subscribe()

	// Drain the fast subscriber concurrently; the slow one never reads.
	const total = 200
	fastDone := make(chan int)
	go func() {
		fastDone <- len(collect(fast, total, 2*time.Second))
	}()

	for i := 0; i < total; i++ {
		b.Publish(&Event{Type: EventTaskQueued})
	}

	assert.Equal(t, total, <-fastDone, "draining subscriber sees everything")

	// Leave the slow subscriber unread long enough to be declared
	// stalled, then drain what survived.
	time.Sleep(10 * stallTimeout)
	slowGot := collect(slow, total, 100*time.Millisecond)
	assert.Less(t, len(slowGot), total, "overflow should have been dropped")
	assert.NotEmpty(t, slowGot)
}

func TestDrainingSubscriberSeesBurstsLosslessly(t *testing.T) {
	b := NewBroker(nil)
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()

	// More than any single channel buffer holds.
	const total = 600
	done := make(chan []*Event)
	go func() { done <- collect(sub, total, 5*time.Second) }()

	for i := 0; i < total; i++ {
		b.Publish(&Event{Type: EventTaskCompleted, TaskID: "t"})
	}

	got := <-done
	require.Len(t, got, total)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(nil)
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestInternalErrorsOnDedicatedChannel(t *testing.T) {
	b := NewBroker(nil)
	b.Start()
	defer b.Stop()

	b.PublishInternalError("scheduler", errors.New("adjustment failed"))

	select {
	case ev := <-b.Errors():
		assert.Equal(t, EventInternalError, ev.Type)
		assert.Equal(t, "adjustment failed", ev.Message)
		assert.Equal(t, "scheduler", ev.Metadata["source"])
	case <-time.After(time.Second):
		t.Fatal("expected an internal error event")
	}
}

func TestManualClockAdvance(t *testing.T) {
	start := time.Now()
	clock := NewManualClock(start)

	assert.Equal(t, start, clock.Now())
	clock.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), clock.Now())
	assert.Equal(t, 90*time.Second, clock.Since(start))
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	b := NewBroker(nil)
	b.Start()
	b.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(&Event{Type: EventTaskQueued})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after stop")
	}
}
