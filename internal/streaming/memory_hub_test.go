package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pipewright/pkg/schema"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func assertQuiet(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	event := Event{
		Type:    schema.EventStepCompleted,
		RunID:   "run-1",
		JobID:   "build",
		StepID:  "compile",
		Payload: map[string]any{"conclusion": "success"},
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := receive(t, ch)
	assert.Equal(t, event.RunID, got.RunID)
	assert.Equal(t, event.StepID, got.StepID)
	assert.Equal(t, schema.EventStepCompleted, got.Type)
}

func TestFilters(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		event  Event
		want   bool
	}{
		{"empty matches", Filter{}, Event{RunID: "r"}, true},
		{"run id", Filter{RunID: "r1"}, Event{RunID: "r2"}, false},
		{"repo id", Filter{RepoID: "acme/api"}, Event{RepoID: "acme/api"}, true},
		{"workflow id", Filter{WorkflowID: "ci.yml"}, Event{WorkflowID: "release.yml"}, false},
		{"type allowed", Filter{Types: []string{schema.EventRunCompleted, schema.EventRunCancelled}}, Event{Type: schema.EventRunCancelled}, true},
		{"type rejected", Filter{Types: []string{schema.EventRunCompleted}}, Event{Type: schema.EventLogLine}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.match(tt.event))
		})
	}
}

func TestFilteredSubscriber(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{RunID: "run-1", Types: []string{schema.EventJobCompleted}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Event{RunID: "run-2", Type: schema.EventJobCompleted}))
	require.NoError(t, hub.Publish(ctx, Event{RunID: "run-1", Type: schema.EventJobStarted}))
	require.NoError(t, hub.Publish(ctx, Event{RunID: "run-1", Type: schema.EventJobCompleted, JobID: "test"}))

	assert.Equal(t, "test", receive(t, ch).JobID)
	assertQuiet(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, Event{RunID: "run-1", Type: schema.EventRunStarted}))

	for _, ch := range []<-chan Event{ch1, ch2} {
		assert.Equal(t, schema.EventRunStarted, receive(t, ch).Type)
	}
}

func TestCancelSubscriptionClosesChannel(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	cancel()
	cancel() // idempotent

	require.NoError(t, hub.Publish(ctx, Event{RunID: "run-1"}))
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, hub.Subscribers())
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())

	ch, _, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
	assert.Zero(t, hub.Subscribers())
}

func TestBackpressureDrops(t *testing.T) {
	hub := NewMemoryHub(8)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 18; i++ {
		require.NoError(t, hub.Publish(ctx, Event{RunID: "run-1", Type: schema.EventLogLine}))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, 8, drained)
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()
	const goroutines = 20
	const eventsPerGoroutine = 50

	var wg sync.WaitGroup

	cancels := make([]func(), goroutines)
	for i := 0; i < goroutines; i++ {
		_, cancel, err := hub.Subscribe(ctx, Filter{})
		require.NoError(t, err)
		cancels[i] = cancel
	}
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				_ = hub.Publish(ctx, Event{RunID: "run-concurrent", Type: schema.EventLogLine})
			}
		}()
	}

	// Subscribers join and leave while events are delivered.
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, Filter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}

	wg.Wait()
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, Event{}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}
