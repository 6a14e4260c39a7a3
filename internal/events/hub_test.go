package events

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHubPublishSubscribe(t *testing.T) {
	hub := NewHub()

	var got []Event
	hub.Subscribe(TopicInvocationCompleted, func(_ context.Context, e Event) {
		got = append(got, e)
	})

	hub.Publish(context.Background(), TopicInvocationCompleted, "payload", map[string]string{"k": "v"})
	require.Len(t, got, 1)
	require.Equal(t, TopicInvocationCompleted, got[0].Topic)
	require.Equal(t, "payload", got[0].Payload)
	require.Equal(t, "v", got[0].Metadata["k"])
	require.False(t, got[0].Timestamp.IsZero())
}

func TestHubTopicIsolation(t *testing.T) {
	hub := NewHub()

	var calls int
	hub.Subscribe(TopicCredentialState, func(context.Context, Event) { calls++ })

	hub.Publish(context.Background(), TopicInvocationCompleted, nil, nil)
	require.Zero(t, calls)

	hub.Publish(context.Background(), TopicCredentialState, nil, nil)
	require.Equal(t, 1, calls)
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub()

	var calls int
	unsub := hub.Subscribe(TopicConfigUpdated, func(context.Context, Event) { calls++ })

	hub.Publish(context.Background(), TopicConfigUpdated, nil, nil)
	unsub()
	hub.Publish(context.Background(), TopicConfigUpdated, nil, nil)
	require.Equal(t, 1, calls)

	// Unsubscribing twice is harmless.
	unsub()
}

func TestHubConcurrentPublish(t *testing.T) {
	hub := NewHub()

	var mu sync.Mutex
	count := 0
	hub.Subscribe(TopicInvocationCompleted, func(context.Context, Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Publish(context.Background(), TopicInvocationCompleted, nil, nil)
		}()
	}
	wg.Wait()
	require.Equal(t, 16, count)
}
