package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWebhookQueueDropsOldestOnOverflow(t *testing.T) {
	queue := NewWebhookQueue(2, time.Minute)
	for seq := int64(1); seq <= 3; seq++ {
		queue.Enqueue(WebhookEvent{Sequence: seq, Type: "engagement.activated"})
	}
	require.Equal(t, 2, queue.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, ok := queue.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, int64(2), first.Event.Sequence, "oldest entry should have been dropped")
	second, ok := queue.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, int64(3), second.Event.Sequence)
}

func TestWebhookQueueExpiresStaleTasks(t *testing.T) {
	now := time.Now()
	queue := NewWebhookQueue(8, time.Minute)
	queue.SetNowFunc(func() time.Time { return now })
	queue.Enqueue(WebhookEvent{Sequence: 1, Type: "engagement.completed"})

	now = now.Add(2 * time.Minute)
	queue.Enqueue(WebhookEvent{Sequence: 2, Type: "engagement.completed"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := queue.Dequeue(ctx)
	require.True(t, ok)
	require.Equal(t, int64(2), task.Event.Sequence, "expired task must be discarded")
	require.Equal(t, 0, queue.Len())
}

func TestWebhookQueueHonoursNotBefore(t *testing.T) {
	queue := NewWebhookQueue(8, time.Minute)
	sub := &WebhookSubscription{Name: "crm", URL: "https://example.test/hook", Secret: "s"}
	queue.EnqueueTask(WebhookTask{
		Event:        WebhookEvent{Sequence: 1, Type: "engagement.disputed"},
		Subscription: sub,
		Attempt:      1,
		NotBefore:    time.Now().Add(30 * time.Millisecond),
	})

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := queue.Dequeue(ctx)
	require.True(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.Equal(t, 1, task.Attempt)
}

func TestWebhookQueueDequeueStopsOnCancel(t *testing.T) {
	queue := NewWebhookQueue(8, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := queue.Dequeue(ctx)
	require.False(t, ok)
}

func TestSubscriptionMatching(t *testing.T) {
	all := WebhookSubscription{Name: "all"}
	require.True(t, all.matches("engagement.completed"))

	scoped := WebhookSubscription{Name: "disputes", EventTypes: []string{"engagement.disputed"}}
	require.True(t, scoped.matches("engagement.disputed"))
	require.False(t, scoped.matches("engagement.completed"))
}
