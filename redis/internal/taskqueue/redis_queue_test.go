package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/conduit/pkg/api"
	"github.com/petrijr/conduit/redis/internal/testutil"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()

	addr := testutil.GetRedisAddress(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() {
		_ = client.Close()
	})

	// Unique prefix per test so runs don't interfere.
	return NewRedisQueue(client, "conduit_test:"+uuid.NewString()[:8]+":")
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	did := uuid.New()
	input := api.ActionInput{
		Did:        did,
		FlowName:   "normalize",
		FlowNumber: 1,
		ActionName: "Normalize",
		ActionType: api.ActionTypeTransform,
		Attempt:    1,
		Metadata:   map[string]string{"k": "v"},
		QueuedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := q.Enqueue(ctx, input); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := q.Dequeue(ctx, "Normalize")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.Did != did || got.Attempt != 1 || got.Metadata["k"] != "v" {
		t.Fatalf("dequeued = %+v", got)
	}

	event := api.ActionEvent{
		Did:        did,
		FlowName:   "normalize",
		FlowNumber: 1,
		ActionName: "Normalize",
		Attempt:    1,
		Kind:       api.EventKindComplete,
		Complete:   &api.CompleteEvent{Metadata: map[string]string{"ok": "yes"}},
	}
	if err := q.PostResult(ctx, event); err != nil {
		t.Fatalf("post result: %v", err)
	}

	res, err := q.TakeResult(ctx)
	if err != nil {
		t.Fatalf("take result: %v", err)
	}
	if res.Kind != api.EventKindComplete || res.Complete.Metadata["ok"] != "yes" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRedisQueueIsolatesActionNames(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := q.Enqueue(ctx, api.ActionInput{Did: uuid.New(), ActionName: "A"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Consumer of B must not see A's input.
	shortCtx, shortCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer shortCancel()
	if _, err := q.Dequeue(shortCtx, "B"); err == nil {
		t.Fatal("dequeue B returned input enqueued for A")
	}

	got, err := q.Dequeue(ctx, "A")
	if err != nil {
		t.Fatalf("dequeue A: %v", err)
	}
	if got.ActionName != "A" {
		t.Fatalf("dequeued action = %q", got.ActionName)
	}
}

func TestRedisQueueDropAndSize(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, api.ActionInput{Did: uuid.New(), ActionName: "Bulk"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	size, err := q.Size(ctx, "Bulk")
	if err != nil || size != 3 {
		t.Fatalf("size = %d, %v; want 3", size, err)
	}

	dropped, err := q.Drop(ctx, "Bulk")
	if err != nil || dropped != 3 {
		t.Fatalf("dropped = %d, %v; want 3", dropped, err)
	}

	size, err = q.Size(ctx, "Bulk")
	if err != nil || size != 0 {
		t.Fatalf("size after drop = %d, %v; want 0", size, err)
	}
}
