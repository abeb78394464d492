package queue

import (
	"context"
	"sync"

	"github.com/petrijr/conduit/pkg/api"
)

// InMemoryQueue is an ActionEventQueue backed by buffered channels, one
// per action name plus one result channel. It is safe for concurrent
// use.
type InMemoryQueue struct {
	mu       sync.Mutex
	actions  map[string]chan api.ActionInput
	results  chan api.ActionEvent
	capacity int
}

// NewInMemoryQueue creates a new queue with the given per-action
// capacity. For tests and small deployments, a modest capacity
// (e.g. 1024) is fine.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		actions:  make(map[string]chan api.ActionInput),
		results:  make(chan api.ActionEvent, capacity),
		capacity: capacity,
	}
}

// Ensure InMemoryQueue implements ActionEventQueue.
var _ ActionEventQueue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) channel(actionName string) chan api.ActionInput {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, ok := q.actions[actionName]
	if !ok {
		ch = make(chan api.ActionInput, q.capacity)
		q.actions[actionName] = ch
	}
	return ch
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, input api.ActionInput) error {
	select {
	case q.channel(input.ActionName) <- input:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, actionName string) (*api.ActionInput, error) {
	select {
	case input := <-q.channel(actionName):
		return &input, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryQueue) PostResult(ctx context.Context, event api.ActionEvent) error {
	select {
	case q.results <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) TakeResult(ctx context.Context) (*api.ActionEvent, error) {
	select {
	case event := <-q.results:
		return &event, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryQueue) Drop(ctx context.Context, actionName string) (int, error) {
	ch := q.channel(actionName)
	dropped := 0
	for {
		select {
		case <-ch:
			dropped++
		default:
			return dropped, nil
		}
	}
}

func (q *InMemoryQueue) Size(ctx context.Context, actionName string) (int, error) {
	return len(q.channel(actionName)), nil
}
