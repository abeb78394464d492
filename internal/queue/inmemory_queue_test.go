package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/conduit/pkg/api"
)

func TestInMemoryQueueRoundTrip(t *testing.T) {
	q := NewInMemoryQueue(0)
	ctx := context.Background()

	input := api.ActionInput{
		Did:        uuid.New(),
		ActionName: "Normalize",
		Attempt:    1,
	}
	if err := q.Enqueue(ctx, input); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got, err := q.Dequeue(ctx, "Normalize")
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got.Did != input.Did {
		t.Fatalf("Dequeue returned did %s, want %s", got.Did, input.Did)
	}

	event := api.ActionEvent{
		Did:        input.Did,
		ActionName: "Normalize",
		Attempt:    1,
		Kind:       api.EventKindComplete,
		Complete:   &api.CompleteEvent{},
	}
	if err := q.PostResult(ctx, event); err != nil {
		t.Fatalf("PostResult failed: %v", err)
	}
	result, err := q.TakeResult(ctx)
	if err != nil {
		t.Fatalf("TakeResult failed: %v", err)
	}
	if result.Did != event.Did || result.Kind != api.EventKindComplete {
		t.Fatalf("TakeResult returned %+v", result)
	}
}

func TestInMemoryQueueIsolatesActionNames(t *testing.T) {
	q := NewInMemoryQueue(0)
	ctx := context.Background()

	if err := q.Enqueue(ctx, api.ActionInput{Did: uuid.New(), ActionName: "Archive"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	timeout, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(timeout, "Normalize"); err == nil {
		t.Fatal("Dequeue on an empty action name should block until cancelled")
	}

	got, err := q.Dequeue(ctx, "Archive")
	if err != nil || got.ActionName != "Archive" {
		t.Fatalf("Dequeue = %v, %v", got, err)
	}
}

func TestInMemoryQueueDropAndSize(t *testing.T) {
	q := NewInMemoryQueue(0)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := q.Enqueue(ctx, api.ActionInput{Did: uuid.New(), ActionName: "Store"}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	size, err := q.Size(ctx, "Store")
	if err != nil || size != 4 {
		t.Fatalf("Size = %d, %v; want 4", size, err)
	}

	dropped, err := q.Drop(ctx, "Store")
	if err != nil || dropped != 4 {
		t.Fatalf("Drop = %d, %v; want 4", dropped, err)
	}

	size, err = q.Size(ctx, "Store")
	if err != nil || size != 0 {
		t.Fatalf("Size after drop = %d, %v; want 0", size, err)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	input := api.ActionInput{
		Did:        uuid.New(),
		FlowName:   "normalize",
		FlowNumber: 1,
		ActionName: "Normalize",
		ActionType: api.ActionTypeTransform,
		Attempt:    2,
		Metadata:   map[string]string{"k": "v"},
		Parameters: map[string]any{"mode": "strict"},
	}
	data, err := EncodeInput(input)
	if err != nil {
		t.Fatalf("EncodeInput failed: %v", err)
	}
	decoded, err := DecodeInput(data)
	if err != nil {
		t.Fatalf("DecodeInput failed: %v", err)
	}
	if decoded.Did != input.Did || decoded.Attempt != 2 || decoded.Metadata["k"] != "v" {
		t.Fatalf("decoded input = %+v", decoded)
	}

	event := api.ActionEvent{
		Did:        input.Did,
		ActionName: "Normalize",
		Attempt:    2,
		Kind:       api.EventKindError,
		Error:      &api.ErrorEvent{Cause: "boom"},
	}
	data, err = EncodeEvent(event)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	decodedEvent, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if decodedEvent.Kind != api.EventKindError || decodedEvent.Error == nil || decodedEvent.Error.Cause != "boom" {
		t.Fatalf("decoded event = %+v", decodedEvent)
	}
}
