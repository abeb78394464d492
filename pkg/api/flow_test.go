package api

import (
	"testing"
	"time"
)

func newTransformFlow(now time.Time) *DeltaFileFlow {
	return &DeltaFileFlow{
		Name:           "normalize",
		Number:         1,
		Type:           FlowTypeTransform,
		State:          FlowStateInFlight,
		Created:        now,
		Modified:       now,
		Input:          FlowInput{Metadata: map[string]string{"source": "files"}},
		PendingActions: []string{"Normalize"},
	}
}

func TestFlowQueueActionTracksAttempts(t *testing.T) {
	now := time.Now()
	flow := newTransformFlow(now)

	first := flow.QueueAction("Normalize", ActionTypeTransform, now)
	if first.Attempt != 1 {
		t.Fatalf("first attempt = %d, want 1", first.Attempt)
	}
	if flow.State != FlowStateInFlight {
		t.Fatalf("state = %s, want IN_FLIGHT", flow.State)
	}

	first.Error("boom", "", nil, nil, now)
	flow.UpdateState()
	if flow.State != FlowStateError {
		t.Fatalf("state = %s, want ERROR", flow.State)
	}
	if flow.ErrorOrFilterCause != "boom" {
		t.Fatalf("cause = %q, want boom", flow.ErrorOrFilterCause)
	}

	resumed := flow.Resume(nil, nil, now.Add(time.Second))
	if resumed == nil {
		t.Fatal("Resume returned nil for an errored flow")
	}
	if resumed.Attempt != 2 {
		t.Fatalf("resumed attempt = %d, want 2", resumed.Attempt)
	}
	if flow.Actions[0].State != ActionStateRetried {
		t.Fatalf("old action state = %s, want RETRIED", flow.Actions[0].State)
	}

	resumed.Error("boom again", "", nil, nil, now.Add(2*time.Second))
	flow.UpdateState()
	third := flow.Resume(nil, nil, now.Add(3*time.Second))
	if third == nil || third.Attempt != 3 {
		t.Fatalf("attempt after second resume = %+v, want 3", third)
	}
}

func TestFlowNeedsRoutingUntilPublished(t *testing.T) {
	now := time.Now()
	flow := newTransformFlow(now)
	action := flow.QueueAction("Normalize", ActionTypeTransform, now)
	if flow.NeedsRouting() {
		t.Fatal("an in-flight flow must not need routing")
	}

	action.Complete(nil, nil, nil, nil, nil, now)
	flow.RemovePendingAction("Normalize")
	flow.UpdateState()
	if flow.State != FlowStateComplete {
		t.Fatalf("state = %s, want COMPLETE", flow.State)
	}
	if !flow.NeedsRouting() {
		t.Fatal("a COMPLETE flow still owes routing until published")
	}

	flow.Published = true
	if flow.NeedsRouting() {
		t.Fatal("a published flow must not need routing again")
	}
}

func TestFlowResumeRequiresError(t *testing.T) {
	now := time.Now()
	flow := newTransformFlow(now)
	flow.QueueAction("Normalize", ActionTypeTransform, now)

	if flow.Resume(nil, nil, now) != nil {
		t.Fatal("Resume should return nil when the last action is not errored")
	}
}

func TestFlowStateCompleteAfterPendingExhausted(t *testing.T) {
	now := time.Now()
	flow := newTransformFlow(now)

	action := flow.QueueAction("Normalize", ActionTypeTransform, now)
	action.Complete(nil, nil, nil, nil, nil, now)
	flow.RemovePendingAction("Normalize")
	flow.UpdateState()

	if flow.State != FlowStateComplete {
		t.Fatalf("state = %s, want COMPLETE", flow.State)
	}
	if !flow.TerminalSuccess() {
		t.Fatal("TerminalSuccess() = false for a complete flow")
	}
}

func TestFlowStatePendingAnnotations(t *testing.T) {
	now := time.Now()
	flow := newTransformFlow(now)
	flow.PendingAnnotations = []string{"classification"}

	action := flow.QueueAction("Normalize", ActionTypeTransform, now)
	action.Complete(nil, nil, nil, nil, nil, now)
	flow.RemovePendingAction("Normalize")
	flow.UpdateState()

	if flow.State != FlowStatePendingAnnotations {
		t.Fatalf("state = %s, want PENDING_ANNOTATIONS", flow.State)
	}
	if flow.Terminal() {
		t.Fatal("PENDING_ANNOTATIONS must not be terminal")
	}

	flow.RemovePendingAnnotations(map[string]string{"classification": "public"})
	flow.UpdateState()
	if flow.State != FlowStateComplete {
		t.Fatalf("state = %s after annotation, want COMPLETE", flow.State)
	}
}

func TestFlowMetadataLayering(t *testing.T) {
	now := time.Now()
	flow := newTransformFlow(now)

	a := flow.QueueAction("Normalize", ActionTypeTransform, now)
	a.Complete(nil, map[string]string{"normalized": "true", "tmp": "x"}, []string{"source"}, nil, nil, now)

	metadata := flow.Metadata()
	if metadata["normalized"] != "true" {
		t.Fatalf("metadata[normalized] = %q, want true", metadata["normalized"])
	}
	if _, ok := metadata["source"]; ok {
		t.Fatal("deleted key source still present")
	}

	// Retiring with overrides replaces and removes on top of the layer.
	a.Retire(map[string]string{"tmp": "y"}, []string{"normalized"}, now)
	metadata = flow.Metadata()
	if metadata["tmp"] != "y" {
		t.Fatalf("metadata[tmp] = %q, want y", metadata["tmp"])
	}
	if _, ok := metadata["normalized"]; ok {
		t.Fatal("removed key normalized still present")
	}
}

func TestFlowLastContentFallsBackToInput(t *testing.T) {
	now := time.Now()
	input := []Content{{Name: "in"}}
	flow := newTransformFlow(now)
	flow.Input.Content = input

	if got := flow.LastContent(); len(got) != 1 || got[0].Name != "in" {
		t.Fatalf("LastContent() = %v, want input content", got)
	}

	a := flow.QueueAction("Normalize", ActionTypeTransform, now)
	a.Complete([]Content{{Name: "out"}}, nil, nil, nil, nil, now)

	if got := flow.LastContent(); len(got) != 1 || got[0].Name != "out" {
		t.Fatalf("LastContent() = %v, want action output", got)
	}
}

func TestFlowCancel(t *testing.T) {
	now := time.Now()
	flow := newTransformFlow(now)
	flow.QueueAction("Normalize", ActionTypeTransform, now)

	if !flow.Cancel(now) {
		t.Fatal("Cancel returned false for an in-flight flow")
	}
	if flow.State != FlowStateCancelled {
		t.Fatalf("state = %s, want CANCELLED", flow.State)
	}
	if flow.Actions[0].State != ActionStateCancelled {
		t.Fatalf("action state = %s, want CANCELLED", flow.Actions[0].State)
	}

	// Cancelling again is a no-op.
	if flow.Cancel(now) {
		t.Fatal("Cancel returned true for an already cancelled flow")
	}
}

func TestFlowCancelLeavesCompleteAlone(t *testing.T) {
	now := time.Now()
	flow := newTransformFlow(now)
	a := flow.QueueAction("Normalize", ActionTypeTransform, now)
	a.Complete(nil, nil, nil, nil, nil, now)
	flow.RemovePendingAction("Normalize")
	flow.UpdateState()

	if flow.Cancel(now) {
		t.Fatal("Cancel should not touch a completed flow")
	}
}

func TestFlowAcknowledgeError(t *testing.T) {
	now := time.Now()
	flow := newTransformFlow(now)
	a := flow.QueueAction("Normalize", ActionTypeTransform, now)
	a.Error("boom", "", nil, nil, now)
	resumeAt := now.Add(time.Minute)
	a.NextAutoResume = &resumeAt
	flow.UpdateState()

	if !flow.HasUnacknowledgedError() {
		t.Fatal("expected an unacknowledged error")
	}
	if !flow.AcknowledgeError("known outage", now) {
		t.Fatal("AcknowledgeError returned false")
	}
	if flow.HasUnacknowledgedError() {
		t.Fatal("error still unacknowledged")
	}
	if flow.NextAutoResume != nil {
		t.Fatal("acknowledging must clear the scheduled auto resume")
	}

	// Resuming clears the acknowledgement.
	flow.Resume(nil, nil, now)
	if flow.ErrorAcknowledged != nil {
		t.Fatal("Resume must clear the acknowledgement")
	}
}

func TestActionNamedSkipsRetired(t *testing.T) {
	now := time.Now()
	flow := newTransformFlow(now)
	a := flow.QueueAction("Normalize", ActionTypeTransform, now)
	a.Error("boom", "", nil, nil, now)
	flow.Resume(nil, nil, now)

	got := flow.ActionNamed("Normalize")
	if got == nil || got.Attempt != 2 {
		t.Fatalf("ActionNamed returned %+v, want the attempt-2 action", got)
	}
}
