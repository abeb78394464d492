package api

import (
	"time"

	"github.com/google/uuid"
)

// CurrentSchemaVersion tags the persisted shape of a DeltaFile so
// stores can migrate documents written by older engine versions.
const CurrentSchemaVersion = 3

// Stage is the derived top-level state of a DeltaFile.
type Stage string

const (
	StageInFlight  Stage = "IN_FLIGHT"
	StageComplete  Stage = "COMPLETE"
	StageError     Stage = "ERROR"
	StageCancelled Stage = "CANCELLED"
)

// DeltaFile is the aggregate root tracking one payload's trip through
// the pipeline. It is mutated only by the engine, one logical writer at
// a time per did, enforced by the Version optimistic-lock counter.
type DeltaFile struct {
	Did           uuid.UUID `json:"did"`
	SchemaVersion int       `json:"schemaVersion"`

	Name       string `json:"name"`
	DataSource string `json:"dataSource"`

	Stage Stage            `json:"stage"`
	Flows []*DeltaFileFlow `json:"flows"`

	ParentDids []uuid.UUID `json:"parentDids,omitempty"`
	ChildDids  []uuid.UUID `json:"childDids,omitempty"`

	Annotations map[string]string `json:"annotations,omitempty"`

	IngressBytes int64 `json:"ingressBytes"`
	TotalBytes   int64 `json:"totalBytes"`

	Egressed bool `json:"egressed"`
	Filtered bool `json:"filtered"`

	Replayed  *time.Time `json:"replayed,omitempty"`
	ReplayDid *uuid.UUID `json:"replayDid,omitempty"`

	ContentDeleted       *time.Time `json:"contentDeleted,omitempty"`
	ContentDeletedReason string     `json:"contentDeletedReason,omitempty"`

	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`

	Version int64 `json:"version"`
}

// FlowByNumber returns the flow with the given number, or nil.
func (d *DeltaFile) FlowByNumber(number int) *DeltaFileFlow {
	for _, f := range d.Flows {
		if f.Number == number {
			return f
		}
	}
	return nil
}

// LatestFlowNamed returns the most recently added flow with the given
// name, or nil.
func (d *DeltaFile) LatestFlowNamed(name string) *DeltaFileFlow {
	for i := len(d.Flows) - 1; i >= 0; i-- {
		if d.Flows[i].Name == name {
			return d.Flows[i]
		}
	}
	return nil
}

// AddFlow appends a new flow with the next flow number.
func (d *DeltaFile) AddFlow(name string, flowType FlowType, input FlowInput, depth int, now time.Time) *DeltaFileFlow {
	flow := &DeltaFileFlow{
		Name:     name,
		Number:   len(d.Flows),
		Type:     flowType,
		State:    FlowStateInFlight,
		Created:  now,
		Modified: now,
		Input:    input,
		Depth:    depth,
	}
	d.Flows = append(d.Flows, flow)
	d.Modified = now
	return flow
}

// UpdateStage re-derives the aggregate stage from the flow states.
// COMPLETE requires every flow terminal-success with no pending
// annotations; a single unresumed error makes the whole file ERROR.
func (d *DeltaFile) UpdateStage(now time.Time) {
	if d.Stage == StageCancelled {
		return
	}

	terminal := true
	errored := false
	for _, f := range d.Flows {
		switch f.State {
		case FlowStateError:
			errored = true
		case FlowStateComplete, FlowStateFiltered, FlowStateCancelled:
		default:
			terminal = false
		}
	}

	previous := d.Stage
	switch {
	case errored:
		d.Stage = StageError
	case terminal:
		d.Stage = StageComplete
	default:
		d.Stage = StageInFlight
	}
	if d.Stage != previous {
		d.Modified = now
	}
}

// HasQueuedAction reports whether any flow still has a dispatched
// action awaiting its result. An errored DeltaFile can keep in-flight
// siblings, so this is independent of Stage.
func (d *DeltaFile) HasQueuedAction() bool {
	for _, f := range d.Flows {
		if f.QueuedAction() != nil {
			return true
		}
	}
	return false
}

// Terminal reports whether the DeltaFile will not change again without
// operator intervention.
func (d *DeltaFile) Terminal() bool {
	switch d.Stage {
	case StageComplete, StageError, StageCancelled:
		return true
	default:
		return false
	}
}

// InFlight reports whether any flow still has work pending.
func (d *DeltaFile) InFlight() bool {
	return d.Stage == StageInFlight
}

// RecalculateBytes refreshes IngressBytes and TotalBytes from the
// referenced segments, counting each backing segment once.
func (d *DeltaFile) RecalculateBytes() {
	seen := make(map[uuid.UUID]int64)
	for _, f := range d.Flows {
		for i := range f.Actions {
			for _, c := range f.Actions[i].Content {
				for _, s := range c.Segments {
					if cur, ok := seen[s.UUID]; !ok || s.Size > cur {
						seen[s.UUID] = s.Size
					}
				}
			}
		}
		for _, c := range f.Input.Content {
			for _, s := range c.Segments {
				if cur, ok := seen[s.UUID]; !ok || s.Size > cur {
					seen[s.UUID] = s.Size
				}
			}
		}
	}

	var total int64
	for _, size := range seen {
		total += size
	}
	d.TotalBytes = total

	if len(d.Flows) > 0 {
		d.IngressBytes = TotalContentSize(d.Flows[0].Input.Content)
	}
}

// Cancel force-terminates every non-terminal flow. Idempotent.
func (d *DeltaFile) Cancel(now time.Time) bool {
	if d.Stage == StageCancelled {
		return false
	}
	changed := false
	for _, f := range d.Flows {
		if f.Cancel(now) {
			changed = true
		}
	}
	if changed || !d.Terminal() {
		d.Stage = StageCancelled
		d.Modified = now
		return true
	}
	return false
}

// AddAnnotations merges annotations into the DeltaFile and clears any
// matching pending-annotation keys on its flows. Existing keys are kept
// unless allowOverwrites is set. Returns the keys actually applied.
func (d *DeltaFile) AddAnnotations(annotations map[string]string, allowOverwrites bool, now time.Time) map[string]string {
	if d.Annotations == nil {
		d.Annotations = make(map[string]string, len(annotations))
	}
	applied := make(map[string]string, len(annotations))
	for k, v := range annotations {
		if _, exists := d.Annotations[k]; exists && !allowOverwrites {
			continue
		}
		d.Annotations[k] = v
		applied[k] = v
	}
	if len(applied) == 0 {
		return applied
	}

	for _, f := range d.Flows {
		if !f.HasPendingAnnotations() {
			continue
		}
		f.RemovePendingAnnotations(applied)
		f.UpdateState()
	}
	d.Modified = now
	d.UpdateStage(now)
	return applied
}

// PendingAnnotationKeys returns the union of annotation keys still
// expected across all flows.
func (d *DeltaFile) PendingAnnotationKeys() []string {
	var keys []string
	seen := make(map[string]bool)
	for _, f := range d.Flows {
		for _, k := range f.PendingAnnotations {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// HasChild reports whether did is already recorded as a child.
func (d *DeltaFile) HasChild(did uuid.UUID) bool {
	for _, c := range d.ChildDids {
		if c == did {
			return true
		}
	}
	return false
}
