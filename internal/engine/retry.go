package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/pkg/api"
)

// defaultConflictAttempts bounds the optimistic-lock retry loop. A
// conflict means another writer got there first; reloading and
// reapplying almost always succeeds on the second pass.
const defaultConflictAttempts = 10

// mutation is the unit of work run under the optimistic retry loop. It
// receives a freshly loaded DeltaFile and mutates it; side effects to
// dispatch are accumulated on the sideEffects collector so they only
// happen after the write sticks.
type mutation func(deltaFile *api.DeltaFile, effects *sideEffects) error

// sideEffects collects work that must only be dispatched after the
// DeltaFile update is persisted. Conflict retries reset it, so a replay
// of the mutation never double-queues anything.
type sideEffects struct {
	inputs   []api.ActionInput
	children []*api.DeltaFile
	joins    []joinRequest

	// becameTerminal is set when the mutation moved the DeltaFile into a
	// terminal stage, so the observer fires once per transition.
	becameTerminal bool
}

func (e *sideEffects) reset() {
	e.inputs = nil
	e.children = nil
	e.joins = nil
	e.becameTerminal = false
}

// withConflictRetry loads the DeltaFile, applies fn, and writes it back
// under the store's version check, retrying the whole
// reload-reapply-write cycle on ErrOptimisticConflict. This is distinct
// from any IO retry: state must be reloaded before logic reruns.
func (s *Service) withConflictRetry(ctx context.Context, did uuid.UUID, fn mutation) (*api.DeltaFile, *sideEffects, error) {
	effects := &sideEffects{}

	for attempt := 0; attempt < defaultConflictAttempts; attempt++ {
		deltaFile, err := s.deltaFiles.Get(ctx, did)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return nil, nil, api.ErrDeltaFileNotFound
			}
			return nil, nil, err
		}

		effects.reset()
		if err := fn(deltaFile, effects); err != nil {
			return nil, nil, err
		}

		err = s.deltaFiles.Update(ctx, deltaFile)
		if err == nil {
			return deltaFile, effects, nil
		}
		if !errors.Is(err, persistence.ErrOptimisticConflict) {
			return nil, nil, err
		}
		// Lost the race; reload and reapply.
	}

	return nil, nil, fmt.Errorf("deltafile %s: update contended beyond %d attempts", did, defaultConflictAttempts)
}
