package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/conduit/pkg/api"
)

// runSweeps drives the three periodic maintenance loops: requeueing
// stale dispatched actions, firing due auto-resumes, and completing
// timed-out join groups. Each tick is independent; a failing sweep is
// logged and retried on the next tick.
func (s *Service) runSweeps(ctx context.Context) {
	defer s.wg.Done()

	requeue := time.NewTicker(s.config.RequeueInterval)
	defer requeue.Stop()
	autoResume := time.NewTicker(s.config.AutoResumeInterval)
	defer autoResume.Stop()
	join := time.NewTicker(s.config.JoinInterval)
	defer join.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-requeue.C:
			if err := s.requeueSweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("requeue sweep failed", slog.Any("error", err))
			}
		case <-autoResume.C:
			if err := s.autoResumeSweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("auto-resume sweep failed", slog.Any("error", err))
			}
		case <-join.C:
			if err := s.joiner.sweepExpired(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("join sweep failed", slog.Any("error", err))
			}
		}
	}
}

// requeueSweep re-dispatches actions that have sat QUEUED past the
// requeue threshold, covering worker crashes and lost dispatches.
// Redelivery keeps the same attempt number so a late first result still
// matches; the second result for the attempt is dropped as a duplicate.
func (s *Service) requeueSweep(ctx context.Context) error {
	cutoff := s.clock().Add(-s.config.RequeueThreshold)
	dids, err := s.deltaFiles.StaleInFlight(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, did := range dids {
		if err := s.requeueStale(ctx, did, cutoff); err != nil {
			if errors.Is(err, api.ErrDeltaFileNotFound) {
				continue
			}
			s.logger.Warn("requeue failed",
				slog.String("did", did.String()),
				slog.Any("error", err))
		}
	}
	return nil
}

func (s *Service) requeueStale(ctx context.Context, did uuid.UUID, cutoff time.Time) error {
	_, effects, err := s.withConflictRetry(ctx, did, func(df *api.DeltaFile, effects *sideEffects) error {
		now := s.clock()
		for _, flow := range df.Flows {
			if flow.Terminal() {
				continue
			}
			action := flow.QueuedAction()
			if action == nil || !action.Modified.Before(cutoff) {
				continue
			}

			def, ok := s.registry.FlowByName(flow.Name)
			if !ok {
				continue
			}
			actionDef, ok := def.ActionNamed(action.Name)
			if !ok {
				continue
			}

			// Refresh the timestamp so the next sweep skips this action.
			action.Queued = now
			action.Modified = now
			flow.Modified = now
			df.Modified = now
			effects.inputs = append(effects.inputs, s.sm.buildActionInput(df, flow, action, actionDef))
		}
		if len(effects.inputs) == 0 {
			return errNothingStale
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errNothingStale) {
			return nil
		}
		return err
	}
	return s.dispatch(ctx, effects)
}

// errNothingStale aborts a requeue mutation without persisting when a
// concurrent event already settled the flagged actions.
var errNothingStale = errors.New("no stale actions")

// autoResumeSweep resumes errored flows whose scheduled retry time has
// passed. Flows errored without a matching policy are untouched.
func (s *Service) autoResumeSweep(ctx context.Context) error {
	now := s.clock()
	dids, err := s.deltaFiles.AutoResumeDue(ctx, now)
	if err != nil {
		return err
	}

	for _, did := range dids {
		due := func(flow *api.DeltaFileFlow) bool {
			return flow.NextAutoResume != nil && !flow.NextAutoResume.After(now)
		}
		if _, err := s.resumeWhere(ctx, did, api.ResumeOptions{}, due); err != nil {
			if errors.Is(err, api.ErrNotResumable) || errors.Is(err, api.ErrDeltaFileNotFound) {
				continue
			}
			s.logger.Warn("auto-resume failed",
				slog.String("did", did.String()),
				slog.Any("error", err))
		}
	}
	return nil
}
