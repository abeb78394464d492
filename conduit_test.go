package conduit

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/conduit/pkg/api"
	"github.com/petrijr/conduit/pkg/worker"
)

func registerTestPipeline(t *testing.T, eng Engine) {
	t.Helper()
	NewDataSource("files").Publish("raw").MustRegister(eng)
	NewTransform("normalize").
		Subscribe("raw").
		Action("Normalize").
		Publish("clean").
		MustRegister(eng)
	NewDataSink("archive").
		Subscribe("clean").
		Action("Archive").
		MustRegister(eng)
}

func testIngressInput() IngressInput {
	did := uuid.New()
	return IngressInput{
		Name:       "order-7731.json",
		DataSource: "files",
		Content: []Content{
			NewContent("order-7731.json", "application/json", Segment{
				UUID: uuid.New(),
				Did:  did,
				Size: 64,
			}),
		},
		Metadata: map[string]string{"source": "sftp"},
	}
}

func waitForStage(t *testing.T, eng Engine, did uuid.UUID, stage Stage) *DeltaFile {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		df, err := eng.Get(context.Background(), did)
		require.NoError(t, err)
		if df.Stage == stage {
			return df
		}
		select {
		case <-deadline:
			t.Fatalf("deltafile %s stuck in stage %s, want %s", did, df.Stage, stage)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestLocalRunnerEndToEnd(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := &BasicMetrics{}
	observer := NewCompositeObserver(NewLoggingObserver(logger), metrics)

	runner := NewLocalRunnerWithObserver(observer)
	registerTestPipeline(t, runner.Engine)

	runner.Handle("Normalize", func(ctx context.Context, input api.ActionInput) worker.Result {
		return worker.Complete(input.Content).
			WithMetadata(map[string]string{"normalized": "true"})
	})
	runner.Handle("Archive", func(ctx context.Context, input api.ActionInput) worker.Result {
		return worker.Complete(nil)
	})

	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop()

	df, err := runner.Engine.Ingress(context.Background(), testIngressInput())
	require.NoError(t, err)
	require.Equal(t, StageInFlight, df.Stage)

	done := waitForStage(t, runner.Engine, df.Did, StageComplete)
	require.True(t, done.Egressed)
	archive := done.LatestFlowNamed("archive")
	require.NotNil(t, archive)
	require.Equal(t, "true", archive.Input.Metadata["normalized"])

	// The terminal callback fires after the final persist, so give the
	// consumer a moment to finish notifying.
	require.Eventually(t, func() bool {
		return metrics.Snapshot().Completed == 1
	}, 2*time.Second, 10*time.Millisecond)

	snap := metrics.Snapshot()
	require.Equal(t, int64(1), snap.Ingressed)
	require.Equal(t, int64(2), snap.Dispatched)
	require.Equal(t, int64(2), snap.EventsApplied)
	require.Equal(t, int64(1), snap.Completed)
	require.Zero(t, snap.Errored)
	require.Zero(t, snap.InFlight)
}

func TestLocalRunnerErrorResult(t *testing.T) {
	t.Parallel()

	runner := NewLocalRunner()
	registerTestPipeline(t, runner.Engine)

	runner.Handle("Normalize", func(ctx context.Context, input api.ActionInput) worker.Result {
		return worker.Error("Upstream rejected the payload", "status 422")
	})
	runner.Handle("Archive", func(ctx context.Context, input api.ActionInput) worker.Result {
		return worker.Complete(nil)
	})

	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop()

	df, err := runner.Engine.Ingress(context.Background(), testIngressInput())
	require.NoError(t, err)

	errored := waitForStage(t, runner.Engine, df.Did, StageError)
	flow := errored.LatestFlowNamed("normalize")
	require.NotNil(t, flow)
	action := flow.ActionNamed("Normalize")
	require.NotNil(t, action)
	require.Equal(t, "Upstream rejected the payload", action.ErrorCause)
}

func TestLocalRunnerStartTwice(t *testing.T) {
	t.Parallel()

	runner := NewLocalRunner()
	registerTestPipeline(t, runner.Engine)

	require.NoError(t, runner.Start(context.Background()))
	require.Error(t, runner.Start(context.Background()))
	runner.Stop()
	runner.Stop()
}

func TestNewSQLiteEngine(t *testing.T) {
	t.Parallel()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	eng, err := NewSQLiteEngine(db)
	require.NoError(t, err)
	registerTestPipeline(t, eng)

	df, err := eng.Ingress(context.Background(), testIngressInput())
	require.NoError(t, err)

	got, err := eng.Get(context.Background(), df.Did)
	require.NoError(t, err)
	require.Equal(t, df.Did, got.Did)
	require.Equal(t, StageInFlight, got.Stage)
}
