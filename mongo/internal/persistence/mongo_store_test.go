package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	corep "github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/mongo/internal/testutil"
	"github.com/petrijr/conduit/pkg/api"
)

func newTestStore(t *testing.T) *MongoStore {
	t.Helper()

	uri := testutil.GetMongoURI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})

	// Separate database per test so parallel packages don't collide.
	store, err := NewMongoStore(ctx, client, fmt.Sprintf("conduit_test_%s", uuid.NewString()[:8]))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func sampleDeltaFile(now time.Time) *api.DeltaFile {
	df := &api.DeltaFile{
		Did:           uuid.New(),
		SchemaVersion: api.CurrentSchemaVersion,
		Name:          "sample.txt",
		DataSource:    "files",
		Stage:         api.StageInFlight,
		Created:       now,
		Modified:      now,
	}
	flow := df.AddFlow("files", api.FlowTypeDataSource, api.FlowInput{}, 0, now)
	flow.AddAction("Ingress", api.ActionTypeIngress, api.ActionStateComplete, now)
	flow.UpdateState()
	return df
}

func TestMongoStoreInsertGetUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	df := sampleDeltaFile(now)
	if err := store.Insert(ctx, df); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Insert(ctx, df); !errors.Is(err, corep.ErrDuplicate) {
		t.Fatalf("duplicate insert: got %v, want ErrDuplicate", err)
	}

	loaded, err := store.Get(ctx, df.Did)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Version != 1 || loaded.DataSource != "files" {
		t.Fatalf("loaded = version %d source %q", loaded.Version, loaded.DataSource)
	}

	loaded.Stage = api.StageComplete
	if err := store.Update(ctx, loaded); err != nil {
		t.Fatalf("update: %v", err)
	}
	if loaded.Version != 2 {
		t.Fatalf("version after update = %d, want 2", loaded.Version)
	}

	if _, err := store.Get(ctx, uuid.New()); !errors.Is(err, corep.ErrNotFound) {
		t.Fatalf("get missing: got %v, want ErrNotFound", err)
	}
}

func TestMongoStoreOptimisticConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	df := sampleDeltaFile(time.Now().UTC())
	if err := store.Insert(ctx, df); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first, _ := store.Get(ctx, df.Did)
	second, _ := store.Get(ctx, df.Did)

	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := store.Update(ctx, second); !errors.Is(err, corep.ErrOptimisticConflict) {
		t.Fatalf("second update: got %v, want ErrOptimisticConflict", err)
	}
}

func TestMongoStoreSweepQueries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := sampleDeltaFile(now.Add(-time.Hour))
	if err := store.Insert(ctx, stale); err != nil {
		t.Fatalf("insert stale: %v", err)
	}

	fresh := sampleDeltaFile(now)
	if err := store.Insert(ctx, fresh); err != nil {
		t.Fatalf("insert fresh: %v", err)
	}

	errored := sampleDeltaFile(now)
	resumeAt := now.Add(-time.Minute)
	errored.Stage = api.StageError
	errored.Flows[0].NextAutoResume = &resumeAt
	if err := store.Insert(ctx, errored); err != nil {
		t.Fatalf("insert errored: %v", err)
	}

	// An errored sibling flow does not stop requeueing a dispatched
	// action elsewhere in the file.
	erroredQueued := sampleDeltaFile(now.Add(-time.Hour))
	erroredQueued.Stage = api.StageError
	queuedFlow := erroredQueued.AddFlow("normalize", api.FlowTypeTransform, api.FlowInput{}, 0, now.Add(-time.Hour))
	queuedFlow.AddAction("Normalize", api.ActionTypeTransform, api.ActionStateQueued, now.Add(-time.Hour))
	if err := store.Insert(ctx, erroredQueued); err != nil {
		t.Fatalf("insert errored queued: %v", err)
	}

	dids, err := store.StaleInFlight(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("stale query: %v", err)
	}
	found := make(map[uuid.UUID]bool, len(dids))
	for _, did := range dids {
		found[did] = true
	}
	if len(found) != 2 || !found[stale.Did] || !found[erroredQueued.Did] {
		t.Fatalf("stale dids = %v, want [%s %s]", dids, stale.Did, erroredQueued.Did)
	}

	due, err := store.AutoResumeDue(ctx, now)
	if err != nil {
		t.Fatalf("auto-resume query: %v", err)
	}
	if len(due) != 1 || due[0] != errored.Did {
		t.Fatalf("due dids = %v, want [%s]", due, errored.Did)
	}
}

func TestMongoStoreJoinGroupClaimOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var group *corep.JoinGroup
	for i := 0; i < 3; i++ {
		g, err := store.AppendMember(ctx, "batch-1", "joiner", corep.JoinMember{
			Did:        uuid.New(),
			FlowNumber: 1,
			AddedAt:    now,
		}, 3, now.Add(time.Minute))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		group = g
	}
	if len(group.Members) != 3 {
		t.Fatalf("members = %d, want 3", len(group.Members))
	}

	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.Claim(ctx, group.ID)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if claimed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("claim winners = %d, want exactly 1", wins)
	}

	// A claimed group no longer accepts members; a new group forms.
	next, err := store.AppendMember(ctx, "batch-1", "joiner", corep.JoinMember{
		Did:        uuid.New(),
		FlowNumber: 1,
		AddedAt:    now,
	}, 3, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("append after claim: %v", err)
	}
	if next.ID == group.ID {
		t.Fatal("append after claim landed in the claimed group")
	}
	if len(next.Members) != 1 {
		t.Fatalf("new group members = %d, want 1", len(next.Members))
	}

	if err := store.Delete(ctx, group.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestMongoStoreExpiredGroups(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.AppendMember(ctx, "late", "joiner", corep.JoinMember{
		Did:        uuid.New(),
		FlowNumber: 1,
		AddedAt:    now.Add(-2 * time.Minute),
	}, 5, now.Add(-time.Minute)); err != nil {
		t.Fatalf("append: %v", err)
	}

	expired, err := store.Expired(ctx, now)
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(expired) != 1 || expired[0].JoinKey != "late" {
		t.Fatalf("expired = %+v, want one group keyed 'late'", expired)
	}
}
