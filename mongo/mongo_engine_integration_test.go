package mongo

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/conduit"
	"github.com/petrijr/conduit/mongo/internal/testutil"
	"github.com/petrijr/conduit/pkg/worker"
)

// End-to-end: Mongo store + Mongo queue, real workers, one transform
// pipeline driven to completion.
func TestMongoEnginePipeline(t *testing.T) {
	uri := testutil.GetMongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Disconnect(context.Background())

	queue := NewMongoQueue(client, "conduit_it")
	eng, err := NewMongoEngine(ctx, client, queue)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	conduit.NewDataSource("files").Publish("raw").MustRegister(eng)
	conduit.NewTransform("stamp").
		Subscribe("raw").
		Action("Stamp").
		Publish("stamped").
		MustRegister(eng)
	conduit.NewDataSink("archive").Subscribe("stamped").Action("Archive").MustRegister(eng)

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	stamp := worker.New(queue, "Stamp", func(ctx context.Context, input conduit.ActionInput) worker.Result {
		return worker.Complete(nil).WithMetadata(map[string]string{"stamped": "true"})
	})
	archive := worker.New(queue, "Archive", func(ctx context.Context, input conduit.ActionInput) worker.Result {
		if input.Metadata["stamped"] != "true" {
			return worker.Error("missing stamp", "")
		}
		return worker.Complete(nil)
	})
	go stamp.Run(ctx)
	go archive.Run(ctx)

	df, err := eng.Ingress(ctx, conduit.IngressInput{
		Name:       "a.bin",
		DataSource: "files",
	})
	if err != nil {
		t.Fatalf("ingress: %v", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		current, err := eng.Get(ctx, df.Did)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if current.Stage == conduit.StageComplete {
			if !current.Egressed {
				t.Fatal("completed without egressing")
			}
			return
		}
		if current.Stage == conduit.StageError {
			t.Fatalf("pipeline errored: %+v", current)
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out in stage %s", current.Stage)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
