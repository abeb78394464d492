// Package mongo provides MongoDB-backed persistence for conduit: a
// document store for DeltaFiles and join groups, plus a polling work
// queue for deployments that keep everything in one database.
package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/conduit"
	mstore "github.com/petrijr/conduit/mongo/internal/persistence"
)

// NewMongoEngine returns an Engine that persists DeltaFiles and join
// groups in MongoDB, dispatching work over the given queue. Pass a
// queue from NewMongoQueue, the redis submodule, or an in-memory one.
func NewMongoEngine(ctx context.Context, client *mongo.Client, q conduit.Queue) (conduit.Engine, error) {
	return NewMongoEngineWithObserver(ctx, client, q, nil)
}

// NewMongoEngineWithObserver is the Mongo-backed engine constructor
// that accepts an Observer.
func NewMongoEngineWithObserver(ctx context.Context, client *mongo.Client, q conduit.Queue, obs conduit.Observer) (conduit.Engine, error) {
	store, err := mstore.NewMongoStore(ctx, client, "")
	if err != nil {
		return nil, err
	}
	return conduit.NewEngineWithConfig(conduit.Config{
		Persistence: conduit.Persistence{DeltaFiles: store, Joins: store},
		Queue:       q,
		Observer:    obs,
	})
}

// NewMongoStore returns the Mongo store directly for callers assembling
// a Config by hand. dbName defaults to "conduit" if empty.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*mstore.MongoStore, error) {
	return mstore.NewMongoStore(ctx, client, dbName)
}
