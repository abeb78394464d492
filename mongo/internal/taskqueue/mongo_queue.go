package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	coreq "github.com/petrijr/conduit/internal/queue"
	"github.com/petrijr/conduit/pkg/api"
)

// defaultPollInterval is the wait between empty polls. MongoDB has no
// blocking pop, so Dequeue and TakeResult poll with FindOneAndDelete.
const defaultPollInterval = 250 * time.Millisecond

// MongoQueue implements ActionEventQueue on top of MongoDB.
//
// Collection schema:
//
//	action_inputs:  { _id, action, payload, created_at }
//	action_results: { _id, payload, created_at }
//
// payload is the JSON-encoded ActionInput or ActionEvent. Consumption
// is a FindOneAndDelete ordered by created_at, so competing consumers
// never see the same document.
type MongoQueue struct {
	inputs       *mongo.Collection
	results      *mongo.Collection
	pollInterval time.Duration
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "conduit".
func NewMongoQueue(client *mongo.Client, dbName string) *MongoQueue {
	if dbName == "" {
		dbName = "conduit"
	}
	db := client.Database(dbName)
	return &MongoQueue{
		inputs:       db.Collection("action_inputs"),
		results:      db.Collection("action_results"),
		pollInterval: defaultPollInterval,
	}
}

// Ensure MongoQueue implements ActionEventQueue.
var _ coreq.ActionEventQueue = (*MongoQueue)(nil)

type queueDoc struct {
	ID        string    `bson:"_id"`
	Action    string    `bson:"action,omitempty"`
	Payload   []byte    `bson:"payload"`
	CreatedAt time.Time `bson:"created_at"`
}

func (q *MongoQueue) Enqueue(ctx context.Context, input api.ActionInput) error {
	payload, err := coreq.EncodeInput(input)
	if err != nil {
		return err
	}
	_, err = q.inputs.InsertOne(ctx, queueDoc{
		ID:        uuid.NewString(),
		Action:    input.ActionName,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	return err
}

func (q *MongoQueue) Dequeue(ctx context.Context, actionName string) (*api.ActionInput, error) {
	doc, err := q.poll(ctx, q.inputs, bson.M{"action": actionName})
	if err != nil {
		return nil, err
	}
	return coreq.DecodeInput(doc.Payload)
}

func (q *MongoQueue) PostResult(ctx context.Context, event api.ActionEvent) error {
	payload, err := coreq.EncodeEvent(event)
	if err != nil {
		return err
	}
	_, err = q.results.InsertOne(ctx, queueDoc{
		ID:        uuid.NewString(),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	return err
}

func (q *MongoQueue) TakeResult(ctx context.Context) (*api.ActionEvent, error) {
	doc, err := q.poll(ctx, q.results, bson.M{})
	if err != nil {
		return nil, err
	}
	return coreq.DecodeEvent(doc.Payload)
}

// poll pops the oldest matching document, sleeping between empty polls
// until the context is cancelled.
func (q *MongoQueue) poll(ctx context.Context, coll *mongo.Collection, filter bson.M) (*queueDoc, error) {
	opts := options.FindOneAndDelete().SetSort(bson.D{{Key: "created_at", Value: 1}})

	for {
		var doc queueDoc
		err := coll.FindOneAndDelete(ctx, filter, opts).Decode(&doc)
		if err == nil {
			return &doc, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *MongoQueue) Drop(ctx context.Context, actionName string) (int, error) {
	res, err := q.inputs.DeleteMany(ctx, bson.M{"action": actionName})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (q *MongoQueue) Size(ctx context.Context, actionName string) (int, error) {
	count, err := q.inputs.CountDocuments(ctx, bson.M{"action": actionName})
	if err != nil {
		return 0, err
	}
	return int(count), nil
}
