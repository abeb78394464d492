package mongo

import (
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/conduit"
	mqueue "github.com/petrijr/conduit/mongo/internal/taskqueue"
)

// NewMongoQueue returns a Mongo-backed action queue. dbName defaults to
// "conduit" if empty.
func NewMongoQueue(client *mongo.Client, dbName string) conduit.Queue {
	return mqueue.NewMongoQueue(client, dbName)
}
