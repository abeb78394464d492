package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	corep "github.com/petrijr/conduit/internal/persistence"
	"github.com/petrijr/conduit/pkg/api"
)

// MongoStore persists DeltaFiles and join groups in MongoDB. DeltaFiles
// are stored as one document per did holding the JSON-encoded aggregate
// plus the indexed routing fields; the optimistic version check rides
// on a filtered UpdateOne.
type MongoStore struct {
	deltaFiles *mongo.Collection
	joinGroups *mongo.Collection
}

var (
	_ corep.DeltaFileStore = (*MongoStore)(nil)
	_ corep.JoinStore      = (*MongoStore)(nil)
)

// NewMongoStore creates a Mongo-backed store and ensures its indexes.
// dbName defaults to "conduit" if empty.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "conduit"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		deltaFiles: db.Collection("delta_files"),
		joinGroups: db.Collection("join_groups"),
	}

	_, err := s.deltaFiles.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "stage", Value: 1}, {Key: "modified", Value: 1}}},
		{Keys: bson.D{{Key: "stage", Value: 1}, {Key: "next_auto_resume", Value: 1}}},
		{Keys: bson.D{{Key: "data_source", Value: 1}}},
	})
	if err != nil {
		return nil, err
	}
	_, err = s.joinGroups.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "join_key", Value: 1}, {Key: "flow_name", Value: 1}, {Key: "claimed", Value: 1}}},
		{Keys: bson.D{{Key: "claimed", Value: 1}, {Key: "expiration", Value: 1}}},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

type deltaFileDoc struct {
	Did            string     `bson:"_id"`
	DataSource     string     `bson:"data_source"`
	Stage          string     `bson:"stage"`
	Modified       time.Time  `bson:"modified"`
	NextAutoResume *time.Time `bson:"next_auto_resume,omitempty"`
	Queued         bool       `bson:"queued"`
	Version        int64      `bson:"version"`
	Document       []byte     `bson:"document"`
}

func newDeltaFileDoc(deltaFile *api.DeltaFile) (*deltaFileDoc, error) {
	document, err := corep.EncodeDeltaFile(deltaFile)
	if err != nil {
		return nil, err
	}
	return &deltaFileDoc{
		Did:            deltaFile.Did.String(),
		DataSource:     deltaFile.DataSource,
		Stage:          string(deltaFile.Stage),
		Modified:       deltaFile.Modified.UTC(),
		NextAutoResume: corep.NextAutoResume(deltaFile),
		Queued:         deltaFile.HasQueuedAction(),
		Version:        deltaFile.Version,
		Document:       document,
	}, nil
}

func (s *MongoStore) Insert(ctx context.Context, deltaFile *api.DeltaFile) error {
	deltaFile.Version = 1
	doc, err := newDeltaFileDoc(deltaFile)
	if err != nil {
		return err
	}

	if _, err := s.deltaFiles.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return corep.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *MongoStore) Update(ctx context.Context, deltaFile *api.DeltaFile) error {
	next := *deltaFile
	next.Version = deltaFile.Version + 1
	doc, err := newDeltaFileDoc(&next)
	if err != nil {
		return err
	}

	res, err := s.deltaFiles.ReplaceOne(ctx,
		bson.M{"_id": doc.Did, "version": deltaFile.Version}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		// Distinguish a lost race from a missing document.
		count, err := s.deltaFiles.CountDocuments(ctx, bson.M{"_id": doc.Did})
		if err != nil {
			return err
		}
		if count == 0 {
			return corep.ErrNotFound
		}
		return corep.ErrOptimisticConflict
	}

	deltaFile.Version++
	return nil
}

func (s *MongoStore) Get(ctx context.Context, did uuid.UUID) (*api.DeltaFile, error) {
	var doc deltaFileDoc
	err := s.deltaFiles.FindOne(ctx, bson.M{"_id": did.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, corep.ErrNotFound
		}
		return nil, err
	}
	return corep.DecodeDeltaFile(doc.Document)
}

func (s *MongoStore) List(ctx context.Context, filter corep.Filter) ([]*api.DeltaFile, error) {
	bfilter := bson.M{}
	if filter.DataSource != "" {
		bfilter["data_source"] = filter.DataSource
	}
	if filter.Stage != "" {
		bfilter["stage"] = string(filter.Stage)
	}

	cur, err := s.deltaFiles.Find(ctx, bfilter,
		options.Find().SetSort(bson.D{{Key: "modified", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []*api.DeltaFile
	for cur.Next(ctx) {
		var doc deltaFileDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		deltaFile, err := corep.DecodeDeltaFile(doc.Document)
		if err != nil {
			return nil, err
		}
		results = append(results, deltaFile)
	}
	return results, cur.Err()
}

func (s *MongoStore) StaleInFlight(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	return s.findDids(ctx, bson.M{
		"modified": bson.M{"$lt": olderThan.UTC()},
		"$or": bson.A{
			bson.M{"stage": string(api.StageInFlight)},
			bson.M{"stage": string(api.StageError), "queued": true},
		},
	})
}

func (s *MongoStore) AutoResumeDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	return s.findDids(ctx, bson.M{
		"stage":            string(api.StageError),
		"next_auto_resume": bson.M{"$ne": nil, "$lte": now.UTC()},
	})
}

func (s *MongoStore) findDids(ctx context.Context, filter bson.M) ([]uuid.UUID, error) {
	cur, err := s.deltaFiles.Find(ctx, filter,
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var dids []uuid.UUID
	for cur.Next(ctx) {
		var doc struct {
			Did string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		did, err := uuid.Parse(doc.Did)
		if err != nil {
			return nil, err
		}
		dids = append(dids, did)
	}
	return dids, cur.Err()
}

type joinGroupDoc struct {
	ID         string          `bson:"_id"`
	JoinKey    string          `bson:"join_key"`
	FlowName   string          `bson:"flow_name"`
	Claimed    bool            `bson:"claimed"`
	Expiration time.Time       `bson:"expiration"`
	MaxNum     int             `bson:"max_num"`
	Members    []joinMemberDoc `bson:"members"`
}

type joinMemberDoc struct {
	Did         string    `bson:"did"`
	FlowNumber  int       `bson:"flow_number"`
	OrderingKey string    `bson:"ordering_key,omitempty"`
	AddedAt     time.Time `bson:"added_at"`
}

func (d *joinGroupDoc) toGroup() (*corep.JoinGroup, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}
	group := &corep.JoinGroup{
		ID:         id,
		JoinKey:    d.JoinKey,
		FlowName:   d.FlowName,
		Claimed:    d.Claimed,
		Expiration: d.Expiration,
		MaxNum:     d.MaxNum,
	}
	for _, m := range d.Members {
		did, err := uuid.Parse(m.Did)
		if err != nil {
			return nil, err
		}
		group.Members = append(group.Members, corep.JoinMember{
			Did:         did,
			FlowNumber:  m.FlowNumber,
			OrderingKey: m.OrderingKey,
			AddedAt:     m.AddedAt,
		})
	}
	return group, nil
}

// AppendMember upserts the unclaimed group for (joinKey, flowName) and
// pushes the member in one atomic FindOneAndUpdate, so concurrent
// appenders always land in the same group.
func (s *MongoStore) AppendMember(ctx context.Context, joinKey, flowName string, member corep.JoinMember, maxNum int, expiration time.Time) (*corep.JoinGroup, error) {
	filter := bson.M{"join_key": joinKey, "flow_name": flowName, "claimed": false}
	update := bson.M{
		"$push": bson.M{"members": joinMemberDoc{
			Did:         member.Did.String(),
			FlowNumber:  member.FlowNumber,
			OrderingKey: member.OrderingKey,
			AddedAt:     member.AddedAt.UTC(),
		}},
		"$setOnInsert": bson.M{
			"_id":        uuid.NewString(),
			"expiration": expiration.UTC(),
			"max_num":    maxNum,
		},
	}

	var doc joinGroupDoc
	err := s.joinGroups.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return nil, err
	}
	return doc.toGroup()
}

func (s *MongoStore) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.joinGroups.UpdateOne(ctx,
		bson.M{"_id": id.String(), "claimed": false},
		bson.M{"$set": bson.M{"claimed": true}})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

func (s *MongoStore) Expired(ctx context.Context, now time.Time) ([]*corep.JoinGroup, error) {
	cur, err := s.joinGroups.Find(ctx, bson.M{
		"claimed":    false,
		"expiration": bson.M{"$lt": now.UTC()},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var groups []*corep.JoinGroup
	for cur.Next(ctx) {
		var doc joinGroupDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		group, err := doc.toGroup()
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, cur.Err()
}

func (s *MongoStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.joinGroups.DeleteOne(ctx, bson.M{"_id": id.String()})
	return err
}
