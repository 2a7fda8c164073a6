package artifact

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoRecordStore implements RecordStore on two MongoDB collections:
// one for artifact documents, one for orphan markers. The caller owns
// the mongo.Client lifecycle.
type MongoRecordStore struct {
	Artifacts *mongo.Collection
	Orphans   *mongo.Collection
}

// NewMongoRecordStore creates a MongoRecordStore from a database,
// using the "artifacts" and "orphans" collections.
func NewMongoRecordStore(db *mongo.Database) *MongoRecordStore {
	return &MongoRecordStore{
		Artifacts: db.Collection("artifacts"),
		Orphans:   db.Collection("orphans"),
	}
}

func (s *MongoRecordStore) Insert(ctx context.Context, a *Artifact) error {
	// Upsert by id so a retried write after a timeout stays idempotent.
	_, err := s.Artifacts.ReplaceOne(ctx,
		bson.M{"_id": a.ID},
		a,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoRecordStore) Get(ctx context.Context, id string) (*Artifact, error) {
	var a Artifact
	err := s.Artifacts.FindOne(ctx, bson.M{"_id": id}).Decode(&a)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *MongoRecordStore) FindByFileName(ctx context.Context, fileName, userID string) (*Artifact, error) {
	query := bson.M{
		"file_name": fileName,
		"status":    bson.M{"$ne": StatusDeleted},
	}
	if userID != "" {
		query["user_id"] = userID
	}

	var a Artifact
	err := s.Artifacts.FindOne(ctx, query,
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	).Decode(&a)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *MongoRecordStore) List(ctx context.Context, f Filter) ([]Artifact, error) {
	query := bson.M{}
	if !f.IncludeDeleted {
		query["status"] = bson.M{"$ne": StatusDeleted}
	}
	if f.UserID != "" {
		query["user_id"] = f.UserID
	}
	if f.ProjectID != "" {
		query["project_id"] = f.ProjectID
	}
	if f.Status != "" {
		query["status"] = f.Status
	}
	if f.ExpiresBefore != nil {
		query["expires_at"] = bson.M{"$lt": *f.ExpiresBefore}
	}

	cursor, err := s.Artifacts.Find(ctx, query,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	)
	if err != nil {
		return nil, err
	}
	var out []Artifact
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoRecordStore) ListPurgeCandidates(ctx context.Context, before time.Time) ([]Artifact, error) {
	query := bson.M{"$or": bson.A{
		bson.M{"status": StatusDeleted},
		bson.M{"expires_at": bson.M{"$lt": before}},
	}}

	cursor, err := s.Artifacts.Find(ctx, query)
	if err != nil {
		return nil, err
	}
	var out []Artifact
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoRecordStore) IncrementDownload(ctx context.Context, id string, at time.Time) (*Artifact, error) {
	var a Artifact
	err := s.Artifacts.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": bson.M{"$ne": StatusDeleted}},
		bson.M{
			"$inc": bson.M{"download_count": 1},
			"$set": bson.M{"last_downloaded_at": at.UTC()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&a)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *MongoRecordStore) UpdateStatus(ctx context.Context, id string, status ArtifactStatus) error {
	res, err := s.Artifacts.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": status}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoRecordStore) Delete(ctx context.Context, id string) error {
	_, err := s.Artifacts.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (s *MongoRecordStore) UsageByUser(ctx context.Context, userID string) (*Usage, error) {
	match := bson.M{"status": bson.M{"$ne": StatusDeleted}}
	if userID != "" {
		match["user_id"] = userID
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{
			"_id":       nil,
			"bytes":     bson.M{"$sum": "$size"},
			"count":     bson.M{"$sum": 1},
			"downloads": bson.M{"$sum": "$download_count"},
		}}},
	}

	cursor, err := s.Artifacts.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Bytes     int64 `bson:"bytes"`
		Count     int64 `bson:"count"`
		Downloads int64 `bson:"downloads"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &Usage{}, nil
	}
	return &Usage{Bytes: rows[0].Bytes, Count: rows[0].Count, Downloads: rows[0].Downloads}, nil
}

func (s *MongoRecordStore) RecordOrphan(ctx context.Context, o Orphan) error {
	_, err := s.Orphans.ReplaceOne(ctx,
		bson.M{"_id": o.BlobID},
		o,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoRecordStore) ListOrphans(ctx context.Context) ([]Orphan, error) {
	cursor, err := s.Orphans.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	var out []Orphan
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoRecordStore) ResolveOrphan(ctx context.Context, blobID string) error {
	_, err := s.Orphans.DeleteOne(ctx, bson.M{"_id": blobID})
	return err
}
