package artifact

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// MongoProjectStore implements ProjectStore backed by a MongoDB
// collection, one document per project. The caller owns the
// mongo.Client lifecycle.
type MongoProjectStore struct {
	Collection *mongo.Collection
}

// NewMongoProjectStore creates a MongoProjectStore from a *mongo.Collection.
func NewMongoProjectStore(collection *mongo.Collection) *MongoProjectStore {
	return &MongoProjectStore{Collection: collection}
}

func (s *MongoProjectStore) Get(ctx context.Context, projectID string) (*ProjectDocument, error) {
	var doc ProjectDocument
	err := s.Collection.FindOne(ctx, bson.M{"_id": projectID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &doc, nil
}

func (s *MongoProjectStore) UpsertIfMatch(ctx context.Context, doc *ProjectDocument, expectedToken string) (string, error) {
	next := *doc
	next.Token = uuid.NewString()
	next.UpdatedAt = time.Now().UTC()

	if expectedToken == "" {
		// Insert-only: reject if a document already exists for this project.
		_, err := s.Collection.InsertOne(ctx, next)
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return "", ErrVersionConflict
			}
			return "", err
		}
		return next.Token, nil
	}

	// CAS: only replace if the current token matches.
	res, err := s.Collection.ReplaceOne(ctx,
		bson.M{"_id": doc.ProjectID, "token": expectedToken},
		next,
	)
	if err != nil {
		return "", err
	}
	if res.MatchedCount == 0 {
		return "", ErrVersionConflict
	}
	return next.Token, nil
}

func (s *MongoProjectStore) Delete(ctx context.Context, projectID string) error {
	_, err := s.Collection.DeleteOne(ctx, bson.M{"_id": projectID})
	return err
}

func (s *MongoProjectStore) ListByUser(ctx context.Context, userID string) ([]ProjectDocument, error) {
	cursor, err := s.Collection.Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, err
	}
	var out []ProjectDocument
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoProjectStore) ListAll(ctx context.Context) ([]ProjectDocument, error) {
	cursor, err := s.Collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	var out []ProjectDocument
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
