package artifact

import (
	"context"
	"os"
	"testing"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func TestMongoRecordStore(t *testing.T) {
	runRecordStoreTests(t, func(t *testing.T) RecordStore {
		return newTestMongoRecordStore(t)
	})
}

func newTestMongoRecordStore(t *testing.T) *MongoRecordStore {
	t.Helper()
	db := testMongoDatabase(t)
	return NewMongoRecordStore(db)
}

// testMongoDatabase connects to the database named by
// ARTIFACTCORE_TEST_MONGO_URI, skipping the test when unset. Each test
// gets its own database, dropped before and after.
func testMongoDatabase(t *testing.T) *mongo.Database {
	t.Helper()

	uri := os.Getenv("ARTIFACTCORE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("ARTIFACTCORE_TEST_MONGO_URI not set; skipping Mongo integration test")
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo connect: %v", err)
	}

	ctx := context.Background()
	if err := client.Ping(ctx, nil); err != nil {
		t.Fatalf("mongo ping: %v", err)
	}

	db := client.Database("artifactcore_test_" + sanitizeTestName(t.Name()))
	_ = db.Drop(ctx)
	t.Cleanup(func() {
		_ = db.Drop(ctx)
		_ = client.Disconnect(ctx)
	})
	return db
}

func sanitizeTestName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) > 48 {
		out = out[:48]
	}
	return string(out)
}
