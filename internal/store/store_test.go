package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"tg_vip_access_bot/internal/config"
)

func TestNewManagerConnectsAndExposesCollections(t *testing.T) {
	fake := newFakeMongoClient(t)
	restore := stubConnect(fake, nil)
	t.Cleanup(restore)

	cfg := config.Config{
		MongoURI: "mongodb://stub-host:27017",
		MongoDB:  "vip_bot_test",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	manager, err := NewManager(ctx, cfg)
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	if manager.Database().Name() != cfg.MongoDB {
		t.Fatalf("expected database %s, got %s", cfg.MongoDB, manager.Database().Name())
	}

	if len(fake.databaseRequests) != 1 || fake.databaseRequests[0] != cfg.MongoDB {
		t.Fatalf("expected database request for %s, got %v", cfg.MongoDB, fake.databaseRequests)
	}

	if manager.Users().Name() != CollectionUsers {
		t.Fatalf("expected users collection name %s, got %s", CollectionUsers, manager.Users().Name())
	}

	if manager.Ledger().Name() != CollectionLedger {
		t.Fatalf("expected ledger collection name %s, got %s", CollectionLedger, manager.Ledger().Name())
	}

	if err := manager.Close(ctx); err != nil {
		t.Fatalf("expected clean disconnect, got %v", err)
	}

	if !fake.disconnectCalled {
		t.Fatalf("expected disconnect to be called")
	}
}

func TestNewManagerFailsOnPingAndCleansUp(t *testing.T) {
	fake := newFakeMongoClient(t)
	fake.pingErr = errors.New("ping failed")

	restore := stubConnect(fake, nil)
	t.Cleanup(restore)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewManager(ctx, config.Config{MongoURI: "mongodb://stub", MongoDB: "vip_bot_test"})
	if err == nil {
		t.Fatalf("expected ping error")
	}

	if !fake.disconnectCalled {
		t.Fatalf("expected disconnect after ping failure")
	}
}

func TestNewManagerPropagatesConnectError(t *testing.T) {
	restore := stubConnect(nil, errors.New("connect failed"))
	t.Cleanup(restore)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewManager(ctx, config.Config{MongoURI: "mongodb://stub", MongoDB: "vip_bot_test"})
	if err == nil {
		t.Fatalf("expected connection error")
	}
}

func TestNewManagerValidatesContext(t *testing.T) {
	_, err := NewManager(nil, config.Config{MongoURI: "mongodb://stub", MongoDB: "vip_bot_test"})
	if err == nil {
		t.Fatalf("expected error for nil context")
	}
}

func TestManagerCloseRequiresContext(t *testing.T) {
	fake := newFakeMongoClient(t)
	restore := stubConnect(fake, nil)
	t.Cleanup(restore)

	manager, err := NewManager(context.Background(), config.Config{MongoURI: "mongodb://stub", MongoDB: "vip_bot_test"})
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	if err := manager.Close(nil); err == nil {
		t.Fatalf("expected error for nil context")
	}
}

func TestManagerPingChecksConnectivity(t *testing.T) {
	fake := newFakeMongoClient(t)
	restore := stubConnect(fake, nil)
	t.Cleanup(restore)

	manager, err := NewManager(context.Background(), config.Config{MongoURI: "mongodb://stub", MongoDB: "vip_bot_test"})
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := manager.Ping(ctx); err != nil {
		t.Fatalf("expected ping to succeed, got error: %v", err)
	}

	fake.pingErr = errors.New("primary unreachable")
	if err := manager.Ping(ctx); err == nil {
		t.Fatalf("expected ping error to propagate")
	}
}

func TestEnsureBaseIndexesCreatesUserIndex(t *testing.T) {
	fake := newFakeMongoClient(t)
	restore := stubConnect(fake, nil)
	t.Cleanup(restore)

	var indexed []string
	var models [][]mongo.IndexModel

	origCreate := createIndexes
	createIndexes = func(_ context.Context, coll *mongo.Collection, indexModels []mongo.IndexModel) ([]string, error) {
		indexed = append(indexed, coll.Name())
		models = append(models, indexModels)
		return []string{"ok"}, nil
	}
	t.Cleanup(func() { createIndexes = origCreate })

	manager, err := NewManager(context.Background(), config.Config{MongoURI: "mongodb://stub", MongoDB: "vip_bot_test"})
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	if err := manager.EnsureBaseIndexes(context.Background()); err != nil {
		t.Fatalf("EnsureBaseIndexes returned error: %v", err)
	}

	if len(indexed) != 1 || indexed[0] != CollectionUsers {
		t.Fatalf("expected a single index pass over %s, got %v", CollectionUsers, indexed)
	}

	if len(models[0]) != 1 {
		t.Fatalf("expected one user index model, got %d", len(models[0]))
	}

	keys, ok := models[0][0].Keys.(bson.D)
	if !ok || len(keys) != 1 || keys[0].Key != "user_id" {
		t.Fatalf("expected user_id index keys, got %v", models[0][0].Keys)
	}
}

type fakeMongoClient struct {
	inner            *mongo.Client
	pingErr          error
	databaseRequests []string
	disconnectCalled bool
}

func newFakeMongoClient(t *testing.T) *fakeMongoClient {
	t.Helper()

	inner, err := mongo.NewClient(options.Client().ApplyURI("mongodb://stub-host:27017"))
	if err != nil {
		t.Fatalf("failed to build inner client: %v", err)
	}

	return &fakeMongoClient{inner: inner}
}

func (f *fakeMongoClient) Ping(context.Context, *readpref.ReadPref) error {
	return f.pingErr
}

func (f *fakeMongoClient) Database(name string, opts ...*options.DatabaseOptions) *mongo.Database {
	f.databaseRequests = append(f.databaseRequests, name)
	return f.inner.Database(name, opts...)
}

func (f *fakeMongoClient) Disconnect(context.Context) error {
	f.disconnectCalled = true
	return nil
}

func stubConnect(client mongoClient, err error) func() {
	orig := connectMongo
	connectMongo = func(context.Context, *options.ClientOptions) (mongoClient, error) {
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	return func() { connectMongo = orig }
}
