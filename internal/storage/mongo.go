package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/IshaanNene/seocrawl/internal/types"
)

// MongoSink mirrors page records into a MongoDB collection, one document
// per tenant and URL.
type MongoSink struct {
	client     *mongo.Client
	collection *mongo.Collection
	mu         sync.Mutex
	count      int
	logger     *slog.Logger
}

// NewMongoSink connects to MongoDB and ensures the (tenant_id, url) index.
func NewMongoSink(ctx context.Context, uri, database, collection string, logger *slog.Logger) (*MongoSink, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, &types.StorageError{Backend: "mongodb", Op: "connect", Err: err}
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, &types.StorageError{Backend: "mongodb", Op: "ping", Err: err}
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "url", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, &types.StorageError{Backend: "mongodb", Op: "create index", Err: err}
	}

	return &MongoSink{
		client:     client,
		collection: coll,
		logger:     logger.With("component", "mongo_sink"),
	}, nil
}

func (s *MongoSink) Name() string { return "mongodb" }

// SavePages replaces each page's previous snapshot, inserting when absent.
func (s *MongoSink) SavePages(ctx context.Context, pages []*types.PageRecord) error {
	if len(pages) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.collection.BulkWrite(ctx, pageWriteModels(pages), options.BulkWrite().SetOrdered(false))
	if err != nil {
		return &types.StorageError{Backend: "mongodb", Op: "bulk write", Err: err}
	}
	s.count += len(pages)
	s.logger.Debug("pages stored in mongodb", "count", len(pages), "total", s.count)
	return nil
}

func pageWriteModels(pages []*types.PageRecord) []mongo.WriteModel {
	models := make([]mongo.WriteModel, 0, len(pages))
	for _, p := range pages {
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "tenant_id", Value: p.TenantID}, {Key: "url", Value: p.URL}}).
			SetReplacement(p).
			SetUpsert(true))
	}
	return models
}

func (s *MongoSink) Close() error {
	s.logger.Info("mongodb sink closing", "total_pages", s.count)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("mongodb disconnect: %w", err)
	}
	return nil
}
