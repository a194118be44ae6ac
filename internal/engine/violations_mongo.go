// Package engine: a MongoDB-backed ViolationStore. Security violations are
// sparse, variably-shaped documents (Details is a free-form map keyed by
// detector) rather than relational rows, so a document store is a better
// fit than the Postgres/MySQL execution tables for this one collection;
// grounded on the teacher's archive-style adapters (store one record type
// against a single collection/bucket, no joins).
package engine

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoViolationStore persists SecurityViolation records to a single
// collection, most-recent first.
type MongoViolationStore struct {
	collection *mongo.Collection
}

// MongoViolationStoreConfig configures the Mongo connection.
type MongoViolationStoreConfig struct {
	URI        string
	Database   string
	Collection string
}

// NewMongoViolationStore connects to cfg.URI and returns a ready store.
func NewMongoViolationStore(ctx context.Context, cfg MongoViolationStoreConfig) (*MongoViolationStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, ErrInternalError("failed to connect to mongo violation store", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, ErrInternalError("failed to ping mongo violation store", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "security_violations"
	}
	return &MongoViolationStore{collection: client.Database(cfg.Database).Collection(collection)}, nil
}

type violationDoc struct {
	SandboxID   string                 `bson:"sandboxId"`
	Kind        string                 `bson:"kind"`
	Severity    string                 `bson:"severity"`
	Description string                 `bson:"description"`
	Details     map[string]interface{} `bson:"details,omitempty"`
	Timestamp   time.Time              `bson:"timestamp"`
}

func (s *MongoViolationStore) SaveViolation(ctx context.Context, violation SecurityViolation) error {
	doc := violationDoc{
		SandboxID:   string(violation.SandboxID),
		Kind:        string(violation.Kind),
		Severity:    violation.Severity,
		Description: violation.Description,
		Details:     violation.Details,
		Timestamp:   violation.Timestamp,
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return ErrInternalError("failed to save security violation", err)
	}
	return nil
}

func (s *MongoViolationStore) ListViolations(ctx context.Context, sandboxID SandboxId) ([]SecurityViolation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	cursor, err := s.collection.Find(ctx, bson.M{"sandboxId": string(sandboxID)}, opts)
	if err != nil {
		return nil, ErrInternalError("failed to list security violations", err)
	}
	defer cursor.Close(ctx)

	var out []SecurityViolation
	for cursor.Next(ctx) {
		var doc violationDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, ErrInternalError("failed to decode security violation", err)
		}
		out = append(out, SecurityViolation{
			SandboxID:   SandboxId(doc.SandboxID),
			Kind:        SecurityViolationKind(doc.Kind),
			Severity:    doc.Severity,
			Description: doc.Description,
			Details:     doc.Details,
			Timestamp:   doc.Timestamp,
		})
	}
	return out, cursor.Err()
}
