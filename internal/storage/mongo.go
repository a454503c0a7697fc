package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoSink upserts records into a collection keyed by (city, link), so a
// product seen again updates its prices instead of duplicating.
type MongoSink struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

func NewMongoSink(ctx context.Context, uri, database, collection string) (*MongoSink, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := &MongoSink{
		client: client,
		coll:   client.Database(database).Collection(collection),
		now:    time.Now,
	}

	if err := s.ensureIndexes(connectCtx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	return s, nil
}

func (s *MongoSink) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "city", Value: 1}, {Key: "link", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create product index: %w", err)
	}
	return nil
}

func (s *MongoSink) Write(ctx context.Context, batch Batch) error {
	writes := buildUpserts(batch, s.now())
	if len(writes) == 0 {
		return nil
	}

	_, err := s.coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("failed to upsert products: %w", err)
	}
	return nil
}

func (s *MongoSink) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func buildUpserts(batch Batch, now time.Time) []mongo.WriteModel {
	writes := make([]mongo.WriteModel, 0, len(batch.Records))

	for _, r := range batch.Records {
		set := bson.M{
			"sku":           nullable(r.ID),
			"name":          r.Name,
			"regular_price": nullable(r.RegularPrice),
			"promo_price":   nullable(r.PromoPrice),
			"category":      r.Category,
			"last_run_id":   batch.RunID,
			"updated_at":    now,
		}
		// An unenriched run must not wipe a brand found earlier.
		if batch.ParseBrand {
			set["brand"] = nullable(r.Brand)
		}

		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"city": r.City, "link": r.Link}).
			SetUpdate(bson.M{
				"$set":         set,
				"$setOnInsert": bson.M{"first_seen_at": now},
			}).
			SetUpsert(true))
	}

	return writes
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

var _ Sink = (*MongoSink)(nil)
