package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/tetherchat/tether/internal/config"
)

const (
	messageCollection = "messages"
	userCollection    = "users"
)

// MongoStore is a Store backed by MongoDB.
type MongoStore struct {
	client    *mongo.Client
	messages  *mongo.Collection
	users     *mongo.Collection
	opTimeout time.Duration
}

// NewMongoStore connects to MongoDB, verifies the connection and
// ensures the indexes the query paths depend on.
func NewMongoStore(ctx context.Context, cfg config.StoreConfig) (*MongoStore, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetAppName("tether").
		SetConnectTimeout(cfg.ConnectTimeout).
		SetMinPoolSize(cfg.MinPoolSize).
		SetMaxPoolSize(cfg.MaxPoolSize)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &MongoStore{
		client:    client,
		messages:  db.Collection(messageCollection),
		users:     db.Collection(userCollection),
		opTimeout: cfg.OperationTimeout,
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	slog.Info("mongodb store ready", "database", cfg.Database)
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			// unseen count and bulk mark-seen paths
			Keys:    bson.D{{Key: "recipient_id", Value: 1}, {Key: "seen", Value: 1}},
			Options: options.Index().SetName("messages_recipient_seen"),
		},
		{
			// conversation fetch path
			Keys:    bson.D{{Key: "sender_id", Value: 1}, {Key: "recipient_id", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("messages_pair_created"),
		},
	})
	if err != nil {
		return fmt.Errorf("creating message indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// CreateMessage persists m, assigning id and creation time.
func (s *MongoStore) CreateMessage(ctx context.Context, m *Message) error {
	if err := validateMessage(m); err != nil {
		return err
	}

	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()
	m.Seen = false

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.messages.InsertOne(ctx, m); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// Conversation marks partner→viewer messages seen, then returns both
// directions of the thread in creation order.
func (s *MongoStore) Conversation(ctx context.Context, viewerID, partnerID string) ([]Message, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.messages.UpdateMany(ctx,
		bson.M{"sender_id": partnerID, "recipient_id": viewerID, "seen": false},
		bson.M{"$set": bson.M{"seen": true}},
	)
	if err != nil {
		return nil, fmt.Errorf("marking conversation seen: %w", err)
	}

	filter := bson.M{"$or": bson.A{
		bson.M{"sender_id": viewerID, "recipient_id": partnerID},
		bson.M{"sender_id": partnerID, "recipient_id": viewerID},
	}}
	cur, err := s.messages.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("fetching conversation: %w", err)
	}
	defer cur.Close(ctx)

	var out []Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding conversation: %w", err)
	}
	return out, nil
}

// MarkSeen transitions one message to seen; idempotent.
func (s *MongoStore) MarkSeen(ctx context.Context, id string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.messages.UpdateByID(ctx, id, bson.M{"$set": bson.M{"seen": true}})
	if err != nil {
		return fmt.Errorf("marking message seen: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// UnseenBySender counts unseen messages addressed to viewer, by sender.
func (s *MongoStore) UnseenBySender(ctx context.Context, viewerID string) (map[string]int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"recipient_id": viewerID, "seen": false}}},
		{{Key: "$group", Value: bson.M{"_id": "$sender_id", "count": bson.M{"$sum": 1}}}},
	}
	cur, err := s.messages.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("counting unseen messages: %w", err)
	}
	defer cur.Close(ctx)

	var rows []struct {
		SenderID string `bson:"_id"`
		Count    int    `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decoding unseen counts: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.SenderID] = r.Count
	}
	return counts, nil
}

// UpsertUser records a user for summary listings.
func (s *MongoStore) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return ErrInvalidUser
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.users.ReplaceOne(ctx, bson.M{"_id": u.ID}, u, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

// ListUsers returns all known users except excludeID, sorted by name.
func (s *MongoStore) ListUsers(ctx context.Context, excludeID string) ([]User, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	cur, err := s.users.Find(ctx,
		bson.M{"_id": bson.M{"$ne": excludeID}},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer cur.Close(ctx)

	var out []User
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding users: %w", err)
	}
	return out, nil
}

// Ping reports whether MongoDB is reachable.
func (s *MongoStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("disconnecting mongodb: %w", err)
	}
	return nil
}
