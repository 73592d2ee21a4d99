package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/Tyrowin/chatrelay/internal/model"
)

const (
	messagesCollection = "processed_messages"
	membersCollection  = "members"
)

// MongoStore implements Store on MongoDB using the collection names of the
// webhook processor it replaces.
type MongoStore struct {
	client   *mongo.Client
	messages *mongo.Collection
	members  *mongo.Collection
}

// NewMongoStore connects to uri, verifies the server answers and ensures the
// indexes used for id uniqueness and conversation reads exist.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if uri == "" {
		return nil, fmt.Errorf("%w: MONGODB_URI is not set", model.ErrStorageUnavailable)
	}
	if database == "" {
		database = "whatsapp"
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to MongoDB: %v", model.ErrStorageUnavailable, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%w: pinging MongoDB: %v", model.ErrStorageUnavailable, err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		messages: db.Collection(messagesCollection),
		members:  db.Collection(membersCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "timestamp", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating message indexes: %w", err)
	}
	_, err = s.members.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "wa_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("creating member indexes: %w", err)
	}
	return nil
}

// Append implements MessageStore.
func (s *MongoStore) Append(ctx context.Context, msg *model.Message) (*model.Message, error) {
	stored, err := prepareAppend(msg)
	if err != nil {
		return nil, err
	}
	if _, err := s.messages.InsertOne(ctx, stored); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: message %s", model.ErrConflict, stored.ID)
		}
		return nil, mongoErr("inserting message", err)
	}
	return &stored, nil
}

// Import implements MessageStore. The upsert only sets fields on insert, so
// a re-delivered message leaves the stored record untouched.
func (s *MongoStore) Import(ctx context.Context, msg *model.Message) (bool, error) {
	stored, err := prepareImport(msg)
	if err != nil {
		return false, err
	}
	res, err := s.messages.UpdateOne(ctx,
		bson.D{{Key: "id", Value: stored.ID}},
		bson.D{{Key: "$setOnInsert", Value: stored}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, mongoErr("importing message", err)
	}
	return res.UpsertedCount > 0, nil
}

var byTimestamp = options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})

// Messages implements MessageStore.
func (s *MongoStore) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	return s.find(ctx, bson.D{{Key: "conversation_id", Value: conversationID}})
}

// All implements MessageStore.
func (s *MongoStore) All(ctx context.Context) ([]model.Message, error) {
	return s.find(ctx, bson.D{})
}

func (s *MongoStore) find(ctx context.Context, filter bson.D) ([]model.Message, error) {
	cur, err := s.messages.Find(ctx, filter, byTimestamp)
	if err != nil {
		return nil, mongoErr("querying messages", err)
	}
	msgs := []model.Message{}
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, mongoErr("decoding messages", err)
	}
	return msgs, nil
}

// UpdateStatus implements MessageStore.
func (s *MongoStore) UpdateStatus(ctx context.Context, id string, status model.Status, statusTimestamp int64) (model.MatchResult, error) {
	res, err := s.messages.UpdateOne(ctx,
		bson.D{{Key: "id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(status)},
			{Key: "status_timestamp", Value: statusTimestamp},
		}}},
	)
	if err != nil {
		return model.MatchResult{}, mongoErr("updating status", err)
	}
	return model.MatchResult{Matched: res.MatchedCount > 0}, nil
}

// FindByID implements MessageStore.
func (s *MongoStore) FindByID(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	err := s.messages.FindOne(ctx, bson.D{{Key: "id", Value: id}}).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: message %s", model.ErrNotFound, id)
		}
		return nil, mongoErr("fetching message", err)
	}
	return &msg, nil
}

// Members implements MemberStore.
func (s *MongoStore) Members(ctx context.Context) ([]model.Member, error) {
	cur, err := s.members.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, mongoErr("querying members", err)
	}
	members := []model.Member{}
	if err := cur.All(ctx, &members); err != nil {
		return nil, mongoErr("decoding members", err)
	}
	return members, nil
}

// CreateMember implements MemberStore.
func (s *MongoStore) CreateMember(ctx context.Context, member model.Member) (*model.Member, error) {
	if err := member.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.members.InsertOne(ctx, member); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: member %s", model.ErrConflict, member.WaID)
		}
		return nil, mongoErr("inserting member", err)
	}
	return &member, nil
}

// Ping implements Store.
func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}
	return nil
}

// Close implements Store.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// mongoErr wraps err, classifying a disconnected client or unreachable
// server as model.ErrStorageUnavailable.
func mongoErr(op string, err error) error {
	if errors.Is(err, mongo.ErrClientDisconnected) || mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("%w: %s: %v", model.ErrStorageUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
