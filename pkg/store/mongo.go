package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/mahaj/dupahar-dm/pkg/conversation"
	"github.com/mahaj/dupahar-dm/pkg/model"
)

// MongoStore keeps messages in a document collection and derives recent
// conversations with an aggregation over message history.
// DeleteConversation needs a replica set for its transaction.
type MongoStore struct {
	client   *mongo.Client
	messages *mongo.Collection
	users    *mongo.Collection
}

// NewMongoStore connects to uri and ensures the message indexes exist.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		messages: db.Collection("messages"),
		users:    db.Collection("users"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "sender", Value: 1}, {Key: "recipient", Value: 1}}},
		{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "sender", Value: 1}}},
		{Keys: bson.D{{Key: "recipient", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) SaveMessage(ctx context.Context, msg *model.Message) error {
	if _, err := s.messages.InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("save message %d: %w", msg.ID, err)
	}
	return nil
}

func (s *MongoStore) HasMessages(ctx context.Context, conversationID string) (bool, error) {
	n, err := s.messages.CountDocuments(ctx, bson.D{{Key: "conversationId", Value: conversationID}}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("check conversation %s: %w", conversationID, err)
	}
	return n > 0, nil
}

func (s *MongoStore) ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]model.Message, error) {
	filter := bson.D{
		{Key: "conversationId", Value: conversationID},
		{Key: "deleted", Value: false},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(offset))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list messages %s: %w", conversationID, err)
	}
	messages := []model.Message{}
	if err := cur.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("decode messages %s: %w", conversationID, err)
	}
	return messages, nil
}

func (s *MongoStore) RecentConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "deleted", Value: false},
			{Key: "$or", Value: bson.A{
				bson.D{{Key: "sender", Value: userID}},
				bson.D{{Key: "recipient", Value: userID}},
			}},
		}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$conversationId"},
			{Key: "lastMessageAt", Value: bson.D{{Key: "$max", Value: "$createdAt"}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "lastMessageAt", Value: -1}}}},
	}

	cur, err := s.messages.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("recent conversations %s: %w", userID, err)
	}
	var rows []struct {
		ConversationID string    `bson:"_id"`
		LastMessageAt  time.Time `bson:"lastMessageAt"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode recent conversations %s: %w", userID, err)
	}

	out := make([]model.ConversationSummary, 0, len(rows))
	for _, row := range rows {
		other, err := conversation.Counterpart(row.ConversationID, userID)
		if err != nil {
			continue
		}
		out = append(out, model.ConversationSummary{
			ConversationID: row.ConversationID,
			With:           model.User{ID: other},
			LastMessageAt:  row.LastMessageAt,
		})
	}
	sortRecent(out)
	return out, nil
}

func (s *MongoStore) DeleteConversation(ctx context.Context, conversationID string) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", conversationID, err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return s.messages.DeleteMany(ctx, bson.D{{Key: "conversationId", Value: conversationID}})
	})
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", conversationID, err)
	}
	return nil
}

func (s *MongoStore) UpsertUser(ctx context.Context, user model.User) error {
	_, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: user.ID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "displayName", Value: user.DisplayName}}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", user.ID, err)
	}
	return nil
}

func (s *MongoStore) GetUsers(ctx context.Context, ids []string) (map[string]model.User, error) {
	out := make(map[string]model.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cur, err := s.users.Find(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	var users []model.User
	if err := cur.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		return err
	}
	return nil
}
