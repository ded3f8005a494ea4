package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chat-core/internal/models"
)

const (
	messagesCollection = "messages"
	countersCollection = "counters"
)

type mongoMessage struct {
	ID        int       `bson:"_id"`
	ChatID    int       `bson:"chatId"`
	UserID    int       `bson:"userId"`
	Content   string    `bson:"content"`
	CreatedAt time.Time `bson:"createdAt"`
}

func (m mongoMessage) toModel() models.Message {
	return models.Message{ID: m.ID, ChatID: m.ChatID, UserID: m.UserID, Content: m.Content, CreatedAt: m.CreatedAt}
}

// MongoMessageRepo stores messages in MongoDB. Ids come from a counters
// document so they keep insertion order like a SERIAL column.
type MongoMessageRepo struct {
	messages *mongo.Collection
	counters *mongo.Collection
}

// NewMongoMessageRepo ensures the history index exists.
func NewMongoMessageRepo(ctx context.Context, db *mongo.Database) (*MongoMessageRepo, error) {
	messages := db.Collection(messagesCollection)
	_, err := messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "chatId", Value: 1}, {Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("create history index: %w", err)
	}
	return &MongoMessageRepo{messages: messages, counters: db.Collection(countersCollection)}, nil
}

func (r *MongoMessageRepo) nextID(ctx context.Context) (int, error) {
	var counter struct {
		Seq int `bson:"seq"`
	}
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": messagesCollection},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	return counter.Seq, err
}

func (r *MongoMessageRepo) lastCreatedAt(ctx context.Context, chatID int) (time.Time, error) {
	var last mongoMessage
	err := r.messages.FindOne(ctx,
		bson.M{"chatId": chatID},
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}),
	).Decode(&last)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, nil
	}
	return last.CreatedAt, err
}

// Append stores a message.
func (r *MongoMessageRepo) Append(ctx context.Context, chatID int, userID int, content string) (models.Message, error) {
	id, err := r.nextID(ctx)
	if err != nil {
		return models.Message{}, fmt.Errorf("allocate message id: %w", err)
	}
	last, err := r.lastCreatedAt(ctx, chatID)
	if err != nil {
		return models.Message{}, err
	}

	// BSON dates carry millisecond precision.
	createdAt := time.Now().UTC().Truncate(time.Millisecond)
	if createdAt.Before(last) {
		createdAt = last
	}
	doc := mongoMessage{ID: id, ChatID: chatID, UserID: userID, Content: content, CreatedAt: createdAt}
	if _, err := r.messages.InsertOne(ctx, doc); err != nil {
		return models.Message{}, err
	}
	return doc.toModel(), nil
}

// ListByRoom returns the history of a chat, oldest first.
func (r *MongoMessageRepo) ListByRoom(ctx context.Context, chatID int) ([]models.Message, error) {
	cursor, err := r.messages.Find(ctx,
		bson.M{"chatId": chatID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []mongoMessage
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(docs))
	for _, d := range docs {
		msgs = append(msgs, d.toModel())
	}
	return msgs, nil
}
