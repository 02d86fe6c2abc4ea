package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fastport-dev/fastport-broker/internal/logger"
)

const (
	sessionCollection     = "sessions"
	messageCollection     = "messages"
	deviceTokenCollection = "device_tokens"
	operationTimeout      = 5 * time.Second
	connectTimeout        = 15 * time.Second
)

// MongoStore is the durable Store backend, adapted from the teacher's
// database.go connection setup and database_store.go per-operation
// pattern (bounded context, upsert-via-ReplaceOne, duplicate-key/
// no-documents error mapping).
type MongoStore struct {
	uri      string
	dbName   string
	client   *mongo.Client
	database *mongo.Database
}

func NewMongoStore(uri, dbName string) *MongoStore {
	return &MongoStore{uri: uri, dbName: dbName}
}

func (s *MongoStore) Init(ctx context.Context) error {
	logger.Debug("connecting to mongo storage backend")

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	clientOptions := options.Client().ApplyURI(s.uri).SetAppName("fastport-broker")
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("mongo connection created: %+v", evt)
			case event.ConnectionClosed:
				logger.DebugF("mongo connection closed: %+v", evt)
			}
		},
	})

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return fmt.Errorf("pinging mongo: %w", err)
	}

	s.client = client
	s.database = client.Database(s.dbName)

	sessions := s.database.Collection(sessionCollection)
	_, err = sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "sessionName", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("sessions_name_unique"),
	})
	if err != nil {
		return fmt.Errorf("creating session index: %w", err)
	}

	messages := s.database.Collection(messageCollection)
	_, err = messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "messageId", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("messages_id_unique"),
	})
	if err != nil {
		return fmt.Errorf("creating message index: %w", err)
	}

	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	logger.Info("closing mongo storage connection")
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func mapMongoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case mongo.IsDuplicateKeyError(err):
		return ErrAlreadyExists
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	default:
		return fmt.Errorf("mongo operation failed: %w", err)
	}
}

func (s *MongoStore) CreateSession(ctx context.Context, sess Session) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	_, err := s.database.Collection(sessionCollection).InsertOne(ctx, sess)
	return mapMongoErr(err)
}

func (s *MongoStore) GetSession(ctx context.Context, name string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var sess Session
	err := s.database.Collection(sessionCollection).FindOne(ctx, bson.D{{Key: "sessionName", Value: name}}).Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return &sess, nil
}

func (s *MongoStore) UpdateSession(ctx context.Context, name string, patch SessionPatch) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	set := bson.M{}
	if patch.Suspended != nil {
		set["suspended"] = *patch.Suspended
	}
	if patch.RetryIntervalMs != nil {
		set["retryInterval"] = *patch.RetryIntervalMs
	}
	if patch.MaxRetryLimit != nil {
		set["maxRetryLimit"] = *patch.MaxRetryLimit
	}
	if patch.MessageExpiryMs != nil {
		set["messageExpiryTime"] = *patch.MessageExpiryMs
	}
	if patch.SessionExpiryAt != nil {
		set["sessionExpiry"] = *patch.SessionExpiryAt
	}
	if len(set) == 0 {
		return nil
	}

	result, err := s.database.Collection(sessionCollection).UpdateOne(
		ctx,
		bson.D{{Key: "sessionName", Value: name}},
		bson.D{{Key: "$set", Value: set}},
	)
	if err != nil {
		return mapMongoErr(err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) DeleteSession(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	if _, err := s.database.Collection(sessionCollection).DeleteOne(ctx, bson.D{{Key: "sessionName", Value: name}}); err != nil {
		return mapMongoErr(err)
	}
	if _, err := s.database.Collection(messageCollection).DeleteMany(ctx, bson.D{{Key: "sessionName", Value: name}}); err != nil {
		return mapMongoErr(err)
	}
	return nil
}

func (s *MongoStore) ListSessions(ctx context.Context) ([]Session, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	cursor, err := s.database.Collection(sessionCollection).Find(ctx, bson.D{})
	if err != nil {
		return nil, mapMongoErr(err)
	}
	defer cursor.Close(ctx)

	var out []Session
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding sessions: %w", err)
	}
	return out, nil
}

func (s *MongoStore) SaveMessage(ctx context.Context, m Message) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	_, err := s.database.Collection(messageCollection).ReplaceOne(ctx, bson.D{{Key: "messageId", Value: m.MessageID}}, m, opts)
	return mapMongoErr(err)
}

func (s *MongoStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var m Message
	err := s.database.Collection(messageCollection).FindOne(ctx, bson.D{{Key: "messageId", Value: id}}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return &m, nil
}

func (s *MongoStore) RemoveMessage(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	_, err := s.database.Collection(messageCollection).DeleteOne(ctx, bson.D{{Key: "messageId", Value: id}})
	return mapMongoErr(err)
}

func (s *MongoStore) ListPendingMessages(ctx context.Context, session string) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	cursor, err := s.database.Collection(messageCollection).Find(ctx, bson.D{{Key: "sessionName", Value: session}})
	if err != nil {
		return nil, mapMongoErr(err)
	}
	defer cursor.Close(ctx)

	var out []Message
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding pending messages: %w", err)
	}
	return out, nil
}

func (s *MongoStore) CleanupExpired(ctx context.Context, now time.Time) (CleanupCounts, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var counts CleanupCounts

	msgResult, err := s.database.Collection(messageCollection).DeleteMany(ctx, bson.D{{Key: "expiryTime", Value: bson.D{{Key: "$lt", Value: now}}}})
	if err != nil {
		return counts, mapMongoErr(err)
	}
	counts.MessagesDeleted = int(msgResult.DeletedCount)

	cursor, err := s.database.Collection(sessionCollection).Find(ctx, bson.D{{Key: "sessionExpiry", Value: bson.D{{Key: "$lt", Value: now}}}})
	if err != nil {
		return counts, mapMongoErr(err)
	}
	var expired []Session
	if err := cursor.All(ctx, &expired); err != nil {
		cursor.Close(ctx)
		return counts, fmt.Errorf("decoding expired sessions: %w", err)
	}
	cursor.Close(ctx)

	for _, sess := range expired {
		if err := s.DeleteSession(ctx, sess.SessionName); err != nil {
			logger.WarnF("cleanup: failed to delete expired session %s: %v", sess.SessionName, err)
			continue
		}
		counts.SessionsDeleted++
	}

	return counts, nil
}

func (s *MongoStore) SaveDeviceToken(ctx context.Context, t DeviceToken) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	filter := bson.D{
		{Key: "sessionName", Value: t.SessionName},
		{Key: "userId", Value: t.UserID},
		{Key: "deviceId", Value: t.DeviceID},
	}
	opts := options.Replace().SetUpsert(true)
	_, err := s.database.Collection(deviceTokenCollection).ReplaceOne(ctx, filter, t, opts)
	return mapMongoErr(err)
}

func (s *MongoStore) GetDeviceTokens(ctx context.Context, session, userID string) ([]DeviceToken, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	filter := bson.D{{Key: "sessionName", Value: session}, {Key: "userId", Value: userID}}
	cursor, err := s.database.Collection(deviceTokenCollection).Find(ctx, filter)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	defer cursor.Close(ctx)

	var out []DeviceToken
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding device tokens: %w", err)
	}
	return out, nil
}

func (s *MongoStore) DeleteDeviceToken(ctx context.Context, session, userID, deviceID string) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	filter := bson.D{
		{Key: "sessionName", Value: session},
		{Key: "userId", Value: userID},
		{Key: "deviceId", Value: deviceID},
	}
	_, err := s.database.Collection(deviceTokenCollection).DeleteOne(ctx, filter)
	return mapMongoErr(err)
}

var _ Store = (*MongoStore)(nil)
