package connection

import (
	"context"
	"time"

	"puppyday/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type ConnectionRepository interface {
	Create(ctx context.Context, conn *CalendarConnection) error
	Get(ctx context.Context, id string) (*CalendarConnection, error)
	GetActive(ctx context.Context) (*CalendarConnection, error)
	GetByChannelID(ctx context.Context, channelID string) (*CalendarConnection, error)
	Update(ctx context.Context, id string, updates map[string]interface{}) error
	IncrementFailures(ctx context.Context, id string, firstFailureAt time.Time) (int, error)
	ResetFailures(ctx context.Context, id string) error
}

type SettingsRepository interface {
	Create(ctx context.Context, settings *SyncSettings) error
	GetByConnection(ctx context.Context, connectionID primitive.ObjectID) (*SyncSettings, error)
	Update(ctx context.Context, id string, updates map[string]interface{}) error
}

type ConnectionRepositoryImpl struct {
	collection *mongo.Collection
}

func NewConnectionRepository(db *database.MongodbDB) ConnectionRepository {
	return &ConnectionRepositoryImpl{
		collection: db.DB.Collection("calendar_connections"),
	}
}

func (r *ConnectionRepositoryImpl) Create(ctx context.Context, conn *CalendarConnection) error {
	if conn.ID.IsZero() {
		conn.ID = primitive.NewObjectID()
	}
	conn.CreatedAt = time.Now()
	conn.UpdatedAt = time.Now()

	_, err := r.collection.InsertOne(ctx, conn)
	return err
}

func (r *ConnectionRepositoryImpl) Get(ctx context.Context, id string) (*CalendarConnection, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}

	var conn CalendarConnection
	err = r.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&conn)
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

// GetActive returns the single non-revoked connection. The system models
// exactly one external calendar link per business.
func (r *ConnectionRepositoryImpl) GetActive(ctx context.Context) (*CalendarConnection, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})

	var conn CalendarConnection
	err := r.collection.FindOne(ctx, bson.M{"state": bson.M{"$ne": StateRevoked}}, opts).Decode(&conn)
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (r *ConnectionRepositoryImpl) GetByChannelID(ctx context.Context, channelID string) (*CalendarConnection, error) {
	var conn CalendarConnection
	err := r.collection.FindOne(ctx, bson.M{"channel_id": channelID}).Decode(&conn)
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (r *ConnectionRepositoryImpl) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}

	updates["updated_at"] = time.Now()
	_, err = r.collection.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": updates})
	return err
}

// IncrementFailures atomically bumps the consecutive failure counter and
// returns the new value. firstFailureAt is only set when the counter was
// previously zero so the auto-pause window anchors at the first failure.
func (r *ConnectionRepositoryImpl) IncrementFailures(ctx context.Context, id string, firstFailureAt time.Time) (int, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return 0, err
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var conn CalendarConnection
	err = r.collection.FindOneAndUpdate(
		ctx,
		bson.M{"_id": oid},
		bson.M{
			"$inc": bson.M{"consecutive_failures": 1},
			"$set": bson.M{"updated_at": time.Now()},
		},
		opts,
	).Decode(&conn)
	if err != nil {
		return 0, err
	}

	if conn.ConsecutiveFailures == 1 || conn.FirstFailureAt == nil {
		_, _ = r.collection.UpdateOne(ctx, bson.M{"_id": oid},
			bson.M{"$set": bson.M{"first_failure_at": firstFailureAt}})
	}

	return conn.ConsecutiveFailures, nil
}

func (r *ConnectionRepositoryImpl) ResetFailures(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}

	_, err = r.collection.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{
		"$set":   bson.M{"consecutive_failures": 0, "updated_at": time.Now()},
		"$unset": bson.M{"first_failure_at": ""},
	})
	return err
}

type SettingsRepositoryImpl struct {
	collection *mongo.Collection
}

func NewSettingsRepository(db *database.MongodbDB) SettingsRepository {
	return &SettingsRepositoryImpl{
		collection: db.DB.Collection("sync_settings"),
	}
}

func (r *SettingsRepositoryImpl) Create(ctx context.Context, settings *SyncSettings) error {
	if settings.ID.IsZero() {
		settings.ID = primitive.NewObjectID()
	}
	settings.CreatedAt = time.Now()
	settings.UpdatedAt = time.Now()

	_, err := r.collection.InsertOne(ctx, settings)
	return err
}

func (r *SettingsRepositoryImpl) GetByConnection(ctx context.Context, connectionID primitive.ObjectID) (*SyncSettings, error) {
	var settings SyncSettings
	err := r.collection.FindOne(ctx, bson.M{"connection_id": connectionID}).Decode(&settings)
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (r *SettingsRepositoryImpl) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}

	updates["updated_at"] = time.Now()
	_, err = r.collection.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": updates})
	return err
}
