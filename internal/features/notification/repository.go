package notification

import (
	"context"
	"time"

	"puppyday/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type NotificationRepository interface {
	Create(ctx context.Context, n *Notification) error
	List(ctx context.Context, limit, offset int64) ([]Notification, int64, error)
	CountUnread(ctx context.Context) (int64, error)
	MarkAsRead(ctx context.Context, id string) error
	MarkAllAsRead(ctx context.Context) error
}

type NotificationRepositoryImpl struct {
	collection *mongo.Collection
}

func NewNotificationRepository(db *database.MongodbDB) NotificationRepository {
	return &NotificationRepositoryImpl{
		collection: db.DB.Collection("notifications"),
	}
}

func (r *NotificationRepositoryImpl) Create(ctx context.Context, n *Notification) error {
	if n.ID.IsZero() {
		n.ID = primitive.NewObjectID()
	}
	n.CreatedAt = time.Now()

	_, err := r.collection.InsertOne(ctx, n)
	return err
}

func (r *NotificationRepositoryImpl) List(ctx context.Context, limit, offset int64) ([]Notification, int64, error) {
	total, err := r.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, 0, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(limit).
		SetSkip(offset)

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	var notifications []Notification
	if err = cursor.All(ctx, &notifications); err != nil {
		return nil, 0, err
	}
	return notifications, total, nil
}

func (r *NotificationRepositoryImpl) CountUnread(ctx context.Context) (int64, error) {
	return r.collection.CountDocuments(ctx, bson.M{"is_read": false})
}

func (r *NotificationRepositoryImpl) MarkAsRead(ctx context.Context, id string) error {
	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}

	now := time.Now()
	_, err = r.collection.UpdateOne(ctx, bson.M{"_id": objID}, bson.M{
		"$set": bson.M{"is_read": true, "read_at": now},
	})
	return err
}

func (r *NotificationRepositoryImpl) MarkAllAsRead(ctx context.Context) error {
	now := time.Now()
	_, err := r.collection.UpdateMany(ctx, bson.M{"is_read": false}, bson.M{
		"$set": bson.M{"is_read": true, "read_at": now},
	})
	return err
}
