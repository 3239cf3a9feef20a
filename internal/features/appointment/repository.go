package appointment

import (
	"context"
	"time"

	"puppyday/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type AppointmentRepository interface {
	Create(ctx context.Context, appt *Appointment) error
	Get(ctx context.Context, id string) (*Appointment, error)
	GetByGoogleEventID(ctx context.Context, eventID string) (*Appointment, error)
	List(ctx context.Context, filters bson.M, limit, offset int64) ([]Appointment, error)
	Update(ctx context.Context, id string, updates map[string]interface{}) error
	SetGoogleEventID(ctx context.Context, id string, eventID string) error
	Delete(ctx context.Context, id string) error
}

type AppointmentRepositoryImpl struct {
	collection *mongo.Collection
}

func NewAppointmentRepository(db *database.MongodbDB) AppointmentRepository {
	return &AppointmentRepositoryImpl{
		collection: db.DB.Collection("appointments"),
	}
}

func (r *AppointmentRepositoryImpl) Create(ctx context.Context, appt *Appointment) error {
	if appt.ID.IsZero() {
		appt.ID = primitive.NewObjectID()
	}
	appt.CreatedAt = time.Now()
	appt.UpdatedAt = time.Now()
	if appt.Status == "" {
		appt.Status = StatusScheduled
	}

	_, err := r.collection.InsertOne(ctx, appt)
	return err
}

func (r *AppointmentRepositoryImpl) Get(ctx context.Context, id string) (*Appointment, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}

	var appt Appointment
	err = r.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&appt)
	if err != nil {
		return nil, err
	}
	return &appt, nil
}

func (r *AppointmentRepositoryImpl) GetByGoogleEventID(ctx context.Context, eventID string) (*Appointment, error) {
	var appt Appointment
	err := r.collection.FindOne(ctx, bson.M{"google_event_id": eventID}).Decode(&appt)
	if err != nil {
		return nil, err
	}
	return &appt, nil
}

func (r *AppointmentRepositoryImpl) List(ctx context.Context, filters bson.M, limit, offset int64) ([]Appointment, error) {
	if filters == nil {
		filters = bson.M{}
	}
	opts := options.Find().SetSort(bson.D{{Key: "start_time", Value: 1}}).SetLimit(limit).SetSkip(offset)

	cursor, err := r.collection.Find(ctx, filters, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var appts []Appointment
	if err = cursor.All(ctx, &appts); err != nil {
		return nil, err
	}
	return appts, nil
}

func (r *AppointmentRepositoryImpl) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}

	updates["updated_at"] = time.Now()
	_, err = r.collection.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": updates})
	return err
}

func (r *AppointmentRepositoryImpl) SetGoogleEventID(ctx context.Context, id string, eventID string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}

	update := bson.M{"$set": bson.M{"google_event_id": eventID}}
	if eventID == "" {
		update = bson.M{"$unset": bson.M{"google_event_id": ""}}
	}
	_, err = r.collection.UpdateOne(ctx, bson.M{"_id": oid}, update)
	return err
}

func (r *AppointmentRepositoryImpl) Delete(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}

	_, err = r.collection.DeleteOne(ctx, bson.M{"_id": oid})
	return err
}
