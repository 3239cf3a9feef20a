package sync

import (
	"context"
	"time"

	"puppyday/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type JobRepository interface {
	Create(ctx context.Context, job *SyncJob) error
	Get(ctx context.Context, id primitive.ObjectID) (*SyncJob, error)
	Update(ctx context.Context, job *SyncJob) error
	FindLastTerminalByAppointment(ctx context.Context, appointmentID string) (*SyncJob, error)
	ListDue(ctx context.Context, now time.Time, limit int64) ([]SyncJob, error)
	DeleteTerminal(ctx context.Context, olderThan time.Time) (int64, error)
	EnsureIndexes(ctx context.Context) error
}

type LogRepository interface {
	Append(ctx context.Context, entry *SyncLogEntry) error
	Query(ctx context.Context, filters bson.M, limit, offset int64) ([]SyncLogEntry, int64, error)
	RecentFailures(ctx context.Context, limit int64) ([]SyncLogEntry, error)
	EnsureIndexes(ctx context.Context) error
}

type FingerprintRepository interface {
	Find(ctx context.Context, fingerprint string) (*EventFingerprint, error)
	Register(ctx context.Context, fp *EventFingerprint) error
	Release(ctx context.Context, fingerprint string) error
	ReleaseByEventID(ctx context.Context, externalEventID string) error
	EnsureIndexes(ctx context.Context) error
}

type QuotaRepository interface {
	// Increment atomically adds weight to the window's counter and returns
	// the new total. One authoritative document per window key.
	Increment(ctx context.Context, windowKey string, weight int64) (int64, error)
	Get(ctx context.Context, windowKey string) (int64, error)
}

type JobRepositoryImpl struct {
	collection *mongo.Collection
}

func NewJobRepository(db *database.MongodbDB) JobRepository {
	return &JobRepositoryImpl{
		collection: db.DB.Collection("sync_jobs"),
	}
}

func (r *JobRepositoryImpl) Create(ctx context.Context, job *SyncJob) error {
	if job.ID.IsZero() {
		job.ID = primitive.NewObjectID()
	}
	job.CreatedAt = time.Now()
	job.UpdatedAt = time.Now()
	if job.Status == "" {
		job.Status = JobQueued
	}

	_, err := r.collection.InsertOne(ctx, job)
	return err
}

func (r *JobRepositoryImpl) Get(ctx context.Context, id primitive.ObjectID) (*SyncJob, error) {
	var job SyncJob
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *JobRepositoryImpl) Update(ctx context.Context, job *SyncJob) error {
	job.UpdatedAt = time.Now()
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": job.ID}, job)
	return err
}

func (r *JobRepositoryImpl) FindLastTerminalByAppointment(ctx context.Context, appointmentID string) (*SyncJob, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}})

	var job SyncJob
	err := r.collection.FindOne(ctx, bson.M{
		"appointment_id": appointmentID,
		"status":         JobFailedTerminal,
	}, opts).Decode(&job)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListDue returns queued or retryable jobs whose next attempt is due. Used
// by the cron sweeper so pending retries survive restarts.
func (r *JobRepositoryImpl) ListDue(ctx context.Context, now time.Time, limit int64) ([]SyncJob, error) {
	opts := options.Find().SetSort(bson.D{{Key: "next_retry_at", Value: 1}}).SetLimit(limit)

	cursor, err := r.collection.Find(ctx, bson.M{
		"status":        bson.M{"$in": []JobStatus{JobQueued, JobFailedRetryable}},
		"next_retry_at": bson.M{"$lte": now},
	}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []SyncJob
	if err = cursor.All(ctx, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *JobRepositoryImpl) DeleteTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.collection.DeleteMany(ctx, bson.M{
		"status":     bson.M{"$in": []JobStatus{JobSucceeded, JobFailedTerminal}},
		"updated_at": bson.M{"$lt": olderThan},
	})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (r *JobRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_retry_at", Value: 1}}},
		{Keys: bson.D{{Key: "appointment_id", Value: 1}, {Key: "updated_at", Value: -1}}},
	})
	return err
}

type LogRepositoryImpl struct {
	collection *mongo.Collection
}

func NewLogRepository(db *database.MongodbDB) LogRepository {
	return &LogRepositoryImpl{
		collection: db.DB.Collection("sync_logs"),
	}
}

func (r *LogRepositoryImpl) Append(ctx context.Context, entry *SyncLogEntry) error {
	if entry.ID.IsZero() {
		entry.ID = primitive.NewObjectID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	_, err := r.collection.InsertOne(ctx, entry)
	return err
}

func (r *LogRepositoryImpl) Query(ctx context.Context, filters bson.M, limit, offset int64) ([]SyncLogEntry, int64, error) {
	if filters == nil {
		filters = bson.M{}
	}

	total, err := r.collection.CountDocuments(ctx, filters)
	if err != nil {
		return nil, 0, err
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(limit).SetSkip(offset)
	cursor, err := r.collection.Find(ctx, filters, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	var entries []SyncLogEntry
	if err = cursor.All(ctx, &entries); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (r *LogRepositoryImpl) RecentFailures(ctx context.Context, limit int64) ([]SyncLogEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(limit)

	cursor, err := r.collection.Find(ctx, bson.M{"outcome": OutcomeFailure}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var entries []SyncLogEntry
	if err = cursor.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *LogRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "appointment_id", Value: 1}, {Key: "timestamp", Value: -1}}},
	})
	return err
}

type FingerprintRepositoryImpl struct {
	collection *mongo.Collection
}

func NewFingerprintRepository(db *database.MongodbDB) FingerprintRepository {
	return &FingerprintRepositoryImpl{
		collection: db.DB.Collection("event_fingerprints"),
	}
}

func (r *FingerprintRepositoryImpl) Find(ctx context.Context, fingerprint string) (*EventFingerprint, error) {
	var fp EventFingerprint
	err := r.collection.FindOne(ctx, bson.M{"fingerprint": fingerprint}).Decode(&fp)
	if err != nil {
		return nil, err
	}
	return &fp, nil
}

// Register upserts so a fingerprint can only ever map to one external
// event id.
func (r *FingerprintRepositoryImpl) Register(ctx context.Context, fp *EventFingerprint) error {
	opts := options.Update().SetUpsert(true)
	_, err := r.collection.UpdateOne(ctx, bson.M{"fingerprint": fp.Fingerprint}, bson.M{
		"$set": bson.M{
			"external_event_id": fp.ExternalEventID,
			"appointment_id":    fp.AppointmentID,
		},
		"$setOnInsert": bson.M{"created_at": time.Now()},
	}, opts)
	return err
}

// EnsureIndexes backs the one-event-per-fingerprint rule with a unique
// index so concurrent workers cannot register the same key twice.
func (r *FingerprintRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "fingerprint", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "external_event_id", Value: 1}},
		},
	})
	return err
}

func (r *FingerprintRepositoryImpl) Release(ctx context.Context, fingerprint string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"fingerprint": fingerprint})
	return err
}

func (r *FingerprintRepositoryImpl) ReleaseByEventID(ctx context.Context, externalEventID string) error {
	_, err := r.collection.DeleteMany(ctx, bson.M{"external_event_id": externalEventID})
	return err
}

type QuotaRepositoryImpl struct {
	collection *mongo.Collection
}

func NewQuotaRepository(db *database.MongodbDB) QuotaRepository {
	return &QuotaRepositoryImpl{
		collection: db.DB.Collection("quota_ledger"),
	}
}

type quotaWindow struct {
	WindowKey string `bson:"window_key"`
	Count     int64  `bson:"count"`
}

func (r *QuotaRepositoryImpl) Increment(ctx context.Context, windowKey string, weight int64) (int64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var window quotaWindow
	err := r.collection.FindOneAndUpdate(
		ctx,
		bson.M{"window_key": windowKey},
		bson.M{"$inc": bson.M{"count": weight}},
		opts,
	).Decode(&window)
	if err != nil {
		return 0, err
	}
	return window.Count, nil
}

func (r *QuotaRepositoryImpl) Get(ctx context.Context, windowKey string) (int64, error) {
	var window quotaWindow
	err := r.collection.FindOne(ctx, bson.M{"window_key": windowKey}).Decode(&window)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return window.Count, nil
}
