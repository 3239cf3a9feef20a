package appointment

import (
	"context"
	"testing"
	"time"

	common_models "puppyday/internal/common/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

type memApptRepo struct {
	appts map[string]*Appointment
}

func newMemApptRepo() *memApptRepo {
	return &memApptRepo{appts: make(map[string]*Appointment)}
}

func (r *memApptRepo) Create(ctx context.Context, appt *Appointment) error {
	if appt.ID.IsZero() {
		appt.ID = primitive.NewObjectID()
	}
	copied := *appt
	r.appts[appt.ID.Hex()] = &copied
	return nil
}

func (r *memApptRepo) Get(ctx context.Context, id string) (*Appointment, error) {
	appt, ok := r.appts[id]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	copied := *appt
	return &copied, nil
}

func (r *memApptRepo) GetByGoogleEventID(ctx context.Context, eventID string) (*Appointment, error) {
	for _, appt := range r.appts {
		if appt.GoogleEventID == eventID {
			copied := *appt
			return &copied, nil
		}
	}
	return nil, mongo.ErrNoDocuments
}

func (r *memApptRepo) List(ctx context.Context, filters bson.M, limit, offset int64) ([]Appointment, error) {
	var out []Appointment
	for _, appt := range r.appts {
		out = append(out, *appt)
	}
	return out, nil
}

func (r *memApptRepo) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	appt, ok := r.appts[id]
	if !ok {
		return mongo.ErrNoDocuments
	}
	if status, ok := updates["status"]; ok {
		if st, ok := status.(AppointmentStatus); ok {
			appt.Status = st
		}
	}
	if start, ok := updates["start_time"].(time.Time); ok {
		appt.StartTime = start
	}
	return nil
}

func (r *memApptRepo) SetGoogleEventID(ctx context.Context, id string, eventID string) error {
	appt, ok := r.appts[id]
	if !ok {
		return mongo.ErrNoDocuments
	}
	appt.GoogleEventID = eventID
	return nil
}

func (r *memApptRepo) Delete(ctx context.Context, id string) error {
	delete(r.appts, id)
	return nil
}

var _ AppointmentRepository = (*memApptRepo)(nil)

type noopAudit struct{}

func (noopAudit) LogChange(ctx context.Context, action common_models.AuditAction, module string, recordID string, changes map[string]common_models.Change) error {
	return nil
}

func (noopAudit) ListLogs(ctx context.Context, filters map[string]interface{}, page, limit int64) ([]common_models.AuditLog, error) {
	return nil, nil
}

type recordingTrigger struct {
	created   []string
	updated   []string
	cancelled []string
}

func (t *recordingTrigger) NotifyCreated(ctx context.Context, appt *Appointment) {
	t.created = append(t.created, appt.ID.Hex())
}

func (t *recordingTrigger) NotifyUpdated(ctx context.Context, appt *Appointment) {
	t.updated = append(t.updated, appt.ID.Hex())
}

func (t *recordingTrigger) NotifyCancelled(ctx context.Context, appt *Appointment) {
	t.cancelled = append(t.cancelled, appt.ID.Hex())
}

func newTestService() (AppointmentService, *memApptRepo, *recordingTrigger) {
	repo := newMemApptRepo()
	trigger := &recordingTrigger{}
	return NewAppointmentService(repo, noopAudit{}, trigger), repo, trigger
}

func TestCreateValidation(t *testing.T) {
	svc, _, trigger := newTestService()

	tests := []struct {
		name    string
		appt    *Appointment
		wantErr bool
	}{
		{
			name:    "valid booking",
			appt:    &Appointment{CustomerName: "Jane", StartTime: time.Now()},
			wantErr: false,
		},
		{
			name:    "missing customer name",
			appt:    &Appointment{StartTime: time.Now()},
			wantErr: true,
		},
		{
			name:    "missing start time",
			appt:    &Appointment{CustomerName: "Jane"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.Create(context.Background(), tt.appt)
			if (err != nil) != tt.wantErr {
				t.Errorf("Create() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if len(trigger.created) != 1 {
		t.Errorf("created notifications = %d, want 1 (invalid bookings must not notify)", len(trigger.created))
	}
}

func TestUpdateRoutesCancellationToCancelledHook(t *testing.T) {
	svc, _, trigger := newTestService()

	appt := &Appointment{CustomerName: "Jane", StartTime: time.Now(), Status: StatusScheduled}
	if err := svc.Create(context.Background(), appt); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Update(context.Background(), appt.ID.Hex(), map[string]interface{}{
		"start_time": time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(trigger.updated) != 1 || len(trigger.cancelled) != 0 {
		t.Errorf("reschedule should notify updated, got updated=%d cancelled=%d",
			len(trigger.updated), len(trigger.cancelled))
	}

	if _, err := svc.Cancel(context.Background(), appt.ID.Hex()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(trigger.cancelled) != 1 {
		t.Errorf("cancel should notify cancelled, got %d", len(trigger.cancelled))
	}
}

func TestCancelSetsStatus(t *testing.T) {
	svc, repo, _ := newTestService()

	appt := &Appointment{CustomerName: "Jane", StartTime: time.Now(), Status: StatusScheduled}
	if err := svc.Create(context.Background(), appt); err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := svc.Cancel(context.Background(), appt.ID.Hex())
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %v, want cancelled", cancelled.Status)
	}

	stored, _ := repo.Get(context.Background(), appt.ID.Hex())
	if stored.Status != StatusCancelled {
		t.Errorf("persisted status = %v, want cancelled", stored.Status)
	}
}

func TestEndTimeDefaultsToOneHour(t *testing.T) {
	start := time.Date(2025, 1, 8, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		duration time.Duration
		want     time.Time
	}{
		{"explicit duration", 90 * time.Minute, start.Add(90 * time.Minute)},
		{"zero duration", 0, start.Add(time.Hour)},
		{"negative duration", -time.Minute, start.Add(time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Appointment{StartTime: start, Duration: tt.duration}
			if got := a.EndTime(); !got.Equal(tt.want) {
				t.Errorf("EndTime() = %v, want %v", got, tt.want)
			}
		})
	}
}
