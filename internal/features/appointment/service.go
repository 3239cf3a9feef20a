package appointment

import (
	"context"
	"errors"
	"time"

	common_models "puppyday/internal/common/models"
	"puppyday/internal/features/audit"

	"go.mongodb.org/mongo-driver/bson"
)

// SyncTrigger is implemented by the calendar sync orchestrator. Calls are
// best-effort: a booking write never fails because sync could not keep up.
type SyncTrigger interface {
	NotifyCreated(ctx context.Context, appt *Appointment)
	NotifyUpdated(ctx context.Context, appt *Appointment)
	NotifyCancelled(ctx context.Context, appt *Appointment)
}

type AppointmentService interface {
	Create(ctx context.Context, appt *Appointment) error
	Get(ctx context.Context, id string) (*Appointment, error)
	List(ctx context.Context, from, to time.Time, status string, limit, offset int64) ([]Appointment, error)
	Update(ctx context.Context, id string, updates map[string]interface{}) (*Appointment, error)
	Cancel(ctx context.Context, id string) (*Appointment, error)
}

type AppointmentServiceImpl struct {
	Repo         AppointmentRepository
	AuditService audit.AuditService
	Sync         SyncTrigger
}

func NewAppointmentService(repo AppointmentRepository, auditService audit.AuditService, sync SyncTrigger) AppointmentService {
	return &AppointmentServiceImpl{
		Repo:         repo,
		AuditService: auditService,
		Sync:         sync,
	}
}

func (s *AppointmentServiceImpl) Create(ctx context.Context, appt *Appointment) error {
	if appt.CustomerName == "" {
		return errors.New("customer name is required")
	}
	if appt.StartTime.IsZero() {
		return errors.New("start time is required")
	}

	if err := s.Repo.Create(ctx, appt); err != nil {
		return err
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionCreate, "appointments", appt.ID.Hex(), map[string]common_models.Change{
		"appointment": {New: appt},
	})

	s.Sync.NotifyCreated(ctx, appt)
	return nil
}

func (s *AppointmentServiceImpl) Get(ctx context.Context, id string) (*Appointment, error) {
	return s.Repo.Get(ctx, id)
}

func (s *AppointmentServiceImpl) List(ctx context.Context, from, to time.Time, status string, limit, offset int64) ([]Appointment, error) {
	if limit <= 0 {
		limit = 50
	}

	filters := bson.M{}
	timeRange := bson.M{}
	if !from.IsZero() {
		timeRange["$gte"] = from
	}
	if !to.IsZero() {
		timeRange["$lt"] = to
	}
	if len(timeRange) > 0 {
		filters["start_time"] = timeRange
	}
	if status != "" {
		filters["status"] = status
	}

	return s.Repo.List(ctx, filters, limit, offset)
}

func (s *AppointmentServiceImpl) Update(ctx context.Context, id string, updates map[string]interface{}) (*Appointment, error) {
	oldAppt, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.Repo.Update(ctx, id, updates); err != nil {
		return nil, err
	}

	appt, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionUpdate, "appointments", id, map[string]common_models.Change{
		"appointment": {Old: oldAppt, New: updates},
	})

	if appt.Status == StatusCancelled {
		s.Sync.NotifyCancelled(ctx, appt)
	} else {
		s.Sync.NotifyUpdated(ctx, appt)
	}
	return appt, nil
}

func (s *AppointmentServiceImpl) Cancel(ctx context.Context, id string) (*Appointment, error) {
	return s.Update(ctx, id, map[string]interface{}{"status": StatusCancelled})
}
