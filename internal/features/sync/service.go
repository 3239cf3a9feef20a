package sync

import (
	"context"
	"errors"
	"time"

	common_models "puppyday/internal/common/models"
	"puppyday/internal/features/appointment"
	"puppyday/internal/features/audit"
	"puppyday/internal/features/connection"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

var (
	ErrNothingToRetry = errors.New("no failed sync found for this appointment")
	ErrStillFailing   = errors.New("calendar is still unreachable, sync remains paused")
	ErrNotPaused      = errors.New("sync is not paused")
)

// EngineStatus is the admin dashboard's view of the whole engine.
type EngineStatus struct {
	Connection     *connection.ConnectionStatus `json:"connection"`
	Quota          *QuotaSnapshot               `json:"quota"`
	RecentFailures []SyncLogEntry               `json:"recent_failures"`
}

// HistoryFilter narrows the sync log query.
type HistoryFilter struct {
	AppointmentID string
	Operation     string
	Outcome       string
	From          time.Time
	To            time.Time
	Limit         int64
	Page          int64
}

type SyncService interface {
	Status(ctx context.Context) (*EngineStatus, error)
	RetrySync(ctx context.Context, appointmentID string) error
	Resync(ctx context.Context, appointmentID string) error
	Resume(ctx context.Context) error
	History(ctx context.Context, filter HistoryFilter) (*common_models.Page[SyncLogEntry], error)
	ExportHistory(ctx context.Context, filter HistoryFilter) ([]byte, error)
}

type SyncServiceImpl struct {
	Orchestrator SyncOrchestrator
	JobRepo      JobRepository
	LogRepo      LogRepository
	Quota        QuotaGovernor
	ConnService  connection.ConnectionService
	ApptRepo     appointment.AppointmentRepository
	APIFactory   CalendarAPIFactory
	AuditService audit.AuditService
	Logger       *zap.Logger
}

func NewSyncService(
	orchestrator SyncOrchestrator,
	jobRepo JobRepository,
	logRepo LogRepository,
	quota QuotaGovernor,
	connService connection.ConnectionService,
	apptRepo appointment.AppointmentRepository,
	apiFactory CalendarAPIFactory,
	auditService audit.AuditService,
	logger *zap.Logger,
) SyncService {
	return &SyncServiceImpl{
		Orchestrator: orchestrator,
		JobRepo:      jobRepo,
		LogRepo:      logRepo,
		Quota:        quota,
		ConnService:  connService,
		ApptRepo:     apptRepo,
		APIFactory:   apiFactory,
		AuditService: auditService,
		Logger:       logger,
	}
}

func (s *SyncServiceImpl) Status(ctx context.Context) (*EngineStatus, error) {
	status := &EngineStatus{}

	connStatus, err := s.ConnService.GetStatus(ctx)
	if err != nil && !errors.Is(err, connection.ErrNoConnection) {
		return nil, err
	}
	status.Connection = connStatus

	snap, err := s.Quota.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	status.Quota = snap

	failures, err := s.LogRepo.RecentFailures(ctx, 10)
	if err != nil {
		return nil, err
	}
	status.RecentFailures = failures
	return status, nil
}

// RetrySync gives a terminally failed appointment a fresh set of attempts.
func (s *SyncServiceImpl) RetrySync(ctx context.Context, appointmentID string) error {
	failed, err := s.JobRepo.FindLastTerminalByAppointment(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrNothingToRetry
		}
		return err
	}

	appt, err := s.ApptRepo.Get(ctx, appointmentID)
	if err != nil {
		return err
	}

	job := &SyncJob{
		AppointmentID:    appointmentID,
		Operation:        failed.Operation,
		ExternalEventID:  failed.ExternalEventID,
		AppointmentStart: appt.StartTime,
	}
	if err := s.Orchestrator.Enqueue(ctx, job); err != nil {
		return err
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionSync, "sync", appointmentID, map[string]common_models.Change{
		"retry": {New: string(failed.Operation)},
	})
	return nil
}

// Resync deletes the external event and recreates it from the current
// appointment, the blunt fix for an event that drifted out of shape.
func (s *SyncServiceImpl) Resync(ctx context.Context, appointmentID string) error {
	appt, err := s.ApptRepo.Get(ctx, appointmentID)
	if err != nil {
		return err
	}

	job := &SyncJob{
		AppointmentID:    appointmentID,
		AppointmentStart: appt.StartTime,
	}
	if appt.GoogleEventID == "" {
		job.Operation = OpPushCreate
	} else {
		job.Operation = OpPushDelete
		job.ExternalEventID = appt.GoogleEventID
		job.Resync = true
	}
	if err := s.Orchestrator.Enqueue(ctx, job); err != nil {
		return err
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionSync, "sync", appointmentID, map[string]common_models.Change{
		"resync": {New: string(job.Operation)},
	})
	return nil
}

// Resume clears an auto-pause, but only after a live probe against the
// calendar succeeds. A resume into the same outage would just re-pause.
func (s *SyncServiceImpl) Resume(ctx context.Context) error {
	conn, err := s.ConnService.GetActive(ctx)
	if err != nil {
		return err
	}
	if conn.State != connection.StatePaused {
		return ErrNotPaused
	}

	if _, err := s.ConnService.ListCalendars(ctx, conn); err != nil {
		s.Logger.Warn("resume probe failed", zap.Error(err))
		return ErrStillFailing
	}

	if err := s.ConnService.ClearPause(ctx, conn.ID.Hex()); err != nil {
		return err
	}

	// Kick anything that accumulated while paused.
	if _, err := s.Orchestrator.DispatchDue(ctx, 100); err != nil {
		s.Logger.Warn("failed to dispatch held jobs after resume", zap.Error(err))
	}
	return nil
}

func (s *SyncServiceImpl) History(ctx context.Context, filter HistoryFilter) (*common_models.Page[SyncLogEntry], error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}

	entries, total, err := s.LogRepo.Query(ctx, historyFilters(filter), filter.Limit, (filter.Page-1)*filter.Limit)
	if err != nil {
		return nil, err
	}
	return &common_models.Page[SyncLogEntry]{
		Items: entries,
		Total: total,
		Page:  filter.Page,
		Limit: filter.Limit,
	}, nil
}

func (s *SyncServiceImpl) ExportHistory(ctx context.Context, filter HistoryFilter) ([]byte, error) {
	entries, _, err := s.LogRepo.Query(ctx, historyFilters(filter), 10000, 0)
	if err != nil {
		return nil, err
	}
	return writeHistoryWorkbook(entries)
}

func historyFilters(filter HistoryFilter) bson.M {
	filters := bson.M{}
	if filter.AppointmentID != "" {
		filters["appointment_id"] = filter.AppointmentID
	}
	if filter.Operation != "" {
		filters["operation"] = filter.Operation
	}
	if filter.Outcome != "" {
		filters["outcome"] = filter.Outcome
	}
	timeRange := bson.M{}
	if !filter.From.IsZero() {
		timeRange["$gte"] = filter.From
	}
	if !filter.To.IsZero() {
		timeRange["$lt"] = filter.To
	}
	if len(timeRange) > 0 {
		filters["timestamp"] = timeRange
	}
	return filters
}
