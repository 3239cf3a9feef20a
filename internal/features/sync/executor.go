package sync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"puppyday/internal/config"
	"puppyday/internal/features/appointment"
	"puppyday/internal/features/connection"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
)

// SyncExecutor performs a single sync attempt. It never mutates the
// appointment record on a failed attempt; the only side effect of failure
// is the log entry the orchestrator writes.
type SyncExecutor interface {
	Execute(ctx context.Context, job *SyncJob, conn *connection.CalendarConnection) Result
	Backoff(attempt int) time.Duration
	MaxAttempts() int
}

type SyncExecutorImpl struct {
	apiFactory  CalendarAPIFactory
	mapper      *EventMapper
	resolver    DuplicateResolver
	apptRepo    appointment.AppointmentRepository
	quota       QuotaGovernor
	logger      *zap.Logger
	timeout     time.Duration
	backoffBase time.Duration
	backoffCap  time.Duration
	maxAttempts int
}

func NewSyncExecutor(
	apiFactory CalendarAPIFactory,
	mapper *EventMapper,
	resolver DuplicateResolver,
	apptRepo appointment.AppointmentRepository,
	quota QuotaGovernor,
	cfg *config.Config,
	logger *zap.Logger,
) SyncExecutor {
	return &SyncExecutorImpl{
		apiFactory:  apiFactory,
		mapper:      mapper,
		resolver:    resolver,
		apptRepo:    apptRepo,
		quota:       quota,
		logger:      logger,
		timeout:     cfg.SyncRequestTimeout,
		backoffBase: cfg.SyncBackoffBase,
		backoffCap:  cfg.SyncBackoffCap,
		maxAttempts: cfg.SyncMaxAttempts,
	}
}

func (e *SyncExecutorImpl) MaxAttempts() int {
	return e.maxAttempts
}

// Backoff returns the delay before the given retry attempt: exponential
// with a cap, plus up to 25% jitter so a burst of failures does not
// reconverge on the provider at the same instant.
func (e *SyncExecutorImpl) Backoff(attempt int) time.Duration {
	delay := e.backoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= e.backoffCap {
			delay = e.backoffCap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

func (e *SyncExecutorImpl) Execute(ctx context.Context, job *SyncJob, conn *connection.CalendarConnection) Result {
	api, err := e.apiFactory(ctx, conn)
	if err != nil {
		return Result{Err: classify(err)}
	}

	switch job.Operation {
	case OpPushCreate:
		return e.execPushCreate(ctx, api, job, conn)
	case OpPushUpdate:
		return e.execPushUpdate(ctx, api, job, conn)
	case OpPushDelete:
		return e.execPushDelete(ctx, api, job, conn)
	case OpImportScan:
		return e.execImportScan(ctx, api, job, conn)
	case OpImportCreate:
		return e.execImportCreate(ctx, api, job, conn)
	case OpImportUpdate:
		return e.execImportUpdate(ctx, api, job, conn)
	default:
		return Result{Err: validationErr(fmt.Errorf("unknown operation %q", job.Operation))}
	}
}

func (e *SyncExecutorImpl) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.timeout)
}

// terminalStatus reports whether an appointment can no longer carry a
// calendar event. Push creates and updates re-check this against the fresh
// record so a job queued before a cancellation does not resurrect the event.
func terminalStatus(status appointment.AppointmentStatus) bool {
	return status == appointment.StatusCancelled || status == appointment.StatusNoShow
}

func (e *SyncExecutorImpl) execPushCreate(ctx context.Context, api CalendarAPI, job *SyncJob, conn *connection.CalendarConnection) Result {
	appt, err := e.apptRepo.Get(ctx, job.AppointmentID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Result{Success: true, NoOp: true, Message: "appointment no longer exists"}
		}
		return Result{Err: retryableErr(err)}
	}
	if terminalStatus(appt.Status) {
		// The appointment was cancelled after this job was queued; a delete
		// job handles the calendar side.
		return Result{Success: true, NoOp: true, Message: "appointment is " + string(appt.Status) + ", nothing to create"}
	}

	event, mapErr := e.mapper.ToExternalEvent(appt)
	if mapErr != nil {
		return Result{Err: classify(mapErr)}
	}

	fingerprint := e.resolver.FingerprintFor(appt, conn.CalendarID)
	if existingID, found, err := e.resolver.FindExisting(ctx, fingerprint); err != nil {
		return Result{Err: retryableErr(err)}
	} else if found {
		// An event already exists for this booking: the create becomes an
		// update against the known id instead of a second create.
		job.ExternalEventID = existingID
		res := e.execPushUpdate(ctx, api, job, conn)
		if res.Success {
			res.Message = "duplicate create resolved to update of " + existingID
		}
		return res
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	created, err := api.InsertEvent(callCtx, conn.CalendarID, event)
	e.recordCall(ctx)
	if err != nil {
		return Result{Err: classify(err)}
	}

	if err := e.resolver.Register(ctx, fingerprint, created.Id, appt.ID.Hex()); err != nil {
		e.logger.Warn("failed to register event fingerprint", zap.Error(err))
	}
	if err := e.apptRepo.SetGoogleEventID(ctx, appt.ID.Hex(), created.Id); err != nil {
		e.logger.Warn("failed to store google event id", zap.Error(err))
	}

	return Result{
		Success:         true,
		ExternalEventID: created.Id,
		Message:         fmt.Sprintf("created event %s for %s", created.Id, e.mapper.summaryFor(appt)),
	}
}

func (e *SyncExecutorImpl) execPushUpdate(ctx context.Context, api CalendarAPI, job *SyncJob, conn *connection.CalendarConnection) Result {
	appt, err := e.apptRepo.Get(ctx, job.AppointmentID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Result{Success: true, NoOp: true, Message: "appointment no longer exists"}
		}
		return Result{Err: retryableErr(err)}
	}
	if terminalStatus(appt.Status) {
		return Result{Success: true, NoOp: true, Message: "appointment is " + string(appt.Status) + ", nothing to update"}
	}

	eventID := job.ExternalEventID
	if eventID == "" {
		eventID = appt.GoogleEventID
	}
	if eventID == "" {
		// Never pushed before: fall through to a create.
		return e.execPushCreate(ctx, api, job, conn)
	}

	event, mapErr := e.mapper.ToExternalEvent(appt)
	if mapErr != nil {
		return Result{Err: classify(mapErr)}
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	updated, err := api.UpdateEvent(callCtx, conn.CalendarID, eventID, event)
	e.recordCall(ctx)
	if err != nil {
		return Result{Err: classify(err)}
	}

	// Drop the fingerprint of the slot this event used to occupy before
	// registering the new one, or a later booking at the vacated slot would
	// resolve to this event.
	if err := e.resolver.ReleaseEvent(ctx, eventID); err != nil {
		e.logger.Warn("failed to release stale event fingerprint", zap.Error(err))
	}
	fingerprint := e.resolver.FingerprintFor(appt, conn.CalendarID)
	if err := e.resolver.Register(ctx, fingerprint, updated.Id, appt.ID.Hex()); err != nil {
		e.logger.Warn("failed to refresh event fingerprint", zap.Error(err))
	}
	if appt.GoogleEventID != updated.Id {
		_ = e.apptRepo.SetGoogleEventID(ctx, appt.ID.Hex(), updated.Id)
	}

	return Result{
		Success:         true,
		ExternalEventID: updated.Id,
		Message:         fmt.Sprintf("updated event %s", updated.Id),
	}
}

func (e *SyncExecutorImpl) execPushDelete(ctx context.Context, api CalendarAPI, job *SyncJob, conn *connection.CalendarConnection) Result {
	eventID := job.ExternalEventID
	if eventID == "" {
		if appt, err := e.apptRepo.Get(ctx, job.AppointmentID); err == nil {
			eventID = appt.GoogleEventID
		}
	}
	if eventID == "" {
		return Result{Success: true, NoOp: true, Message: "no external event to delete"}
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	err := api.DeleteEvent(callCtx, conn.CalendarID, eventID)
	e.recordCall(ctx)
	if err != nil && !isGone(err) {
		return Result{Err: classify(err)}
	}

	_ = e.resolver.ReleaseEvent(ctx, eventID)
	if job.AppointmentID != "" {
		_ = e.apptRepo.SetGoogleEventID(ctx, job.AppointmentID, "")
	}

	res := Result{
		Success: true,
		Message: fmt.Sprintf("deleted event %s", eventID),
	}
	if job.Resync && job.AppointmentID != "" {
		res.FollowUp = append(res.FollowUp, &SyncJob{
			AppointmentID:    job.AppointmentID,
			Operation:        OpPushCreate,
			AppointmentStart: job.AppointmentStart,
		})
	}
	return res
}

// execImportScan fetches events changed since the last successful sync and
// fans out one import job per event. Webhook notifications carry no
// payload, so this is where the engine learns what actually changed.
func (e *SyncExecutorImpl) execImportScan(ctx context.Context, api CalendarAPI, job *SyncJob, conn *connection.CalendarConnection) Result {
	since := time.Now().Add(-24 * time.Hour)
	if conn.LastSyncAt != nil {
		since = *conn.LastSyncAt
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	events, err := api.ListUpdatedEvents(callCtx, conn.CalendarID, since)
	e.recordCall(ctx)
	if err != nil {
		return Result{Err: classify(err)}
	}

	res := Result{Success: true}
	for _, event := range events {
		op := OpImportCreate
		apptID := ""

		if event.ExtendedProperties != nil && event.ExtendedProperties.Private != nil {
			apptID = event.ExtendedProperties.Private[appointmentIDProperty]
		}
		if apptID == "" {
			if appt, err := e.apptRepo.GetByGoogleEventID(ctx, event.Id); err == nil {
				apptID = appt.ID.Hex()
			}
		}
		if apptID != "" {
			op = OpImportUpdate
		} else if event.Status == "cancelled" {
			// A cancelled event we never knew about needs no import.
			continue
		}

		res.FollowUp = append(res.FollowUp, &SyncJob{
			AppointmentID:   apptID,
			Operation:       op,
			ExternalEventID: event.Id,
		})
	}

	res.Message = fmt.Sprintf("scan found %d changed events", len(res.FollowUp))
	if len(res.FollowUp) == 0 {
		res.NoOp = true
	}
	return res
}

func (e *SyncExecutorImpl) execImportCreate(ctx context.Context, api CalendarAPI, job *SyncJob, conn *connection.CalendarConnection) Result {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	event, err := api.GetEvent(callCtx, conn.CalendarID, job.ExternalEventID)
	e.recordCall(ctx)
	if err != nil {
		return Result{Err: classify(err)}
	}

	candidate, mapErr := e.mapper.FromExternalEvent(event)
	if mapErr != nil {
		return Result{Err: classify(mapErr)}
	}
	if candidate.Cancelled {
		return Result{Success: true, NoOp: true, Message: "event already cancelled upstream"}
	}

	// A fingerprint hit means an appointment very likely already represents
	// this event. Ambiguous matches are surfaced, never auto-merged.
	fingerprint := e.resolver.FingerprintForCandidate(candidate, conn.CalendarID)
	if _, found, err := e.resolver.FindExisting(ctx, fingerprint); err != nil {
		return Result{Err: retryableErr(err)}
	} else if found {
		return Result{
			Success: true,
			NoOp:    true,
			Tag:     "possible-duplicate",
			Message: fmt.Sprintf("event %s matches an existing appointment fingerprint; import skipped for review", event.Id),
		}
	}

	appt := &appointment.Appointment{
		CustomerName:  candidate.CustomerName,
		CustomerEmail: candidate.CustomerEmail,
		PetName:       candidate.PetName,
		ServiceName:   candidate.ServiceName,
		StartTime:     candidate.StartTime,
		Duration:      candidate.EndTime.Sub(candidate.StartTime),
		Status:        appointment.StatusScheduled,
		Notes:         candidate.Description,
		GoogleEventID: event.Id,
	}
	if appt.CustomerName == "" {
		appt.CustomerName = "Calendar import"
	}

	// Imports write through the repository, not the appointment service,
	// so a round-trip can never re-trigger a push of the same change.
	if err := e.apptRepo.Create(ctx, appt); err != nil {
		return Result{Err: retryableErr(err)}
	}

	if err := e.resolver.Register(ctx, fingerprint, event.Id, appt.ID.Hex()); err != nil {
		e.logger.Warn("failed to register import fingerprint", zap.Error(err))
	}

	return Result{
		Success:         true,
		ExternalEventID: event.Id,
		Message:         fmt.Sprintf("imported event %s as appointment %s", event.Id, appt.ID.Hex()),
	}
}

func (e *SyncExecutorImpl) execImportUpdate(ctx context.Context, api CalendarAPI, job *SyncJob, conn *connection.CalendarConnection) Result {
	callCtx, cancel := e.callCtx(ctx)
	defer cancel()

	event, err := api.GetEvent(callCtx, conn.CalendarID, job.ExternalEventID)
	e.recordCall(ctx)
	if err != nil {
		return Result{Err: classify(err)}
	}

	candidate, mapErr := e.mapper.FromExternalEvent(event)
	if mapErr != nil {
		return Result{Err: classify(mapErr)}
	}

	apptID := job.AppointmentID
	if apptID == "" {
		apptID = candidate.AppointmentID
	}
	var appt *appointment.Appointment
	if apptID != "" {
		appt, err = e.apptRepo.Get(ctx, apptID)
	} else {
		appt, err = e.apptRepo.GetByGoogleEventID(ctx, event.Id)
	}
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			job.AppointmentID = ""
			return e.execImportCreate(ctx, api, job, conn)
		}
		return Result{Err: retryableErr(err)}
	}

	if candidate.Cancelled {
		if err := e.apptRepo.Update(ctx, appt.ID.Hex(), map[string]interface{}{
			"status": appointment.StatusCancelled,
		}); err != nil {
			return Result{Err: retryableErr(err)}
		}
		_ = e.resolver.ReleaseEvent(ctx, event.Id)
		return Result{
			Success:         true,
			ExternalEventID: event.Id,
			Message:         fmt.Sprintf("appointment %s cancelled from external calendar", appt.ID.Hex()),
		}
	}

	updates := map[string]interface{}{
		"start_time": candidate.StartTime,
	}
	if d := candidate.EndTime.Sub(candidate.StartTime); d > 0 {
		updates["duration"] = d
	}
	if candidate.ServiceName != "" {
		updates["service_name"] = candidate.ServiceName
	}
	if candidate.PetName != "" {
		updates["pet_name"] = candidate.PetName
	}

	if err := e.apptRepo.Update(ctx, appt.ID.Hex(), updates); err != nil {
		return Result{Err: retryableErr(err)}
	}

	if err := e.resolver.ReleaseEvent(ctx, event.Id); err != nil {
		e.logger.Warn("failed to release stale event fingerprint", zap.Error(err))
	}
	fingerprint := e.resolver.FingerprintForCandidate(candidate, conn.CalendarID)
	if err := e.resolver.Register(ctx, fingerprint, event.Id, appt.ID.Hex()); err != nil {
		e.logger.Warn("failed to refresh import fingerprint", zap.Error(err))
	}

	return Result{
		Success:         true,
		ExternalEventID: event.Id,
		Message:         fmt.Sprintf("appointment %s updated from external calendar", appt.ID.Hex()),
	}
}

func (e *SyncExecutorImpl) recordCall(ctx context.Context) {
	if err := e.quota.RecordCall(ctx, 1); err != nil {
		e.logger.Warn("failed to record quota call", zap.Error(err))
	}
}

// classify maps an error from the provider into the failure taxonomy the
// orchestrator keys its retry decisions on.
func classify(err error) *SyncError {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		reason := ""
		if len(gErr.Errors) > 0 {
			reason = gErr.Errors[0].Reason
		}

		switch {
		case gErr.Code == 401:
			return credentialErr(err)
		case gErr.Code == 403 && isRateLimitReason(reason):
			return retryableErr(err)
		case gErr.Code == 403:
			return credentialErr(err)
		case gErr.Code == 404 || gErr.Code == 410:
			return resourceErr(err)
		case gErr.Code == 400 || gErr.Code == 422:
			return validationErr(err)
		case gErr.Code == 429 || gErr.Code >= 500:
			return retryableErr(err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return retryableErr(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return retryableErr(err)
	}

	// Unknown failures are retried; the attempt cap bounds the damage.
	return retryableErr(err)
}

func isRateLimitReason(reason string) bool {
	return strings.Contains(reason, "rateLimit") ||
		strings.Contains(reason, "quotaExceeded") ||
		reason == "userRateLimitExceeded"
}

func isGone(err error) bool {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == 404 || gErr.Code == 410
	}
	return false
}
