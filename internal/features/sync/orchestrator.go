package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"puppyday/internal/config"
	"puppyday/internal/features/appointment"
	"puppyday/internal/features/connection"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

var ErrUnknownChannel = errors.New("webhook channel is not registered")

// Notifier receives sync outcomes worth telling the business owner about.
// The notification feature implements it; wiring happens at startup.
type Notifier interface {
	SyncFailed(ctx context.Context, entry *SyncLogEntry)
	SyncSucceeded(ctx context.Context, entry *SyncLogEntry)
	SyncPaused(ctx context.Context, reason string)
}

// StatusBroadcaster pushes live engine updates to connected dashboards.
type StatusBroadcaster interface {
	Broadcast(event string, payload interface{})
}

// SyncOrchestrator owns the job queue and the worker pool. Appointment
// lifecycle hooks, webhook notifications, and admin retries all funnel
// into Enqueue; nothing else talks to the executor.
type SyncOrchestrator interface {
	appointment.SyncTrigger
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Enqueue(ctx context.Context, job *SyncJob) error
	DispatchDue(ctx context.Context, limit int64) (int, error)
	HandleWebhook(ctx context.Context, channelID, token, resourceState string) error
}

type SyncOrchestratorImpl struct {
	jobRepo     JobRepository
	logRepo     LogRepository
	executor    SyncExecutor
	quota       QuotaGovernor
	connService connection.ConnectionService
	connRepo    connection.ConnectionRepository
	notifier    Notifier
	broadcaster StatusBroadcaster
	logger      *zap.Logger

	workers            int
	autoPauseThreshold int
	autoPauseWindow    time.Duration

	queue    chan primitive.ObjectID
	done     chan struct{}
	wg       gosync.WaitGroup
	stopOnce gosync.Once

	// inflight serializes jobs per appointment so two workers never race
	// on the same booking.
	mu       gosync.Mutex
	inflight map[string]struct{}
}

func NewSyncOrchestrator(
	jobRepo JobRepository,
	logRepo LogRepository,
	executor SyncExecutor,
	quota QuotaGovernor,
	connService connection.ConnectionService,
	connRepo connection.ConnectionRepository,
	notifier Notifier,
	broadcaster StatusBroadcaster,
	cfg *config.Config,
	logger *zap.Logger,
) SyncOrchestrator {
	return &SyncOrchestratorImpl{
		jobRepo:            jobRepo,
		logRepo:            logRepo,
		executor:           executor,
		quota:              quota,
		connService:        connService,
		connRepo:           connRepo,
		notifier:           notifier,
		broadcaster:        broadcaster,
		logger:             logger,
		workers:            cfg.SyncWorkers,
		autoPauseThreshold: cfg.AutoPauseThreshold,
		autoPauseWindow:    cfg.AutoPauseWindow,
		queue:              make(chan primitive.ObjectID, 256),
		done:               make(chan struct{}),
		inflight:           make(map[string]struct{}),
	}
}

func (o *SyncOrchestratorImpl) Start(ctx context.Context) error {
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}
	o.logger.Info("sync orchestrator started", zap.Int("workers", o.workers))
	return nil
}

func (o *SyncOrchestratorImpl) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() { close(o.done) })

	finished := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}
	o.logger.Info("sync orchestrator stopped")
	return nil
}

// Enqueue persists the job and hands it to the worker pool. Persistence
// comes first so a crash between the two leaves a job the retry sweeper
// will pick up, never a lost one.
func (o *SyncOrchestratorImpl) Enqueue(ctx context.Context, job *SyncJob) error {
	now := time.Now()
	job.Status = JobQueued
	if job.NextRetryAt == nil {
		job.NextRetryAt = &now
	}
	if err := o.jobRepo.Create(ctx, job); err != nil {
		return fmt.Errorf("persist sync job: %w", err)
	}
	o.dispatch(job.ID)
	return nil
}

func (o *SyncOrchestratorImpl) dispatch(id primitive.ObjectID) {
	select {
	case o.queue <- id:
	case <-o.done:
	default:
		// Queue full. The job is already persisted with next_retry_at,
		// so the sweeper will re-dispatch it.
		o.logger.Warn("sync queue full, leaving job to sweeper", zap.String("job_id", id.Hex()))
	}
}

// DispatchDue re-dispatches persisted jobs whose retry time has passed.
// It is the safety net behind in-process timers: after a restart the
// timers are gone but the jobs are not.
func (o *SyncOrchestratorImpl) DispatchDue(ctx context.Context, limit int64) (int, error) {
	jobs, err := o.jobRepo.ListDue(ctx, time.Now(), limit)
	if err != nil {
		return 0, err
	}
	for i := range jobs {
		o.dispatch(jobs[i].ID)
	}
	return len(jobs), nil
}

func (o *SyncOrchestratorImpl) scheduleRetry(id primitive.ObjectID, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case <-o.done:
		default:
			o.dispatch(id)
		}
	})
}

func (o *SyncOrchestratorImpl) worker(n int) {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		case id := <-o.queue:
			o.run(id)
		}
	}
}

func (o *SyncOrchestratorImpl) run(id primitive.ObjectID) {
	ctx := context.Background()

	job, err := o.jobRepo.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			o.logger.Error("failed to load sync job", zap.String("job_id", id.Hex()), zap.Error(err))
		}
		return
	}
	if job.Status != JobQueued && job.Status != JobFailedRetryable {
		return
	}

	if job.AppointmentID != "" {
		if !o.acquire(job.AppointmentID) {
			// Another worker holds this appointment; come back shortly
			// so updates apply in order.
			o.scheduleRetry(id, 2*time.Second)
			return
		}
		defer o.release(job.AppointmentID)
	}

	o.process(ctx, job)
}

func (o *SyncOrchestratorImpl) acquire(appointmentID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[appointmentID]; busy {
		return false
	}
	o.inflight[appointmentID] = struct{}{}
	return true
}

func (o *SyncOrchestratorImpl) release(appointmentID string) {
	o.mu.Lock()
	delete(o.inflight, appointmentID)
	o.mu.Unlock()
}

func (o *SyncOrchestratorImpl) process(ctx context.Context, job *SyncJob) {
	conn, err := o.connService.GetActive(ctx)
	if err != nil {
		if errors.Is(err, connection.ErrNoConnection) {
			o.finishTerminal(ctx, job, nil, &Result{
				Err: resourceErr(errors.New("no calendar connection configured")),
			})
			return
		}
		o.requeueLater(ctx, job, time.Minute)
		return
	}

	switch conn.State {
	case connection.StatePaused:
		// Paused connections hold their jobs without burning attempts.
		o.requeueLater(ctx, job, 5*time.Minute)
		return
	case connection.StateError:
		o.requeueLater(ctx, job, 10*time.Minute)
		return
	}

	admission, err := o.quota.CheckAdmission(ctx, job.Operation, job.AppointmentStart)
	if err != nil {
		o.requeueLater(ctx, job, time.Minute)
		return
	}
	if admission.Decision != AdmissionAllowed {
		delay := time.Until(admission.ResumeAt)
		if delay < time.Minute {
			delay = time.Minute
		}
		// Log the first deferral and any change of decision; the job may
		// cycle here for hours during a critical window.
		if job.DeferredAs != admission.Decision {
			o.logSkipped(ctx, job, fmt.Sprintf("quota %s until %s", admission.Decision, admission.ResumeAt.Format(time.RFC3339)))
			job.DeferredAs = admission.Decision
		}
		o.requeueLater(ctx, job, delay)
		return
	}

	job.DeferredAs = ""
	job.Status = JobRunning
	if err := o.jobRepo.Update(ctx, job); err != nil {
		o.logger.Error("failed to mark job running", zap.String("job_id", job.ID.Hex()), zap.Error(err))
	}

	res := o.executor.Execute(ctx, job, conn)
	if res.Err == nil {
		o.finishSuccess(ctx, job, conn, &res)
		return
	}

	if res.Err.Retryable() && job.RetryCount+1 < o.executor.MaxAttempts() {
		o.finishRetryable(ctx, job, &res)
		return
	}
	o.finishTerminal(ctx, job, conn, &res)
}

// requeueLater pushes the job back without counting an attempt. Used for
// pause, quota deferral, and infrastructure hiccups.
func (o *SyncOrchestratorImpl) requeueLater(ctx context.Context, job *SyncJob, delay time.Duration) {
	at := time.Now().Add(delay)
	job.Status = JobQueued
	job.NextRetryAt = &at
	if err := o.jobRepo.Update(ctx, job); err != nil {
		o.logger.Error("failed to requeue job", zap.String("job_id", job.ID.Hex()), zap.Error(err))
	}
	o.scheduleRetry(job.ID, delay)
}

func (o *SyncOrchestratorImpl) finishSuccess(ctx context.Context, job *SyncJob, conn *connection.CalendarConnection, res *Result) {
	job.Status = JobSucceeded
	job.NextRetryAt = nil
	if err := o.jobRepo.Update(ctx, job); err != nil {
		o.logger.Error("failed to finalize job", zap.String("job_id", job.ID.Hex()), zap.Error(err))
	}

	outcome := OutcomeSuccess
	if res.NoOp {
		outcome = OutcomeSkipped
	}
	entry := o.appendLog(ctx, job, outcome, "", res.Message, res.Tag)

	if !res.NoOp {
		if err := o.connService.RecordSyncSuccess(ctx, conn.ID.Hex()); err != nil {
			o.logger.Warn("failed to record sync success", zap.Error(err))
		}
		if o.notifier != nil {
			o.notifier.SyncSucceeded(ctx, entry)
		}
	}
	o.broadcast("sync.completed", entry)

	for _, follow := range res.FollowUp {
		if err := o.Enqueue(ctx, follow); err != nil {
			o.logger.Error("failed to enqueue follow-up job", zap.Error(err))
		}
	}
}

func (o *SyncOrchestratorImpl) finishRetryable(ctx context.Context, job *SyncJob, res *Result) {
	job.RetryCount++
	delay := o.executor.Backoff(job.RetryCount)
	at := time.Now().Add(delay)
	job.Status = JobFailedRetryable
	job.NextRetryAt = &at
	if err := o.jobRepo.Update(ctx, job); err != nil {
		o.logger.Error("failed to persist retry state", zap.String("job_id", job.ID.Hex()), zap.Error(err))
	}

	msg := fmt.Sprintf("attempt %d failed, retrying in %s: %v", job.RetryCount, delay.Round(time.Second), res.Err.Err)
	entry := o.appendLog(ctx, job, OutcomeFailure, res.Err.Class, msg, "")
	o.broadcast("sync.retrying", entry)
	o.scheduleRetry(job.ID, delay)
}

func (o *SyncOrchestratorImpl) finishTerminal(ctx context.Context, job *SyncJob, conn *connection.CalendarConnection, res *Result) {
	job.Status = JobFailedTerminal
	job.NextRetryAt = nil
	if err := o.jobRepo.Update(ctx, job); err != nil {
		o.logger.Error("failed to finalize job", zap.String("job_id", job.ID.Hex()), zap.Error(err))
	}

	msg := res.Err.Error()
	if res.Err.Retryable() {
		msg = fmt.Sprintf("giving up after %d attempts: %v", job.RetryCount+1, res.Err.Err)
	}
	entry := o.appendLog(ctx, job, OutcomeFailure, res.Err.Class, msg, res.Tag)
	o.broadcast("sync.failed", entry)

	if o.notifier != nil {
		o.notifier.SyncFailed(ctx, entry)
	}
	if conn == nil {
		return
	}

	if res.Err.Class == FailureCredential {
		if err := o.connService.MarkCredentialError(ctx, conn.ID.Hex(), "calendar credential rejected, reconnect required"); err != nil {
			o.logger.Error("failed to mark credential error", zap.Error(err))
		}
		return
	}
	o.recordFailure(ctx, conn)
}

// recordFailure drives the auto-pause circuit breaker: enough terminal
// failures inside the window pause the connection rather than letting it
// fail indefinitely.
func (o *SyncOrchestratorImpl) recordFailure(ctx context.Context, conn *connection.CalendarConnection) {
	now := time.Now()
	failures, err := o.connRepo.IncrementFailures(ctx, conn.ID.Hex(), now)
	if err != nil {
		o.logger.Error("failed to count sync failure", zap.Error(err))
		return
	}
	if failures < o.autoPauseThreshold {
		return
	}

	fresh, err := o.connRepo.Get(ctx, conn.ID.Hex())
	if err != nil {
		return
	}
	if fresh.FirstFailureAt != nil && now.Sub(*fresh.FirstFailureAt) > o.autoPauseWindow {
		// Stale streak: the failures are spread too thin to indicate an
		// outage. Restart the count from this one.
		if err := o.connRepo.ResetFailures(ctx, conn.ID.Hex()); err == nil {
			_, _ = o.connRepo.IncrementFailures(ctx, conn.ID.Hex(), now)
		}
		return
	}

	reason := fmt.Sprintf("auto-paused after %d consecutive sync failures", failures)
	if err := o.connService.Pause(ctx, conn.ID.Hex(), reason); err != nil {
		o.logger.Error("failed to auto-pause connection", zap.Error(err))
		return
	}
	o.logger.Warn("sync auto-paused", zap.Int("failures", failures))
	if o.notifier != nil {
		o.notifier.SyncPaused(ctx, reason)
	}
	o.broadcast("sync.paused", map[string]interface{}{"reason": reason})
}

func (o *SyncOrchestratorImpl) appendLog(ctx context.Context, job *SyncJob, outcome LogOutcome, class FailureClass, message, tag string) *SyncLogEntry {
	entry := &SyncLogEntry{
		JobID:         job.ID,
		AppointmentID: job.AppointmentID,
		Operation:     job.Operation,
		Outcome:       outcome,
		ErrorClass:    class,
		Message:       message,
		Tag:           tag,
		RetryCount:    job.RetryCount,
		Timestamp:     time.Now(),
	}
	if err := o.logRepo.Append(ctx, entry); err != nil {
		o.logger.Error("failed to append sync log", zap.Error(err))
	}
	return entry
}

func (o *SyncOrchestratorImpl) logSkipped(ctx context.Context, job *SyncJob, message string) {
	o.appendLog(ctx, job, OutcomeSkipped, "", message, "")
}

func (o *SyncOrchestratorImpl) broadcast(event string, payload interface{}) {
	if o.broadcaster != nil {
		o.broadcaster.Broadcast(event, payload)
	}
}

// activeSettings loads the connection and its settings; both nil without
// error means sync is simply not configured.
func (o *SyncOrchestratorImpl) activeSettings(ctx context.Context) (*connection.CalendarConnection, *connection.SyncSettings, error) {
	conn, err := o.connService.GetActive(ctx)
	if err != nil {
		if errors.Is(err, connection.ErrNoConnection) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	settings, err := o.connService.GetSettings(ctx, conn)
	if err != nil {
		return nil, nil, err
	}
	return conn, settings, nil
}

// NotifyCreated implements appointment.SyncTrigger.
func (o *SyncOrchestratorImpl) NotifyCreated(ctx context.Context, appt *appointment.Appointment) {
	conn, settings, err := o.activeSettings(ctx)
	if err != nil {
		o.logger.Error("sync trigger failed to load settings", zap.Error(err))
		return
	}
	if conn == nil || !settings.AutoSync || !settings.PushEnabled() || !settings.StatusEligible(string(appt.Status)) {
		return
	}
	o.enqueueTrigger(ctx, &SyncJob{
		AppointmentID:    appt.ID.Hex(),
		Operation:        OpPushCreate,
		AppointmentStart: appt.StartTime,
	})
}

// NotifyUpdated implements appointment.SyncTrigger. An appointment whose
// status became ineligible gets its event removed instead of updated.
func (o *SyncOrchestratorImpl) NotifyUpdated(ctx context.Context, appt *appointment.Appointment) {
	conn, settings, err := o.activeSettings(ctx)
	if err != nil {
		o.logger.Error("sync trigger failed to load settings", zap.Error(err))
		return
	}
	if conn == nil {
		return
	}

	if !settings.StatusEligible(string(appt.Status)) {
		// Cleanup of an event for a now-ineligible booking runs even when
		// automatic sync is off; it mirrors the cancellation path.
		if appt.GoogleEventID == "" {
			return
		}
		o.enqueueTrigger(ctx, &SyncJob{
			AppointmentID:    appt.ID.Hex(),
			Operation:        OpPushDelete,
			ExternalEventID:  appt.GoogleEventID,
			AppointmentStart: appt.StartTime,
		})
		return
	}

	if !settings.AutoSync || !settings.PushEnabled() {
		return
	}
	o.enqueueTrigger(ctx, &SyncJob{
		AppointmentID:    appt.ID.Hex(),
		Operation:        OpPushUpdate,
		AppointmentStart: appt.StartTime,
	})
}

// NotifyCancelled implements appointment.SyncTrigger. Cancellations always
// propagate as a delete, whatever the direction setting: a stale event on
// the calendar is worse than an extra API call. The event id is resolved at
// execution time, so a cancellation racing the first push still cleans up.
func (o *SyncOrchestratorImpl) NotifyCancelled(ctx context.Context, appt *appointment.Appointment) {
	conn, _, err := o.activeSettings(ctx)
	if err != nil {
		o.logger.Error("sync trigger failed to load settings", zap.Error(err))
		return
	}
	if conn == nil {
		return
	}
	o.enqueueTrigger(ctx, &SyncJob{
		AppointmentID:    appt.ID.Hex(),
		Operation:        OpPushDelete,
		ExternalEventID:  appt.GoogleEventID,
		AppointmentStart: appt.StartTime,
	})
}

func (o *SyncOrchestratorImpl) enqueueTrigger(ctx context.Context, job *SyncJob) {
	if err := o.Enqueue(ctx, job); err != nil {
		o.logger.Error("failed to enqueue sync job",
			zap.String("operation", string(job.Operation)),
			zap.String("appointment_id", job.AppointmentID),
			zap.Error(err))
	}
}

// HandleWebhook turns a calendar push notification into an import-scan
// job. The notification itself carries no event data.
func (o *SyncOrchestratorImpl) HandleWebhook(ctx context.Context, channelID, token, resourceState string) error {
	conn, err := o.connRepo.GetByChannelID(ctx, channelID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrUnknownChannel
		}
		return err
	}
	if conn.ChannelToken != "" && conn.ChannelToken != token {
		return ErrUnknownChannel
	}

	// The initial handshake message confirms the channel; no events changed.
	if resourceState == "sync" {
		return nil
	}

	settings, err := o.connService.GetSettings(ctx, conn)
	if err != nil {
		return err
	}
	if !settings.AutoSync || !settings.ImportEnabled() {
		return nil
	}

	return o.Enqueue(ctx, &SyncJob{Operation: OpImportScan})
}
