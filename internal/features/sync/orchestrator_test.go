package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"puppyday/internal/features/appointment"
	"puppyday/internal/features/connection"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

type fakeJobRepo struct {
	jobs map[primitive.ObjectID]*SyncJob
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[primitive.ObjectID]*SyncJob)}
}

func (r *fakeJobRepo) Create(ctx context.Context, job *SyncJob) error {
	if job.ID.IsZero() {
		job.ID = primitive.NewObjectID()
	}
	if job.Status == "" {
		job.Status = JobQueued
	}
	copied := *job
	r.jobs[job.ID] = &copied
	return nil
}

func (r *fakeJobRepo) Get(ctx context.Context, id primitive.ObjectID) (*SyncJob, error) {
	job, ok := r.jobs[id]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	copied := *job
	return &copied, nil
}

func (r *fakeJobRepo) Update(ctx context.Context, job *SyncJob) error {
	copied := *job
	r.jobs[job.ID] = &copied
	return nil
}

func (r *fakeJobRepo) FindLastTerminalByAppointment(ctx context.Context, appointmentID string) (*SyncJob, error) {
	for _, job := range r.jobs {
		if job.AppointmentID == appointmentID && job.Status == JobFailedTerminal {
			copied := *job
			return &copied, nil
		}
	}
	return nil, mongo.ErrNoDocuments
}

func (r *fakeJobRepo) ListDue(ctx context.Context, now time.Time, limit int64) ([]SyncJob, error) {
	var due []SyncJob
	for _, job := range r.jobs {
		if (job.Status == JobQueued || job.Status == JobFailedRetryable) &&
			job.NextRetryAt != nil && !job.NextRetryAt.After(now) {
			due = append(due, *job)
		}
	}
	return due, nil
}

func (r *fakeJobRepo) DeleteTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (r *fakeJobRepo) EnsureIndexes(ctx context.Context) error { return nil }

type fakeLogRepo struct {
	entries []SyncLogEntry
}

func (r *fakeLogRepo) Append(ctx context.Context, entry *SyncLogEntry) error {
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *fakeLogRepo) Query(ctx context.Context, filters bson.M, limit, offset int64) ([]SyncLogEntry, int64, error) {
	return r.entries, int64(len(r.entries)), nil
}

func (r *fakeLogRepo) RecentFailures(ctx context.Context, limit int64) ([]SyncLogEntry, error) {
	var failures []SyncLogEntry
	for _, e := range r.entries {
		if e.Outcome == OutcomeFailure {
			failures = append(failures, e)
		}
	}
	return failures, nil
}

func (r *fakeLogRepo) EnsureIndexes(ctx context.Context) error { return nil }

func (r *fakeLogRepo) last() *SyncLogEntry {
	if len(r.entries) == 0 {
		return nil
	}
	return &r.entries[len(r.entries)-1]
}

type fakeConnService struct {
	conn            *connection.CalendarConnection
	settings        *connection.SyncSettings
	pausedWith      string
	credentialError string
	successes       int
}

func (s *fakeConnService) AuthURL(state string) string { return "" }
func (s *fakeConnService) Connect(ctx context.Context, code string) (*connection.CalendarConnection, error) {
	return nil, nil
}
func (s *fakeConnService) Disconnect(ctx context.Context, id string) error { return nil }

func (s *fakeConnService) GetActive(ctx context.Context) (*connection.CalendarConnection, error) {
	if s.conn == nil {
		return nil, connection.ErrNoConnection
	}
	return s.conn, nil
}

func (s *fakeConnService) GetStatus(ctx context.Context) (*connection.ConnectionStatus, error) {
	return &connection.ConnectionStatus{State: s.conn.State}, nil
}

func (s *fakeConnService) ListCalendars(ctx context.Context, conn *connection.CalendarConnection) ([]connection.CalendarInfo, error) {
	return nil, nil
}
func (s *fakeConnService) SelectCalendar(ctx context.Context, connID, calendarID string) error {
	return nil
}

func (s *fakeConnService) GetSettings(ctx context.Context, conn *connection.CalendarConnection) (*connection.SyncSettings, error) {
	if s.settings == nil {
		return connection.DefaultSyncSettings(conn.ID), nil
	}
	return s.settings, nil
}

func (s *fakeConnService) UpdateSettings(ctx context.Context, connID string, updated *connection.SyncSettings) (*connection.SyncSettings, error) {
	s.settings = updated
	return updated, nil
}

func (s *fakeConnService) Pause(ctx context.Context, id, reason string) error {
	s.pausedWith = reason
	s.conn.State = connection.StatePaused
	return nil
}

func (s *fakeConnService) ClearPause(ctx context.Context, id string) error {
	s.conn.State = connection.StateConnected
	return nil
}

func (s *fakeConnService) RecordSyncSuccess(ctx context.Context, id string) error {
	s.successes++
	s.conn.ConsecutiveFailures = 0
	return nil
}

func (s *fakeConnService) MarkCredentialError(ctx context.Context, id, reason string) error {
	s.credentialError = reason
	s.conn.State = connection.StateError
	return nil
}

func (s *fakeConnService) TokenSource(conn *connection.CalendarConnection) oauth2.TokenSource {
	return nil
}

type fakeConnRepo struct {
	conn *connection.CalendarConnection
}

func (r *fakeConnRepo) Create(ctx context.Context, conn *connection.CalendarConnection) error {
	return nil
}

func (r *fakeConnRepo) Get(ctx context.Context, id string) (*connection.CalendarConnection, error) {
	return r.conn, nil
}

func (r *fakeConnRepo) GetActive(ctx context.Context) (*connection.CalendarConnection, error) {
	return r.conn, nil
}

func (r *fakeConnRepo) GetByChannelID(ctx context.Context, channelID string) (*connection.CalendarConnection, error) {
	if r.conn != nil && r.conn.ChannelID == channelID {
		return r.conn, nil
	}
	return nil, mongo.ErrNoDocuments
}

func (r *fakeConnRepo) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	return nil
}

func (r *fakeConnRepo) IncrementFailures(ctx context.Context, id string, firstFailureAt time.Time) (int, error) {
	r.conn.ConsecutiveFailures++
	if r.conn.ConsecutiveFailures == 1 || r.conn.FirstFailureAt == nil {
		t := firstFailureAt
		r.conn.FirstFailureAt = &t
	}
	return r.conn.ConsecutiveFailures, nil
}

func (r *fakeConnRepo) ResetFailures(ctx context.Context, id string) error {
	r.conn.ConsecutiveFailures = 0
	r.conn.FirstFailureAt = nil
	return nil
}

type fakeExecutor struct {
	results []Result
	calls   int
}

func (e *fakeExecutor) Execute(ctx context.Context, job *SyncJob, conn *connection.CalendarConnection) Result {
	res := e.results[0]
	if len(e.results) > 1 {
		e.results = e.results[1:]
	}
	e.calls++
	return res
}

func (e *fakeExecutor) Backoff(attempt int) time.Duration { return time.Millisecond }
func (e *fakeExecutor) MaxAttempts() int                  { return 3 }

type fakeDeferGovernor struct {
	fakeGovernor
	decision AdmissionDecision
}

func (g *fakeDeferGovernor) CheckAdmission(ctx context.Context, op SyncOperation, start time.Time) (Admission, error) {
	if g.decision == "" {
		return Admission{Decision: AdmissionAllowed}, nil
	}
	return Admission{Decision: g.decision, ResumeAt: time.Now().Add(time.Hour)}, nil
}

type recordingNotifier struct {
	failed    int
	succeeded int
	paused    []string
}

func (n *recordingNotifier) SyncFailed(ctx context.Context, entry *SyncLogEntry)    { n.failed++ }
func (n *recordingNotifier) SyncSucceeded(ctx context.Context, entry *SyncLogEntry) { n.succeeded++ }
func (n *recordingNotifier) SyncPaused(ctx context.Context, reason string)          { n.paused = append(n.paused, reason) }

type orchestratorFixture struct {
	orch     *SyncOrchestratorImpl
	jobs     *fakeJobRepo
	logs     *fakeLogRepo
	conn     *fakeConnService
	connRepo *fakeConnRepo
	executor *fakeExecutor
	notifier *recordingNotifier
	governor *fakeDeferGovernor
}

func newOrchestratorFixture(results ...Result) *orchestratorFixture {
	conn := &connection.CalendarConnection{
		ID:         primitive.NewObjectID(),
		CalendarID: "primary",
		State:      connection.StateConnected,
	}
	f := &orchestratorFixture{
		jobs:     newFakeJobRepo(),
		conn:     &fakeConnService{conn: conn},
		connRepo: &fakeConnRepo{conn: conn},
		executor: &fakeExecutor{results: results},
		notifier: &recordingNotifier{},
		governor: &fakeDeferGovernor{},
	}
	f.logs = &fakeLogRepo{}
	f.orch = &SyncOrchestratorImpl{
		jobRepo:            f.jobs,
		logRepo:            f.logs,
		executor:           f.executor,
		quota:              f.governor,
		connService:        f.conn,
		connRepo:           f.connRepo,
		notifier:           f.notifier,
		logger:             zap.NewNop(),
		workers:            1,
		autoPauseThreshold: 3,
		autoPauseWindow:    30 * time.Minute,
		queue:              make(chan primitive.ObjectID, 16),
		done:               make(chan struct{}),
		inflight:           make(map[string]struct{}),
	}
	return f
}

var _ JobRepository = (*fakeJobRepo)(nil)
var _ LogRepository = (*fakeLogRepo)(nil)
var _ SyncExecutor = (*fakeExecutor)(nil)
var _ Notifier = (*recordingNotifier)(nil)
var _ connection.ConnectionService = (*fakeConnService)(nil)
var _ connection.ConnectionRepository = (*fakeConnRepo)(nil)

func mustJob(t *testing.T, f *orchestratorFixture, job *SyncJob) *SyncJob {
	t.Helper()
	if err := f.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestProcessSuccess(t *testing.T) {
	f := newOrchestratorFixture(Result{Success: true, ExternalEventID: "evt-1", Message: "created"})
	job := mustJob(t, f, &SyncJob{AppointmentID: "a1", Operation: OpPushCreate})

	f.orch.process(context.Background(), job)

	stored, _ := f.jobs.Get(context.Background(), job.ID)
	if stored.Status != JobSucceeded {
		t.Errorf("status = %v, want succeeded", stored.Status)
	}
	if f.conn.successes != 1 {
		t.Errorf("RecordSyncSuccess calls = %d, want 1", f.conn.successes)
	}
	if entry := f.logs.last(); entry == nil || entry.Outcome != OutcomeSuccess {
		t.Errorf("missing success log entry: %+v", entry)
	}
}

func TestProcessRetryableFailureSchedulesRetry(t *testing.T) {
	f := newOrchestratorFixture(Result{Err: retryableErr(errors.New("503"))})
	job := mustJob(t, f, &SyncJob{AppointmentID: "a1", Operation: OpPushCreate})

	f.orch.process(context.Background(), job)

	stored, _ := f.jobs.Get(context.Background(), job.ID)
	if stored.Status != JobFailedRetryable {
		t.Errorf("status = %v, want failed-retryable", stored.Status)
	}
	if stored.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", stored.RetryCount)
	}
	if stored.NextRetryAt == nil {
		t.Errorf("retryable failure must carry a next retry time")
	}
	if f.conn.conn.ConsecutiveFailures != 0 {
		t.Errorf("retryable failure must not count toward auto-pause")
	}
}

func TestProcessRetriesAreBounded(t *testing.T) {
	f := newOrchestratorFixture(Result{Err: retryableErr(errors.New("503"))})
	job := mustJob(t, f, &SyncJob{AppointmentID: "a1", Operation: OpPushCreate})

	// Run the job through every attempt the policy allows.
	for i := 0; i < f.executor.MaxAttempts(); i++ {
		current, _ := f.jobs.Get(context.Background(), job.ID)
		f.orch.process(context.Background(), current)
	}

	stored, _ := f.jobs.Get(context.Background(), job.ID)
	if stored.Status != JobFailedTerminal {
		t.Errorf("status after exhausted attempts = %v, want failed-terminal", stored.Status)
	}
	if f.executor.calls != f.executor.MaxAttempts() {
		t.Errorf("executor calls = %d, want %d", f.executor.calls, f.executor.MaxAttempts())
	}
	if f.notifier.failed != 1 {
		t.Errorf("failure notifications = %d, want 1", f.notifier.failed)
	}
}

func TestProcessTerminalFailureAutoPause(t *testing.T) {
	f := newOrchestratorFixture(Result{Err: validationErr(errors.New("bad payload"))})

	for i := 0; i < 3; i++ {
		job := mustJob(t, f, &SyncJob{AppointmentID: "a1", Operation: OpPushCreate})
		f.orch.process(context.Background(), job)
	}

	if f.conn.pausedWith == "" {
		t.Fatal("expected auto-pause after threshold terminal failures")
	}
	if f.conn.conn.State != connection.StatePaused {
		t.Errorf("connection state = %v, want paused", f.conn.conn.State)
	}
	if len(f.notifier.paused) != 1 {
		t.Errorf("pause notifications = %d, want 1", len(f.notifier.paused))
	}
}

func TestProcessStaleFailureStreakDoesNotPause(t *testing.T) {
	f := newOrchestratorFixture(Result{Err: validationErr(errors.New("bad payload"))})

	// Two old failures outside the window.
	stale := time.Now().Add(-2 * time.Hour)
	f.conn.conn.ConsecutiveFailures = 2
	f.conn.conn.FirstFailureAt = &stale

	job := mustJob(t, f, &SyncJob{AppointmentID: "a1", Operation: OpPushCreate})
	f.orch.process(context.Background(), job)

	if f.conn.pausedWith != "" {
		t.Errorf("stale streak must not trigger auto-pause")
	}
	if f.conn.conn.ConsecutiveFailures != 1 {
		t.Errorf("counter should restart from this failure, got %d", f.conn.conn.ConsecutiveFailures)
	}
}

func TestProcessCredentialFailureMarksError(t *testing.T) {
	f := newOrchestratorFixture(Result{Err: credentialErr(errors.New("401"))})
	job := mustJob(t, f, &SyncJob{AppointmentID: "a1", Operation: OpPushCreate})

	f.orch.process(context.Background(), job)

	if f.conn.credentialError == "" {
		t.Errorf("credential failure must move the connection to error state")
	}
	if f.conn.conn.ConsecutiveFailures != 0 {
		t.Errorf("credential failures bypass the auto-pause counter")
	}
}

func TestProcessQuotaDeferralBurnsNoAttempt(t *testing.T) {
	f := newOrchestratorFixture(Result{Success: true})
	f.governor.decision = AdmissionDeferred
	job := mustJob(t, f, &SyncJob{AppointmentID: "a1", Operation: OpImportScan})

	f.orch.process(context.Background(), job)

	stored, _ := f.jobs.Get(context.Background(), job.ID)
	if stored.Status != JobQueued {
		t.Errorf("deferred job status = %v, want queued", stored.Status)
	}
	if stored.RetryCount != 0 {
		t.Errorf("deferral must not burn an attempt, retry count = %d", stored.RetryCount)
	}
	if f.executor.calls != 0 {
		t.Errorf("deferred job must not reach the executor")
	}
	if entry := f.logs.last(); entry == nil || entry.Outcome != OutcomeSkipped {
		t.Errorf("deferral should log a skipped entry, got %+v", entry)
	}
}

func TestProcessPausedConnectionHoldsJob(t *testing.T) {
	f := newOrchestratorFixture(Result{Success: true})
	f.conn.conn.State = connection.StatePaused
	job := mustJob(t, f, &SyncJob{AppointmentID: "a1", Operation: OpPushCreate})

	f.orch.process(context.Background(), job)

	stored, _ := f.jobs.Get(context.Background(), job.ID)
	if stored.Status != JobQueued {
		t.Errorf("paused connection should requeue, status = %v", stored.Status)
	}
	if f.executor.calls != 0 {
		t.Errorf("paused connection must not execute jobs")
	}
}

func TestProcessFollowUpsEnqueued(t *testing.T) {
	f := newOrchestratorFixture(Result{
		Success:  true,
		FollowUp: []*SyncJob{{AppointmentID: "a1", Operation: OpPushCreate}},
	})
	job := mustJob(t, f, &SyncJob{AppointmentID: "a1", Operation: OpPushDelete, Resync: true})

	f.orch.process(context.Background(), job)

	if len(f.jobs.jobs) != 2 {
		t.Errorf("follow-up job was not persisted, total jobs = %d", len(f.jobs.jobs))
	}
}

func TestHandleWebhook(t *testing.T) {
	f := newOrchestratorFixture(Result{Success: true})
	f.conn.conn.ChannelID = "chan-1"
	f.conn.conn.ChannelToken = "tok-1"

	tests := []struct {
		name          string
		channelID     string
		token         string
		resourceState string
		wantErr       error
		wantJobs      int
	}{
		{"handshake makes no job", "chan-1", "tok-1", "sync", nil, 0},
		{"change enqueues scan", "chan-1", "tok-1", "exists", nil, 1},
		{"bad token rejected", "chan-1", "wrong", "exists", ErrUnknownChannel, 1},
		{"unknown channel rejected", "chan-x", "tok-1", "exists", ErrUnknownChannel, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.orch.HandleWebhook(context.Background(), tt.channelID, tt.token, tt.resourceState)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("HandleWebhook() error = %v, want %v", err, tt.wantErr)
			}
			if len(f.jobs.jobs) != tt.wantJobs {
				t.Errorf("jobs = %d, want %d", len(f.jobs.jobs), tt.wantJobs)
			}
		})
	}
}

func triggerAppointment(status appointment.AppointmentStatus, eventID string) *appointment.Appointment {
	return &appointment.Appointment{
		ID:            primitive.NewObjectID(),
		CustomerName:  "Jane",
		PetName:       "Max",
		StartTime:     time.Date(2025, 1, 8, 18, 0, 0, 0, time.UTC),
		Status:        status,
		GoogleEventID: eventID,
	}
}

func (r *fakeJobRepo) single(t *testing.T) *SyncJob {
	t.Helper()
	if len(r.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(r.jobs))
	}
	for _, job := range r.jobs {
		return job
	}
	return nil
}

func TestNotifyCancelledIgnoresDirection(t *testing.T) {
	f := newOrchestratorFixture(Result{Success: true})
	settings := connection.DefaultSyncSettings(f.conn.conn.ID)
	settings.Direction = connection.DirectionImport
	f.conn.settings = settings

	f.orch.NotifyCancelled(context.Background(), triggerAppointment(appointment.StatusCancelled, "evt-1"))

	job := f.jobs.single(t)
	if job.Operation != OpPushDelete {
		t.Errorf("operation = %v, want push-delete", job.Operation)
	}
	if job.ExternalEventID != "evt-1" {
		t.Errorf("external event id = %q, want evt-1", job.ExternalEventID)
	}
}

func TestNotifyCancelledWithoutEventIDStillEnqueues(t *testing.T) {
	f := newOrchestratorFixture(Result{Success: true})

	// The first push may still be in flight; the delete job resolves the
	// event id from the appointment when it runs.
	f.orch.NotifyCancelled(context.Background(), triggerAppointment(appointment.StatusCancelled, ""))

	job := f.jobs.single(t)
	if job.Operation != OpPushDelete {
		t.Errorf("operation = %v, want push-delete", job.Operation)
	}
}

func TestTriggersRespectAutoSync(t *testing.T) {
	tests := []struct {
		name     string
		fire     func(f *orchestratorFixture)
		wantJobs int
	}{
		{
			name: "create suppressed",
			fire: func(f *orchestratorFixture) {
				f.orch.NotifyCreated(context.Background(), triggerAppointment(appointment.StatusScheduled, ""))
			},
		},
		{
			name: "update suppressed",
			fire: func(f *orchestratorFixture) {
				f.orch.NotifyUpdated(context.Background(), triggerAppointment(appointment.StatusScheduled, "evt-1"))
			},
		},
		{
			name: "webhook import suppressed",
			fire: func(f *orchestratorFixture) {
				f.conn.conn.ChannelID = "chan-1"
				if err := f.orch.HandleWebhook(context.Background(), "chan-1", "", "exists"); err != nil {
					t.Errorf("HandleWebhook() error = %v", err)
				}
			},
		},
		{
			name: "cancellation delete still runs",
			fire: func(f *orchestratorFixture) {
				f.orch.NotifyCancelled(context.Background(), triggerAppointment(appointment.StatusCancelled, "evt-1"))
			},
			wantJobs: 1,
		},
		{
			name: "ineligible update cleanup still runs",
			fire: func(f *orchestratorFixture) {
				f.orch.NotifyUpdated(context.Background(), triggerAppointment(appointment.StatusNoShow, "evt-1"))
			},
			wantJobs: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrchestratorFixture(Result{Success: true})
			settings := connection.DefaultSyncSettings(f.conn.conn.ID)
			settings.AutoSync = false
			f.conn.settings = settings

			tt.fire(f)

			if len(f.jobs.jobs) != tt.wantJobs {
				t.Errorf("jobs = %d, want %d", len(f.jobs.jobs), tt.wantJobs)
			}
		})
	}
}

func (r *fakeLogRepo) skipped() int {
	n := 0
	for _, e := range r.entries {
		if e.Outcome == OutcomeSkipped {
			n++
		}
	}
	return n
}

func TestQuotaDeferralLogsOncePerDecision(t *testing.T) {
	f := newOrchestratorFixture(Result{Success: true})
	f.governor.decision = AdmissionDeferred
	job := mustJob(t, f, &SyncJob{AppointmentID: "a1", Operation: OpImportScan})

	// A long critical window cycles the same job through deferral many
	// times; only the first cycle should land in the history.
	for i := 0; i < 3; i++ {
		current, _ := f.jobs.Get(context.Background(), job.ID)
		f.orch.process(context.Background(), current)
	}
	if got := f.logs.skipped(); got != 1 {
		t.Errorf("skipped entries after repeated deferral = %d, want 1", got)
	}

	// Escalation to a denial is a new decision and is logged.
	f.governor.decision = AdmissionDenied
	current, _ := f.jobs.Get(context.Background(), job.ID)
	f.orch.process(context.Background(), current)
	if got := f.logs.skipped(); got != 2 {
		t.Errorf("skipped entries after escalation = %d, want 2", got)
	}
}

func TestInflightSerialization(t *testing.T) {
	f := newOrchestratorFixture(Result{Success: true})

	if !f.orch.acquire("a1") {
		t.Fatal("first acquire should succeed")
	}
	if f.orch.acquire("a1") {
		t.Fatal("second acquire for the same appointment must fail")
	}
	if !f.orch.acquire("a2") {
		t.Fatal("different appointment must not be blocked")
	}
	f.orch.release("a1")
	if !f.orch.acquire("a1") {
		t.Fatal("acquire after release should succeed")
	}
}
