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
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
)

type fakeApptRepo struct {
	appointments map[string]*appointment.Appointment
	created      []*appointment.Appointment
	updates      map[string]map[string]interface{}
}

func newFakeApptRepo(appts ...*appointment.Appointment) *fakeApptRepo {
	r := &fakeApptRepo{
		appointments: make(map[string]*appointment.Appointment),
		updates:      make(map[string]map[string]interface{}),
	}
	for _, a := range appts {
		r.appointments[a.ID.Hex()] = a
	}
	return r
}

func (r *fakeApptRepo) Create(ctx context.Context, appt *appointment.Appointment) error {
	if appt.ID.IsZero() {
		appt.ID = primitive.NewObjectID()
	}
	r.appointments[appt.ID.Hex()] = appt
	r.created = append(r.created, appt)
	return nil
}

func (r *fakeApptRepo) Get(ctx context.Context, id string) (*appointment.Appointment, error) {
	appt, ok := r.appointments[id]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	return appt, nil
}

func (r *fakeApptRepo) GetByGoogleEventID(ctx context.Context, eventID string) (*appointment.Appointment, error) {
	for _, a := range r.appointments {
		if a.GoogleEventID == eventID {
			return a, nil
		}
	}
	return nil, mongo.ErrNoDocuments
}

func (r *fakeApptRepo) List(ctx context.Context, filters bson.M, limit, offset int64) ([]appointment.Appointment, error) {
	return nil, nil
}

func (r *fakeApptRepo) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	r.updates[id] = updates
	if appt, ok := r.appointments[id]; ok {
		if status, ok := updates["status"].(appointment.AppointmentStatus); ok {
			appt.Status = status
		}
	}
	return nil
}

func (r *fakeApptRepo) SetGoogleEventID(ctx context.Context, id string, eventID string) error {
	if appt, ok := r.appointments[id]; ok {
		appt.GoogleEventID = eventID
	}
	return nil
}

func (r *fakeApptRepo) Delete(ctx context.Context, id string) error {
	delete(r.appointments, id)
	return nil
}

type fakeResolver struct {
	granularity time.Duration
	existing    map[string]string
	registered  map[string]string
	released    []string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		granularity: 15 * time.Minute,
		existing:    make(map[string]string),
		registered:  make(map[string]string),
	}
}

func (f *fakeResolver) FingerprintFor(appt *appointment.Appointment, calendarID string) string {
	customer := appt.CustomerEmail
	if customer == "" {
		customer = appt.CustomerName
	}
	return Fingerprint(customer, appt.PetName, appt.StartTime, f.granularity, calendarID)
}

func (f *fakeResolver) FingerprintForCandidate(candidate *ImportCandidate, calendarID string) string {
	customer := candidate.CustomerEmail
	if customer == "" {
		customer = candidate.CustomerName
	}
	return Fingerprint(customer, candidate.PetName, candidate.StartTime, f.granularity, calendarID)
}

func (f *fakeResolver) FindExisting(ctx context.Context, fingerprint string) (string, bool, error) {
	id, ok := f.existing[fingerprint]
	return id, ok, nil
}

func (f *fakeResolver) Register(ctx context.Context, fingerprint, externalEventID, appointmentID string) error {
	f.existing[fingerprint] = externalEventID
	f.registered[fingerprint] = externalEventID
	return nil
}

func (f *fakeResolver) Release(ctx context.Context, fingerprint string) error {
	delete(f.existing, fingerprint)
	f.released = append(f.released, fingerprint)
	return nil
}

func (f *fakeResolver) ReleaseEvent(ctx context.Context, externalEventID string) error {
	for fp, id := range f.existing {
		if id == externalEventID {
			delete(f.existing, fp)
			f.released = append(f.released, fp)
		}
	}
	return nil
}

type fakeGovernor struct {
	calls int64
}

func (g *fakeGovernor) RecordCall(ctx context.Context, weight int64) error {
	g.calls++
	return nil
}

func (g *fakeGovernor) CheckAdmission(ctx context.Context, op SyncOperation, start time.Time) (Admission, error) {
	return Admission{Decision: AdmissionAllowed}, nil
}

func (g *fakeGovernor) Snapshot(ctx context.Context) (*QuotaSnapshot, error) {
	return &QuotaSnapshot{Budget: 10000}, nil
}

type fakeCalendarAPI struct {
	inserted  []*calendar.Event
	updated   map[string]*calendar.Event
	deleted   []string
	events    map[string]*calendar.Event
	listed    []*calendar.Event
	insertErr error
	updateErr error
	deleteErr error
	getErr    error
	nextID    string
}

func newFakeCalendarAPI() *fakeCalendarAPI {
	return &fakeCalendarAPI{
		updated: make(map[string]*calendar.Event),
		events:  make(map[string]*calendar.Event),
		nextID:  "evt-new",
	}
}

func (f *fakeCalendarAPI) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	event.Id = f.nextID
	f.inserted = append(f.inserted, event)
	f.events[event.Id] = event
	return event, nil
}

func (f *fakeCalendarAPI) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	event.Id = eventID
	f.updated[eventID] = event
	f.events[eventID] = event
	return event, nil
}

func (f *fakeCalendarAPI) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, eventID)
	delete(f.events, eventID)
	return nil
}

func (f *fakeCalendarAPI) GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	event, ok := f.events[eventID]
	if !ok {
		return nil, &googleapi.Error{Code: 404}
	}
	return event, nil
}

func (f *fakeCalendarAPI) ListUpdatedEvents(ctx context.Context, calendarID string, updatedMin time.Time) ([]*calendar.Event, error) {
	return f.listed, nil
}

func (f *fakeCalendarAPI) Watch(ctx context.Context, calendarID string, channel *calendar.Channel) (*calendar.Channel, error) {
	return channel, nil
}

func (f *fakeCalendarAPI) StopChannel(ctx context.Context, channelID, resourceID string) error {
	return nil
}

func testExecutor(t *testing.T, api CalendarAPI, repo *fakeApptRepo, resolver DuplicateResolver) *SyncExecutorImpl {
	t.Helper()
	return &SyncExecutorImpl{
		apiFactory:  func(ctx context.Context, conn *connection.CalendarConnection) (CalendarAPI, error) { return api, nil },
		mapper:      testMapper(t),
		resolver:    resolver,
		apptRepo:    repo,
		quota:       &fakeGovernor{},
		logger:      zap.NewNop(),
		timeout:     time.Second,
		backoffBase: 30 * time.Second,
		backoffCap:  15 * time.Minute,
		maxAttempts: 3,
	}
}

func testConnection() *connection.CalendarConnection {
	return &connection.CalendarConnection{
		ID:         primitive.NewObjectID(),
		CalendarID: "primary",
		State:      connection.StateConnected,
	}
}

func testAppointment() *appointment.Appointment {
	return &appointment.Appointment{
		ID:            primitive.NewObjectID(),
		CustomerName:  "Jane",
		CustomerEmail: "jane@example.com",
		PetName:       "Max",
		ServiceName:   "Bath",
		StartTime:     time.Date(2025, 1, 8, 18, 0, 0, 0, time.UTC),
		Duration:      time.Hour,
		Status:        appointment.StatusScheduled,
	}
}

func TestExecutePushCreate(t *testing.T) {
	appt := testAppointment()
	repo := newFakeApptRepo(appt)
	api := newFakeCalendarAPI()
	exec := testExecutor(t, api, repo, newFakeResolver())

	res := exec.Execute(context.Background(), &SyncJob{
		ID:            primitive.NewObjectID(),
		AppointmentID: appt.ID.Hex(),
		Operation:     OpPushCreate,
	}, testConnection())

	if res.Err != nil {
		t.Fatalf("Execute() error = %v", res.Err)
	}
	if !res.Success {
		t.Fatal("expected success")
	}
	if len(api.inserted) != 1 {
		t.Fatalf("inserted %d events, want 1", len(api.inserted))
	}
	if appt.GoogleEventID != "evt-new" {
		t.Errorf("google event id not stored, got %q", appt.GoogleEventID)
	}
}

func TestExecutePushCreateDuplicateBecomesUpdate(t *testing.T) {
	appt := testAppointment()
	repo := newFakeApptRepo(appt)
	api := newFakeCalendarAPI()
	resolver := newFakeResolver()

	// Another create already registered this booking's fingerprint.
	fp := resolver.FingerprintFor(appt, "primary")
	resolver.existing[fp] = "evt-existing"

	exec := testExecutor(t, api, repo, resolver)
	res := exec.Execute(context.Background(), &SyncJob{
		ID:            primitive.NewObjectID(),
		AppointmentID: appt.ID.Hex(),
		Operation:     OpPushCreate,
	}, testConnection())

	if res.Err != nil {
		t.Fatalf("Execute() error = %v", res.Err)
	}
	if len(api.inserted) != 0 {
		t.Errorf("duplicate create must not insert a second event")
	}
	if _, ok := api.updated["evt-existing"]; !ok {
		t.Errorf("expected update of existing event, updated=%v", api.updated)
	}
}

func TestExecutePushUpdateWithoutEventFallsBackToCreate(t *testing.T) {
	appt := testAppointment()
	repo := newFakeApptRepo(appt)
	api := newFakeCalendarAPI()
	exec := testExecutor(t, api, repo, newFakeResolver())

	res := exec.Execute(context.Background(), &SyncJob{
		ID:            primitive.NewObjectID(),
		AppointmentID: appt.ID.Hex(),
		Operation:     OpPushUpdate,
	}, testConnection())

	if res.Err != nil {
		t.Fatalf("Execute() error = %v", res.Err)
	}
	if len(api.inserted) != 1 {
		t.Errorf("expected fallback insert, got %d", len(api.inserted))
	}
}

func TestExecutePushSkipsTerminalAppointment(t *testing.T) {
	// A push job queued before the booking was cancelled must not put the
	// event back on the calendar.
	tests := []struct {
		name   string
		op     SyncOperation
		status appointment.AppointmentStatus
	}{
		{"create of cancelled booking", OpPushCreate, appointment.StatusCancelled},
		{"create of no-show booking", OpPushCreate, appointment.StatusNoShow},
		{"update of cancelled booking", OpPushUpdate, appointment.StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appt := testAppointment()
			appt.Status = tt.status
			if tt.op == OpPushUpdate {
				appt.GoogleEventID = "evt-1"
			}
			repo := newFakeApptRepo(appt)
			api := newFakeCalendarAPI()
			exec := testExecutor(t, api, repo, newFakeResolver())

			res := exec.Execute(context.Background(), &SyncJob{
				ID:            primitive.NewObjectID(),
				AppointmentID: appt.ID.Hex(),
				Operation:     tt.op,
			}, testConnection())

			if res.Err != nil || !res.NoOp {
				t.Fatalf("Execute() = %+v, want no-op success", res)
			}
			if len(api.inserted) != 0 || len(api.updated) != 0 {
				t.Errorf("terminal appointment must not touch the calendar: inserted=%d updated=%d",
					len(api.inserted), len(api.updated))
			}
		})
	}
}

func TestExecutePushUpdateReleasesVacatedSlot(t *testing.T) {
	first := testAppointment()
	first.GoogleEventID = "evt-1"
	repo := newFakeApptRepo(first)
	api := newFakeCalendarAPI()
	resolver := newFakeResolver()
	resolver.existing[resolver.FingerprintFor(first, "primary")] = "evt-1"

	exec := testExecutor(t, api, repo, resolver)

	// Reschedule two hours later and push the update.
	first.StartTime = first.StartTime.Add(2 * time.Hour)
	res := exec.Execute(context.Background(), &SyncJob{
		ID:            primitive.NewObjectID(),
		AppointmentID: first.ID.Hex(),
		Operation:     OpPushUpdate,
	}, testConnection())
	if res.Err != nil {
		t.Fatalf("Execute() error = %v", res.Err)
	}

	// The same customer re-books the vacated slot as a fresh appointment.
	// Its create must insert a new event, not adopt the rescheduled one.
	second := testAppointment()
	second.ID = primitive.NewObjectID()
	repo.appointments[second.ID.Hex()] = second

	res = exec.Execute(context.Background(), &SyncJob{
		ID:            primitive.NewObjectID(),
		AppointmentID: second.ID.Hex(),
		Operation:     OpPushCreate,
	}, testConnection())
	if res.Err != nil {
		t.Fatalf("Execute() error = %v", res.Err)
	}
	if len(api.inserted) != 1 {
		t.Fatalf("inserted %d events, want 1", len(api.inserted))
	}
	if second.GoogleEventID != "evt-new" {
		t.Errorf("second booking event id = %q, want evt-new", second.GoogleEventID)
	}
	if first.GoogleEventID != "evt-1" {
		t.Errorf("rescheduled booking lost its event, got %q", first.GoogleEventID)
	}
}

func TestExecutePushDelete(t *testing.T) {
	appt := testAppointment()
	appt.GoogleEventID = "evt-1"
	repo := newFakeApptRepo(appt)
	api := newFakeCalendarAPI()
	exec := testExecutor(t, api, repo, newFakeResolver())

	res := exec.Execute(context.Background(), &SyncJob{
		ID:              primitive.NewObjectID(),
		AppointmentID:   appt.ID.Hex(),
		Operation:       OpPushDelete,
		ExternalEventID: "evt-1",
	}, testConnection())

	if res.Err != nil || !res.Success {
		t.Fatalf("Execute() = %+v", res)
	}
	if len(api.deleted) != 1 || api.deleted[0] != "evt-1" {
		t.Errorf("deleted = %v, want [evt-1]", api.deleted)
	}
	if appt.GoogleEventID != "" {
		t.Errorf("google event id should be cleared")
	}
}

func TestExecutePushDeleteGoneIsSuccess(t *testing.T) {
	appt := testAppointment()
	repo := newFakeApptRepo(appt)
	api := newFakeCalendarAPI()
	api.deleteErr = &googleapi.Error{Code: 404}
	exec := testExecutor(t, api, repo, newFakeResolver())

	res := exec.Execute(context.Background(), &SyncJob{
		ID:              primitive.NewObjectID(),
		AppointmentID:   appt.ID.Hex(),
		Operation:       OpPushDelete,
		ExternalEventID: "evt-gone",
	}, testConnection())

	if res.Err != nil || !res.Success {
		t.Errorf("already-deleted event should count as success, got %+v", res)
	}
}

func TestExecutePushDeleteResyncQueuesRecreate(t *testing.T) {
	appt := testAppointment()
	appt.GoogleEventID = "evt-1"
	repo := newFakeApptRepo(appt)
	api := newFakeCalendarAPI()
	exec := testExecutor(t, api, repo, newFakeResolver())

	res := exec.Execute(context.Background(), &SyncJob{
		ID:              primitive.NewObjectID(),
		AppointmentID:   appt.ID.Hex(),
		Operation:       OpPushDelete,
		ExternalEventID: "evt-1",
		Resync:          true,
	}, testConnection())

	if res.Err != nil {
		t.Fatalf("Execute() error = %v", res.Err)
	}
	if len(res.FollowUp) != 1 || res.FollowUp[0].Operation != OpPushCreate {
		t.Errorf("resync must queue a recreate, got %+v", res.FollowUp)
	}
}

func TestExecuteImportCreateDuplicateSkipped(t *testing.T) {
	repo := newFakeApptRepo()
	api := newFakeCalendarAPI()
	resolver := newFakeResolver()

	api.events["evt-ext"] = &calendar.Event{
		Id:      "evt-ext",
		Summary: "Bath: Max (Jane)",
		Start:   &calendar.EventDateTime{DateTime: "2025-01-08T10:00:00-08:00"},
		End:     &calendar.EventDateTime{DateTime: "2025-01-08T11:00:00-08:00"},
	}
	// The same booking already has a fingerprint from the push path.
	fp := Fingerprint("Jane", "Max",
		time.Date(2025, 1, 8, 18, 0, 0, 0, time.UTC), 15*time.Minute, "primary")
	resolver.existing[fp] = "evt-other"

	exec := testExecutor(t, api, repo, resolver)
	res := exec.Execute(context.Background(), &SyncJob{
		ID:              primitive.NewObjectID(),
		Operation:       OpImportCreate,
		ExternalEventID: "evt-ext",
	}, testConnection())

	if res.Err != nil {
		t.Fatalf("Execute() error = %v", res.Err)
	}
	if !res.NoOp || res.Tag != "possible-duplicate" {
		t.Errorf("expected possible-duplicate no-op, got %+v", res)
	}
	if len(repo.created) != 0 {
		t.Errorf("duplicate import must never create an appointment")
	}
}

func TestExecuteImportCreate(t *testing.T) {
	repo := newFakeApptRepo()
	api := newFakeCalendarAPI()
	api.events["evt-ext"] = &calendar.Event{
		Id:      "evt-ext",
		Summary: "Grooming: Rex (Sam)",
		Start:   &calendar.EventDateTime{DateTime: "2025-01-08T10:00:00-08:00"},
		End:     &calendar.EventDateTime{DateTime: "2025-01-08T11:30:00-08:00"},
	}

	exec := testExecutor(t, api, repo, newFakeResolver())
	res := exec.Execute(context.Background(), &SyncJob{
		ID:              primitive.NewObjectID(),
		Operation:       OpImportCreate,
		ExternalEventID: "evt-ext",
	}, testConnection())

	if res.Err != nil || !res.Success {
		t.Fatalf("Execute() = %+v", res)
	}
	if len(repo.created) != 1 {
		t.Fatalf("created %d appointments, want 1", len(repo.created))
	}
	got := repo.created[0]
	if got.PetName != "Rex" || got.CustomerName != "Sam" || got.ServiceName != "Grooming" {
		t.Errorf("imported appointment = %+v", got)
	}
	if got.GoogleEventID != "evt-ext" {
		t.Errorf("imported appointment must link back to the event")
	}
}

func TestExecuteImportUpdateCancellation(t *testing.T) {
	appt := testAppointment()
	appt.GoogleEventID = "evt-ext"
	repo := newFakeApptRepo(appt)
	api := newFakeCalendarAPI()
	api.events["evt-ext"] = &calendar.Event{
		Id:     "evt-ext",
		Status: "cancelled",
	}

	exec := testExecutor(t, api, repo, newFakeResolver())
	res := exec.Execute(context.Background(), &SyncJob{
		ID:              primitive.NewObjectID(),
		AppointmentID:   appt.ID.Hex(),
		Operation:       OpImportUpdate,
		ExternalEventID: "evt-ext",
	}, testConnection())

	if res.Err != nil || !res.Success {
		t.Fatalf("Execute() = %+v", res)
	}
	if appt.Status != appointment.StatusCancelled {
		t.Errorf("appointment status = %v, want cancelled", appt.Status)
	}
}

func TestExecuteImportScanFanOut(t *testing.T) {
	known := testAppointment()
	known.GoogleEventID = "evt-known"
	repo := newFakeApptRepo(known)
	api := newFakeCalendarAPI()
	api.listed = []*calendar.Event{
		{Id: "evt-known", Summary: "Bath: Max (Jane)"},
		{Id: "evt-unknown", Summary: "Walk-in"},
		{Id: "evt-cancelled-unknown", Status: "cancelled"},
	}

	exec := testExecutor(t, api, repo, newFakeResolver())
	res := exec.Execute(context.Background(), &SyncJob{
		ID:        primitive.NewObjectID(),
		Operation: OpImportScan,
	}, testConnection())

	if res.Err != nil {
		t.Fatalf("Execute() error = %v", res.Err)
	}
	if len(res.FollowUp) != 2 {
		t.Fatalf("follow-ups = %d, want 2", len(res.FollowUp))
	}

	ops := map[string]SyncOperation{}
	for _, job := range res.FollowUp {
		ops[job.ExternalEventID] = job.Operation
	}
	if ops["evt-known"] != OpImportUpdate {
		t.Errorf("known event should become import-update, got %v", ops["evt-known"])
	}
	if ops["evt-unknown"] != OpImportCreate {
		t.Errorf("unknown event should become import-create, got %v", ops["evt-unknown"])
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"unauthorized", &googleapi.Error{Code: 401}, FailureCredential},
		{"forbidden", &googleapi.Error{Code: 403}, FailureCredential},
		{
			"rate limited 403",
			&googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}},
			FailureRetryable,
		},
		{
			"user rate limited",
			&googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}},
			FailureRetryable,
		},
		{"not found", &googleapi.Error{Code: 404}, FailureResource},
		{"gone", &googleapi.Error{Code: 410}, FailureResource},
		{"bad request", &googleapi.Error{Code: 400}, FailureValidation},
		{"too many requests", &googleapi.Error{Code: 429}, FailureRetryable},
		{"server error", &googleapi.Error{Code: 503}, FailureRetryable},
		{"timeout", context.DeadlineExceeded, FailureRetryable},
		{"unknown", errors.New("boom"), FailureRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if got.Class != tt.want {
				t.Errorf("classify() = %v, want %v", got.Class, tt.want)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	exec := &SyncExecutorImpl{
		backoffBase: 30 * time.Second,
		backoffCap:  15 * time.Minute,
	}

	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{0, 30 * time.Second, 38 * time.Second},
		{1, time.Minute, 76 * time.Second},
		{2, 2 * time.Minute, 151 * time.Second},
		{10, 15 * time.Minute, 19 * time.Minute},
	}

	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			got := exec.Backoff(tt.attempt)
			if got < tt.min || got > tt.max {
				t.Fatalf("Backoff(%d) = %v, want within [%v, %v]", tt.attempt, got, tt.min, tt.max)
			}
		}
	}
}
