package sync

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type SyncOperation string

const (
	OpPushCreate   SyncOperation = "push-create"
	OpPushUpdate   SyncOperation = "push-update"
	OpPushDelete   SyncOperation = "push-delete"
	OpImportCreate SyncOperation = "import-create"
	OpImportUpdate SyncOperation = "import-update"
	// OpImportScan is the import-check job a webhook notification enqueues.
	// Google's push notifications carry no payload, so the scan fetches the
	// changed events and fans out per-event import jobs.
	OpImportScan SyncOperation = "import-scan"
)

// IsPush reports whether the operation writes to the external calendar.
func (op SyncOperation) IsPush() bool {
	return op == OpPushCreate || op == OpPushUpdate || op == OpPushDelete
}

type JobStatus string

const (
	JobQueued          JobStatus = "queued"
	JobRunning         JobStatus = "running"
	JobSucceeded       JobStatus = "succeeded"
	JobFailedRetryable JobStatus = "failed-retryable"
	JobFailedTerminal  JobStatus = "failed-terminal"
)

// SyncJob is one unit of sync work. Owned exclusively by the orchestrator
// and executor; terminal outcomes persist in the sync log, not as live jobs.
type SyncJob struct {
	ID              primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	AppointmentID   string             `json:"appointment_id,omitempty" bson:"appointment_id,omitempty"`
	Operation       SyncOperation      `json:"operation" bson:"operation"`
	ExternalEventID string             `json:"external_event_id,omitempty" bson:"external_event_id,omitempty"`
	// AppointmentStart lets the quota governor judge imminence without a
	// second appointment lookup.
	AppointmentStart time.Time  `json:"appointment_start,omitempty" bson:"appointment_start,omitempty"`
	RetryCount       int        `json:"retry_count" bson:"retry_count"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty" bson:"next_retry_at,omitempty"`
	Status           JobStatus  `json:"status" bson:"status"`
	// Resync marks a push-delete that should recreate the event afterwards.
	Resync bool `json:"resync,omitempty" bson:"resync,omitempty"`
	// DeferredAs remembers the last quota decision that held this job, so
	// repeated deferral cycles do not flood the history.
	DeferredAs AdmissionDecision `json:"-" bson:"deferred_as,omitempty"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

type LogOutcome string

const (
	OutcomeSuccess LogOutcome = "success"
	OutcomeFailure LogOutcome = "failure"
	OutcomeSkipped LogOutcome = "skipped"
)

// SyncLogEntry is an immutable audit record of one sync attempt.
type SyncLogEntry struct {
	ID            primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	JobID         primitive.ObjectID `json:"job_id" bson:"job_id"`
	AppointmentID string             `json:"appointment_id,omitempty" bson:"appointment_id,omitempty"`
	Operation     SyncOperation      `json:"operation" bson:"operation"`
	Outcome       LogOutcome         `json:"outcome" bson:"outcome"`
	ErrorClass    FailureClass       `json:"error_class,omitempty" bson:"error_class,omitempty"`
	Message       string             `json:"message" bson:"message"`
	Tag           string             `json:"tag,omitempty" bson:"tag,omitempty"`
	RetryCount    int                `json:"retry_count" bson:"retry_count"`
	Timestamp     time.Time          `json:"timestamp" bson:"timestamp"`
}

// EventFingerprint maps a derived matching key to at most one external
// event id.
type EventFingerprint struct {
	ID              primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Fingerprint     string             `json:"fingerprint" bson:"fingerprint"`
	ExternalEventID string             `json:"external_event_id" bson:"external_event_id"`
	AppointmentID   string             `json:"appointment_id,omitempty" bson:"appointment_id,omitempty"`
	CreatedAt       time.Time          `json:"created_at" bson:"created_at"`
}

type QuotaSeverity string

const (
	SeverityOK       QuotaSeverity = "ok"
	SeverityWarning  QuotaSeverity = "warning"
	SeverityHigh     QuotaSeverity = "high"
	SeverityCritical QuotaSeverity = "critical"
)

// QuotaSnapshot is derived on demand from the call ledger.
type QuotaSnapshot struct {
	Used     int64         `json:"used"`
	Budget   int64         `json:"budget"`
	Percent  float64       `json:"percent"`
	Severity QuotaSeverity `json:"severity"`
	ResetsAt time.Time     `json:"resets_at"`
}

type FailureClass string

const (
	FailureRetryable  FailureClass = "retryable_transient"
	FailureCredential FailureClass = "terminal_credential"
	FailureResource   FailureClass = "terminal_resource"
	FailureValidation FailureClass = "terminal_validation"
)

// SyncError carries the failure classification the orchestrator keys its
// retry decisions on.
type SyncError struct {
	Class FailureClass
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the orchestrator may schedule another attempt.
func (e *SyncError) Retryable() bool {
	return e.Class == FailureRetryable
}

func retryableErr(err error) *SyncError {
	return &SyncError{Class: FailureRetryable, Err: err}
}

func credentialErr(err error) *SyncError {
	return &SyncError{Class: FailureCredential, Err: err}
}

func resourceErr(err error) *SyncError {
	return &SyncError{Class: FailureResource, Err: err}
}

func validationErr(err error) *SyncError {
	return &SyncError{Class: FailureValidation, Err: err}
}

// Result is the outcome of a single executor attempt.
type Result struct {
	Success         bool
	NoOp            bool
	ExternalEventID string
	Message         string
	Tag             string
	Err             *SyncError
	// FollowUp jobs are enqueued by the orchestrator after this attempt
	// (import-scan fan-out, resync recreate).
	FollowUp []*SyncJob
}
