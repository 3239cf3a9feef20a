package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type ContextKey string

type AuditAction string

const (
	AuditActionCreate     AuditAction = "CREATE"
	AuditActionUpdate     AuditAction = "UPDATE"
	AuditActionDelete     AuditAction = "DELETE"
	AuditActionLogin      AuditAction = "LOGIN"
	AuditActionConnect    AuditAction = "CONNECT"
	AuditActionDisconnect AuditAction = "DISCONNECT"
	AuditActionSync       AuditAction = "SYNC"
	AuditActionPause      AuditAction = "PAUSE"
	AuditActionResume     AuditAction = "RESUME"
	AuditActionSettings   AuditAction = "SETTINGS"
)

type Change struct {
	Old interface{} `bson:"old" json:"old"`
	New interface{} `bson:"new" json:"new"`
}

type AuditLog struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Action    AuditAction        `bson:"action" json:"action"`
	Module    string             `bson:"module" json:"module"`
	RecordID  string             `bson:"record_id" json:"record_id"`
	ActorID   string             `bson:"actor_id" json:"actor_id"`
	Changes   map[string]Change  `bson:"changes,omitempty" json:"changes,omitempty"`
	Timestamp time.Time          `bson:"timestamp" json:"timestamp"`
}

// Log is the record shape written by the async zap DB writer.
type Log struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Message      string             `bson:"message" json:"message"`
	Caller       string             `bson:"caller,omitempty" json:"caller,omitempty"`
	LogLevelId   int                `bson:"log_level_id" json:"log_level_id"`
	AppId        string             `bson:"app_id" json:"app_id"`
	CreatedOnUtc time.Time          `bson:"created_on_utc" json:"created_on_utc"`
}

// Page wraps a paginated query result for list endpoints.
type Page[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int64 `json:"page"`
	Limit int64 `json:"limit"`
}
