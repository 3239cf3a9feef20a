package connection

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type ConnectionState string

const (
	StateConnected ConnectionState = "connected"
	StateError     ConnectionState = "error"
	StatePaused    ConnectionState = "paused"
	StateRevoked   ConnectionState = "revoked"
)

type SyncDirection string

const (
	DirectionPush   SyncDirection = "push"
	DirectionImport SyncDirection = "import"
	DirectionBoth   SyncDirection = "both"
)

// OAuthToken is the stored Google credential. Owned exclusively by this
// package: only connect/disconnect and the refresh path touch it.
type OAuthToken struct {
	AccessToken  string    `json:"-" bson:"access_token"`
	RefreshToken string    `json:"-" bson:"refresh_token"`
	TokenType    string    `json:"-" bson:"token_type"`
	Expiry       time.Time `json:"-" bson:"expiry"`
}

// CalendarConnection is the one OAuth-authorized Google Calendar link per
// admin account.
type CalendarConnection struct {
	ID                  primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	AdminID             primitive.ObjectID `json:"admin_id" bson:"admin_id"`
	GoogleEmail         string             `json:"google_email" bson:"google_email"`
	CalendarID          string             `json:"calendar_id" bson:"calendar_id"`
	CalendarName        string             `json:"calendar_name" bson:"calendar_name"`
	CalendarPrimary     bool               `json:"calendar_primary" bson:"calendar_primary"`
	Token               OAuthToken         `json:"-" bson:"token"`
	State               ConnectionState    `json:"state" bson:"state"`
	LastSyncAt          *time.Time         `json:"last_sync_at,omitempty" bson:"last_sync_at,omitempty"`
	PauseReason         string             `json:"pause_reason,omitempty" bson:"pause_reason,omitempty"`
	PausedAt            *time.Time         `json:"paused_at,omitempty" bson:"paused_at,omitempty"`
	ConsecutiveFailures int                `json:"consecutive_failures" bson:"consecutive_failures"`
	FirstFailureAt      *time.Time         `json:"first_failure_at,omitempty" bson:"first_failure_at,omitempty"`

	// Webhook channel registered with Google for push notifications.
	ChannelID         string     `json:"-" bson:"channel_id,omitempty"`
	ChannelResourceID string     `json:"-" bson:"channel_resource_id,omitempty"`
	ChannelToken      string     `json:"-" bson:"channel_token,omitempty"`
	ChannelExpiresAt  *time.Time `json:"-" bson:"channel_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// SyncSettings controls what the engine is allowed to sync. One per
// connection, mutated only by explicit admin action.
type SyncSettings struct {
	ID              primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	ConnectionID    primitive.ObjectID `json:"connection_id" bson:"connection_id"`
	AutoSync        bool               `json:"auto_sync" bson:"auto_sync"`
	Direction       SyncDirection      `json:"direction" bson:"direction"`
	SyncedStatuses  []string           `json:"synced_statuses" bson:"synced_statuses"`
	NotifyOnSuccess bool               `json:"notify_on_success" bson:"notify_on_success"`
	NotifyOnFailure bool               `json:"notify_on_failure" bson:"notify_on_failure"`
	CreatedAt       time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at" bson:"updated_at"`
}

// DefaultSyncSettings are applied when a connection is first established.
func DefaultSyncSettings(connectionID primitive.ObjectID) *SyncSettings {
	return &SyncSettings{
		ConnectionID:    connectionID,
		AutoSync:        true,
		Direction:       DirectionBoth,
		SyncedStatuses:  []string{"scheduled", "confirmed"},
		NotifyOnFailure: true,
	}
}

// PushEnabled reports whether appointment pushes are allowed.
func (s *SyncSettings) PushEnabled() bool {
	return s.Direction == DirectionPush || s.Direction == DirectionBoth
}

// ImportEnabled reports whether external imports are allowed.
func (s *SyncSettings) ImportEnabled() bool {
	return s.Direction == DirectionImport || s.Direction == DirectionBoth
}

// StatusEligible reports whether an appointment in the given status may be
// pushed. Cancelled and no-show bookings are never eligible.
func (s *SyncSettings) StatusEligible(status string) bool {
	if status == "cancelled" || status == "no_show" {
		return false
	}
	for _, st := range s.SyncedStatuses {
		if st == status {
			return true
		}
	}
	return false
}
