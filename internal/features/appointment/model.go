package appointment

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no_show"
)

// Appointment is a grooming booking. GoogleEventID is set after the first
// successful push and is the only field the sync engine writes back.
type Appointment struct {
	ID            primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	CustomerName  string             `json:"customer_name" bson:"customer_name"`
	CustomerEmail string             `json:"customer_email" bson:"customer_email"`
	CustomerPhone string             `json:"customer_phone,omitempty" bson:"customer_phone,omitempty"`
	PetName       string             `json:"pet_name" bson:"pet_name"`
	ServiceName   string             `json:"service_name" bson:"service_name"`
	StartTime     time.Time          `json:"start_time" bson:"start_time"`
	Duration      time.Duration      `json:"duration" bson:"duration"`
	Status        AppointmentStatus  `json:"status" bson:"status"`
	Notes         string             `json:"notes,omitempty" bson:"notes,omitempty"`
	GoogleEventID string             `json:"google_event_id,omitempty" bson:"google_event_id,omitempty"`
	CreatedAt     time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at" bson:"updated_at"`
}

// EndTime returns the appointment end, defaulting to one hour when the
// booking carries no duration.
func (a *Appointment) EndTime() time.Time {
	d := a.Duration
	if d <= 0 {
		d = time.Hour
	}
	return a.StartTime.Add(d)
}
