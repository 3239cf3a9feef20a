package auth

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// AdminAccount is a staff login for the admin panel. The calendar
// connection is owned by exactly one admin account.
type AdminAccount struct {
	ID           primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Email        string             `json:"email" bson:"email"`
	Name         string             `json:"name" bson:"name"`
	PasswordHash string             `json:"-" bson:"password_hash"`
	CreatedAt    time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at" bson:"updated_at"`
}
