package models

import (
	"time"

	"github.com/google/uuid"
)

type Organization struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

type User struct {
	ID             uuid.UUID `json:"id" db:"id"`
	OrganizationID uuid.UUID `json:"organization_id" db:"organization_id"`
	Name           string    `json:"name" db:"name"`
	Email          string    `json:"email" db:"email"`
	// ImageRef points at the user's enrollment photo. Empty means the user
	// has no photo and cannot appear in the gallery.
	ImageRef  string    `json:"image_ref,omitempty" db:"image_ref"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// EnrolledUser is the projection the gallery builder works from.
type EnrolledUser struct {
	ID       uuid.UUID
	Name     string
	ImageRef string
}
