package models

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionStatusScheduled SessionStatus = "scheduled"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
)

type AttendanceSession struct {
	ID              uuid.UUID `json:"id" db:"id"`
	OrganizationID  uuid.UUID `json:"organization_id" db:"organization_id"`
	Title           string    `json:"title" db:"title"`
	Description     string    `json:"description,omitempty" db:"description"`
	Location        string    `json:"location,omitempty" db:"location"`
	StartTime       time.Time `json:"start_time" db:"start_time"`
	DurationMinutes int       `json:"duration_minutes" db:"duration_minutes"`
	CreatorID       uuid.UUID `json:"creator_id" db:"creator_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

func (s *AttendanceSession) EndTime() time.Time {
	return s.StartTime.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// StatusAt derives the session status from the clock rather than storing it.
func (s *AttendanceSession) StatusAt(now time.Time) SessionStatus {
	switch {
	case now.Before(s.StartTime):
		return SessionStatusScheduled
	case now.Before(s.EndTime()):
		return SessionStatusActive
	default:
		return SessionStatusCompleted
	}
}
