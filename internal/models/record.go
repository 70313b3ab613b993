package models

import (
	"time"

	"github.com/google/uuid"
)

// AttendanceRecord marks one user as present in one session. The
// (session_id, user_id) pair is unique at the persistence layer; the record
// is never updated after creation.
type AttendanceRecord struct {
	SessionID uuid.UUID `json:"session_id" db:"session_id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// FaceSignatureRow is a persisted enrollment signature, used to warm gallery
// rebuilds without re-encoding the enrollment image.
type FaceSignatureRow struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Signature []float32 `json:"-" db:"signature"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
