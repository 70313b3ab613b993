package models

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventAttendanceRecorded EventType = "attendance_recorded"
	EventSessionIdle        EventType = "session_idle"
	EventRecognitionEnded   EventType = "recognition_ended"
)

// AttendanceEvent is published to NATS and broadcast to WebSocket clients
// while a recognition stream is running.
type AttendanceEvent struct {
	Type      EventType `json:"type"`
	SessionID uuid.UUID `json:"session_id"`
	UserID    uuid.UUID `json:"user_id,omitempty"`
	UserName  string    `json:"user_name,omitempty"`
	// Reason is set on recognition_ended events: "end_of_stream",
	// "idle_timeout", "stopped" or "error".
	Reason    string    `json:"reason,omitempty"`
	Recorded  int       `json:"recorded,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
