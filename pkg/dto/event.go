// Package dto holds the wire types exposed to API and WebSocket clients.
package dto

import "github.com/google/uuid"

// WSEvent is a WebSocket message for real-time attendance delivery.
type WSEvent struct {
	Type      string    `json:"type"` // attendance_recorded, session_idle, recognition_ended
	SessionID uuid.UUID `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	UserName  string    `json:"user_name,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Recorded  int       `json:"recorded,omitempty"`
	Timestamp string    `json:"timestamp"`
}
