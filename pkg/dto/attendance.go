package dto

import (
	"time"

	"github.com/google/uuid"
)

// StreamQuery carries the optional per-stream overrides. Defaults come from
// service config.
type StreamQuery struct {
	Camera      int    `form:"camera"`
	Source      string `form:"source"` // rtsp/http stream URL; overrides camera
	FrameSkip   int    `form:"frame_skip"`
	Quality     int    `form:"quality"`
	IdleTimeout int    `form:"idle_timeout"` // seconds
}

// ResultResponse is the terminal summary of one recognition stream.
type ResultResponse struct {
	SessionID     uuid.UUID   `json:"session_id"`
	Reason        string      `json:"reason"`
	RecordedUsers []uuid.UUID `json:"recorded_users"`
	NewRecords    int         `json:"new_records"`
	FramesRead    int         `json:"frames_read"`
	StartedAt     time.Time   `json:"started_at"`
	EndedAt       time.Time   `json:"ended_at"`
}

type RecordResponse struct {
	UserID    uuid.UUID `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

type RecordListResponse struct {
	SessionID uuid.UUID        `json:"session_id"`
	Status    string           `json:"status"`
	Records   []RecordResponse `json:"records"`
	Total     int              `json:"total"`
}

// GalleryResponse describes the cached gallery after a reload.
type GalleryResponse struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	Users          int       `json:"users"`
	Signatures     int       `json:"signatures"`
	BuiltAt        time.Time `json:"built_at"`
}
