package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/attend/internal/session"
	"github.com/your-org/attend/internal/storage"
	"github.com/your-org/attend/pkg/dto"
)

type AttendanceHandler struct {
	db      *storage.PostgresStore
	manager *session.Manager
}

func NewAttendanceHandler(db *storage.PostgresStore, manager *session.Manager) *AttendanceHandler {
	return &AttendanceHandler{db: db, manager: manager}
}

// Stream runs a recognition stream for the session and emits annotated
// frames as multipart/x-mixed-replace JPEG parts until the stream stops.
func (h *AttendanceHandler) Stream(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("sessionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	var q dto.StreamQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := session.StreamParams{
		CameraIndex: q.Camera,
		SourceURL:   q.Source,
		FrameSkip:   q.FrameSkip,
		JPEGQuality: q.Quality,
		IdleTimeout: time.Duration(q.IdleTimeout) * time.Second,
	}

	// Headers go out with the first frame, so start-up failures can still
	// report a JSON status.
	started := false
	sink := func(frame []byte) error {
		if !started {
			started = true
			c.Writer.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
			c.Writer.Header().Set("Cache-Control", "no-cache")
			c.Writer.WriteHeader(http.StatusOK)
		}
		if _, err := fmt.Fprintf(c.Writer,
			"--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
			return err
		}
		if _, err := c.Writer.Write(frame); err != nil {
			return err
		}
		if _, err := io.WriteString(c.Writer, "\r\n"); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	res, err := h.manager.Stream(c.Request.Context(), sessionID, params, sink)
	if err != nil {
		if started {
			slog.Warn("stream aborted", "session_id", sessionID, "error", err)
			return
		}
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case errors.Is(err, session.ErrSessionCompleted),
			errors.Is(err, session.ErrStreamActive),
			errors.Is(err, session.ErrCameraBusy):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			slog.Error("start stream", "session_id", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start stream"})
		}
		return
	}

	slog.Info("stream finished", "session_id", sessionID, "reason", res.Reason, "recorded", res.NewRecords)
}

// Stop signals a running stream to end.
func (h *AttendanceHandler) Stop(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("sessionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	if err := h.manager.Stop(sessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "stopping"})
}

// Result returns the terminal summary of the most recent stream for the
// session.
func (h *AttendanceHandler) Result(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("sessionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	res, ok := h.manager.Result(sessionID)
	if !ok {
		if h.manager.Active(sessionID) {
			c.JSON(http.StatusConflict, gin.H{"error": "stream still running"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "no result for session"})
		return
	}

	c.JSON(http.StatusOK, dto.ResultResponse{
		SessionID:     res.SessionID,
		Reason:        string(res.Reason),
		RecordedUsers: res.RecordedUsers,
		NewRecords:    res.NewRecords,
		FramesRead:    res.FramesRead,
		StartedAt:     res.StartedAt,
		EndedAt:       res.EndedAt,
	})
}

// Records lists the persisted attendance records of a session.
func (h *AttendanceHandler) Records(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("sessionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	sess, err := h.db.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		slog.Error("get session", "session_id", sessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	recs, err := h.db.ListAttendanceRecords(c.Request.Context(), sessionID)
	if err != nil {
		slog.Error("list attendance records", "session_id", sessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load records"})
		return
	}

	resp := dto.RecordListResponse{
		SessionID: sessionID,
		Status:    string(sess.StatusAt(time.Now())),
		Records:   make([]dto.RecordResponse, 0, len(recs)),
		Total:     len(recs),
	}
	for _, rec := range recs {
		resp.Records = append(resp.Records, dto.RecordResponse{
			UserID:    rec.UserID,
			Timestamp: rec.Timestamp,
		})
	}
	c.JSON(http.StatusOK, resp)
}
