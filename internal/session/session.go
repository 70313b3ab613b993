// Package session runs the per-stream recognition loop: frames in,
// annotated frames and attendance records out.
package session

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/attendance"
	"github.com/your-org/attend/internal/camera"
	"github.com/your-org/attend/internal/gallery"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/observability"
	"github.com/your-org/attend/internal/render"
	"github.com/your-org/attend/internal/vision"
)

// StopReason says why a stream session ended.
type StopReason string

const (
	ReasonEndOfStream StopReason = "end_of_stream"
	ReasonIdleTimeout StopReason = "idle_timeout"
	ReasonStopped     StopReason = "stopped"
	ReasonError       StopReason = "error"
)

// FrameSink receives each encoded output frame. A sink error means the
// client is gone and the session stops.
type FrameSink func(jpegFrame []byte) error

// EventPublisher fans session events out to interested parties. Publishing
// is best-effort; failures never stop a session.
type EventPublisher interface {
	PublishAttendance(ctx context.Context, ev models.AttendanceEvent) error
}

// Options are the per-stream knobs; the manager fills them from config and
// request parameters.
type Options struct {
	FrameSkip      int
	MatchThreshold float64
	IdleTimeout    time.Duration
	// Alert fires once when the idle timeout trips, before the session
	// stops. Optional.
	Alert func()
}

// Result is the terminal summary of one stream session.
type Result struct {
	SessionID     uuid.UUID   `json:"session_id"`
	Reason        StopReason  `json:"reason"`
	RecordedUsers []uuid.UUID `json:"recorded_users"`
	NewRecords    int         `json:"new_records"`
	FramesRead    int         `json:"frames_read"`
	StartedAt     time.Time   `json:"started_at"`
	EndedAt       time.Time   `json:"ended_at"`
}

// Session owns one camera for the duration of one recognition stream. All
// loop state (frame counter, idle timer, pending records) lives here; Run is
// single-threaded and Stop is the only concurrent entry point.
type Session struct {
	id        uuid.UUID
	cam       camera.Camera
	gal       *gallery.Gallery
	engine    vision.Engine
	recorder  *attendance.Recorder
	annotator *render.Annotator
	names     map[uuid.UUID]string
	events    EventPublisher
	opts      Options
	now       func() time.Time

	stopOnce sync.Once
	stopping chan struct{}
}

func New(id uuid.UUID, cam camera.Camera, gal *gallery.Gallery, engine vision.Engine,
	recorder *attendance.Recorder, annotator *render.Annotator,
	names map[uuid.UUID]string, events EventPublisher, opts Options) *Session {
	if opts.FrameSkip < 1 {
		opts.FrameSkip = 1
	}
	return &Session{
		id:        id,
		cam:       cam,
		gal:       gal,
		engine:    engine,
		recorder:  recorder,
		annotator: annotator,
		names:     names,
		events:    events,
		opts:      opts,
		now:       time.Now,
		stopping:  make(chan struct{}),
	}
}

// Stop requests the session to end. It closes the camera so a blocked
// ReadFrame returns immediately; the loop observes the request within one
// iteration. Safe to call multiple times and from any goroutine.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopping)
		_ = s.cam.Close()
	})
}

func (s *Session) stopRequested() bool {
	select {
	case <-s.stopping:
		return true
	default:
		return false
	}
}

// Run drives the loop until the stream ends, the idle timeout trips, Stop is
// called, or the context is cancelled. The camera is released and buffered
// records are flushed on every exit path, including panics inside the loop.
func (s *Session) Run(ctx context.Context, sink FrameSink) (res Result) {
	start := s.now()
	framesRead := 0
	lastSeen := start
	alerted := false
	reason := ReasonError

	observability.ActiveSessions.Inc()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("recognition loop panic",
				"session_id", s.id, "frames_read", framesRead, "panic", r)
			reason = ReasonError
		}
		observability.ActiveSessions.Dec()
		s.finish(reason)
		res = Result{
			SessionID:     s.id,
			Reason:        reason,
			RecordedUsers: s.recorder.RecordedUsers(),
			NewRecords:    s.recorder.Created(),
			FramesRead:    framesRead,
			StartedAt:     start,
			EndedAt:       s.now(),
		}
	}()

	for {
		if s.stopRequested() || ctx.Err() != nil {
			reason = ReasonStopped
			break
		}

		frame, err := s.cam.ReadFrame()
		if err != nil {
			if s.stopRequested() {
				reason = ReasonStopped
			} else if err == io.EOF {
				reason = ReasonEndOfStream
			} else {
				slog.Error("read frame", "session_id", s.id, "frames_read", framesRead, "error", err)
				reason = ReasonError
			}
			break
		}
		framesRead++

		if framesRead%s.opts.FrameSkip != 0 {
			// Sampled out: pass the frame through without detection work.
			if err := s.emit(sink, frame, nil, 0); err != nil {
				reason = ReasonStopped
				break
			}
			if s.idle(lastSeen, &alerted) {
				reason = ReasonIdleTimeout
				break
			}
			continue
		}

		results, err := gallery.MatchFrame(frame, s.gal, s.engine, s.opts.MatchThreshold)
		if err != nil {
			slog.Error("match frame", "session_id", s.id, "frames_read", framesRead, "error", err)
			reason = ReasonError
			break
		}
		observability.FramesProcessed.WithLabelValues(s.id.String()).Inc()

		if len(results) > 0 {
			lastSeen = s.now()
			observability.FacesDetected.WithLabelValues(s.id.String()).Add(float64(len(results)))
		}

		for _, res := range results {
			if !res.Known {
				continue
			}
			observability.FacesMatched.WithLabelValues(s.id.String()).Inc()
			s.record(ctx, res.UserID)
		}

		rate := float64(0)
		if elapsed := s.now().Sub(start).Seconds(); elapsed > 0 {
			rate = float64(framesRead) / elapsed
		}
		if err := s.emit(sink, frame, results, rate); err != nil {
			reason = ReasonStopped
			break
		}

		if s.idle(lastSeen, &alerted) {
			reason = ReasonIdleTimeout
			break
		}
	}

	return
}

// record persists one match and publishes the attendance event for newly
// created records. Recording failures degrade to a warning; the stream keeps
// running and a later sighting of the same user retries.
func (s *Session) record(ctx context.Context, userID uuid.UUID) {
	outcome, err := s.recorder.RecordIfNew(ctx, userID)
	if err != nil {
		slog.Warn("record attendance", "session_id", s.id, "user_id", userID, "error", err)
		return
	}
	if outcome != attendance.Created {
		return
	}

	observability.AttendanceRecorded.WithLabelValues(s.id.String()).Inc()
	slog.Info("attendance recorded", "session_id", s.id, "user_id", userID)
	s.publish(ctx, models.AttendanceEvent{
		Type:      models.EventAttendanceRecorded,
		SessionID: s.id,
		UserID:    userID,
		UserName:  s.names[userID],
		Timestamp: s.now(),
	})
}

func (s *Session) emit(sink FrameSink, frame image.Image, results []gallery.MatchResult, rate float64) error {
	out := frame
	if len(results) > 0 || rate > 0 {
		annotated, err := s.annotator.Annotate(frame, results, s.names, rate)
		if err != nil {
			slog.Warn("annotate frame", "session_id", s.id, "error", err)
		} else {
			out = annotated
		}
	}

	data, err := s.annotator.EncodeJPEG(out)
	if err != nil {
		return fmt.Errorf("encode output frame: %w", err)
	}
	return sink(data)
}

// idle checks the no-face timer and fires the alert hook at most once.
func (s *Session) idle(lastSeen time.Time, alerted *bool) bool {
	if s.opts.IdleTimeout <= 0 {
		return false
	}
	if s.now().Sub(lastSeen) <= s.opts.IdleTimeout {
		return false
	}
	if !*alerted {
		*alerted = true
		if s.opts.Alert != nil {
			s.opts.Alert()
		}
		slog.Warn("no faces seen, stopping stream", "session_id", s.id, "idle_timeout", s.opts.IdleTimeout)
		s.publish(context.Background(), models.AttendanceEvent{
			Type:      models.EventSessionIdle,
			SessionID: s.id,
			Timestamp: s.now(),
		})
	}
	return true
}

// finish releases the camera, flushes buffered records and announces the
// terminal state. It runs exactly once per session on every exit path.
func (s *Session) finish(reason StopReason) {
	_ = s.cam.Close()

	// The stream context is gone by now; give the flush its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.recorder.Flush(ctx); err != nil {
		slog.Error("flush attendance records", "session_id", s.id, "error", err)
	}

	s.publish(ctx, models.AttendanceEvent{
		Type:      models.EventRecognitionEnded,
		SessionID: s.id,
		Reason:    string(reason),
		Recorded:  s.recorder.Created(),
		Timestamp: s.now(),
	})
	slog.Info("recognition ended", "session_id", s.id, "reason", reason, "recorded", s.recorder.Created())
}

func (s *Session) publish(ctx context.Context, ev models.AttendanceEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishAttendance(ctx, ev); err != nil {
		slog.Warn("publish event", "session_id", s.id, "type", ev.Type, "error", err)
	}
}
