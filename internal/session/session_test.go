package session

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/attendance"
	"github.com/your-org/attend/internal/config"
	"github.com/your-org/attend/internal/gallery"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/render"
	"github.com/your-org/attend/internal/vision"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeCamera serves queued frames, then blocks (or reports EOF when eos is
// set). Closing it unblocks ReadFrame with io.EOF, like the real device.
type fakeCamera struct {
	frames chan image.Image
	eos    bool
	clock  *fakeClock
	step   time.Duration

	closeOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex
	closed bool
	reads  int
}

func newFakeCamera(frameCount int, eos bool) *fakeCamera {
	c := &fakeCamera{
		frames: make(chan image.Image, frameCount),
		eos:    eos,
		done:   make(chan struct{}),
	}
	for i := 0; i < frameCount; i++ {
		c.frames <- image.NewRGBA(image.Rect(0, 0, 16, 16))
	}
	return c
}

func (c *fakeCamera) ReadFrame() (image.Image, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	if c.clock != nil {
		c.clock.Advance(c.step)
	}

	select {
	case <-c.done:
		return nil, io.EOF
	default:
	}

	select {
	case f := <-c.frames:
		return f, nil
	default:
	}
	if c.eos {
		return nil, io.EOF
	}
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *fakeCamera) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	})
	return nil
}

func (c *fakeCamera) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// tickingCamera yields a fresh frame on every read and advances the clock,
// simulating an endless live stream.
type tickingCamera struct {
	clock *fakeClock
	step  time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func newTickingCamera(clock *fakeClock, step time.Duration) *tickingCamera {
	return &tickingCamera{clock: clock, step: step, done: make(chan struct{})}
}

func (c *tickingCamera) ReadFrame() (image.Image, error) {
	select {
	case <-c.done:
		return nil, io.EOF
	default:
	}
	c.clock.Advance(c.step)
	return image.NewRGBA(image.Rect(0, 0, 16, 16)), nil
}

func (c *tickingCamera) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// scriptedEngine reports the same detections on every processed frame.
type scriptedEngine struct {
	mu          sync.Mutex
	boxes       []image.Rectangle
	sigs        []vision.Signature
	detectCalls int
}

func (e *scriptedEngine) DetectFaces(img image.Image) ([]image.Rectangle, error) {
	e.mu.Lock()
	e.detectCalls++
	e.mu.Unlock()
	return e.boxes, nil
}

func (e *scriptedEngine) EncodeFaces(img image.Image, boxes []image.Rectangle) ([]vision.Signature, error) {
	return e.sigs, nil
}

func (e *scriptedEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detectCalls
}

// panicEngine blows up mid-detection, like a model fed a malformed tensor.
type panicEngine struct{}

func (panicEngine) DetectFaces(image.Image) ([]image.Rectangle, error) {
	panic("detector state corrupted")
}

func (panicEngine) EncodeFaces(image.Image, []image.Rectangle) ([]vision.Signature, error) {
	return nil, nil
}

type erroringEngine struct{}

func (erroringEngine) DetectFaces(image.Image) ([]image.Rectangle, error) {
	return nil, errors.New("inference failed")
}

func (erroringEngine) EncodeFaces(image.Image, []image.Rectangle) ([]vision.Signature, error) {
	return nil, nil
}

// memoryRecordStore keeps records in memory with table-level uniqueness.
type memoryRecordStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]map[uuid.UUID]struct{}
}

func newMemoryRecordStore() *memoryRecordStore {
	return &memoryRecordStore{records: make(map[uuid.UUID]map[uuid.UUID]struct{})}
}

func (s *memoryRecordStore) InsertAttendanceRecord(ctx context.Context, rec models.AttendanceRecord) error {
	return s.BulkInsertAttendanceRecords(ctx, []models.AttendanceRecord{rec})
}

func (s *memoryRecordStore) BulkInsertAttendanceRecords(ctx context.Context, recs []models.AttendanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		byUser := s.records[rec.SessionID]
		if byUser == nil {
			byUser = make(map[uuid.UUID]struct{})
			s.records[rec.SessionID] = byUser
		}
		byUser[rec.UserID] = struct{}{}
	}
	return nil
}

func (s *memoryRecordStore) ListAttendanceUserIDs(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id := range s.records[sessionID] {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memoryRecordStore) count(sessionID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[sessionID])
}

type capturedEvents struct {
	mu     sync.Mutex
	events []models.AttendanceEvent
}

func (c *capturedEvents) PublishAttendance(ctx context.Context, ev models.AttendanceEvent) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *capturedEvents) ofType(t models.EventType) []models.AttendanceEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.AttendanceEvent
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func discardSink([]byte) error { return nil }

func newTestSession(cam interface {
	ReadFrame() (image.Image, error)
	Close() error
}, engine vision.Engine, gal *gallery.Gallery, store *memoryRecordStore,
	events EventPublisher, opts Options, clock *fakeClock) (*Session, *attendance.Recorder) {

	sessionID := uuid.New()
	recorder := attendance.NewRecorder(store, sessionID, config.AttendanceConfig{
		Mode: config.AttendanceModeImmediate,
	})
	annotator := render.NewAnnotator("", 70, false)
	s := New(sessionID, cam, gal, engine, recorder, annotator, nil, events, opts)
	if clock != nil {
		s.now = clock.Now
	}
	return s, recorder
}

func TestSessionStopsOnIdleTimeoutWithSingleAlert(t *testing.T) {
	clock := newFakeClock()
	cam := newTickingCamera(clock, time.Second)
	engine := &scriptedEngine{} // never sees a face

	alerts := 0
	opts := Options{
		FrameSkip:      1,
		MatchThreshold: 0.4,
		IdleTimeout:    30 * time.Second,
		Alert:          func() { alerts++ },
	}
	events := &capturedEvents{}
	s, _ := newTestSession(cam, engine, &gallery.Gallery{}, newMemoryRecordStore(), events, opts, clock)

	res := s.Run(context.Background(), discardSink)

	if res.Reason != ReasonIdleTimeout {
		t.Fatalf("reason = %q, want %q", res.Reason, ReasonIdleTimeout)
	}
	if alerts != 1 {
		t.Errorf("alert fired %d times, want exactly 1", alerts)
	}
	if got := events.ofType(models.EventSessionIdle); len(got) != 1 {
		t.Errorf("session_idle events = %d, want 1", len(got))
	}
	if got := events.ofType(models.EventRecognitionEnded); len(got) != 1 {
		t.Errorf("recognition_ended events = %d, want 1", len(got))
	}
}

func TestSessionEndOfStream(t *testing.T) {
	cam := newFakeCamera(5, true)
	engine := &scriptedEngine{}
	s, _ := newTestSession(cam, engine, &gallery.Gallery{}, newMemoryRecordStore(), nil,
		Options{FrameSkip: 1, MatchThreshold: 0.4, IdleTimeout: time.Hour}, nil)

	res := s.Run(context.Background(), discardSink)

	if res.Reason != ReasonEndOfStream {
		t.Fatalf("reason = %q, want %q", res.Reason, ReasonEndOfStream)
	}
	if res.FramesRead != 5 {
		t.Errorf("frames read = %d, want 5", res.FramesRead)
	}
	if !cam.isClosed() {
		t.Error("camera not released on end of stream")
	}
}

func TestSessionExternalStopReleasesCamera(t *testing.T) {
	cam := newFakeCamera(0, false) // blocks until closed
	engine := &scriptedEngine{}
	s, _ := newTestSession(cam, engine, &gallery.Gallery{}, newMemoryRecordStore(), nil,
		Options{FrameSkip: 1, MatchThreshold: 0.4, IdleTimeout: time.Hour}, nil)

	done := make(chan Result, 1)
	go func() { done <- s.Run(context.Background(), discardSink) }()

	time.Sleep(20 * time.Millisecond)
	s.Stop()

	select {
	case res := <-done:
		if res.Reason != ReasonStopped {
			t.Errorf("reason = %q, want %q", res.Reason, ReasonStopped)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not observe Stop")
	}
	if !cam.isClosed() {
		t.Error("camera not released after Stop")
	}
}

func TestSessionFrameSkipSamplesDetection(t *testing.T) {
	cam := newFakeCamera(9, true)
	engine := &scriptedEngine{}
	s, _ := newTestSession(cam, engine, &gallery.Gallery{}, newMemoryRecordStore(), nil,
		Options{FrameSkip: 3, MatchThreshold: 0.4, IdleTimeout: time.Hour}, nil)

	emitted := 0
	res := s.Run(context.Background(), func([]byte) error {
		emitted++
		return nil
	})

	if res.Reason != ReasonEndOfStream {
		t.Fatalf("reason = %q, want %q", res.Reason, ReasonEndOfStream)
	}
	if got := engine.calls(); got != 3 {
		t.Errorf("detection ran on %d frames, want 3 of 9", got)
	}
	if emitted != 9 {
		t.Errorf("emitted %d frames, want all 9", emitted)
	}
}

func TestSessionRecordsMatchedUserOnce(t *testing.T) {
	userID := uuid.New()
	sig := vision.Signature{1, 0}
	gal := &gallery.Gallery{Entries: []gallery.Entry{{UserID: userID, Signature: sig}}}
	engine := &scriptedEngine{
		boxes: []image.Rectangle{image.Rect(0, 0, 8, 8)},
		sigs:  []vision.Signature{sig},
	}
	store := newMemoryRecordStore()
	events := &capturedEvents{}

	cam := newFakeCamera(6, true)
	s, recorder := newTestSession(cam, engine, gal, store, events,
		Options{FrameSkip: 1, MatchThreshold: 0.4, IdleTimeout: time.Hour}, nil)

	res := s.Run(context.Background(), discardSink)

	if res.Reason != ReasonEndOfStream {
		t.Fatalf("reason = %q, want %q", res.Reason, ReasonEndOfStream)
	}
	if recorder.Created() != 1 {
		t.Errorf("created records = %d, want 1 despite repeated sightings", recorder.Created())
	}
	if n := store.count(s.id); n != 1 {
		t.Errorf("persisted records = %d, want 1", n)
	}
	if got := events.ofType(models.EventAttendanceRecorded); len(got) != 1 {
		t.Errorf("attendance_recorded events = %d, want 1", len(got))
	} else if got[0].UserID != userID {
		t.Errorf("event user = %s, want %s", got[0].UserID, userID)
	}
	if len(res.RecordedUsers) != 1 || res.RecordedUsers[0] != userID {
		t.Errorf("recorded users = %v, want [%s]", res.RecordedUsers, userID)
	}
}

func TestSessionPanicDuringProcessingReleasesCamera(t *testing.T) {
	cam := newFakeCamera(3, true)
	events := &capturedEvents{}
	s, _ := newTestSession(cam, panicEngine{}, &gallery.Gallery{}, newMemoryRecordStore(), events,
		Options{FrameSkip: 1, MatchThreshold: 0.4, IdleTimeout: time.Hour}, nil)

	res := s.Run(context.Background(), discardSink)

	if res.Reason != ReasonError {
		t.Errorf("reason = %q, want %q after a panic in the loop", res.Reason, ReasonError)
	}
	if res.FramesRead != 1 {
		t.Errorf("frames read = %d, want 1", res.FramesRead)
	}
	if !cam.isClosed() {
		t.Error("camera not released after panic")
	}
	got := events.ofType(models.EventRecognitionEnded)
	if len(got) != 1 || got[0].Reason != string(ReasonError) {
		t.Errorf("recognition_ended events = %+v, want one with reason %q", got, ReasonError)
	}
}

func TestSessionEngineErrorReleasesCamera(t *testing.T) {
	cam := newFakeCamera(3, true)
	s, _ := newTestSession(cam, erroringEngine{}, &gallery.Gallery{}, newMemoryRecordStore(), nil,
		Options{FrameSkip: 1, MatchThreshold: 0.4, IdleTimeout: time.Hour}, nil)

	res := s.Run(context.Background(), discardSink)

	if res.Reason != ReasonError {
		t.Errorf("reason = %q, want %q on an engine failure", res.Reason, ReasonError)
	}
	if res.FramesRead != 1 {
		t.Errorf("frames read = %d, want 1 (loop stops on the first failure)", res.FramesRead)
	}
	if !cam.isClosed() {
		t.Error("camera not released after engine failure")
	}
}

func TestSessionSinkErrorStops(t *testing.T) {
	cam := newFakeCamera(10, false)
	engine := &scriptedEngine{}
	s, _ := newTestSession(cam, engine, &gallery.Gallery{}, newMemoryRecordStore(), nil,
		Options{FrameSkip: 1, MatchThreshold: 0.4, IdleTimeout: time.Hour}, nil)

	res := s.Run(context.Background(), func([]byte) error { return io.ErrClosedPipe })

	if res.Reason != ReasonStopped {
		t.Errorf("reason = %q, want %q on client disconnect", res.Reason, ReasonStopped)
	}
	if !cam.isClosed() {
		t.Error("camera not released after sink failure")
	}
}
