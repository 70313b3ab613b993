package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/camera"
	"github.com/your-org/attend/internal/config"
	"github.com/your-org/attend/internal/gallery"
	"github.com/your-org/attend/internal/models"
)

// managerStore joins the session/user lookups with the in-memory record
// store.
type managerStore struct {
	*memoryRecordStore
	sessions map[uuid.UUID]*models.AttendanceSession
	users    []models.User
}

func newManagerStore() *managerStore {
	return &managerStore{
		memoryRecordStore: newMemoryRecordStore(),
		sessions:          make(map[uuid.UUID]*models.AttendanceSession),
	}
}

func (s *managerStore) GetSession(ctx context.Context, id uuid.UUID) (*models.AttendanceSession, error) {
	return s.sessions[id], nil
}

func (s *managerStore) ListUsers(ctx context.Context, orgID uuid.UUID) ([]models.User, error) {
	return s.users, nil
}

// galleryFakes satisfy the cache interfaces for orgs with no enrollments.
type emptyUserSource struct{}

func (emptyUserSource) ListEnrolledUsers(ctx context.Context, orgID uuid.UUID) ([]models.EnrolledUser, error) {
	return nil, nil
}
func (emptyUserSource) ListFaceSignatures(ctx context.Context, orgID uuid.UUID) ([]models.FaceSignatureRow, error) {
	return nil, nil
}
func (emptyUserSource) SaveFaceSignature(ctx context.Context, userID uuid.UUID, sig []float32) error {
	return nil
}

type noImages struct{}

func (noImages) FetchImage(ctx context.Context, ref string) ([]byte, error) {
	return nil, errors.New("no images in test")
}

func activeSession(now time.Time) *models.AttendanceSession {
	return &models.AttendanceSession{
		ID:              uuid.New(),
		OrganizationID:  uuid.New(),
		Title:           "standup",
		StartTime:       now.Add(-10 * time.Minute),
		DurationMinutes: 60,
	}
}

func newTestManager(store *managerStore, openCam CameraOpener) *Manager {
	engine := &scriptedEngine{}
	cache := gallery.NewCache(emptyUserSource{}, noImages{}, engine, config.GalleryConfig{
		TTL: time.Hour, Workers: 2, ThumbnailSize: 64,
	})
	return NewManager(store, cache, engine, nil, openCam,
		config.RecognitionConfig{
			MatchThreshold: 0.4,
			FrameSkip:      1,
			JPEGQuality:    70,
			IdleTimeout:    time.Hour,
		},
		config.AttendanceConfig{Mode: config.AttendanceModeImmediate})
}

func TestManagerStreamUnknownSession(t *testing.T) {
	m := newTestManager(newManagerStore(), nil)

	_, err := m.Stream(context.Background(), uuid.New(), StreamParams{}, discardSink)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestManagerStreamCompletedSession(t *testing.T) {
	store := newManagerStore()
	sess := activeSession(time.Now())
	sess.StartTime = time.Now().Add(-2 * time.Hour)
	store.sessions[sess.ID] = sess
	m := newTestManager(store, nil)

	_, err := m.Stream(context.Background(), sess.ID, StreamParams{}, discardSink)
	if !errors.Is(err, ErrSessionCompleted) {
		t.Fatalf("err = %v, want ErrSessionCompleted", err)
	}
}

func TestManagerStreamRunsToResult(t *testing.T) {
	store := newManagerStore()
	sess := activeSession(time.Now())
	store.sessions[sess.ID] = sess

	cam := newFakeCamera(3, true)
	m := newTestManager(store, func(ctx context.Context, index int) (camera.Camera, error) {
		return cam, nil
	})

	res, err := m.Stream(context.Background(), sess.ID, StreamParams{}, discardSink)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if res.Reason != ReasonEndOfStream {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonEndOfStream)
	}
	if !cam.isClosed() {
		t.Error("camera not released")
	}

	got, ok := m.Result(sess.ID)
	if !ok {
		t.Fatal("result not retained after stream end")
	}
	if got.Reason != res.Reason || got.FramesRead != res.FramesRead {
		t.Errorf("retained result %+v differs from returned %+v", got, res)
	}
	if m.Active(sess.ID) {
		t.Error("session still marked active")
	}
}

func TestManagerStreamCameraOpenFailure(t *testing.T) {
	store := newManagerStore()
	sess := activeSession(time.Now())
	store.sessions[sess.ID] = sess

	m := newTestManager(store, func(ctx context.Context, index int) (camera.Camera, error) {
		return nil, errors.New("device busy")
	})

	if _, err := m.Stream(context.Background(), sess.ID, StreamParams{}, discardSink); err == nil {
		t.Fatal("stream started with an unopenable camera")
	}
	// The failed attempt must not leave the camera or session reserved.
	cam := newFakeCamera(1, true)
	m.openCam = func(ctx context.Context, index int) (camera.Camera, error) { return cam, nil }
	if _, err := m.Stream(context.Background(), sess.ID, StreamParams{}, discardSink); err != nil {
		t.Fatalf("second stream after failed open: %v", err)
	}
}

func TestManagerStreamFromURLSource(t *testing.T) {
	store := newManagerStore()
	sess := activeSession(time.Now())
	store.sessions[sess.ID] = sess

	cam := newFakeCamera(2, true)
	m := newTestManager(store, func(ctx context.Context, index int) (camera.Camera, error) {
		t.Error("device opener used for a URL source")
		return nil, errors.New("wrong opener")
	})
	var gotURL string
	m.openURL = func(ctx context.Context, url string) (camera.Camera, error) {
		gotURL = url
		return cam, nil
	}

	res, err := m.Stream(context.Background(), sess.ID,
		StreamParams{SourceURL: "rtsp://cams.internal/door"}, discardSink)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if gotURL != "rtsp://cams.internal/door" {
		t.Errorf("opened %q, want the requested rtsp url", gotURL)
	}
	if res.Reason != ReasonEndOfStream {
		t.Errorf("reason = %q, want %q", res.Reason, ReasonEndOfStream)
	}
	if !cam.isClosed() {
		t.Error("camera not released")
	}
}

func TestManagerStopWithoutStream(t *testing.T) {
	m := newTestManager(newManagerStore(), nil)
	if err := m.Stop(uuid.New()); !errors.Is(err, ErrNoStream) {
		t.Fatalf("err = %v, want ErrNoStream", err)
	}
}

func TestManagerRejectsConcurrentStreamForSameCamera(t *testing.T) {
	store := newManagerStore()
	first := activeSession(time.Now())
	second := activeSession(time.Now())
	store.sessions[first.ID] = first
	store.sessions[second.ID] = second

	blockingCam := newFakeCamera(0, false)
	m := newTestManager(store, func(ctx context.Context, index int) (camera.Camera, error) {
		return blockingCam, nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Stream(context.Background(), first.ID, StreamParams{}, discardSink)
	}()

	// Wait for the first stream to hold the camera.
	deadline := time.After(2 * time.Second)
	for !m.Active(first.ID) {
		select {
		case <-deadline:
			t.Fatal("first stream never became active")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := m.Stream(context.Background(), second.ID, StreamParams{}, discardSink); !errors.Is(err, ErrCameraBusy) {
		t.Fatalf("err = %v, want ErrCameraBusy", err)
	}

	// The stream may still be between reserving the camera and registering
	// the running session; retry until Stop lands.
	for m.Stop(first.ID) != nil {
		select {
		case <-deadline:
			t.Fatal("could not stop first stream")
		case <-time.After(5 * time.Millisecond):
		}
	}
	<-done
}
