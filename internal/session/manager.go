package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/attendance"
	"github.com/your-org/attend/internal/camera"
	"github.com/your-org/attend/internal/config"
	"github.com/your-org/attend/internal/gallery"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/render"
	"github.com/your-org/attend/internal/vision"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionCompleted = errors.New("session already completed")
	ErrStreamActive     = errors.New("a stream is already running for this session")
	ErrCameraBusy       = errors.New("camera is in use by another stream")
	ErrNoStream         = errors.New("no stream is running for this session")
)

// Store is the persistence surface the manager needs: session lookup, user
// names for labels, and the recorder's record operations.
type Store interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.AttendanceSession, error)
	ListUsers(ctx context.Context, orgID uuid.UUID) ([]models.User, error)
	attendance.RecordStore
}

// CameraOpener acquires a capture device by index.
type CameraOpener func(ctx context.Context, index int) (camera.Camera, error)

// StreamParams are the caller-tunable parts of one stream request. Zero
// values fall back to the configured defaults. SourceURL, when set, captures
// from a network stream instead of a local device.
type StreamParams struct {
	CameraIndex int
	SourceURL   string
	FrameSkip   int
	JPEGQuality int
	IdleTimeout time.Duration
}

// source identifies the capture device or network stream the request wants,
// for exclusive ownership.
func (p StreamParams) source() string {
	if p.SourceURL != "" {
		return p.SourceURL
	}
	return fmt.Sprintf("/dev/video%d", p.CameraIndex)
}

// Manager starts recognition streams and enforces single ownership: at most
// one stream per attendance session and one per capture source at a time.
// Terminal results stay queryable after the stream ends.
type Manager struct {
	store    Store
	cache    *gallery.Cache
	engine   vision.Engine
	events   EventPublisher
	openCam  CameraOpener
	openURL  func(ctx context.Context, url string) (camera.Camera, error)
	recogCfg config.RecognitionConfig
	attCfg   config.AttendanceConfig
	now      func() time.Time

	mu       sync.Mutex
	active   map[uuid.UUID]*Session
	bySource map[string]uuid.UUID
	results  map[uuid.UUID]Result
}

func NewManager(store Store, cache *gallery.Cache, engine vision.Engine,
	events EventPublisher, openCam CameraOpener,
	recogCfg config.RecognitionConfig, attCfg config.AttendanceConfig) *Manager {
	if openCam == nil {
		openCam = func(ctx context.Context, index int) (camera.Camera, error) {
			return camera.Open(ctx, index)
		}
	}
	return &Manager{
		store:   store,
		cache:   cache,
		engine:  engine,
		events:  events,
		openCam: openCam,
		openURL: func(ctx context.Context, url string) (camera.Camera, error) {
			return camera.OpenURL(ctx, url)
		},
		recogCfg: recogCfg,
		attCfg:   attCfg,
		now:      time.Now,
		active:   make(map[uuid.UUID]*Session),
		bySource: make(map[string]uuid.UUID),
		results:  make(map[uuid.UUID]Result),
	}
}

// Stream runs one recognition stream to completion, writing output frames to
// sink. It returns the terminal result, which is also retained for Result.
func (m *Manager) Stream(ctx context.Context, sessionID uuid.UUID, params StreamParams, sink FrameSink) (Result, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return Result{}, ErrSessionNotFound
	}
	if sess.StatusAt(m.now()) == models.SessionStatusCompleted {
		return Result{}, ErrSessionCompleted
	}

	gal, err := m.cache.Get(ctx, sess.OrganizationID, false)
	if err != nil {
		return Result{}, fmt.Errorf("load gallery: %w", err)
	}

	users, err := m.store.ListUsers(ctx, sess.OrganizationID)
	if err != nil {
		return Result{}, fmt.Errorf("list users: %w", err)
	}
	names := make(map[uuid.UUID]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Name
	}

	recorder := attendance.NewRecorder(m.store, sessionID, m.attCfg)
	if err := recorder.Seed(ctx); err != nil {
		return Result{}, err
	}

	opts := m.options(params)

	source := params.source()

	m.mu.Lock()
	if _, running := m.active[sessionID]; running {
		m.mu.Unlock()
		return Result{}, ErrStreamActive
	}
	if owner, busy := m.bySource[source]; busy {
		m.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s held by session %s", ErrCameraBusy, source, owner)
	}
	// Reserve both slots before the camera is touched so a racing request
	// cannot open the same device.
	m.active[sessionID] = nil
	m.bySource[source] = sessionID
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.active, sessionID)
		delete(m.bySource, source)
		m.mu.Unlock()
	}

	var cam camera.Camera
	if params.SourceURL != "" {
		cam, err = m.openURL(ctx, params.SourceURL)
	} else {
		cam, err = m.openCam(ctx, params.CameraIndex)
	}
	if err != nil {
		release()
		return Result{}, fmt.Errorf("open %s: %w", source, err)
	}

	quality := params.JPEGQuality
	if quality <= 0 {
		quality = m.recogCfg.JPEGQuality
	}
	annotator := render.NewAnnotator(m.recogCfg.FontPath, quality, m.recogCfg.ShowProcessingRate)

	s := New(sessionID, cam, gal, m.engine, recorder, annotator, names, m.events, opts)

	m.mu.Lock()
	m.active[sessionID] = s
	m.mu.Unlock()

	res := s.Run(ctx, sink)

	m.mu.Lock()
	delete(m.active, sessionID)
	delete(m.bySource, source)
	m.results[sessionID] = res
	m.mu.Unlock()

	return res, nil
}

func (m *Manager) options(params StreamParams) Options {
	opts := Options{
		FrameSkip:      params.FrameSkip,
		MatchThreshold: m.recogCfg.MatchThreshold,
		IdleTimeout:    params.IdleTimeout,
	}
	if opts.FrameSkip <= 0 {
		opts.FrameSkip = m.recogCfg.FrameSkip
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = m.recogCfg.IdleTimeout
	}
	return opts
}

// Stop signals the running stream for a session to end.
func (m *Manager) Stop(sessionID uuid.UUID) error {
	m.mu.Lock()
	s := m.active[sessionID]
	m.mu.Unlock()

	if s == nil {
		return ErrNoStream
	}
	s.Stop()
	return nil
}

// Result returns the terminal summary of the most recent stream for a
// session, if one has finished.
func (m *Manager) Result(sessionID uuid.UUID) (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.results[sessionID]
	return res, ok
}

// Active reports whether a stream is currently running for the session.
func (m *Manager) Active(sessionID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[sessionID]
	return ok
}
