package gallery

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/your-org/attend/internal/config"
	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/observability"
	"github.com/your-org/attend/internal/vision"
)

// UserSource lists enrollable users and their persisted signatures.
type UserSource interface {
	ListEnrolledUsers(ctx context.Context, orgID uuid.UUID) ([]models.EnrolledUser, error)
	ListFaceSignatures(ctx context.Context, orgID uuid.UUID) ([]models.FaceSignatureRow, error)
	SaveFaceSignature(ctx context.Context, userID uuid.UUID, signature []float32) error
}

// ImageResolver fetches raw enrollment image bytes by reference.
type ImageResolver interface {
	FetchImage(ctx context.Context, ref string) ([]byte, error)
}

// Cache holds one Gallery per organization, rebuilt at most once per TTL
// window. Rebuilds swap the cached snapshot atomically; concurrent readers
// keep whatever snapshot they already fetched.
type Cache struct {
	store   UserSource
	images  ImageResolver
	engine  vision.Engine
	ttl     time.Duration
	workers int
	thumb   int

	now func() time.Time

	mu        sync.RWMutex
	galleries map[uuid.UUID]*Gallery

	group singleflight.Group
}

func NewCache(store UserSource, images ImageResolver, engine vision.Engine, cfg config.GalleryConfig) *Cache {
	return &Cache{
		store:     store,
		images:    images,
		engine:    engine,
		ttl:       cfg.TTL,
		workers:   cfg.Workers,
		thumb:     cfg.ThumbnailSize,
		now:       time.Now,
		galleries: make(map[uuid.UUID]*Gallery),
	}
}

// Get returns the organization's gallery, rebuilding it when the cached one
// is missing, expired, or forceReload is set. Concurrent callers for the same
// organization share a single in-flight rebuild.
func (c *Cache) Get(ctx context.Context, orgID uuid.UUID, forceReload bool) (*Gallery, error) {
	if !forceReload {
		if g := c.fresh(orgID); g != nil {
			return g, nil
		}
	}

	// Forced rebuilds run under their own flight key so they never join an
	// in-flight call that may resolve from the cache.
	key := orgID.String()
	if forceReload {
		key = "force:" + key
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A rebuild that finished while we were queued is good enough
		// unless the caller demanded a reload.
		if !forceReload {
			if g := c.fresh(orgID); g != nil {
				return g, nil
			}
		}
		return c.rebuild(ctx, orgID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Gallery), nil
}

func (c *Cache) fresh(orgID uuid.UUID) *Gallery {
	c.mu.RLock()
	defer c.mu.RUnlock()

	g, ok := c.galleries[orgID]
	if !ok || c.now().Sub(g.BuiltAt) >= c.ttl {
		return nil
	}
	return g
}

func (c *Cache) rebuild(ctx context.Context, orgID uuid.UUID) (*Gallery, error) {
	start := c.now()

	users, err := c.store.ListEnrolledUsers(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list enrolled users: %w", err)
	}

	stored := make(map[uuid.UUID][]vision.Signature)
	rows, err := c.store.ListFaceSignatures(ctx, orgID)
	if err != nil {
		slog.Warn("load persisted signatures", "organization_id", orgID, "error", err)
	} else {
		for _, row := range rows {
			stored[row.UserID] = append(stored[row.UserID], vision.Signature(row.Signature))
		}
	}

	// Per-user results; filled by workers, read only after Wait.
	var resMu sync.Mutex
	computed := make(map[uuid.UUID][]vision.Signature)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(c.workers)

	for _, u := range users {
		if _, ok := stored[u.ID]; ok {
			continue
		}
		u := u
		eg.Go(func() error {
			sigs := c.encodeEnrollment(egCtx, u)
			if len(sigs) == 0 {
				return nil
			}
			resMu.Lock()
			computed[u.ID] = sigs
			resMu.Unlock()
			return nil
		})
	}
	// Workers never return errors; per-user failures only shrink the gallery.
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Assemble in user listing order so rebuilds are deterministic.
	gallery := &Gallery{OrganizationID: orgID, BuiltAt: c.now()}
	for _, u := range users {
		sigs := stored[u.ID]
		if sigs == nil {
			sigs = computed[u.ID]
		}
		for _, sig := range sigs {
			gallery.Entries = append(gallery.Entries, Entry{Signature: sig, UserID: u.ID})
		}
	}

	c.mu.Lock()
	c.galleries[orgID] = gallery
	c.mu.Unlock()

	observability.GalleryBuildDuration.Observe(c.now().Sub(start).Seconds())
	observability.GallerySignatures.WithLabelValues(orgID.String()).Set(float64(len(gallery.Entries)))

	slog.Info("gallery rebuilt",
		"organization_id", orgID,
		"users", len(users),
		"signatures", len(gallery.Entries),
	)
	return gallery, nil
}

// encodeEnrollment loads and encodes one user's enrollment image. Every
// failure is local to the user: the image may be missing, undecodable, or
// contain no face, and the user is then simply absent from the gallery.
func (c *Cache) encodeEnrollment(ctx context.Context, u models.EnrolledUser) []vision.Signature {
	data, err := c.images.FetchImage(ctx, u.ImageRef)
	if err != nil {
		slog.Warn("fetch enrollment image", "user_id", u.ID, "ref", u.ImageRef, "error", err)
		return nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		slog.Warn("decode enrollment image", "user_id", u.ID, "error", err)
		return nil
	}
	img = vision.Thumbnail(img, c.thumb)

	boxes, err := c.engine.DetectFaces(img)
	if err != nil {
		slog.Warn("detect enrollment faces", "user_id", u.ID, "error", err)
		return nil
	}
	if len(boxes) == 0 {
		slog.Warn("no face in enrollment image", "user_id", u.ID)
		return nil
	}

	encoded, err := c.engine.EncodeFaces(img, boxes)
	if err != nil {
		slog.Warn("encode enrollment faces", "user_id", u.ID, "error", err)
		return nil
	}

	var sigs []vision.Signature
	for _, sig := range encoded {
		if sig != nil {
			sigs = append(sigs, sig)
		}
	}

	for _, sig := range sigs {
		if err := c.store.SaveFaceSignature(ctx, u.ID, sig); err != nil {
			slog.Warn("persist enrollment signature", "user_id", u.ID, "error", err)
			break
		}
	}
	return sigs
}
