// Package api wires the HTTP surface: streaming, stream control, gallery
// management and system endpoints.
package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/attend/internal/api/handlers"
	"github.com/your-org/attend/internal/api/ws"
	"github.com/your-org/attend/internal/gallery"
	"github.com/your-org/attend/internal/queue"
	"github.com/your-org/attend/internal/session"
	"github.com/your-org/attend/internal/storage"
)

type RouterConfig struct {
	APIKey   string
	DB       *storage.PostgresStore
	MinIO    *storage.MinIOStore
	Producer *queue.Producer
	Hub      *ws.Hub
	Cache    *gallery.Cache
	Manager  *session.Manager
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.DB, cfg.MinIO, cfg.Producer)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(APIKeyMiddleware(cfg.APIKey))

	// WebSocket
	v1.GET("/ws", cfg.Hub.HandleWS)

	// Recognition streams
	attH := handlers.NewAttendanceHandler(cfg.DB, cfg.Manager)
	v1.GET("/attendance/:sessionID/stream", attH.Stream)
	v1.POST("/attendance/:sessionID/stop", attH.Stop)
	v1.GET("/attendance/:sessionID/result", attH.Result)
	v1.GET("/attendance/:sessionID/records", attH.Records)

	// Galleries
	galH := handlers.NewGalleryHandler(cfg.Cache)
	v1.GET("/galleries/:orgID", galH.Get)
	v1.POST("/galleries/:orgID/reload", galH.Reload)

	// Enrollment photos
	var uploader handlers.ImageUploader
	if cfg.MinIO != nil {
		uploader = cfg.MinIO
	}
	enrollH := handlers.NewEnrollmentHandler(cfg.DB, uploader)
	v1.POST("/users/:userID/enrollment", enrollH.Upload)

	return r
}
