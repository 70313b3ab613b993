package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/attend/internal/gallery"
	"github.com/your-org/attend/pkg/dto"
)

type GalleryHandler struct {
	cache *gallery.Cache
}

func NewGalleryHandler(cache *gallery.Cache) *GalleryHandler {
	return &GalleryHandler{cache: cache}
}

// Get returns the cached gallery summary for an organization, building it on
// first access. ?force=true bypasses the TTL and rebuilds.
func (h *GalleryHandler) Get(c *gin.Context) {
	orgID, err := uuid.Parse(c.Param("orgID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid organization id"})
		return
	}
	force, _ := strconv.ParseBool(c.Query("force"))

	g, err := h.cache.Get(c.Request.Context(), orgID, force)
	if err != nil {
		slog.Error("build gallery", "organization_id", orgID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build gallery"})
		return
	}

	c.JSON(http.StatusOK, dto.GalleryResponse{
		OrganizationID: g.OrganizationID,
		Users:          g.Users(),
		Signatures:     len(g.Entries),
		BuiltAt:        g.BuiltAt,
	})
}

// Reload forces a rebuild regardless of cache age.
func (h *GalleryHandler) Reload(c *gin.Context) {
	orgID, err := uuid.Parse(c.Param("orgID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid organization id"})
		return
	}

	g, err := h.cache.Get(c.Request.Context(), orgID, true)
	if err != nil {
		slog.Error("reload gallery", "organization_id", orgID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reload gallery"})
		return
	}

	c.JSON(http.StatusOK, dto.GalleryResponse{
		OrganizationID: g.OrganizationID,
		Users:          g.Users(),
		Signatures:     len(g.Entries),
		BuiltAt:        g.BuiltAt,
	})
}
