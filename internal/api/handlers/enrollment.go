package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/attend/internal/models"
)

// maxEnrollmentImageSize caps uploaded enrollment photos.
const maxEnrollmentImageSize = 10 * 1024 * 1024

// EnrollmentStore is the persistence surface for enrollment photo updates.
type EnrollmentStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	SetUserImageRef(ctx context.Context, id uuid.UUID, ref string) error
	DeleteFaceSignatures(ctx context.Context, userID uuid.UUID) error
}

// ImageUploader stores an enrollment image and returns its reference.
type ImageUploader interface {
	PutImage(ctx context.Context, filename string, data []byte, contentType string) (string, error)
}

type EnrollmentHandler struct {
	store  EnrollmentStore
	images ImageUploader
}

// NewEnrollmentHandler wires enrollment photo uploads. images may be nil when
// the deployment serves enrollment photos from a local directory; uploads are
// refused then.
func NewEnrollmentHandler(store EnrollmentStore, images ImageUploader) *EnrollmentHandler {
	return &EnrollmentHandler{store: store, images: images}
}

// Upload replaces a user's enrollment photo. Persisted signatures for the
// user are dropped so the next gallery rebuild re-encodes the new image.
func (h *EnrollmentHandler) Upload(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	if h.images == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "enrollment uploads require object storage"})
		return
	}

	user, err := h.store.GetUser(c.Request.Context(), userID)
	if err != nil {
		slog.Error("get user", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing image file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxEnrollmentImageSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read image"})
		return
	}
	if len(data) > maxEnrollmentImageSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}

	filename := userID.String() + strings.ToLower(filepath.Ext(header.Filename))
	ref, err := h.images.PutImage(c.Request.Context(), filename, data, header.Header.Get("Content-Type"))
	if err != nil {
		slog.Error("store enrollment image", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store image"})
		return
	}

	if err := h.store.SetUserImageRef(c.Request.Context(), userID, ref); err != nil {
		slog.Error("update image ref", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update user"})
		return
	}
	// Stale signatures would shadow the new photo on warm rebuilds.
	if err := h.store.DeleteFaceSignatures(c.Request.Context(), userID); err != nil {
		slog.Warn("drop stale signatures", "user_id", userID, "error", err)
	}

	slog.Info("enrollment photo replaced", "user_id", userID, "ref", ref)
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "image_ref": ref})
}
