package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/attend/internal/models"
)

type fakeEnrollmentStore struct {
	users   map[uuid.UUID]*models.User
	refs    map[uuid.UUID]string
	dropped []uuid.UUID
}

func newFakeEnrollmentStore() *fakeEnrollmentStore {
	return &fakeEnrollmentStore{
		users: make(map[uuid.UUID]*models.User),
		refs:  make(map[uuid.UUID]string),
	}
}

func (f *fakeEnrollmentStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return f.users[id], nil
}

func (f *fakeEnrollmentStore) SetUserImageRef(ctx context.Context, id uuid.UUID, ref string) error {
	f.refs[id] = ref
	return nil
}

func (f *fakeEnrollmentStore) DeleteFaceSignatures(ctx context.Context, userID uuid.UUID) error {
	f.dropped = append(f.dropped, userID)
	return nil
}

type fakeUploader struct {
	objects map[string][]byte
}

func (f *fakeUploader) PutImage(ctx context.Context, filename string, data []byte, contentType string) (string, error) {
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[filename] = data
	return filename, nil
}

func enrollmentRouter(h *EnrollmentHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/users/:userID/enrollment", h.Upload)
	return r
}

func multipartImage(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("image", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestEnrollmentUploadReplacesImageAndDropsSignatures(t *testing.T) {
	userID := uuid.New()
	store := newFakeEnrollmentStore()
	store.users[userID] = &models.User{ID: userID, Name: "Ana"}
	uploader := &fakeUploader{}
	r := enrollmentRouter(NewEnrollmentHandler(store, uploader))

	body, contentType := multipartImage(t, "ana.jpg", []byte{0xFF, 0xD8, 0xFF, 0xD9})
	req := httptest.NewRequest(http.MethodPost, "/users/"+userID.String()+"/enrollment", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ImageRef string `json:"image_ref"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ImageRef == "" || store.refs[userID] != resp.ImageRef {
		t.Errorf("image ref = %q, stored %q", resp.ImageRef, store.refs[userID])
	}
	if _, ok := uploader.objects[resp.ImageRef]; !ok {
		t.Errorf("object %q was not uploaded", resp.ImageRef)
	}
	if len(store.dropped) != 1 || store.dropped[0] != userID {
		t.Errorf("dropped signatures = %v, want [%s]", store.dropped, userID)
	}
}

func TestEnrollmentUploadUnknownUser(t *testing.T) {
	r := enrollmentRouter(NewEnrollmentHandler(newFakeEnrollmentStore(), &fakeUploader{}))

	body, contentType := multipartImage(t, "x.jpg", []byte{1})
	req := httptest.NewRequest(http.MethodPost, "/users/"+uuid.NewString()+"/enrollment", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestEnrollmentUploadWithoutObjectStorage(t *testing.T) {
	userID := uuid.New()
	store := newFakeEnrollmentStore()
	store.users[userID] = &models.User{ID: userID}
	r := enrollmentRouter(NewEnrollmentHandler(store, nil))

	body, contentType := multipartImage(t, "x.jpg", []byte{1})
	req := httptest.NewRequest(http.MethodPost, "/users/"+userID.String()+"/enrollment", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
