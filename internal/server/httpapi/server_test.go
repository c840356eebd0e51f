package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/doccatalog/internal/common"
	"github.com/dmitrijs2005/doccatalog/internal/server/auth"
	"github.com/dmitrijs2005/doccatalog/internal/server/models"
	"github.com/dmitrijs2005/doccatalog/internal/server/services"
	"github.com/dmitrijs2005/doccatalog/internal/server/uploads"
)

const (
	testDocID  = "5b7e3a10-9c2d-4e8f-a1b2-c3d4e5f60718"
	testSecret = "test-secret"
)

// -------- test fakes --------

type uploadCall struct {
	documentID string
	names      []string
	bodies     []string
}

type fakeAttachments struct {
	uploads   []uploadCall
	uploadErr error

	items   []*models.Attachment
	listErr error

	url     string
	urlErr  error
	delErr  error
	deleted []string

	panicOnList bool
}

func (f *fakeAttachments) StartUpload(ctx context.Context, documentID string, files []services.UploadFile) (*uploads.Handle, error) {
	call := uploadCall{documentID: documentID}
	for _, file := range files {
		rc, err := file.Open()
		if err != nil {
			return nil, err
		}
		b, _ := io.ReadAll(rc)
		_ = rc.Close()
		call.names = append(call.names, file.Name)
		call.bodies = append(call.bodies, string(b))
	}
	f.uploads = append(f.uploads, call)
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &uploads.Handle{DocumentID: documentID}, nil
}

func (f *fakeAttachments) ListAttachments(ctx context.Context, documentID string) ([]*models.Attachment, error) {
	if f.panicOnList {
		panic("list exploded")
	}
	return f.items, f.listErr
}

func (f *fakeAttachments) GetPresignedURL(ctx context.Context, documentID, name string) (string, error) {
	return f.url, f.urlErr
}

func (f *fakeAttachments) DeleteAttachment(ctx context.Context, documentID, name string) (<-chan error, error) {
	if f.delErr != nil {
		return nil, f.delErr
	}
	f.deleted = append(f.deleted, name)
	done := make(chan error)
	close(done)
	return done, nil
}

type fakeDocuments struct {
	err error
}

func (f *fakeDocuments) Create(ctx context.Context, title string) (*models.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	if title == "" {
		return nil, fmt.Errorf("%w: empty title", common.ErrValidation)
	}
	return &models.Document{ID: testDocID, Title: title, CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

// -------- helpers --------

type harness struct {
	srv  *Server
	att  *fakeAttachments
	docs *fakeDocuments
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{att: &fakeAttachments{}, docs: &fakeDocuments{}}
	opts := Options{
		Attachments:    h.att,
		Documents:      h.docs,
		DB:             fakePinger{},
		JWTSecret:      []byte(testSecret),
		MaxUploadBytes: 1 << 20,
		Gatherer:       prometheus.NewRegistry(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.srv = NewServer(opts)
	return h
}

func bearer(t *testing.T) string {
	t.Helper()
	tok, err := auth.GenerateToken("ops", []byte(testSecret), time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (h *harness) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", bearer(t))
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, files map[string]string, order ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, name := range order {
		part, err := w.CreateFormFile(uploadFormField, name)
		require.NoError(t, err)
		_, err = part.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// -------- tests --------

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", common.ErrValidation), http.StatusBadRequest},
		{common.ErrDocumentNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", common.ErrNotFound), http.StatusNotFound},
		{common.ErrAlreadyExists, http.StatusConflict},
		{common.ErrUnauthorized, http.StatusUnauthorized},
		{common.ErrInvalidToken, http.StatusUnauthorized},
		{common.ErrTokenExpired, http.StatusUnauthorized},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestAuth_RequiresBearerToken(t *testing.T) {
	h := newHarness(t)
	url := "/api/v1/documents/" + testDocID + "/attachments"

	for name, header := range map[string]string{
		"missing":    "",
		"not bearer": "Basic abc",
		"garbage":    "Bearer nope",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, url, nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.srv.Handler().ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	expired, err := auth.GenerateToken("ops", []byte(testSecret), -time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), common.ErrTokenExpired.Error())
}

func TestHealthzAndMetricsArePublic(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthz_DatabaseDown(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.DB = fakePinger{err: errors.New("refused")} })

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateDocument(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", strings.NewReader(`{"title":"Lease"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := h.do(t, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	got := decode[documentResponse](t, rec)
	assert.Equal(t, testDocID, got.ID)
	assert.Equal(t, "Lease", got.Title)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/documents", strings.NewReader(`{`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, h.do(t, req).Code)
}

func TestUpload_Accepted(t *testing.T) {
	h := newHarness(t)
	body, ct := multipartBody(t, map[string]string{"a.pdf": "AAA", "b.png": "BB"}, "a.pdf", "b.png")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+testDocID+"/attachments", body)
	req.Header.Set("Content-Type", ct)
	rec := h.do(t, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	got := decode[uploadResponse](t, rec)
	assert.Equal(t, uploadResponse{DocumentID: testDocID, Files: []string{"a.pdf", "b.png"}, Status: "pending"}, got)

	require.Len(t, h.att.uploads, 1)
	assert.Equal(t, []string{"AAA", "BB"}, h.att.uploads[0].bodies)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestUpload_ServiceErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: no files", common.ErrValidation), http.StatusBadRequest},
		{common.ErrDocumentNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: already attached", common.ErrAlreadyExists), http.StatusConflict},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.want), func(t *testing.T) {
			h := newHarness(t)
			h.att.uploadErr = tt.err
			body, ct := multipartBody(t, map[string]string{"a": "x"}, "a")
			req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+testDocID+"/attachments", body)
			req.Header.Set("Content-Type", ct)

			rec := h.do(t, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "disk full")
			}
		})
	}
}

func TestUpload_NotMultipart(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+testDocID+"/attachments", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, h.do(t, req).Code)
	assert.Empty(t, h.att.uploads)
}

func TestUpload_TooLarge(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxUploadBytes = 64 })
	body, ct := multipartBody(t, map[string]string{"a": strings.Repeat("x", 512)}, "a")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+testDocID+"/attachments", body)
	req.Header.Set("Content-Type", ct)
	rec := h.do(t, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, h.att.uploads)
}

func TestListAttachments(t *testing.T) {
	h := newHarness(t)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	h.att.items = []*models.Attachment{{DocumentID: testDocID, FileName: "a.pdf", CommittedAt: at}}

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+testDocID+"/attachments", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[listResponse](t, rec)
	assert.Equal(t, []attachmentResponse{{FileName: "a.pdf", CommittedAt: at}}, got.Attachments)

	h.att.items = nil
	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+testDocID+"/attachments", nil))
	assert.JSONEq(t, `{"document_id":"`+testDocID+`","attachments":[]}`, rec.Body.String())

	h.att.listErr = common.ErrDocumentNotFound
	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+testDocID+"/attachments", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPresignURL(t *testing.T) {
	h := newHarness(t)
	h.att.url = "https://blobs.example/x?sig=1"

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+testDocID+"/attachments/a.pdf/url", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, h.att.url, decode[urlResponse](t, rec).URL)

	h.att.urlErr = common.ErrNotFound
	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+testDocID+"/attachments/a.pdf/url", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteAttachment(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/documents/"+testDocID+"/attachments/a.pdf", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"a.pdf"}, h.att.deleted)

	h.att.delErr = common.ErrNotFound
	rec = h.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/documents/"+testDocID+"/attachments/a.pdf", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecovery(t *testing.T) {
	h := newHarness(t)
	h.att.panicOnList = true

	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+testDocID+"/attachments", nil)
	req.Header.Set(requestIDHeader, "req-1")
	rec := h.do(t, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req-1", decode[errorResponse](t, rec).RequestID)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Address = "127.0.0.1:0" })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.srv.Run(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("server exited too early: %v", err)
	case <-time.After(150 * time.Millisecond):
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRun_BadAddress(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Address = "127.0.0.1:99999" })
	assert.Error(t, h.srv.Run(context.Background()))
}
