package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dmitrijs2005/doccatalog/internal/common"
	"github.com/dmitrijs2005/doccatalog/internal/server/models"
	"github.com/dmitrijs2005/doccatalog/internal/server/services"
	"github.com/dmitrijs2005/doccatalog/internal/server/uploads"
)

// Attachments is the attachment workflow surface used by the handlers.
type Attachments interface {
	StartUpload(ctx context.Context, documentID string, files []services.UploadFile) (*uploads.Handle, error)
	ListAttachments(ctx context.Context, documentID string) ([]*models.Attachment, error)
	GetPresignedURL(ctx context.Context, documentID, name string) (string, error)
	DeleteAttachment(ctx context.Context, documentID, name string) (<-chan error, error)
}

type Documents interface {
	Create(ctx context.Context, title string) (*models.Document, error)
}

// Pinger reports database reachability. *sql.DB implements it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

const uploadFormField = "files"

type createDocumentRequest struct {
	Title string `json:"title"`
}

type documentResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type uploadResponse struct {
	DocumentID string   `json:"document_id"`
	Files      []string `json:"files"`
	Status     string   `json:"status"`
}

type attachmentResponse struct {
	FileName    string    `json:"file_name"`
	CommittedAt time.Time `json:"committed_at"`
}

type listResponse struct {
	DocumentID  string               `json:"document_id"`
	Attachments []attachmentResponse `json:"attachments"`
}

type urlResponse struct {
	URL string `json:"url"`
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) createDocument(c *gin.Context) {
	var req createDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, fmt.Errorf("%w: %v", common.ErrValidation, err))
		return
	}
	doc, err := s.documents.Create(c.Request.Context(), req.Title)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, documentResponse{ID: doc.ID, Title: doc.Title, CreatedAt: doc.CreatedAt})
}

// uploadAttachments accepts multipart field "files". It answers once the
// files are staged; committing them to the ledger happens in the background.
func (s *Server) uploadAttachments(c *gin.Context) {
	if c.Request.ContentLength > s.maxUploadBytes {
		s.abortWithError(c, &http.MaxBytesError{Limit: s.maxUploadBytes})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUploadBytes)

	form, err := c.MultipartForm()
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.abortWithError(c, err)
			return
		}
		s.abortWithError(c, fmt.Errorf("%w: %v", common.ErrValidation, err))
		return
	}
	defer func() { _ = form.RemoveAll() }()

	headers := form.File[uploadFormField]
	files := make([]services.UploadFile, 0, len(headers))
	names := make([]string, 0, len(headers))
	for _, fh := range headers {
		files = append(files, services.UploadFile{
			Name: fh.Filename,
			Size: fh.Size,
			Open: func() (io.ReadCloser, error) { return fh.Open() },
		})
		names = append(names, fh.Filename)
	}

	documentID := c.Param("id")
	if _, err := s.attachments.StartUpload(c.Request.Context(), documentID, files); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, uploadResponse{DocumentID: documentID, Files: names, Status: "pending"})
}

func (s *Server) listAttachments(c *gin.Context) {
	documentID := c.Param("id")
	items, err := s.attachments.ListAttachments(c.Request.Context(), documentID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	resp := listResponse{DocumentID: documentID, Attachments: make([]attachmentResponse, 0, len(items))}
	for _, it := range items {
		resp.Attachments = append(resp.Attachments, attachmentResponse{FileName: it.FileName, CommittedAt: it.CommittedAt})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) presignURL(c *gin.Context) {
	url, err := s.attachments.GetPresignedURL(c.Request.Context(), c.Param("id"), c.Param("name"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, urlResponse{URL: url})
}

func (s *Server) deleteAttachment(c *gin.Context) {
	if _, err := s.attachments.DeleteAttachment(c.Request.Context(), c.Param("id"), c.Param("name")); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
