package services

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/dmitrijs2005/doccatalog/internal/common"
	"github.com/dmitrijs2005/doccatalog/internal/logging"
	"github.com/dmitrijs2005/doccatalog/internal/server/models"
	"github.com/dmitrijs2005/doccatalog/internal/server/staging"
	"github.com/dmitrijs2005/doccatalog/internal/server/storage"
	"github.com/dmitrijs2005/doccatalog/internal/server/uploads"
)

// AttachmentLedger is the part of Ledger the attachment workflows need.
type AttachmentLedger interface {
	DocumentExists(ctx context.Context, documentID string) (bool, error)
	HasName(ctx context.Context, documentID, name string) (bool, error)
	List(ctx context.Context, documentID string) ([]*models.Attachment, error)
	RemoveNames(ctx context.Context, documentID string, names []string) (bool, error)
}

// StagingArea holds uploaded bytes until the scheduler commits them.
type StagingArea interface {
	Write(documentID, name string, r io.Reader) (int64, error)
	Exists(documentID, name string) (bool, error)
	Remove(documentID, name string) error
}

// BatchStarter launches background upload batches.
type BatchStarter interface {
	Start(documentID string, names []string) *uploads.Handle
}

// UploadFile is one file of an upload request. Open is called only after
// the whole request has been validated.
type UploadFile struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

type AttachmentService struct {
	ledger     AttachmentLedger
	staging    StagingArea
	scheduler  BatchStarter
	gateway    storage.ObjectStore
	presignTTL time.Duration
	logger     logging.Logger

	uploads docLocks
	deletes sync.WaitGroup
}

func NewAttachmentService(ledger AttachmentLedger, area StagingArea, scheduler BatchStarter,
	gateway storage.ObjectStore, presignTTL time.Duration, logger logging.Logger) *AttachmentService {
	if logger == nil {
		logger = logging.Nop()
	}
	return &AttachmentService{
		ledger:     ledger,
		staging:    area,
		scheduler:  scheduler,
		gateway:    gateway,
		presignTTL: presignTTL,
		logger:     logger.With("module", "attachments"),
	}
}

func validateDocumentID(documentID string) error {
	if _, err := uuid.Parse(documentID); err != nil {
		return fmt.Errorf("%w: document id %q is not a uuid", common.ErrValidation, documentID)
	}
	return nil
}

// StartUpload stages the files of one request and hands them to the
// scheduler. It returns as soon as the bytes are on local disk; the
// returned handle reports how the batch ended.
//
// Nothing is staged unless the whole request is acceptable: the document
// must exist and no name may already be committed or waiting in staging.
// Requests for the same document are checked and staged one at a time.
func (s *AttachmentService) StartUpload(ctx context.Context, documentID string, files []UploadFile) (*uploads.Handle, error) {
	if err := validateDocumentID(documentID); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files", common.ErrValidation)
	}

	names := make([]string, 0, len(files))
	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		if err := staging.ValidateName(f.Name); err != nil {
			return nil, err
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate file name %q", common.ErrValidation, f.Name)
		}
		seen[f.Name] = struct{}{}
		names = append(names, f.Name)
	}

	unlock := s.uploads.lock(documentID)
	defer unlock()

	exists, err := s.ledger.DocumentExists(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("check document: %w", err)
	}
	if !exists {
		return nil, common.ErrDocumentNotFound
	}

	for _, name := range names {
		committed, err := s.ledger.HasName(ctx, documentID, name)
		if err != nil {
			return nil, fmt.Errorf("check attachment: %w", err)
		}
		if committed {
			return nil, fmt.Errorf("%w: %q is already attached", common.ErrAlreadyExists, name)
		}
		staged, err := s.staging.Exists(documentID, name)
		if err != nil {
			return nil, fmt.Errorf("check staging: %w", err)
		}
		if staged {
			return nil, fmt.Errorf("%w: %q is already being uploaded", common.ErrAlreadyExists, name)
		}
	}

	for i, f := range files {
		if err := s.stage(documentID, f); err != nil {
			for _, prev := range files[:i] {
				if rerr := s.staging.Remove(documentID, prev.Name); rerr != nil {
					s.logger.Warn(ctx, "staged file rollback failed", "document_id", documentID, "file", prev.Name, "error", rerr)
				}
			}
			return nil, err
		}
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}
	s.logger.Info(ctx, "upload accepted", "document_id", documentID, "files", len(names),
		"size", humanize.IBytes(uint64(total)))
	return s.scheduler.Start(documentID, names), nil
}

func (s *AttachmentService) stage(documentID string, f UploadFile) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open upload %q: %w", f.Name, err)
	}
	defer rc.Close()

	if _, err := s.staging.Write(documentID, f.Name, rc); err != nil {
		return fmt.Errorf("stage %q: %w", f.Name, err)
	}
	return nil
}

// ListAttachments returns the committed attachments of a document.
func (s *AttachmentService) ListAttachments(ctx context.Context, documentID string) ([]*models.Attachment, error) {
	if err := validateDocumentID(documentID); err != nil {
		return nil, err
	}
	exists, err := s.ledger.DocumentExists(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("check document: %w", err)
	}
	if !exists {
		return nil, common.ErrDocumentNotFound
	}
	items, err := s.ledger.List(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return items, nil
}

// GetPresignedURL returns a time-limited download URL for a committed
// attachment. Files that are only staged are not downloadable.
func (s *AttachmentService) GetPresignedURL(ctx context.Context, documentID, name string) (string, error) {
	if err := validateDocumentID(documentID); err != nil {
		return "", err
	}
	ok, err := s.ledger.HasName(ctx, documentID, name)
	if err != nil {
		return "", fmt.Errorf("check attachment: %w", err)
	}
	if !ok {
		return "", common.ErrNotFound
	}
	url, err := s.gateway.PresignGet(ctx, documentID, name, s.presignTTL)
	if err != nil {
		return "", fmt.Errorf("presign: %w", err)
	}
	return url, nil
}

// DeleteAttachment removes the name from the ledger and then deletes the
// blob in the background. The caller sees success once the ledger entry is
// gone; a failed remote delete leaves an orphan blob and is only logged.
// The returned channel yields the remote result and is then closed.
func (s *AttachmentService) DeleteAttachment(ctx context.Context, documentID, name string) (<-chan error, error) {
	if err := validateDocumentID(documentID); err != nil {
		return nil, err
	}
	removed, err := s.ledger.RemoveNames(ctx, documentID, []string{name})
	if err != nil {
		return nil, fmt.Errorf("remove attachment: %w", err)
	}
	if !removed {
		return nil, common.ErrNotFound
	}

	done := make(chan error, 1)
	bg := context.WithoutCancel(ctx)
	s.deletes.Add(1)
	logging.Go(bg, s.logger, "attachment-delete", func() {
		defer s.deletes.Done()
		defer close(done)

		err := s.gateway.Delete(bg, documentID, name)
		if err != nil {
			s.logger.Warn(bg, "remote delete failed, blob left behind",
				"document_id", documentID, "file", name, "error", err)
		}
		done <- err
	})
	return done, nil
}

// WaitDeletes blocks until background deletes finish or ctx ends.
func (s *AttachmentService) WaitDeletes(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.deletes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for attachment deletes: %w", ctx.Err())
	}
}
