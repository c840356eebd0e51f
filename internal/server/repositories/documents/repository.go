package documents

import (
	"context"

	"github.com/dmitrijs2005/doccatalog/internal/server/models"
)

// Repository is the persistence surface of documents and their ledger rows.
type Repository interface {
	Create(ctx context.Context, doc *models.Document) error
	Exists(ctx context.Context, documentID string) (bool, error)
	LockForUpdate(ctx context.Context, documentID string) (bool, error)
	InsertAttachments(ctx context.Context, documentID string, names []string) (int64, error)
	DeleteAttachments(ctx context.Context, documentID string, names []string) (int64, error)
	HasAttachment(ctx context.Context, documentID, name string) (bool, error)
	ListAttachments(ctx context.Context, documentID string) ([]*models.Attachment, error)
}
