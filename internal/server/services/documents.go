package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/doccatalog/internal/common"
	"github.com/dmitrijs2005/doccatalog/internal/server/models"
	"github.com/dmitrijs2005/doccatalog/internal/server/repositories/repomanager"
)

const maxTitleLen = 512

// DocumentService creates catalog documents that attachments hang off.
type DocumentService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
}

func NewDocumentService(db *sql.DB, m repomanager.RepositoryManager) *DocumentService {
	return &DocumentService{db: db, repomanager: m}
}

// Create stores a new document with a freshly generated id.
func (s *DocumentService) Create(ctx context.Context, title string) (*models.Document, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: empty title", common.ErrValidation)
	}
	if len(title) > maxTitleLen {
		return nil, fmt.Errorf("%w: title longer than %d bytes", common.ErrValidation, maxTitleLen)
	}

	doc := &models.Document{ID: uuid.NewString(), Title: title}
	if err := s.repomanager.Documents(s.db).Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInternal, err)
	}
	return doc, nil
}
