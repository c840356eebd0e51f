// Package services contains server-side business logic: the attachment
// ledger kept in PostgreSQL and the attachment workflows built on it.
package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/doccatalog/internal/dbx"
	"github.com/dmitrijs2005/doccatalog/internal/server/models"
	"github.com/dmitrijs2005/doccatalog/internal/server/repositories/repomanager"
)

// Ledger is the authoritative list of committed attachment names per
// document. A name is added only after its bytes are in object storage.
type Ledger struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
}

// NewLedger constructs a Ledger over db.
func NewLedger(db *sql.DB, m repomanager.RepositoryManager) *Ledger {
	return &Ledger{db: db, repomanager: m}
}

func (l *Ledger) DocumentExists(ctx context.Context, documentID string) (bool, error) {
	return l.repomanager.Documents(l.db).Exists(ctx, documentID)
}

// AddNames merges names into the document's ledger. The document row is
// locked for the duration of the transaction, so concurrent merges for the
// same document serialize instead of losing updates. It returns false when
// the document does not exist.
func (l *Ledger) AddNames(ctx context.Context, documentID string, names []string) (bool, error) {
	var found bool
	err := dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := l.repomanager.Documents(tx)
		ok, err := repo.LockForUpdate(ctx, documentID)
		if err != nil || !ok {
			return err
		}
		found = true
		_, err = repo.InsertAttachments(ctx, documentID, names)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("add attachment names: %w", err)
	}
	return found, nil
}

// RemoveNames deletes names from the ledger. It returns false when none of
// them were present, including when the document itself is gone.
func (l *Ledger) RemoveNames(ctx context.Context, documentID string, names []string) (bool, error) {
	var removed int64
	err := dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := l.repomanager.Documents(tx)
		ok, err := repo.LockForUpdate(ctx, documentID)
		if err != nil || !ok {
			return err
		}
		removed, err = repo.DeleteAttachments(ctx, documentID, names)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("remove attachment names: %w", err)
	}
	return removed > 0, nil
}

func (l *Ledger) HasName(ctx context.Context, documentID, name string) (bool, error) {
	return l.repomanager.Documents(l.db).HasAttachment(ctx, documentID, name)
}

// List returns the committed attachments of a document ordered by name.
func (l *Ledger) List(ctx context.Context, documentID string) ([]*models.Attachment, error) {
	return l.repomanager.Documents(l.db).ListAttachments(ctx, documentID)
}
