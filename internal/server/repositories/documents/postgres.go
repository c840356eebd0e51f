// Package documents stores catalog documents and the attachment ledger in
// PostgreSQL.
package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/doccatalog/internal/dbx"
	"github.com/dmitrijs2005/doccatalog/internal/server/models"
)

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a document row. CreatedAt is filled from the database.
func (r *PostgresRepository) Create(ctx context.Context, doc *models.Document) error {
	query := `INSERT INTO documents (id, title) VALUES ($1, $2) RETURNING created_at`
	if err := r.db.QueryRowContext(ctx, query, doc.ID, doc.Title).Scan(&doc.CreatedAt); err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Exists(ctx context.Context, documentID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM documents WHERE id=$1)`
	var ok bool
	if err := r.db.QueryRowContext(ctx, query, documentID).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check document: %w", err)
	}
	return ok, nil
}

// LockForUpdate takes a row lock on the document for the rest of the
// surrounding transaction. It reports false when the document is gone.
func (r *PostgresRepository) LockForUpdate(ctx context.Context, documentID string) (bool, error) {
	query := `SELECT id FROM documents WHERE id=$1 FOR UPDATE`
	var id string
	err := r.db.QueryRowContext(ctx, query, documentID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock document: %w", err)
	}
	return true, nil
}

// InsertAttachments adds ledger rows, skipping names already present.
// It returns how many rows were actually inserted.
func (r *PostgresRepository) InsertAttachments(ctx context.Context, documentID string, names []string) (int64, error) {
	query := `INSERT INTO document_attachments (document_id, file_name) VALUES ($1, $2)
		ON CONFLICT (document_id, file_name) DO NOTHING`

	var inserted int64
	for _, name := range names {
		res, err := r.db.ExecContext(ctx, query, documentID, name)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert attachment %q: %w", name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("rows affected error: %w", err)
		}
		inserted += n
	}
	return inserted, nil
}

// DeleteAttachments removes ledger rows and returns how many existed.
func (r *PostgresRepository) DeleteAttachments(ctx context.Context, documentID string, names []string) (int64, error) {
	query := `DELETE FROM document_attachments WHERE document_id=$1 AND file_name=$2`

	var deleted int64
	for _, name := range names {
		res, err := r.db.ExecContext(ctx, query, documentID, name)
		if err != nil {
			return deleted, fmt.Errorf("failed to delete attachment %q: %w", name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, fmt.Errorf("rows affected error: %w", err)
		}
		deleted += n
	}
	return deleted, nil
}

func (r *PostgresRepository) HasAttachment(ctx context.Context, documentID, name string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM document_attachments WHERE document_id=$1 AND file_name=$2)`
	var ok bool
	if err := r.db.QueryRowContext(ctx, query, documentID, name).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check attachment: %w", err)
	}
	return ok, nil
}

// ListAttachments returns the ledger of a document ordered by file name.
func (r *PostgresRepository) ListAttachments(ctx context.Context, documentID string) ([]*models.Attachment, error) {
	query := `SELECT document_id, file_name, committed_at FROM document_attachments
		WHERE document_id=$1 ORDER BY file_name`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to select attachments: %w", err)
	}
	defer rows.Close()

	var result []*models.Attachment
	for rows.Next() {
		var item models.Attachment
		if err := rows.Scan(&item.DocumentID, &item.FileName, &item.CommittedAt); err != nil {
			return nil, err
		}
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
