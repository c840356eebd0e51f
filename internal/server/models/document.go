// Package models defines server-side data models persisted in the database.
package models

import "time"

// Document is a catalog record that attachments hang off.
type Document struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

// Attachment is one ledger entry: a file whose bytes are known to be in
// object storage under DocumentID/FileName.
type Attachment struct {
	DocumentID  string
	FileName    string
	CommittedAt time.Time
}
