package model

import (
	"errors"
	"time"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentInTrash  = errors.New("document is in trash")
	ErrVersionNotFound  = errors.New("version not found")
)

// Document is the live persisted unit of collaborative content. State is the
// opaque binary blob produced by the client-side CRDT engine; the server only
// ever replaces it wholesale.
type Document struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Title          string     `json:"title"`
	State          []byte     `json:"state,omitempty"`
	TrashedAt      *time.Time `json:"trashed_at,omitempty"`
	UpdatedByID    string     `json:"updated_by_id"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// DocumentInfo is metadata only, used to label connections without exposing
// the state blob.
type DocumentInfo struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	OrganizationID string `json:"organization_id"`
}

// Version is an immutable, numbered point-in-time copy of a document's title
// and state. Versions are never mutated or deleted once created.
type Version struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Version     int       `json:"version"`
	Title       string    `json:"title"`
	State       []byte    `json:"state"`
	CreatedByID string    `json:"created_by_id"`
	CreatedAt   time.Time `json:"created_at"`
}
