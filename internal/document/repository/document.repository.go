package repository

import (
	"database/sql"

	"pagesync/internal/document/model"
	"pagesync/pkg/logger"
)

type DocumentRepository struct {
	DB *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{DB: db}
}

// Load returns the current state blob for a document. A nil slice with a nil
// error means the document exists but has never had state written.
func (r *DocumentRepository) Load(orgID, docID string) ([]byte, error) {
	var state []byte
	err := r.DB.QueryRow("SELECT state FROM documents WHERE id = $1 AND organization_id = $2", docID, orgID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, model.ErrDocumentNotFound
	} else if err != nil {
		logger.Sugar.Errorf("Failed to load state for doc %s: %v", docID, err)
		return nil, err
	}
	return state, nil
}

// Store replaces the state blob wholesale and stamps the writer. A trashed
// document never accepts a live write; restore goes through UpdateTitle +
// Store after the trash check, the same path.
func (r *DocumentRepository) Store(orgID, docID string, state []byte, writerID string) error {
	var trashedAt sql.NullTime
	err := r.DB.QueryRow("SELECT trashed_at FROM documents WHERE id = $1 AND organization_id = $2", docID, orgID).Scan(&trashedAt)
	if err == sql.ErrNoRows {
		return model.ErrDocumentNotFound
	} else if err != nil {
		logger.Sugar.Errorf("Failed to check trash state for doc %s: %v", docID, err)
		return err
	}
	if trashedAt.Valid {
		return model.ErrDocumentInTrash
	}

	// trashed_at guard repeated in the UPDATE: the document may be trashed
	// between the check above and the write.
	res, err := r.DB.Exec(`UPDATE documents SET state = $1, updated_by_id = $2, updated_at = NOW() WHERE id = $3 AND organization_id = $4 AND trashed_at IS NULL`,
		state, writerID, docID, orgID)
	if err != nil {
		logger.Sugar.Errorf("Failed to store state for doc %s: %v", docID, err)
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// The document existed a moment ago, so a zero-row update means it
		// was trashed in between. The write must not look like a success.
		return model.ErrDocumentInTrash
	}
	return nil
}

// Get returns the full document row, including the state blob.
func (r *DocumentRepository) Get(orgID, docID string) (*model.Document, error) {
	var doc model.Document
	var trashedAt sql.NullTime
	var updatedBy sql.NullString
	err := r.DB.QueryRow(`SELECT id, organization_id, title, state, trashed_at, updated_by_id, updated_at FROM documents WHERE id = $1 AND organization_id = $2`, docID, orgID).
		Scan(&doc.ID, &doc.OrganizationID, &doc.Title, &doc.State, &trashedAt, &updatedBy, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrDocumentNotFound
	} else if err != nil {
		logger.Sugar.Errorf("Failed to get doc %s: %v", docID, err)
		return nil, err
	}
	if trashedAt.Valid {
		doc.TrashedAt = &trashedAt.Time
	}
	doc.UpdatedByID = updatedBy.String
	return &doc, nil
}

// Describe is a metadata-only lookup; returns nil when the document does not
// exist.
func (r *DocumentRepository) Describe(docID string) (*model.DocumentInfo, error) {
	var info model.DocumentInfo
	err := r.DB.QueryRow("SELECT id, title, organization_id FROM documents WHERE id = $1", docID).
		Scan(&info.ID, &info.Title, &info.OrganizationID)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		logger.Sugar.Errorf("Failed to describe doc %s: %v", docID, err)
		return nil, err
	}
	return &info, nil
}

// UpdateTitle sets the document title, refusing trashed documents.
func (r *DocumentRepository) UpdateTitle(orgID, docID, title string) error {
	res, err := r.DB.Exec("UPDATE documents SET title = $1, updated_at = NOW() WHERE id = $2 AND organization_id = $3 AND trashed_at IS NULL", title, docID, orgID)
	if err != nil {
		logger.Sugar.Errorf("Failed to update title for doc %s: %v", docID, err)
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return model.ErrDocumentInTrash
	}
	return nil
}
