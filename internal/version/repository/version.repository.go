package repository

import (
	"database/sql"

	"pagesync/internal/document/model"
	"pagesync/pkg/logger"
)

type VersionRepository struct {
	DB *sql.DB
}

func NewVersionRepository(db *sql.DB) *VersionRepository {
	return &VersionRepository{DB: db}
}

// Count returns how many versions exist for a document.
func (r *VersionRepository) Count(docID string) (int, error) {
	var count int
	err := r.DB.QueryRow("SELECT COUNT(*) FROM document_versions WHERE document_id = $1", docID).Scan(&count)
	if err != nil {
		logger.Sugar.Errorf("Failed to count versions for doc %s: %v", docID, err)
		return 0, err
	}
	return count, nil
}

// Insert writes an immutable version row. Rows are never updated or deleted
// afterwards.
func (r *VersionRepository) Insert(v *model.Version) error {
	err := r.DB.QueryRow(`INSERT INTO document_versions (id, document_id, version, title, state, created_by_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at`,
		v.ID, v.DocumentID, v.Version, v.Title, v.State, v.CreatedByID,
	).Scan(&v.CreatedAt)
	if err != nil {
		logger.Sugar.Errorf("Failed to insert version %d for doc %s: %v", v.Version, v.DocumentID, err)
	}
	return err
}

// List returns all versions for a document, newest first.
func (r *VersionRepository) List(docID string) ([]model.Version, error) {
	rows, err := r.DB.Query(`SELECT id, document_id, version, title, state, created_by_id, created_at
		FROM document_versions WHERE document_id = $1 ORDER BY version DESC`, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list versions for doc %s: %v", docID, err)
		return nil, err
	}
	defer rows.Close()

	versions := []model.Version{}
	for rows.Next() {
		var v model.Version
		if err := rows.Scan(&v.ID, &v.DocumentID, &v.Version, &v.Title, &v.State, &v.CreatedByID, &v.CreatedAt); err != nil {
			logger.Sugar.Errorf("Failed to scan version row for doc %s: %v", docID, err)
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Get returns a single version under a document, or nil when the version id
// does not exist there.
func (r *VersionRepository) Get(docID, versionID string) (*model.Version, error) {
	var v model.Version
	err := r.DB.QueryRow(`SELECT id, document_id, version, title, state, created_by_id, created_at
		FROM document_versions WHERE id = $1 AND document_id = $2`, versionID, docID).
		Scan(&v.ID, &v.DocumentID, &v.Version, &v.Title, &v.State, &v.CreatedByID, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		logger.Sugar.Errorf("Failed to get version %s for doc %s: %v", versionID, docID, err)
		return nil, err
	}
	return &v, nil
}
