package service

import (
	"github.com/google/uuid"

	"pagesync/internal/document/model"
	docrepo "pagesync/internal/document/repository"
	"pagesync/internal/version/repository"
	"pagesync/socket"
)

type VersionService struct {
	Docs     *docrepo.DocumentRepository
	Versions *repository.VersionRepository
	Hub      *socket.Hub
}

func NewVersionService(docs *docrepo.DocumentRepository, versions *repository.VersionRepository, hub *socket.Hub) *VersionService {
	return &VersionService{Docs: docs, Versions: versions, Hub: hub}
}

// Create snapshots the document's current title and state into a new
// immutable version numbered count+1. The snapshot reflects whatever state
// was last persisted; an in-flight live edit that flushes a moment later is
// simply not included.
func (s *VersionService) Create(orgID, docID, userID string) (*model.Version, error) {
	doc, err := s.Docs.Get(orgID, docID)
	if err != nil {
		return nil, err
	}
	if doc.TrashedAt != nil {
		return nil, model.ErrDocumentInTrash
	}

	count, err := s.Versions.Count(docID)
	if err != nil {
		return nil, err
	}

	// Copy the blob so the version never aliases the live document's state.
	state := make([]byte, len(doc.State))
	copy(state, doc.State)

	v := &model.Version{
		ID:          uuid.NewString(),
		DocumentID:  docID,
		Version:     count + 1,
		Title:       doc.Title,
		State:       state,
		CreatedByID: userID,
	}
	if err := s.Versions.Insert(v); err != nil {
		return nil, err
	}
	return v, nil
}

// List returns the document's versions, newest first.
func (s *VersionService) List(orgID, docID string) ([]model.Version, error) {
	if err := s.requireDocument(orgID, docID); err != nil {
		return nil, err
	}
	return s.Versions.List(docID)
}

// Get returns a single version, or nil when the version id is unknown under
// that document.
func (s *VersionService) Get(orgID, docID, versionID string) (*model.Version, error) {
	if err := s.requireDocument(orgID, docID); err != nil {
		return nil, err
	}
	return s.Versions.Get(docID, versionID)
}

// Restore copies a version's title and state back onto the live document
// through the ordinary write path. Intervening versions are untouched;
// history is never truncated by a restore.
func (s *VersionService) Restore(orgID, docID, versionID, userID string) (*model.Document, error) {
	doc, err := s.Docs.Get(orgID, docID)
	if err != nil {
		return nil, err
	}
	if doc.TrashedAt != nil {
		return nil, model.ErrDocumentInTrash
	}

	v, err := s.Versions.Get(docID, versionID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, model.ErrVersionNotFound
	}

	state := make([]byte, len(v.State))
	copy(state, v.State)

	if err := s.Docs.Store(orgID, docID, state, userID); err != nil {
		return nil, err
	}
	if err := s.Docs.UpdateTitle(orgID, docID, v.Title); err != nil {
		return nil, err
	}

	restored, err := s.Docs.Get(orgID, docID)
	if err != nil {
		return nil, err
	}

	// Push the restored state to any clients currently editing the document.
	if s.Hub != nil {
		s.Hub.PushState(socket.DocKey{OrganizationID: orgID, DocumentID: docID}, state, userID)
	}
	return restored, nil
}

func (s *VersionService) requireDocument(orgID, docID string) error {
	info, err := s.Docs.Describe(docID)
	if err != nil {
		return err
	}
	if info == nil || info.OrganizationID != orgID {
		return model.ErrDocumentNotFound
	}
	return nil
}
