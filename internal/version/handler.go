package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"pagesync/internal/access"
	"pagesync/internal/document/model"
	"pagesync/internal/version/service"
	"pagesync/middleware"
	"pagesync/pkg/logger"
)

type VersionHandler struct {
	Service *service.VersionService
	Access  *access.Validator
}

func NewVersionHandler(service *service.VersionService, validator *access.Validator) *VersionHandler {
	return &VersionHandler{Service: service, Access: validator}
}

func (h *VersionHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("organizationId")
	docID := r.PathValue("documentId")

	if _, ok := h.authorize(w, r, orgID); !ok {
		return
	}

	versions, err := h.Service.List(orgID, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list versions for doc %s: %v", docID, err)
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(versions)
}

func (h *VersionHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("organizationId")
	docID := r.PathValue("documentId")
	versionID := r.PathValue("versionId")

	if _, ok := h.authorize(w, r, orgID); !ok {
		return
	}

	v, err := h.Service.Get(orgID, docID, versionID)
	if err != nil {
		logger.Sugar.Errorf("Failed to get version %s for doc %s: %v", versionID, docID, err)
		writeError(w, err)
		return
	}
	if v == nil {
		http.Error(w, "Version not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *VersionHandler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("organizationId")
	docID := r.PathValue("documentId")

	userID, ok := h.authorize(w, r, orgID)
	if !ok {
		return
	}

	v, err := h.Service.Create(orgID, docID, userID)
	if err != nil {
		logger.Sugar.Errorf("Failed to create version for doc %s: %v", docID, err)
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(v)
}

func (h *VersionHandler) RestoreVersion(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("organizationId")
	docID := r.PathValue("documentId")
	versionID := r.PathValue("versionId")

	userID, ok := h.authorize(w, r, orgID)
	if !ok {
		return
	}

	doc, err := h.Service.Restore(orgID, docID, versionID, userID)
	if err != nil {
		logger.Sugar.Errorf("Failed to restore version %s for doc %s: %v", versionID, docID, err)
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

// authorize resolves the session user and requires organization membership.
func (h *VersionHandler) authorize(w http.ResponseWriter, r *http.Request, orgID string) (string, bool) {
	userID, ok := r.Context().Value(middleware.UserIDKey).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}

	isMember, err := h.Access.Member(orgID, userID)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return "", false
	}
	if !isMember {
		http.Error(w, "Forbidden: not a member of this organization", http.StatusForbidden)
		return "", false
	}
	return userID, true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrDocumentNotFound), errors.Is(err, model.ErrVersionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrDocumentInTrash):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
