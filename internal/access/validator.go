package access

import (
	"database/sql"

	"pagesync/pkg/logger"
)

// Decision is the outcome of a single access check. OrganizationID is
// reported even when access is denied, as long as the document exists.
type Decision struct {
	HasAccess      bool   `json:"has_access"`
	OrganizationID string `json:"organization_id"`
}

// Validator decides whether a user may touch a document right now.
// Decisions are computed fresh on every call and never cached: membership
// and trash state can change between checks, so it must be safe to re-run
// this during a long-lived connection.
type Validator struct {
	DB *sql.DB
}

func NewValidator(db *sql.DB) *Validator {
	return &Validator{DB: db}
}

// Check resolves the document, its trash state, and the user's membership in
// the owning organization. A trashed document denies access to everyone,
// including its own editors.
func (v *Validator) Check(docID, userID string) (Decision, error) {
	var orgID string
	var trashedAt sql.NullTime
	err := v.DB.QueryRow("SELECT organization_id, trashed_at FROM documents WHERE id = $1", docID).Scan(&orgID, &trashedAt)
	if err == sql.ErrNoRows {
		return Decision{}, nil
	} else if err != nil {
		logger.Sugar.Errorf("Failed to look up document %s: %v", docID, err)
		return Decision{}, err
	}

	if trashedAt.Valid {
		return Decision{HasAccess: false, OrganizationID: orgID}, nil
	}

	isMember, err := v.Member(orgID, userID)
	if err != nil {
		return Decision{OrganizationID: orgID}, err
	}
	return Decision{HasAccess: isMember, OrganizationID: orgID}, nil
}

// Member reports whether userID belongs to the organization.
func (v *Validator) Member(orgID, userID string) (bool, error) {
	var isMember bool
	err := v.DB.QueryRow("SELECT EXISTS(SELECT 1 FROM organization_members WHERE organization_id = $1 AND user_id = $2)", orgID, userID).Scan(&isMember)
	if err != nil {
		logger.Sugar.Errorf("Failed to check membership for user %s in org %s: %v", userID, orgID, err)
		return false, err
	}
	return isMember, nil
}
