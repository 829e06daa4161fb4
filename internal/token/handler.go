package token

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"pagesync/middleware"
	"pagesync/pkg/logger"
)

type IssueResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueHandler mints a fresh collaboration token for the session user, so the
// frontend can open a WebSocket without exposing its long-lived session token
// in the URL.
func IssueHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserIDKey).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	secret := os.Getenv("COLLAB_TOKEN_SECRET")
	if secret == "" {
		logger.Sugar.Error("COLLAB_TOKEN_SECRET environment variable not set")
		http.Error(w, "Server misconfigured", http.StatusInternalServerError)
		return
	}

	tok, expiresAt := Issue(userID, secret)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(IssueResponse{Token: tok, ExpiresAt: expiresAt})
}
