package router

import (
	"database/sql"
	"net/http"

	"pagesync/internal/access"
	docrepo "pagesync/internal/document/repository"
	"pagesync/internal/token"
	versionHandler "pagesync/internal/version"
	verrepo "pagesync/internal/version/repository"
	"pagesync/internal/version/service"
	"pagesync/middleware"
	"pagesync/socket"
)

func Setup(db *sql.DB, hub *socket.Hub) http.Handler {
	mux := http.NewServeMux()

	// WebSocket collaboration endpoint; authentication happens inside the
	// gateway (cookie, bearer, or query token).
	mux.Handle("GET /collaboration/{organizationId}/{documentId}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket.ServeWs(hub, w, r)
	}))

	// REST API
	docs := docrepo.NewDocumentRepository(db)
	versions := verrepo.NewVersionRepository(db)
	validator := access.NewValidator(db)
	verService := service.NewVersionService(docs, versions, hub)
	verHandler := versionHandler.NewVersionHandler(verService, validator)
	auth := middleware.AuthMiddleware

	mux.Handle("POST /api/collaboration/token", auth(http.HandlerFunc(token.IssueHandler)))

	mux.Handle("GET /api/organizations/{organizationId}/documents/{documentId}/versions", auth(http.HandlerFunc(verHandler.ListVersions)))
	mux.Handle("POST /api/organizations/{organizationId}/documents/{documentId}/versions", auth(http.HandlerFunc(verHandler.CreateVersion)))
	mux.Handle("GET /api/organizations/{organizationId}/documents/{documentId}/versions/{versionId}", auth(http.HandlerFunc(verHandler.GetVersion)))
	mux.Handle("POST /api/organizations/{organizationId}/documents/{documentId}/versions/{versionId}/restore", auth(http.HandlerFunc(verHandler.RestoreVersion)))

	return middleware.CORSMiddleware(mux)
}
