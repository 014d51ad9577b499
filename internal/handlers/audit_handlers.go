package handlers

import (
	"net/http"
	"strconv"

	"helmsman/internal/audit"
	"helmsman/internal/db"
)

// GetAuditLog returns recent audit entries.
// GET /api/audit?limit=100
func GetAuditLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := audit.Recent(db.DB, limit)
	if err != nil {
		JSONError(w, "Failed to load audit log", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]interface{}{"entries": entries})
}

// RegisterAuditRoutes registers the audit endpoint.
func RegisterAuditRoutes(mux *http.ServeMux, protect func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("GET /api/audit", protect(GetAuditLog))
}
