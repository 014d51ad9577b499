package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"helmsman/internal/auth"
	"helmsman/internal/events"
	"helmsman/internal/install"
	"helmsman/internal/terminal"
	"helmsman/internal/vault"
)

// Shared services, set from main.go after initialisation.
var (
	Vault        *vault.Vault
	Bus          *events.Bus
	Orchestrator *install.Orchestrator
	Terminal     *terminal.Manager
)

// JSONResponse sends a JSON response
func JSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("⚠️  Failed to encode JSON response: %v", err)
	}
}

// JSONError sends a JSON error response
func JSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// pathID extracts a positive integer path parameter.
func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id, err == nil && id > 0
}

// requestUserID returns the acting user's ID, or zero when auth is
// disabled.
func requestUserID(r *http.Request) int64 {
	if s := auth.GetSessionFromContext(r); s != nil {
		return s.UserID
	}
	return 0
}
