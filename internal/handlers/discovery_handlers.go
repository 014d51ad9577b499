package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"helmsman/internal/audit"
	"helmsman/internal/db"
	"helmsman/internal/inventory"
	"helmsman/internal/middleware"
)

// GetScreens returns a machine's known screen sessions.
// GET /api/machines/{id}/screens
func GetScreens(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		JSONError(w, "Invalid machine ID", http.StatusBadRequest)
		return
	}
	screens, err := inventory.ListScreens(db.DB, id)
	if err != nil {
		JSONError(w, "Failed to list screens", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]interface{}{"screens": screens})
}

// GetPorts returns a machine's known listening ports with labels.
// GET /api/machines/{id}/ports
func GetPorts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		JSONError(w, "Invalid machine ID", http.StatusBadRequest)
		return
	}
	ports, err := inventory.ListPorts(db.DB, id)
	if err != nil {
		JSONError(w, "Failed to list ports", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]interface{}{"ports": ports})
}

// SetPortLabel stores the operator's annotation for a port.
// PUT /api/machines/{id}/ports/{port}/label
func SetPortLabel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		JSONError(w, "Invalid machine ID", http.StatusBadRequest)
		return
	}
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil || port <= 0 || port > 65535 {
		JSONError(w, "Invalid port", http.StatusBadRequest)
		return
	}

	var req struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	req.Label = strings.TrimSpace(req.Label)
	if req.Label == "" {
		JSONError(w, "Label cannot be empty", http.StatusBadRequest)
		return
	}

	if err := inventory.SetPortLabel(db.DB, id, port, req.Label); err != nil {
		JSONError(w, "Failed to store label", http.StatusInternalServerError)
		return
	}
	audit.Log(db.DB, requestUserID(r), id, "port_labeled", req.Label, middleware.ExtractIP(r))
	JSONResponse(w, map[string]string{"status": "labeled"})
}

// DeletePortLabel removes a port annotation.
// DELETE /api/machines/{id}/ports/{port}/label
func DeletePortLabel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		JSONError(w, "Invalid machine ID", http.StatusBadRequest)
		return
	}
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil || port <= 0 || port > 65535 {
		JSONError(w, "Invalid port", http.StatusBadRequest)
		return
	}

	if err := inventory.DeletePortLabel(db.DB, id, port); err != nil {
		JSONError(w, "Failed to delete label", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]string{"status": "deleted"})
}

// RegisterDiscoveryRoutes registers the discovery read endpoints.
func RegisterDiscoveryRoutes(mux *http.ServeMux, protect func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("GET /api/machines/{id}/screens", protect(GetScreens))
	mux.HandleFunc("GET /api/machines/{id}/ports", protect(GetPorts))
	mux.HandleFunc("PUT /api/machines/{id}/ports/{port}/label", protect(SetPortLabel))
	mux.HandleFunc("DELETE /api/machines/{id}/ports/{port}/label", protect(DeletePortLabel))
}
