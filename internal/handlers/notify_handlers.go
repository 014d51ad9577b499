package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"helmsman/internal/db"
	"helmsman/internal/notify"
)

// ListNotifyServices returns all configured notification targets.
// GET /api/notify/services
func ListNotifyServices(w http.ResponseWriter, r *http.Request) {
	services, err := notify.ListServices(db.DB)
	if err != nil {
		JSONError(w, "Failed to list services", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]interface{}{"services": services})
}

// AddNotifyService stores a new notification target.
// POST /api/notify/services
func AddNotifyService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		ShoutrrrURL string `json:"shoutrrr_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.ShoutrrrURL = strings.TrimSpace(req.ShoutrrrURL)
	if req.Name == "" || req.ShoutrrrURL == "" {
		JSONError(w, "name and shoutrrr_url are required", http.StatusBadRequest)
		return
	}

	svc, err := notify.AddService(db.DB, req.Name, req.ShoutrrrURL)
	if err != nil {
		JSONError(w, "Failed to add service", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	JSONResponse(w, svc)
}

// ToggleNotifyService enables or disables a target.
// PUT /api/notify/services/{id}
func ToggleNotifyService(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		JSONError(w, "Invalid service ID", http.StatusBadRequest)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := notify.SetServiceEnabled(db.DB, id, req.Enabled); err != nil {
		JSONError(w, "Failed to update service", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]string{"status": "updated"})
}

// DeleteNotifyService removes a target.
// DELETE /api/notify/services/{id}
func DeleteNotifyService(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		JSONError(w, "Invalid service ID", http.StatusBadRequest)
		return
	}
	if err := notify.DeleteService(db.DB, id); err != nil {
		JSONError(w, "Failed to delete service", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]string{"status": "deleted"})
}

// RegisterNotifyRoutes registers notification management endpoints.
func RegisterNotifyRoutes(mux *http.ServeMux, protect func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("GET /api/notify/services", protect(ListNotifyServices))
	mux.HandleFunc("POST /api/notify/services", protect(AddNotifyService))
	mux.HandleFunc("PUT /api/notify/services/{id}", protect(ToggleNotifyService))
	mux.HandleFunc("DELETE /api/notify/services/{id}", protect(DeleteNotifyService))
}
