package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"helmsman/internal/audit"
	"helmsman/internal/db"
	"helmsman/internal/machines"
	"helmsman/internal/middleware"
	"helmsman/internal/terminal"
)

const ssePingInterval = 30 * time.Second

// CreateTerminal opens a shell session on a machine.
// POST /api/machines/{id}/terminal
func CreateTerminal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		JSONError(w, "Invalid machine ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Rows int `json:"rows"`
		Cols int `json:"cols"`
	}
	// Body is optional; default dimensions apply.
	json.NewDecoder(r.Body).Decode(&req)

	s, err := Terminal.Create(id, req.Rows, req.Cols)
	if errors.Is(err, machines.ErrNotFound) {
		JSONError(w, "Machine not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("❌ Terminal open failed for machine %d: %v", id, err)
		JSONError(w, "Failed to open terminal: "+err.Error(), http.StatusBadGateway)
		return
	}

	audit.Log(db.DB, requestUserID(r), id, "terminal_opened", s.ID, middleware.ExtractIP(r))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	JSONResponse(w, map[string]interface{}{
		"session_id": s.ID,
		"machine_id": s.MachineID,
		"created_at": s.CreatedAt,
	})
}

// StreamTerminal streams session output as Server-Sent Events. The
// first event is {"type":"connected"}; a comment ping goes out every
// 30 seconds so proxies keep the connection alive.
// GET /api/terminal/{sid}/stream
func StreamTerminal(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")

	frames, cancel, err := Terminal.Subscribe(sid)
	if errors.Is(err, terminal.ErrSessionNotFound) {
		JSONError(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		JSONError(w, "Failed to subscribe", http.StatusInternalServerError)
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		JSONError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case f, open := <-frames:
			if !open {
				return
			}
			payload, err := json.Marshal(f)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			if f.Type == "close" || f.Type == "error" {
				return
			}
		case <-ping.C:
			fmt.Fprint(w, ":ping\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// WriteTerminal sends keystrokes to a session.
// POST /api/terminal/{sid}/input
func WriteTerminal(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")

	var req struct {
		Data string `json:"data"` // base64
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		JSONError(w, "data must be base64", http.StatusBadRequest)
		return
	}

	err = Terminal.Write(sid, data)
	if errors.Is(err, terminal.ErrSessionNotFound) {
		JSONError(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		JSONError(w, "Write failed", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]string{"status": "ok"})
}

// ResizeTerminal adjusts a session's PTY size.
// POST /api/terminal/{sid}/resize
func ResizeTerminal(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")

	var req struct {
		Rows int `json:"rows"`
		Cols int `json:"cols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Rows <= 0 || req.Cols <= 0 {
		JSONError(w, "rows and cols must be positive", http.StatusBadRequest)
		return
	}

	err := Terminal.Resize(sid, req.Rows, req.Cols)
	if errors.Is(err, terminal.ErrSessionNotFound) {
		JSONError(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		JSONError(w, "Resize failed", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]string{"status": "ok"})
}

// CloseTerminal ends a session.
// DELETE /api/terminal/{sid}
func CloseTerminal(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")

	err := Terminal.Close(sid)
	if errors.Is(err, terminal.ErrSessionNotFound) {
		JSONError(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		JSONError(w, "Close failed", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]string{"status": "closed"})
}

// RegisterTerminalRoutes registers the terminal API endpoints.
func RegisterTerminalRoutes(mux *http.ServeMux, protect func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("POST /api/machines/{id}/terminal", protect(CreateTerminal))
	mux.HandleFunc("GET /api/terminal/{sid}/stream", protect(StreamTerminal))
	mux.HandleFunc("POST /api/terminal/{sid}/input", protect(WriteTerminal))
	mux.HandleFunc("POST /api/terminal/{sid}/resize", protect(ResizeTerminal))
	mux.HandleFunc("DELETE /api/terminal/{sid}", protect(CloseTerminal))
}
