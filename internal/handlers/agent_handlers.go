package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"helmsman/internal/db"
	"helmsman/internal/events"
	"helmsman/internal/inventory"
	"helmsman/internal/machines"
)

// machineFromToken authenticates a probe request by its bearer token.
func machineFromToken(r *http.Request) *machines.Machine {
	token := r.Header.Get("X-Agent-Token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	m, err := machines.GetByToken(db.DB, token)
	if err != nil {
		return nil
	}
	return m
}

type registerRequest struct {
	Token        string          `json:"token"`
	Hostname     string          `json:"hostname"`
	OSInfo       json.RawMessage `json:"os_info,omitempty"`
	HardwareInfo json.RawMessage `json:"hardware_info,omitempty"`
}

// RegisterProbe is the probe's first callback after installation. The
// token must match a machine that is still installing; anything else
// is rejected so a stolen token cannot re-register a live machine.
// POST /api/agent/register
func RegisterProbe(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Token == "" {
		JSONError(w, "Missing token", http.StatusBadRequest)
		return
	}

	m, err := machines.GetByToken(db.DB, req.Token)
	if errors.Is(err, machines.ErrNotFound) {
		JSONError(w, "Unknown registration token", http.StatusUnauthorized)
		return
	}
	if err != nil {
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}
	if m.Status != machines.StatusInstalling {
		log.Printf("⚠️  Rejected registration for %q: status is %s", m.Name, m.Status)
		JSONError(w, "Machine is not awaiting registration", http.StatusConflict)
		return
	}

	if err := machines.TouchInventory(db.DB, m.ID, req.OSInfo, req.HardwareInfo); err != nil {
		JSONError(w, "Failed to store inventory", http.StatusInternalServerError)
		return
	}
	if err := machines.SetStatus(db.DB, m.ID, machines.StatusOnline); err != nil {
		JSONError(w, "Failed to update status", http.StatusInternalServerError)
		return
	}

	log.Printf("✓ Probe registered: %q (%s)", m.Name, m.IPAddress)
	Bus.Publish(events.Event{
		Type:      events.MachineOnline,
		Severity:  events.SeverityInfo,
		MachineID: m.ID,
		Message:   fmt.Sprintf("Machine %q registered and online", m.Name),
		Metadata:  map[string]string{"machine_name": m.Name},
	})

	JSONResponse(w, map[string]interface{}{
		"machine_id": m.ID,
		"name":       m.Name,
		"status":     machines.StatusOnline,
	})
}

// Heartbeat ingests a probe's periodic report.
// POST /api/agent/heartbeat
func Heartbeat(w http.ResponseWriter, r *http.Request) {
	m := machineFromToken(r)
	if m == nil {
		JSONError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var hb inventory.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := inventory.RecordHeartbeat(db.DB, Bus, m, &hb); err != nil {
		log.Printf("❌ Heartbeat from %q failed: %v", m.Name, err)
		JSONError(w, "Failed to record heartbeat", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]string{"status": "ok"})
}

// ReportScreens ingests a probe's full screen-session report.
// POST /api/agent/screens
func ReportScreens(w http.ResponseWriter, r *http.Request) {
	m := machineFromToken(r)
	if m == nil {
		JSONError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Screens []inventory.Screen `json:"screens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	res, err := inventory.ReconcileScreens(db.DB, m.ID, req.Screens)
	if err != nil {
		log.Printf("❌ Screen reconcile for %q failed: %v", m.Name, err)
		JSONError(w, "Failed to reconcile screens", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, res)
}

// ReportPorts ingests a probe's full listening-port report.
// POST /api/agent/ports
func ReportPorts(w http.ResponseWriter, r *http.Request) {
	m := machineFromToken(r)
	if m == nil {
		JSONError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Ports []inventory.Port `json:"ports"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	res, err := inventory.ReconcilePorts(db.DB, m.ID, req.Ports)
	if err != nil {
		log.Printf("❌ Port reconcile for %q failed: %v", m.Name, err)
		JSONError(w, "Failed to reconcile ports", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, res)
}

// RegisterAgentRoutes registers the probe-facing endpoints. These
// authenticate with the agent token, not a dashboard session, so they
// bypass the auth middleware.
func RegisterAgentRoutes(mux *http.ServeMux, limit func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("POST /api/agent/register", limit(RegisterProbe))
	mux.HandleFunc("POST /api/agent/heartbeat", limit(Heartbeat))
	mux.HandleFunc("POST /api/agent/screens", limit(ReportScreens))
	mux.HandleFunc("POST /api/agent/ports", limit(ReportPorts))
}
