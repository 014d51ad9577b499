package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"helmsman/internal/audit"
	"helmsman/internal/db"
	"helmsman/internal/events"
	"helmsman/internal/install"
	"helmsman/internal/inventory"
	"helmsman/internal/machines"
	"helmsman/internal/middleware"
)

type createMachineRequest struct {
	Name             string `json:"name"`
	Hostname         string `json:"hostname"`
	IPAddress        string `json:"ip_address"`
	SSHPort          int    `json:"ssh_port"`
	SSHUsername      string `json:"ssh_username"`
	AgentPort        int    `json:"agent_port"`
	ControlServerURL string `json:"control_server_url"`

	AuthMethod   string `json:"auth_method"` // password or key
	Password     string `json:"password"`
	PrivateKey   string `json:"private_key"`
	SudoPassword string `json:"sudo_password"`
	RequiresSudo bool   `json:"requires_sudo"`

	// SkipInstall registers the machine without launching the SSH
	// bootstrap, for hosts provisioned out of band.
	SkipInstall bool `json:"skip_install"`
}

// CreateMachine registers a machine, seals its SSH credential, and
// launches the installation pipeline.
// POST /api/machines
func CreateMachine(w http.ResponseWriter, r *http.Request) {
	var req createMachineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.IPAddress = strings.TrimSpace(req.IPAddress)
	if req.Name == "" || req.IPAddress == "" || req.SSHUsername == "" {
		JSONError(w, "Missing required fields: name, ip_address, ssh_username", http.StatusBadRequest)
		return
	}
	if req.Hostname == "" {
		req.Hostname = req.Name
	}

	method := machines.AuthMethod(req.AuthMethod)
	switch method {
	case machines.AuthPassword:
		if req.Password == "" {
			JSONError(w, "Password required for password auth", http.StatusBadRequest)
			return
		}
	case machines.AuthKey:
		if req.PrivateKey == "" {
			JSONError(w, "Private key required for key auth", http.StatusBadRequest)
			return
		}
	default:
		JSONError(w, "auth_method must be 'password' or 'key'", http.StatusBadRequest)
		return
	}

	cred, err := sealCredential(method, &req)
	if err != nil {
		log.Printf("❌ Failed to seal credential: %v", err)
		JSONError(w, "Failed to encrypt credentials", http.StatusInternalServerError)
		return
	}

	m, err := machines.Create(db.DB, &machines.Machine{
		Name:             req.Name,
		Hostname:         req.Hostname,
		IPAddress:        req.IPAddress,
		SSHPort:          req.SSHPort,
		SSHUsername:      req.SSHUsername,
		AgentPort:        req.AgentPort,
		ControlServerURL: req.ControlServerURL,
		AddedBy:          requestUserID(r),
	})
	if err != nil {
		log.Printf("❌ Failed to create machine %q: %v", req.Name, err)
		JSONError(w, "Failed to create machine", http.StatusInternalServerError)
		return
	}

	cred.MachineID = m.ID
	if err := machines.SaveCredential(db.DB, cred); err != nil {
		machines.Delete(db.DB, m.ID)
		log.Printf("❌ Failed to save credential for %q: %v", req.Name, err)
		JSONError(w, "Failed to store credentials", http.StatusInternalServerError)
		return
	}

	audit.Log(db.DB, requestUserID(r), m.ID, "machine_created", req.Name, middleware.ExtractIP(r))
	Bus.Publish(events.Event{
		Type:      events.MachineAdded,
		Severity:  events.SeverityInfo,
		MachineID: m.ID,
		Message:   fmt.Sprintf("Machine %q added", m.Name),
		Metadata:  map[string]string{"machine_name": m.Name},
	})

	response := map[string]interface{}{"machine": m}
	if !req.SkipInstall {
		jobID, err := Orchestrator.Start(m.ID)
		if err != nil {
			log.Printf("⚠️  Could not start installation for %q: %v", m.Name, err)
		} else {
			response["install_job_id"] = jobID
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	JSONResponse(w, response)
}

func sealCredential(method machines.AuthMethod, req *createMachineRequest) (*machines.Credential, error) {
	cred := &machines.Credential{AuthMethod: method, RequiresSudo: req.RequiresSudo}

	var err error
	if req.Password != "" {
		if cred.EncryptedPassword, err = Vault.Encrypt(req.Password); err != nil {
			return nil, err
		}
	}
	if req.PrivateKey != "" {
		if cred.EncryptedPrivateKey, err = Vault.Encrypt(req.PrivateKey); err != nil {
			return nil, err
		}
	}
	if req.SudoPassword != "" {
		if cred.EncryptedSudoPassword, err = Vault.Encrypt(req.SudoPassword); err != nil {
			return nil, err
		}
	}
	return cred, nil
}

// ListMachines returns all machines.
// GET /api/machines
func ListMachines(w http.ResponseWriter, r *http.Request) {
	list, err := machines.List(db.DB)
	if err != nil {
		JSONError(w, "Failed to list machines", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]interface{}{"machines": list})
}

// GetMachine returns one machine.
// GET /api/machines/{id}
func GetMachine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		JSONError(w, "Invalid machine ID", http.StatusBadRequest)
		return
	}
	m, err := machines.GetByID(db.DB, id)
	if errors.Is(err, machines.ErrNotFound) {
		JSONError(w, "Machine not found", http.StatusNotFound)
		return
	}
	if err != nil {
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, m)
}

// DeleteMachine removes a machine and all its data.
// DELETE /api/machines/{id}
func DeleteMachine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		JSONError(w, "Invalid machine ID", http.StatusBadRequest)
		return
	}

	m, err := machines.GetByID(db.DB, id)
	if errors.Is(err, machines.ErrNotFound) {
		JSONError(w, "Machine not found", http.StatusNotFound)
		return
	}
	if err != nil {
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}

	if err := machines.Delete(db.DB, id); err != nil {
		JSONError(w, "Failed to delete machine", http.StatusInternalServerError)
		return
	}

	audit.Log(db.DB, requestUserID(r), id, "machine_deleted", m.Name, middleware.ExtractIP(r))
	Bus.Publish(events.Event{
		Type:      events.MachineDeleted,
		Severity:  events.SeverityInfo,
		MachineID: id,
		Message:   fmt.Sprintf("Machine %q deleted", m.Name),
		Metadata:  map[string]string{"machine_name": m.Name},
	})
	log.Printf("🗑️  Machine %q deleted", m.Name)
	JSONResponse(w, map[string]string{"status": "deleted"})
}

// StartInstall launches the installation pipeline for a machine.
// POST /api/machines/{id}/install
func StartInstall(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		JSONError(w, "Invalid machine ID", http.StatusBadRequest)
		return
	}

	jobID, err := Orchestrator.Start(id)
	switch {
	case errors.Is(err, machines.ErrNotFound):
		JSONError(w, "Machine not found", http.StatusNotFound)
	case errors.Is(err, install.ErrInstallInProgress):
		JSONResponse(w, map[string]interface{}{"job_id": jobID, "already_running": true})
	case errors.Is(err, install.ErrNotInstallable):
		JSONError(w, err.Error(), http.StatusConflict)
	case err != nil:
		JSONError(w, "Failed to start installation", http.StatusInternalServerError)
	default:
		audit.Log(db.DB, requestUserID(r), id, "install_started", jobID, middleware.ExtractIP(r))
		JSONResponse(w, map[string]interface{}{"job_id": jobID})
	}
}

// GetInstallStatus returns the machine's latest install job and logs.
// GET /api/machines/{id}/install
func GetInstallStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		JSONError(w, "Invalid machine ID", http.StatusBadRequest)
		return
	}

	logs, err := install.Logs(db.DB, id)
	if err != nil {
		JSONError(w, "Failed to load installation logs", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]interface{}{
		"job":  Orchestrator.JobForMachine(id),
		"logs": logs,
	})
}

// GetMetrics returns stored metric samples for a machine.
// GET /api/machines/{id}/metrics?type=cpu&limit=100
func GetMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		JSONError(w, "Invalid machine ID", http.StatusBadRequest)
		return
	}
	metricType := r.URL.Query().Get("type")
	if metricType == "" {
		metricType = "cpu"
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	samples, err := inventory.MetricHistory(db.DB, id, metricType, limit)
	if err != nil {
		JSONError(w, "Failed to load metrics", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]interface{}{"metrics": samples})
}

// MachineDebug bundles everything useful for troubleshooting one
// machine: record, latest job, install history.
// GET /api/machines/{id}/debug
func MachineDebug(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		JSONError(w, "Invalid machine ID", http.StatusBadRequest)
		return
	}
	m, err := machines.GetByID(db.DB, id)
	if errors.Is(err, machines.ErrNotFound) {
		JSONError(w, "Machine not found", http.StatusNotFound)
		return
	}
	if err != nil {
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}

	logs, _ := install.Logs(db.DB, id)
	JSONResponse(w, map[string]interface{}{
		"machine":      m,
		"install_job":  Orchestrator.JobForMachine(id),
		"install_logs": logs,
	})
}

// ─── Probe Action Proxy ──────────────────────────────────────────────────────

// proxyClient talks to probes; short timeout, a probe is on the LAN.
var proxyClient = &http.Client{Timeout: 10 * time.Second}

// ProxyAction forwards a control action (shutdown, reboot, shell) to
// the machine's probe, authenticated with the machine's agent token.
// POST /api/machines/{id}/action/{action}
func ProxyAction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		JSONError(w, "Invalid machine ID", http.StatusBadRequest)
		return
	}
	action := r.PathValue("action")

	m, err := machines.GetByID(db.DB, id)
	if errors.Is(err, machines.ErrNotFound) {
		JSONError(w, "Machine not found", http.StatusNotFound)
		return
	}
	if err != nil {
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}
	if m.AgentToken == "" {
		JSONError(w, "Machine has no registered probe", http.StatusConflict)
		return
	}

	url := fmt.Sprintf("http://%s:%d/action/%s", m.IPAddress, m.AgentPort, action)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, url, r.Body)
	if err != nil {
		JSONError(w, "Failed to build probe request", http.StatusInternalServerError)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Control-Token", m.AgentToken)

	resp, err := proxyClient.Do(req)
	if err != nil {
		// An unreachable probe on an online machine is a liveness
		// signal in its own right.
		if m.Status == machines.StatusOnline {
			if serr := machines.SetStatus(db.DB, m.ID, machines.StatusOffline); serr == nil {
				Bus.Publish(events.Event{
					Type:      events.MachineOffline,
					Severity:  events.SeverityWarning,
					MachineID: m.ID,
					Message:   fmt.Sprintf("Machine %q unreachable during %s action", m.Name, action),
					Metadata:  map[string]string{"machine_name": m.Name},
				})
			}
		}
		JSONError(w, "Probe unreachable: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	audit.Log(db.DB, requestUserID(r), id, "action_"+action, "", middleware.ExtractIP(r))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// RegisterMachineRoutes registers all machine API endpoints.
func RegisterMachineRoutes(mux *http.ServeMux, protect func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("POST /api/machines", protect(CreateMachine))
	mux.HandleFunc("GET /api/machines", protect(ListMachines))
	mux.HandleFunc("GET /api/machines/{id}", protect(GetMachine))
	mux.HandleFunc("DELETE /api/machines/{id}", protect(DeleteMachine))
	mux.HandleFunc("POST /api/machines/{id}/install", protect(StartInstall))
	mux.HandleFunc("GET /api/machines/{id}/install", protect(GetInstallStatus))
	mux.HandleFunc("GET /api/machines/{id}/metrics", protect(GetMetrics))
	mux.HandleFunc("GET /api/machines/{id}/debug", protect(MachineDebug))
	mux.HandleFunc("POST /api/machines/{id}/action/{action}", protect(ProxyAction))
}
