package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/exec"
	"time"

	"helmsman/cmd/probe/sysinfo"
)

// shellCommands is the fixed set of diagnostics the control server may
// run through the probe. Anything else is refused; the probe is not a
// general remote shell.
var shellCommands = map[string][]string{
	"ls":     {"ls", "-la"},
	"ps":     {"ps", "aux"},
	"df":     {"df", "-h"},
	"free":   {"free", "-m"},
	"uptime": {"uptime"},
	"whoami": {"whoami"},
}

// localAPI is the probe's HTTP surface on the agent port. /health is
// open; everything else requires the control token.
type localAPI struct {
	token string
}

func (a *localAPI) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok", "version": version})
	})

	mux.HandleFunc("GET /system/info", a.protect(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"os":       sysinfo.CollectOS(),
			"hardware": sysinfo.CollectHardware(),
		})
	}))
	mux.HandleFunc("GET /system/metrics", a.protect(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, sysinfo.CollectMetrics())
	}))
	mux.HandleFunc("GET /system/cpu", a.protect(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, sysinfo.CollectCPU())
	}))
	mux.HandleFunc("GET /system/memory", a.protect(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, sysinfo.CollectMemory())
	}))
	mux.HandleFunc("GET /system/disk", a.protect(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, sysinfo.CollectDisk())
	}))
	mux.HandleFunc("GET /system/network", a.protect(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, sysinfo.CollectNetwork())
	}))
	mux.HandleFunc("GET /system/gpu", a.protect(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, sysinfo.CollectGPU())
	}))

	mux.HandleFunc("POST /action/shutdown", a.protect(func(w http.ResponseWriter, r *http.Request) {
		log.Println("⚡ Shutdown requested by control server")
		a.runDeferred("shutdown", "-h", "now")
		writeJSON(w, map[string]string{"status": "shutting_down"})
	}))
	mux.HandleFunc("POST /action/reboot", a.protect(func(w http.ResponseWriter, r *http.Request) {
		log.Println("⚡ Reboot requested by control server")
		a.runDeferred("reboot")
		writeJSON(w, map[string]string{"status": "rebooting"})
	}))
	mux.HandleFunc("POST /action/shell", a.protect(a.runShell))

	return mux
}

func (a *localAPI) protect(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Control-Token") != a.token {
			http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// runDeferred starts a system command after a short delay so the HTTP
// response gets out before the machine goes down.
func (a *localAPI) runDeferred(name string, args ...string) {
	go func() {
		time.Sleep(time.Second)
		if err := exec.Command(name, args...).Run(); err != nil {
			log.Printf("❌ %s failed: %v", name, err)
		}
	}()
}

func (a *localAPI) runShell(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"Invalid JSON"}`, http.StatusBadRequest)
		return
	}

	argv, ok := shellCommands[req.Command]
	if !ok {
		http.Error(w, `{"error":"Command not allowed"}`, http.StatusForbidden)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	result := map[string]interface{}{
		"command": req.Command,
		"output":  string(out),
	}
	if err != nil {
		result["error"] = err.Error()
	}
	writeJSON(w, result)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("⚠️  Failed to encode response: %v", err)
	}
}
