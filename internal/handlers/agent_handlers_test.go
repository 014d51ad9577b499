package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "modernc.org/sqlite"

	"helmsman/internal/db"
	"helmsman/internal/events"
	"helmsman/internal/machines"
	"helmsman/internal/vault"
)

func setupHandlerTest(t *testing.T) {
	t.Helper()

	// foreign_keys enabled so ON DELETE CASCADE behaves like production
	dbc, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.Migrate(dbc); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	prev := db.DB
	db.DB = dbc
	t.Cleanup(func() {
		db.DB = prev
		dbc.Close()
	})

	Bus = events.NewBus()
	Vault, err = vault.New("unit-test-master-secret")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
}

func installingMachine(t *testing.T, token string) *machines.Machine {
	t.Helper()
	m, err := machines.Create(db.DB, &machines.Machine{
		Name: "lab-1", Hostname: "lab-1.local", IPAddress: "192.168.1.10", SSHUsername: "root",
	})
	if err != nil {
		t.Fatalf("create machine: %v", err)
	}
	if token != "" {
		if err := machines.SetAgentEndpoint(db.DB, m.ID, token, 7070); err != nil {
			t.Fatalf("set token: %v", err)
		}
	}
	return m
}

func postJSON(handler http.HandlerFunc, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestRegisterProbeFlipsInstallingToOnline(t *testing.T) {
	setupHandlerTest(t)
	m := installingMachine(t, "tok-123")

	rec := postJSON(RegisterProbe, "/api/agent/register", map[string]interface{}{
		"token":   "tok-123",
		"os_info": map[string]string{"distro": "debian"},
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got, _ := machines.GetByID(db.DB, m.ID)
	if got.Status != machines.StatusOnline {
		t.Errorf("machine status = %s, want online", got.Status)
	}
	if got.LastSeen.IsZero() {
		t.Error("registration did not stamp last_seen")
	}
}

func TestRegisterProbeRejectsUnknownToken(t *testing.T) {
	setupHandlerTest(t)
	installingMachine(t, "tok-123")

	rec := postJSON(RegisterProbe, "/api/agent/register", map[string]string{"token": "wrong"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRegisterProbeRejectsNonInstallingMachine(t *testing.T) {
	setupHandlerTest(t)
	m := installingMachine(t, "tok-123")
	machines.SetStatus(db.DB, m.ID, machines.StatusOnline)

	rec := postJSON(RegisterProbe, "/api/agent/register", map[string]string{"token": "tok-123"}, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("re-registration status = %d, want 409", rec.Code)
	}
	got, _ := machines.GetByID(db.DB, m.ID)
	if got.Status != machines.StatusOnline {
		t.Errorf("status changed to %s", got.Status)
	}
}

func TestHeartbeatRequiresToken(t *testing.T) {
	setupHandlerTest(t)
	m := installingMachine(t, "tok-123")
	machines.SetStatus(db.DB, m.ID, machines.StatusOnline)

	rec := postJSON(Heartbeat, "/api/agent/heartbeat", map[string]interface{}{}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no-token status = %d, want 401", rec.Code)
	}

	rec = postJSON(Heartbeat, "/api/agent/heartbeat", map[string]interface{}{
		"metrics": map[string]interface{}{"cpu": map[string]float64{"load": 0.2}},
	}, map[string]string{"X-Agent-Token": "tok-123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d, body %s", rec.Code, rec.Body.String())
	}

	got, _ := machines.GetByID(db.DB, m.ID)
	if got.LastSeen.IsZero() {
		t.Error("heartbeat did not stamp last_seen")
	}
}

func TestReportScreensRoundTrip(t *testing.T) {
	setupHandlerTest(t)
	m := installingMachine(t, "tok-123")
	machines.SetStatus(db.DB, m.ID, machines.StatusOnline)
	headers := map[string]string{"X-Agent-Token": "tok-123"}

	rec := postJSON(ReportScreens, "/api/agent/screens", map[string]interface{}{
		"screens": []map[string]string{
			{"screen_id": "1234.build", "name": "build", "state": "Detached"},
		},
	}, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var res struct {
		Received int `json:"received"`
		Removed  int `json:"removed"`
	}
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Received != 1 || res.Removed != 0 {
		t.Errorf("result = %+v", res)
	}

	// Empty follow-up report clears the sessions and says so.
	rec = postJSON(ReportScreens, "/api/agent/screens", map[string]interface{}{
		"screens": []map[string]string{},
	}, headers)
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Received != 0 || res.Removed != 1 {
		t.Errorf("empty report result = %+v", res)
	}
}
