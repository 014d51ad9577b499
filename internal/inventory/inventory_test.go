package inventory

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"helmsman/internal/db"
	"helmsman/internal/events"
	"helmsman/internal/machines"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbc, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { dbc.Close() })

	if err := db.Migrate(dbc); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return dbc
}

func createMachine(t *testing.T, dbc *sql.DB) *machines.Machine {
	t.Helper()
	m, err := machines.Create(dbc, &machines.Machine{
		Name: "lab-1", Hostname: "lab-1.local", IPAddress: "192.168.1.10", SSHUsername: "root",
	})
	if err != nil {
		t.Fatalf("create machine: %v", err)
	}
	return m
}

// ─── Screen Reconciliation ───────────────────────────────────────────────────

func TestReconcileScreensUpsertAndPrune(t *testing.T) {
	dbc := setupTestDB(t)
	m := createMachine(t, dbc)

	first := []Screen{
		{ScreenID: "1234.build", Name: "build", State: "Detached", OwnerUser: "root"},
		{ScreenID: "5678.logs", Name: "logs", State: "Attached", OwnerUser: "root"},
	}
	res, err := ReconcileScreens(dbc, m.ID, first)
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if res.Received != 2 || res.Removed != 0 {
		t.Errorf("first reconcile = %+v, want received 2, removed 0", res)
	}

	// Identical report: idempotent, nothing pruned, nothing duplicated.
	res, err = ReconcileScreens(dbc, m.ID, first)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if res.Removed != 0 {
		t.Errorf("idempotent reconcile removed %d rows", res.Removed)
	}
	screens, _ := ListScreens(dbc, m.ID)
	if len(screens) != 2 {
		t.Fatalf("expected 2 screens after re-report, got %d", len(screens))
	}

	// One session ended: the dropped row is pruned.
	res, err = ReconcileScreens(dbc, m.ID, first[:1])
	if err != nil {
		t.Fatalf("third reconcile: %v", err)
	}
	if res.Received != 1 || res.Removed != 1 {
		t.Errorf("third reconcile = %+v, want received 1, removed 1", res)
	}
	screens, _ = ListScreens(dbc, m.ID)
	if len(screens) != 1 || screens[0].ScreenID != "1234.build" {
		t.Errorf("surviving screens = %+v", screens)
	}
}

func TestReconcileScreensEmptyReportClears(t *testing.T) {
	dbc := setupTestDB(t)
	m := createMachine(t, dbc)

	ReconcileScreens(dbc, m.ID, []Screen{{ScreenID: "1.a"}, {ScreenID: "2.b"}})

	res, err := ReconcileScreens(dbc, m.ID, nil)
	if err != nil {
		t.Fatalf("empty reconcile: %v", err)
	}
	if res.Received != 0 || res.Removed != 2 {
		t.Errorf("empty reconcile = %+v, want received 0, removed 2", res)
	}
	if screens, _ := ListScreens(dbc, m.ID); len(screens) != 0 {
		t.Errorf("screens not cleared: %+v", screens)
	}
}

func TestReconcileScreensScopedToMachine(t *testing.T) {
	dbc := setupTestDB(t)
	a := createMachine(t, dbc)
	b, _ := machines.Create(dbc, &machines.Machine{
		Name: "lab-2", Hostname: "lab-2.local", IPAddress: "192.168.1.11", SSHUsername: "root",
	})

	ReconcileScreens(dbc, a.ID, []Screen{{ScreenID: "1.a"}})
	ReconcileScreens(dbc, b.ID, []Screen{{ScreenID: "9.z"}})

	// Clearing machine A must not touch machine B's rows.
	ReconcileScreens(dbc, a.ID, nil)
	if screens, _ := ListScreens(dbc, b.ID); len(screens) != 1 {
		t.Errorf("machine B screens affected by machine A reconcile: %+v", screens)
	}
}

// ─── Port Reconciliation ─────────────────────────────────────────────────────

func TestReconcilePortsLabelSurvivesChurn(t *testing.T) {
	dbc := setupTestDB(t)
	m := createMachine(t, dbc)

	web := Port{Port: 8080, Protocol: "tcp", Address: "0.0.0.0", PID: 312, Process: "caddy"}
	if _, err := ReconcilePorts(dbc, m.ID, []Port{web}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if err := SetPortLabel(dbc, m.ID, 8080, "reverse proxy"); err != nil {
		t.Fatalf("set label: %v", err)
	}

	// Port goes away...
	res, _ := ReconcilePorts(dbc, m.ID, nil)
	if res.Removed != 1 {
		t.Errorf("expected port pruned, removed = %d", res.Removed)
	}

	// ...and comes back: the label is still attached.
	ReconcilePorts(dbc, m.ID, []Port{web})
	ports, err := ListPorts(dbc, m.ID)
	if err != nil {
		t.Fatalf("list ports: %v", err)
	}
	if len(ports) != 1 {
		t.Fatalf("expected 1 port, got %d", len(ports))
	}
	if ports[0].Label != "reverse proxy" {
		t.Errorf("label = %q, want %q", ports[0].Label, "reverse proxy")
	}
	if ports[0].Process != "caddy" || ports[0].PID != 312 {
		t.Errorf("port fields lost on re-report: %+v", ports[0])
	}

	if err := DeletePortLabel(dbc, m.ID, 8080); err != nil {
		t.Fatalf("delete label: %v", err)
	}
	ports, _ = ListPorts(dbc, m.ID)
	if ports[0].Label != "" {
		t.Errorf("label not deleted: %q", ports[0].Label)
	}
}

func TestReconcilePortsUpdatesProcessInfo(t *testing.T) {
	dbc := setupTestDB(t)
	m := createMachine(t, dbc)

	ReconcilePorts(dbc, m.ID, []Port{{Port: 22, Protocol: "tcp", Address: "0.0.0.0", PID: 100, Process: "sshd"}})
	// Same socket, new PID after a service restart.
	ReconcilePorts(dbc, m.ID, []Port{{Port: 22, Protocol: "tcp", Address: "0.0.0.0", PID: 245, Process: "sshd"}})

	ports, _ := ListPorts(dbc, m.ID)
	if len(ports) != 1 {
		t.Fatalf("expected 1 port row, got %d", len(ports))
	}
	if ports[0].PID != 245 {
		t.Errorf("pid = %d, want 245", ports[0].PID)
	}
}

// ─── Heartbeats ──────────────────────────────────────────────────────────────

func TestRecordHeartbeatRevivesOffline(t *testing.T) {
	dbc := setupTestDB(t)
	bus := events.NewBus()

	var online []events.Event
	bus.Subscribe(func(e events.Event) { online = append(online, e) }, events.MachineOnline)

	m := createMachine(t, dbc)
	machines.SetStatus(dbc, m.ID, machines.StatusOnline)
	machines.SetStatus(dbc, m.ID, machines.StatusOffline)
	m, _ = machines.GetByID(dbc, m.ID)

	hb := &Heartbeat{
		OSInfo:  json.RawMessage(`{"distro":"debian","version":"13"}`),
		Metrics: map[string]json.RawMessage{"cpu": json.RawMessage(`{"load":0.4}`)},
	}
	if err := RecordHeartbeat(dbc, bus, m, hb); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}

	got, _ := machines.GetByID(dbc, m.ID)
	if got.Status != machines.StatusOnline {
		t.Errorf("status = %s, want online", got.Status)
	}
	if got.LastSeen.IsZero() {
		t.Error("last_seen not stamped")
	}
	if len(online) != 1 {
		t.Errorf("expected 1 online event, got %d", len(online))
	}

	samples, err := MetricHistory(dbc, m.ID, "cpu", 10)
	if err != nil {
		t.Fatalf("MetricHistory: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected 1 cpu sample, got %d", len(samples))
	}
}

func TestRecordHeartbeatDoesNotPromoteInstalling(t *testing.T) {
	dbc := setupTestDB(t)
	bus := events.NewBus()
	m := createMachine(t, dbc)

	if err := RecordHeartbeat(dbc, bus, m, &Heartbeat{}); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	got, _ := machines.GetByID(dbc, m.ID)
	if got.Status != machines.StatusInstalling {
		t.Errorf("heartbeat promoted installing machine to %s", got.Status)
	}
}

func TestRecordHeartbeatPreservesInventoryOnPartialReport(t *testing.T) {
	dbc := setupTestDB(t)
	bus := events.NewBus()
	m := createMachine(t, dbc)

	full := &Heartbeat{
		OSInfo:       json.RawMessage(`{"distro":"debian"}`),
		HardwareInfo: json.RawMessage(`{"cpus":8}`),
	}
	RecordHeartbeat(dbc, bus, m, full)

	// A metrics-only heartbeat must not blank the stored blobs.
	RecordHeartbeat(dbc, bus, m, &Heartbeat{
		Metrics: map[string]json.RawMessage{"memory": json.RawMessage(`{"used_pct":61}`)},
	})

	got, _ := machines.GetByID(dbc, m.ID)
	if string(got.OSInfo) != `{"distro":"debian"}` {
		t.Errorf("os_info lost: %s", got.OSInfo)
	}
	if string(got.HardwareInfo) != `{"cpus":8}` {
		t.Errorf("hardware_info lost: %s", got.HardwareInfo)
	}
}

func TestPruneMetrics(t *testing.T) {
	dbc := setupTestDB(t)
	m := createMachine(t, dbc)

	old := time.Now().UTC().AddDate(0, 0, -40).Format(db.TimeFormat)
	dbc.Exec("INSERT INTO metrics (machine_id, metric_type, metric_data, timestamp) VALUES (?, 'cpu', '{}', ?)", m.ID, old)
	dbc.Exec("INSERT INTO metrics (machine_id, metric_type, metric_data, timestamp) VALUES (?, 'cpu', '{}', ?)", m.ID, db.NowString())

	removed, err := PruneMetrics(dbc, 30)
	if err != nil {
		t.Fatalf("PruneMetrics: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}
