package machines

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"helmsman/internal/db"
	"helmsman/internal/events"
)

// setupTestDB creates an in-memory SQLite database with the full schema.
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

func testMachine() *Machine {
	return &Machine{
		Name:        "lab-1",
		Hostname:    "lab-1.local",
		IPAddress:   "192.168.1.10",
		SSHUsername: "root",
	}
}

func TestCreateStartsInstalling(t *testing.T) {
	dbc := setupTestDB(t)

	m, err := Create(dbc, testMachine())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if m.Status != StatusInstalling {
		t.Errorf("new machine status = %s, want installing", m.Status)
	}
	if m.SSHPort != 22 {
		t.Errorf("default ssh port = %d, want 22", m.SSHPort)
	}
	if m.AgentPort != 7070 {
		t.Errorf("default agent port = %d, want 7070", m.AgentPort)
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusInstalling, StatusOnline, true},
		{StatusInstalling, StatusError, true},
		{StatusInstalling, StatusOffline, false},
		{StatusOnline, StatusOffline, true},
		{StatusOnline, StatusError, true},
		{StatusOffline, StatusOnline, true},
		{StatusError, StatusOnline, false},
		{StatusError, StatusOffline, false},
		{StatusError, StatusInstalling, false},
		{StatusOnline, StatusOnline, true}, // idempotent
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestSetStatusRejectsIllegalEdge(t *testing.T) {
	dbc := setupTestDB(t)
	m, _ := Create(dbc, testMachine())

	// installing → offline skips online
	err := SetStatus(dbc, m.ID, StatusOffline)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// error is terminal
	if err := SetStatus(dbc, m.ID, StatusError); err != nil {
		t.Fatalf("installing → error should be legal: %v", err)
	}
	err = SetStatus(dbc, m.ID, StatusOnline)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition out of error, got %v", err)
	}
}

func TestSetAgentEndpointAndTokenLookup(t *testing.T) {
	dbc := setupTestDB(t)
	m, _ := Create(dbc, testMachine())

	if err := SetAgentEndpoint(dbc, m.ID, "deadbeef", 7071); err != nil {
		t.Fatalf("SetAgentEndpoint: %v", err)
	}

	got, err := GetByToken(dbc, "deadbeef")
	if err != nil {
		t.Fatalf("GetByToken: %v", err)
	}
	if got.ID != m.ID {
		t.Errorf("token lookup returned machine %d, want %d", got.ID, m.ID)
	}
	if got.AgentPort != 7071 {
		t.Errorf("agent port = %d, want 7071", got.AgentPort)
	}

	if _, err := GetByToken(dbc, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown token should return ErrNotFound, got %v", err)
	}
}

func TestAgentTokenUnique(t *testing.T) {
	dbc := setupTestDB(t)
	a, _ := Create(dbc, testMachine())
	b, _ := Create(dbc, &Machine{Name: "lab-2", Hostname: "lab-2.local", IPAddress: "192.168.1.11", SSHUsername: "root"})

	if err := SetAgentEndpoint(dbc, a.ID, "same-token", 7070); err != nil {
		t.Fatalf("first token write: %v", err)
	}
	if err := SetAgentEndpoint(dbc, b.ID, "same-token", 7070); err == nil {
		t.Error("duplicate agent token should violate the unique constraint")
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	dbc := setupTestDB(t)
	m, _ := Create(dbc, testMachine())

	cred := &Credential{
		MachineID:         m.ID,
		AuthMethod:        AuthPassword,
		EncryptedPassword: "blob-a",
		RequiresSudo:      true,
	}
	if err := SaveCredential(dbc, cred); err != nil {
		t.Fatalf("SaveCredential: %v", err)
	}

	got, err := GetCredential(dbc, m.ID)
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if got == nil {
		t.Fatal("credential not found")
	}
	if got.AuthMethod != AuthPassword || got.EncryptedPassword != "blob-a" || !got.RequiresSudo {
		t.Errorf("credential mismatch: %+v", got)
	}

	// Missing credential is nil, not an error.
	missing, err := GetCredential(dbc, 9999)
	if err != nil || missing != nil {
		t.Errorf("missing credential: got (%v, %v), want (nil, nil)", missing, err)
	}
}

func TestSweeperFlipsStaleOnline(t *testing.T) {
	dbc := setupTestDB(t)
	bus := events.NewBus()

	var published []events.Event
	bus.Subscribe(func(e events.Event) {
		published = append(published, e)
	}, events.MachineOffline)

	m, _ := Create(dbc, testMachine())
	if err := SetStatus(dbc, m.ID, StatusOnline); err != nil {
		t.Fatalf("SetStatus online: %v", err)
	}

	// Backdate last_seen well past the liveness window.
	old := time.Now().UTC().Add(-10 * time.Minute).Format(db.TimeFormat)
	if _, err := dbc.Exec("UPDATE machines SET last_seen = ? WHERE id = ?", old, m.ID); err != nil {
		t.Fatalf("backdate last_seen: %v", err)
	}

	s := NewSweeper(dbc, bus, 2*time.Minute, time.Hour)
	s.Sweep()

	got, _ := GetByID(dbc, m.ID)
	if got.Status != StatusOffline {
		t.Errorf("status after sweep = %s, want offline", got.Status)
	}
	if len(published) != 1 {
		t.Fatalf("expected exactly 1 offline event, got %d", len(published))
	}
	if published[0].MachineID != m.ID {
		t.Errorf("event machine id = %d, want %d", published[0].MachineID, m.ID)
	}

	// A second sweep is a no-op: the machine is already offline.
	s.Sweep()
	if len(published) != 1 {
		t.Errorf("second sweep should not re-emit, got %d events", len(published))
	}
}

func TestSweeperSkipsFreshAndInstalling(t *testing.T) {
	dbc := setupTestDB(t)
	bus := events.NewBus()

	fresh, _ := Create(dbc, testMachine())
	SetStatus(dbc, fresh.ID, StatusOnline)
	dbc.Exec("UPDATE machines SET last_seen = ? WHERE id = ?", db.NowString(), fresh.ID)

	installing, _ := Create(dbc, &Machine{Name: "lab-2", Hostname: "lab-2.local", IPAddress: "192.168.1.11", SSHUsername: "root"})

	s := NewSweeper(dbc, bus, 2*time.Minute, time.Hour)
	s.Sweep()

	if m, _ := GetByID(dbc, fresh.ID); m.Status != StatusOnline {
		t.Errorf("fresh machine flipped to %s", m.Status)
	}
	if m, _ := GetByID(dbc, installing.ID); m.Status != StatusInstalling {
		t.Errorf("installing machine flipped to %s", m.Status)
	}
}
