package notify

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"helmsman/internal/db"
	"helmsman/internal/events"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string // urls
	msgs []string
}

func (f *fakeSender) Send(url, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, url)
	f.msgs = append(f.msgs, message)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func setupDispatcher(t *testing.T) (*Dispatcher, *fakeSender, *events.Bus, *sql.DB) {
	t.Helper()
	dbc, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { dbc.Close() })
	if err := db.Migrate(dbc); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bus := events.NewBus()
	sender := &fakeSender{}
	d := NewDispatcher(dbc, bus, sender)
	d.Start()
	t.Cleanup(d.Stop)
	return d, sender, bus, dbc
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestDispatchToEnabledServices(t *testing.T) {
	_, sender, bus, dbc := setupDispatcher(t)

	AddService(dbc, "ops-discord", "discord://token@channel")
	disabled, _ := AddService(dbc, "muted", "telegram://token@chat")
	SetServiceEnabled(dbc, disabled.ID, false)

	bus.Publish(events.Event{
		Type:      events.MachineOffline,
		Severity:  events.SeverityWarning,
		MachineID: 1,
		Message:   `Machine "lab-1" missed its heartbeat window`,
		Metadata:  map[string]string{"machine_name": "lab-1"},
	})

	waitFor(t, func() bool { return sender.count() == 1 })
	if sender.sent[0] != "discord://token@channel" {
		t.Errorf("sent to %q, disabled service should be skipped", sender.sent[0])
	}
	if sender.msgs[0] != `[warning] [lab-1] Machine "lab-1" missed its heartbeat window` {
		t.Errorf("message = %q", sender.msgs[0])
	}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	_, sender, bus, dbc := setupDispatcher(t)
	AddService(dbc, "ops", "discord://token@channel")

	e := events.Event{
		Type:      events.MachineOffline,
		Severity:  events.SeverityWarning,
		MachineID: 7,
		Message:   "offline",
	}
	bus.Publish(e)
	bus.Publish(e)
	bus.Publish(e)

	waitFor(t, func() bool { return sender.count() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := sender.count(); n != 1 {
		t.Errorf("sent %d notifications inside cooldown, want 1", n)
	}

	// A different machine is its own cooldown bucket.
	other := e
	other.MachineID = 8
	bus.Publish(other)
	waitFor(t, func() bool { return sender.count() == 2 })
}

func TestRoutineInfoEventsAreFiltered(t *testing.T) {
	_, sender, bus, dbc := setupDispatcher(t)
	AddService(dbc, "ops", "discord://token@channel")

	bus.Publish(events.Event{
		Type:     events.MetricsReceived,
		Severity: events.SeverityInfo,
		Message:  "metrics",
	})
	bus.Publish(events.Event{
		Type:     events.InstallCompleted,
		Severity: events.SeverityInfo,
		Message:  "installed",
	})

	waitFor(t, func() bool { return sender.count() == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := sender.count(); n != 1 {
		t.Errorf("sent %d, want only the install completion", n)
	}
}
