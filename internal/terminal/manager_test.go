package terminal

import (
	"bytes"
	"database/sql"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"helmsman/internal/db"
	"helmsman/internal/machines"
	"helmsman/internal/sshx"
	"helmsman/internal/vault"
)

type fakeShell struct {
	out  chan []byte
	done chan struct{}

	mu      sync.Mutex
	written bytes.Buffer
	rows    int
	cols    int
	err     error

	closeOnce sync.Once
}

func newFakeShell() *fakeShell {
	return &fakeShell{out: make(chan []byte, 16), done: make(chan struct{})}
}

func (f *fakeShell) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Write(p)
}

func (f *fakeShell) Resize(rows, cols int) error {
	f.mu.Lock()
	f.rows, f.cols = rows, cols
	f.mu.Unlock()
	return nil
}

func (f *fakeShell) Output() <-chan []byte { return f.out }
func (f *fakeShell) Done() <-chan struct{} { return f.done }

func (f *fakeShell) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeShell) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeShell) emit(s string) { f.out <- []byte(s) }

func setupManager(t *testing.T) (*Manager, *fakeShell, int64) {
	t.Helper()

	dbc, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { dbc.Close() })
	if err := db.Migrate(dbc); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	v, err := vault.New("unit-test-master-secret")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	m, err := machines.Create(dbc, &machines.Machine{
		Name: "lab-1", Hostname: "lab-1.local", IPAddress: "192.168.1.10", SSHUsername: "root",
	})
	if err != nil {
		t.Fatalf("create machine: %v", err)
	}
	encrypted, _ := v.Encrypt("hunter2")
	machines.SaveCredential(dbc, &machines.Credential{
		MachineID: m.ID, AuthMethod: machines.AuthPassword, EncryptedPassword: encrypted,
	})

	shell := newFakeShell()
	open := func(mm *machines.Machine, cred sshx.Credentials, rows, cols int) (Shell, func(), error) {
		if cred.Password != "hunter2" {
			t.Errorf("shell opened with password %q", cred.Password)
		}
		return shell, func() {}, nil
	}
	mgr := NewManager(dbc, v, time.Hour, open)
	t.Cleanup(mgr.Shutdown)
	return mgr, shell, m.ID
}

func recvFrame(t *testing.T, ch <-chan Frame) Frame {
	t.Helper()
	select {
	case f, ok := <-ch:
		if !ok {
			t.Fatal("frame channel closed unexpectedly")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return Frame{}
}

func TestSessionStreamsOutput(t *testing.T) {
	mgr, shell, machineID := setupManager(t)

	s, err := mgr.Create(machineID, 24, 80)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ch, cancel, err := mgr.Subscribe(s.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if f := recvFrame(t, ch); f.Type != "connected" {
		t.Fatalf("first frame = %+v, want connected", f)
	}

	shell.emit("uptime\r\n")
	f := recvFrame(t, ch)
	if f.Type != "" {
		t.Fatalf("data frame has type %q", f.Type)
	}
	decoded, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		t.Fatalf("frame data is not base64: %v", err)
	}
	if string(decoded) != "uptime\r\n" {
		t.Errorf("decoded data = %q", decoded)
	}
}

func TestWriteAndResizeReachShell(t *testing.T) {
	mgr, shell, machineID := setupManager(t)
	s, _ := mgr.Create(machineID, 24, 80)

	if err := mgr.Write(s.ID, []byte("ls\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := mgr.Resize(s.ID, 50, 132); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	shell.mu.Lock()
	defer shell.mu.Unlock()
	if shell.written.String() != "ls\n" {
		t.Errorf("shell received %q", shell.written.String())
	}
	if shell.rows != 50 || shell.cols != 132 {
		t.Errorf("shell size = %dx%d, want 50x132", shell.rows, shell.cols)
	}
}

func TestCloseBroadcastsCloseFrame(t *testing.T) {
	mgr, _, machineID := setupManager(t)
	s, _ := mgr.Create(machineID, 24, 80)

	ch, cancel, _ := mgr.Subscribe(s.ID)
	defer cancel()
	recvFrame(t, ch) // connected

	if err := mgr.Close(s.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if f := recvFrame(t, ch); f.Type != "close" {
		t.Fatalf("final frame = %+v, want close", f)
	}
	if _, ok := <-ch; ok {
		t.Error("channel not closed after close frame")
	}

	// The capability is dead: every follow-up is a miss.
	if err := mgr.Write(s.ID, []byte("x")); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Write after close = %v, want ErrSessionNotFound", err)
	}
	if _, _, err := mgr.Subscribe(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Subscribe after close = %v, want ErrSessionNotFound", err)
	}
}

func TestShellErrorBecomesErrorFrame(t *testing.T) {
	mgr, shell, machineID := setupManager(t)
	s, _ := mgr.Create(machineID, 24, 80)

	ch, cancel, _ := mgr.Subscribe(s.ID)
	defer cancel()
	recvFrame(t, ch) // connected

	shell.mu.Lock()
	shell.err = errors.New("connection reset")
	shell.mu.Unlock()
	shell.Close()

	f := recvFrame(t, ch)
	if f.Type != "error" || f.Message != "connection reset" {
		t.Fatalf("final frame = %+v, want error/connection reset", f)
	}
}

func TestSubscribeAfterTeardownRace(t *testing.T) {
	mgr, _, machineID := setupManager(t)
	s, _ := mgr.Create(machineID, 24, 80)

	// Simulate the race: the session is looked up, then closes before
	// the watcher attaches.
	live, err := mgr.get(s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	live.mu.Lock()
	live.closed = true
	live.mu.Unlock()

	ch, cancel, err := mgr.Subscribe(s.ID)
	if err != nil {
		t.Fatalf("Subscribe during teardown: %v", err)
	}
	defer cancel()

	if f := recvFrame(t, ch); f.Type != "close" {
		t.Fatalf("race subscriber got %+v, want close", f)
	}
}

func TestReapClosesOldSessions(t *testing.T) {
	mgr, _, machineID := setupManager(t)
	s, _ := mgr.Create(machineID, 24, 80)

	ch, cancel, _ := mgr.Subscribe(s.ID)
	defer cancel()
	recvFrame(t, ch) // connected

	// Backdate the session past the max age.
	live, _ := mgr.get(s.ID)
	live.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)

	mgr.Reap()

	if f := recvFrame(t, ch); f.Type != "close" {
		t.Fatalf("reaped session frame = %+v, want close", f)
	}
	if len(mgr.List()) != 0 {
		t.Errorf("session still listed after reap")
	}
}

func TestCreateWithoutCredentialFails(t *testing.T) {
	mgr, _, _ := setupManager(t)

	bare, _ := machines.Create(mgr.db, &machines.Machine{
		Name: "bare", Hostname: "bare.local", IPAddress: "192.168.1.20", SSHUsername: "root",
	})
	if _, err := mgr.Create(bare.ID, 24, 80); err == nil {
		t.Fatal("Create without credential should fail")
	}
}
