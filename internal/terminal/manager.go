// Package terminal manages interactive SSH shell sessions on managed
// machines. A session is created once, then any number of watchers
// subscribe to its output stream; input, resize, and close are keyed
// by the session ID, which acts as the capability for the session.
package terminal

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"helmsman/internal/machines"
	"helmsman/internal/sshx"
	"helmsman/internal/vault"
)

// ErrSessionNotFound is returned for unknown or already closed sessions.
var ErrSessionNotFound = errors.New("terminal: session not found")

// Frame is one event on a session's output stream.
type Frame struct {
	Type    string `json:"type,omitempty"` // connected, close, error; empty for data
	Data    string `json:"data,omitempty"` // base64 terminal output
	Message string `json:"message,omitempty"`
}

// Shell is the remote shell a session drives. *sshx.ShellSession
// implements it; tests substitute a fake.
type Shell interface {
	Write(p []byte) (int, error)
	Resize(rows, cols int) error
	Output() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Close() error
}

// OpenFunc connects to a machine and starts a shell. The returned
// cleanup tears down the underlying transport.
type OpenFunc func(m *machines.Machine, cred sshx.Credentials, rows, cols int) (Shell, func(), error)

// Session is one live shell. Snapshot fields only; the manager owns
// the mutable state.
type Session struct {
	ID        string    `json:"id"`
	MachineID int64     `json:"machine_id"`
	CreatedAt time.Time `json:"created_at"`

	shell   Shell
	cleanup func()

	mu      sync.Mutex
	subs    map[int64]chan Frame
	nextSub int64
	closed  bool
}

// Manager owns all live terminal sessions.
type Manager struct {
	db     *sql.DB
	vault  *vault.Vault
	open   OpenFunc
	maxAge time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager creates a session manager. maxAge bounds session
// lifetime; the reaper closes anything older. open defaults to the
// real SSH dialer when nil.
func NewManager(dbc *sql.DB, v *vault.Vault, maxAge time.Duration, open OpenFunc) *Manager {
	if open == nil {
		open = dialShell
	}
	return &Manager{
		db:       dbc,
		vault:    v,
		open:     open,
		maxAge:   maxAge,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
}

func dialShell(m *machines.Machine, cred sshx.Credentials, rows, cols int) (Shell, func(), error) {
	client, err := sshx.Dial(m.IPAddress, m.SSHPort, cred)
	if err != nil {
		return nil, nil, err
	}
	shell, err := client.Shell("xterm-256color", rows, cols)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return shell, func() { client.Close() }, nil
}

// Create opens a new shell session on a machine using its stored SSH
// credential and returns the session snapshot.
func (mgr *Manager) Create(machineID int64, rows, cols int) (*Session, error) {
	m, err := machines.GetByID(mgr.db, machineID)
	if err != nil {
		return nil, err
	}

	cred, err := mgr.loadCredentials(m)
	if err != nil {
		return nil, err
	}

	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}
	shell, cleanup, err := mgr.open(m, cred, rows, cols)
	if err != nil {
		return nil, fmt.Errorf("open shell: %w", err)
	}

	id, err := newSessionID()
	if err != nil {
		cleanup()
		shell.Close()
		return nil, err
	}

	s := &Session{
		ID:        id,
		MachineID: machineID,
		CreatedAt: time.Now().UTC(),
		shell:     shell,
		cleanup:   cleanup,
		subs:      make(map[int64]chan Frame),
	}
	mgr.mu.Lock()
	mgr.sessions[id] = s
	mgr.mu.Unlock()

	go mgr.pump(s)
	log.Printf("[Terminal] Session %s opened on machine %q", id, m.Name)

	snapshot := *s
	return &snapshot, nil
}

func (mgr *Manager) loadCredentials(m *machines.Machine) (sshx.Credentials, error) {
	stored, err := machines.GetCredential(mgr.db, m.ID)
	if err != nil {
		return sshx.Credentials{}, err
	}
	if stored == nil {
		return sshx.Credentials{}, errors.New("no SSH credential stored for machine")
	}

	cred := sshx.Credentials{Username: m.SSHUsername}
	switch stored.AuthMethod {
	case machines.AuthKey:
		cred.PrivateKey, err = mgr.vault.Decrypt(stored.EncryptedPrivateKey)
	default:
		cred.Password, err = mgr.vault.Decrypt(stored.EncryptedPassword)
	}
	if err != nil {
		return sshx.Credentials{}, fmt.Errorf("decrypt credential: %w", err)
	}
	return cred, nil
}

// pump fans shell output out to subscribers until the shell ends, then
// broadcasts the terminal frame and tears the session down.
func (mgr *Manager) pump(s *Session) {
	for {
		select {
		case chunk := <-s.shell.Output():
			s.broadcast(Frame{Data: base64.StdEncoding.EncodeToString(chunk)})
		case <-s.shell.Done():
			// Drain anything buffered before announcing the close.
			for {
				select {
				case chunk := <-s.shell.Output():
					s.broadcast(Frame{Data: base64.StdEncoding.EncodeToString(chunk)})
					continue
				default:
				}
				break
			}
			final := Frame{Type: "close"}
			if err := s.shell.Err(); err != nil {
				final = Frame{Type: "error", Message: err.Error()}
			}
			mgr.teardown(s, final)
			return
		}
	}
}

// broadcast delivers a frame to every subscriber. Slow subscribers
// lose frames rather than stalling the shell.
func (s *Session) broadcast(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- f:
		default:
		}
	}
}

func (mgr *Manager) teardown(s *Session, final Frame) {
	mgr.mu.Lock()
	delete(mgr.sessions, s.ID)
	mgr.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, ch := range s.subs {
		select {
		case ch <- final:
		default:
		}
		close(ch)
	}
	s.subs = nil
	s.mu.Unlock()

	s.shell.Close()
	if s.cleanup != nil {
		s.cleanup()
	}
	log.Printf("[Terminal] Session %s closed", s.ID)
}

func (mgr *Manager) get(sessionID string) (*Session, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	s, ok := mgr.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Subscribe attaches a watcher to a session's output. The first frame
// is always {type: connected}. The returned cancel detaches the
// watcher; the channel is closed when the session ends.
func (mgr *Manager) Subscribe(sessionID string) (<-chan Frame, func(), error) {
	s, err := mgr.get(sessionID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan Frame, 256)
	s.mu.Lock()
	if s.closed {
		// Session ended between lookup and subscribe: the watcher
		// still gets an orderly close.
		s.mu.Unlock()
		ch <- Frame{Type: "close"}
		close(ch)
		return ch, func() {}, nil
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	ch <- Frame{Type: "connected"}

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel, nil
}

// Write sends keystrokes to the session's shell.
func (mgr *Manager) Write(sessionID string, data []byte) error {
	s, err := mgr.get(sessionID)
	if err != nil {
		return err
	}
	_, err = s.shell.Write(data)
	return err
}

// Resize adjusts the session's PTY dimensions.
func (mgr *Manager) Resize(sessionID string, rows, cols int) error {
	s, err := mgr.get(sessionID)
	if err != nil {
		return err
	}
	return s.shell.Resize(rows, cols)
}

// Close ends a session. Subscribers receive a close frame.
func (mgr *Manager) Close(sessionID string) error {
	s, err := mgr.get(sessionID)
	if err != nil {
		return err
	}
	// Closing the shell wakes the pump, which broadcasts and tears
	// down.
	return s.shell.Close()
}

// List returns snapshots of all live sessions.
func (mgr *Manager) List() []Session {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	out := make([]Session, 0, len(mgr.sessions))
	for _, s := range mgr.sessions {
		out = append(out, Session{ID: s.ID, MachineID: s.MachineID, CreatedAt: s.CreatedAt})
	}
	return out
}

// StartReaper closes sessions that outlive maxAge. Abandoned browser
// tabs must not hold SSH connections open forever.
func (mgr *Manager) StartReaper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-mgr.stop:
				return
			case <-ticker.C:
				mgr.Reap()
			}
		}
	}()
}

// Reap runs one expiry pass.
func (mgr *Manager) Reap() {
	cutoff := time.Now().UTC().Add(-mgr.maxAge)

	mgr.mu.Lock()
	var expired []*Session
	for _, s := range mgr.sessions {
		if s.CreatedAt.Before(cutoff) {
			expired = append(expired, s)
		}
	}
	mgr.mu.Unlock()

	for _, s := range expired {
		log.Printf("[Terminal] Reaping session %s (age %s)", s.ID, time.Since(s.CreatedAt).Round(time.Second))
		s.shell.Close()
	}
}

// Shutdown closes every session and stops the reaper.
func (mgr *Manager) Shutdown() {
	mgr.stopOnce.Do(func() { close(mgr.stop) })

	mgr.mu.Lock()
	sessions := make([]*Session, 0, len(mgr.sessions))
	for _, s := range mgr.sessions {
		sessions = append(sessions, s)
	}
	mgr.mu.Unlock()

	for _, s := range sessions {
		s.shell.Close()
	}
}

func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
