package machines

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"helmsman/internal/events"
)

// Sweeper periodically flips online machines that stopped heartbeating
// to offline. It runs on its own timer, independent of request traffic.
type Sweeper struct {
	db       *sql.DB
	bus      *events.Bus
	window   time.Duration // max allowed gap since last heartbeat
	interval time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// NewSweeper creates a liveness sweeper. window is the liveness window;
// interval is how often the sweep runs.
func NewSweeper(db *sql.DB, bus *events.Bus, window, interval time.Duration) *Sweeper {
	return &Sweeper{
		db:       db,
		bus:      bus,
		window:   window,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins the periodic sweep loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.loop()
	log.Printf("[Sweep] Liveness sweeper started (window=%s, interval=%s)", s.window, s.interval)
}

// Stop halts the sweeper.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stop)
	log.Println("[Sweep] Liveness sweeper stopped")
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one pass: every online machine whose last_seen exceeds the
// liveness window goes offline, with one status-change event each.
func (s *Sweeper) Sweep() {
	cutoff := time.Now().UTC().Add(-s.window)

	stale, err := ListStale(s.db, cutoff)
	if err != nil {
		log.Printf("[Sweep] Failed to list stale machines: %v", err)
		return
	}

	for _, m := range stale {
		if err := SetStatus(s.db, m.ID, StatusOffline); err != nil {
			log.Printf("[Sweep] Failed to mark machine %d offline: %v", m.ID, err)
			continue
		}
		log.Printf("[Sweep] Machine %q marked offline (last_seen=%s)", m.Name, m.LastSeen.Format(time.RFC3339))

		s.bus.Publish(events.Event{
			Type:      events.MachineOffline,
			Severity:  events.SeverityWarning,
			MachineID: m.ID,
			Message:   fmt.Sprintf("Machine %q missed its heartbeat window", m.Name),
			Metadata: map[string]string{
				"machine_name": m.Name,
				"last_seen":    m.LastSeen.Format(time.RFC3339),
			},
		})
	}
}
