package notify

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"

	"helmsman/internal/events"
)

// cooldown is the minimum gap between two notifications of the same
// event type for the same machine, per service. Flapping machines must
// not page anyone every thirty seconds.
const cooldown = 5 * time.Minute

// Sender abstracts message dispatch so the dispatcher can be tested
// without hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// Dispatcher subscribes to the event bus and forwards noteworthy
// events to every enabled notification service.
type Dispatcher struct {
	db     *sql.DB
	bus    *events.Bus
	sender Sender

	// lastSent tracks the last dispatch per (service, event type, machine).
	mu       sync.Mutex
	lastSent map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher wired to the given bus and database.
func NewDispatcher(dbc *sql.DB, bus *events.Bus, sender Sender) *Dispatcher {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	return &Dispatcher{
		db:       dbc,
		bus:      bus,
		sender:   sender,
		lastSent: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// Start subscribes to all events and begins dispatching.
func (d *Dispatcher) Start() {
	ch := make(chan events.Event, 256)

	d.bus.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
			log.Printf("notify: event queue full, dropping %s event", e.Type)
		}
	})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case e := <-ch:
				d.handle(e)
			case <-d.stopCh:
				// Drain remaining events
				for {
					select {
					case e := <-ch:
						d.handle(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop signals the dispatcher goroutine to finish and waits for it.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// handle processes a single event against all enabled services.
func (d *Dispatcher) handle(e events.Event) {
	if !noteworthy(e) {
		return
	}

	services, err := ListEnabledServices(d.db)
	if err != nil {
		log.Printf("notify: list services: %v", err)
		return
	}

	msg := formatMessage(e)
	for _, svc := range services {
		if d.inCooldown(svc.ID, e) {
			continue
		}
		if err := d.sender.Send(svc.ShoutrrrURL, msg); err != nil {
			log.Printf("notify: send to %s failed: %v", svc.Name, err)
		}
	}
}

// noteworthy filters the event stream down to what operators care
// about: anything warning or worse, plus install completions.
func noteworthy(e events.Event) bool {
	if e.Severity != events.SeverityInfo {
		return true
	}
	return e.Type == events.InstallCompleted || e.Type == events.MachineOnline
}

func (d *Dispatcher) inCooldown(serviceID int64, e events.Event) bool {
	key := fmt.Sprintf("%d:%s:%d", serviceID, e.Type, e.MachineID)

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastSent[key]; ok && time.Since(last) < cooldown {
		return true
	}
	d.lastSent[key] = time.Now()
	return false
}

// formatMessage builds a human-readable notification string.
func formatMessage(e events.Event) string {
	msg := fmt.Sprintf("[%s] %s", e.Severity.String(), e.Message)
	if name := e.Metadata["machine_name"]; name != "" {
		msg = fmt.Sprintf("[%s] [%s] %s", e.Severity.String(), name, e.Message)
	}
	return msg
}
