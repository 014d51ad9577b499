package events

import "time"

// EventType identifies the kind of event being published.
type EventType string

const (
	// Machine lifecycle events
	MachineOnline  EventType = "machine_online"
	MachineOffline EventType = "machine_offline"
	MachineError   EventType = "machine_error"
	MachineAdded   EventType = "machine_added"
	MachineDeleted EventType = "machine_deleted"

	// Install pipeline events
	InstallStarted   EventType = "install_started"
	InstallCompleted EventType = "install_completed"
	InstallFailed    EventType = "install_failed"

	// Inventory events
	MetricsReceived EventType = "metrics_received"
)

// Severity indicates the urgency of an event.
type Severity int

const (
	SeverityInfo     Severity = 0
	SeverityWarning  Severity = 1
	SeverityCritical Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is the payload published through the bus.
type Event struct {
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	MachineID int64             `json:"machine_id,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
