// Package inventory ingests what probes report about their hosts:
// heartbeats with metrics, detached screen sessions, and listening
// ports. Discovery data is reconciled declaratively: each report is
// the full truth for its machine, and anything the probe stopped
// reporting ages out.
package inventory

import (
	"encoding/json"
	"time"
)

// Heartbeat is the periodic report a probe posts to the control server.
// Metrics keys are metric types (cpu, memory, disk, ...) stored as-is.
type Heartbeat struct {
	OSInfo       json.RawMessage            `json:"os_info,omitempty"`
	HardwareInfo json.RawMessage            `json:"hardware_info,omitempty"`
	Metrics      map[string]json.RawMessage `json:"metrics,omitempty"`
}

// Metric is one stored metric sample.
type Metric struct {
	ID        int64           `json:"id"`
	MachineID int64           `json:"machine_id"`
	Type      string          `json:"metric_type"`
	Data      json.RawMessage `json:"metric_data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Screen is a GNU screen session observed on a machine.
type Screen struct {
	ID        int64     `json:"id"`
	MachineID int64     `json:"machine_id"`
	ScreenID  string    `json:"screen_id"`
	Name      string    `json:"name,omitempty"`
	State     string    `json:"state,omitempty"`
	OwnerUser string    `json:"owner_user,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
}

// Port is a listening socket observed on a machine. Label is the
// operator-assigned annotation, joined in on reads.
type Port struct {
	ID        int64     `json:"id"`
	MachineID int64     `json:"machine_id"`
	Port      int       `json:"port"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Process   string    `json:"process,omitempty"`
	OwnerUser string    `json:"owner_user,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
	Label     string    `json:"label,omitempty"`
}

// ReconcileResult summarizes one discovery ingest.
type ReconcileResult struct {
	Received int `json:"received"`
	Removed  int `json:"removed"`
}
