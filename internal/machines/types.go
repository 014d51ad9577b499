package machines

import (
	"encoding/json"
	"time"
)

// Status is a machine's lifecycle state.
type Status string

const (
	StatusInstalling Status = "installing"
	StatusOnline     Status = "online"
	StatusOffline    Status = "offline"
	StatusError      Status = "error"
)

// transitions defines the permitted lifecycle edges. A machine is born
// installing and error is terminal until the machine is deleted and
// re-added.
var transitions = map[Status][]Status{
	StatusInstalling: {StatusOnline, StatusError},
	StatusOnline:     {StatusOffline, StatusError},
	StatusOffline:    {StatusOnline, StatusError},
	StatusError:      {},
}

// CanTransition reports whether from → to is a legal edge.
// Same-state writes are always allowed (idempotent updates).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine is the authoritative record of a managed host.
type Machine struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	Hostname         string          `json:"hostname"`
	IPAddress        string          `json:"ip_address"`
	SSHPort          int             `json:"ssh_port"`
	SSHUsername      string          `json:"ssh_username"`
	AgentToken       string          `json:"-"`
	AgentPort        int             `json:"agent_port"`
	ControlServerURL string          `json:"control_server_url,omitempty"`
	Status           Status          `json:"status"`
	OSInfo           json.RawMessage `json:"os_info,omitempty"`
	HardwareInfo     json.RawMessage `json:"hardware_info,omitempty"`
	LastSeen         time.Time       `json:"last_seen,omitempty"`
	AddedBy          int64           `json:"added_by,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// AuthMethod selects how the stored credential authenticates SSH.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
)

// Credential is the encrypted SSH secret for one machine. Blobs are
// vault-sealed; this struct never carries plaintext.
type Credential struct {
	MachineID             int64
	AuthMethod            AuthMethod
	EncryptedPassword     string
	EncryptedPrivateKey   string
	EncryptedSudoPassword string
	RequiresSudo          bool
}
