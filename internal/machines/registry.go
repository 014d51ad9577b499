package machines

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"helmsman/internal/db"
)

// ErrInvalidTransition is returned when a status write would skip an
// edge of the lifecycle state machine.
var ErrInvalidTransition = errors.New("machines: invalid status transition")

// ErrNotFound is returned when no machine matches the lookup.
var ErrNotFound = errors.New("machines: machine not found")

// ─── Machine Registry ────────────────────────────────────────────────────────

// Create inserts a new machine. Status is always installing; a machine
// is never created directly online.
func Create(dbc *sql.DB, m *Machine) (*Machine, error) {
	if m.SSHPort == 0 {
		m.SSHPort = 22
	}
	if m.AgentPort == 0 {
		m.AgentPort = 7070
	}

	result, err := dbc.Exec(`
		INSERT INTO machines (name, hostname, ip_address, ssh_port, ssh_username,
		                      agent_port, control_server_url, status, added_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'installing', ?)
	`, m.Name, m.Hostname, m.IPAddress, m.SSHPort, m.SSHUsername,
		m.AgentPort, db.NullString(m.ControlServerURL), nullID(m.AddedBy))
	if err != nil {
		return nil, fmt.Errorf("insert machine: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return GetByID(dbc, id)
}

// GetByID retrieves a machine by primary key.
func GetByID(dbc *sql.DB, id int64) (*Machine, error) {
	row := dbc.QueryRow(selectMachine+" WHERE id = ?", id)
	return scanMachineRow(row)
}

// GetByToken retrieves a machine by its agent bearer token.
func GetByToken(dbc *sql.DB, token string) (*Machine, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := dbc.QueryRow(selectMachine+" WHERE agent_token = ?", token)
	return scanMachineRow(row)
}

// List returns all machines, newest first.
func List(dbc *sql.DB) ([]Machine, error) {
	rows, err := dbc.Query(selectMachine + " ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	var out []Machine
	for rows.Next() {
		m, err := scanMachineRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Delete removes a machine and everything keyed to it (ON DELETE CASCADE
// covers credentials, logs, metrics, and discovery records).
func Delete(dbc *sql.DB, id int64) error {
	result, err := dbc.Exec("DELETE FROM machines WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus moves a machine along the lifecycle state machine. Writes
// that would skip an edge (installing → offline, error → anything)
// return ErrInvalidTransition.
func SetStatus(dbc *sql.DB, id int64, to Status) error {
	m, err := GetByID(dbc, id)
	if err != nil {
		return err
	}
	if !CanTransition(m.Status, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, m.Status, to)
	}
	if m.Status == to {
		return nil
	}

	_, err = dbc.Exec(
		"UPDATE machines SET status = ?, updated_at = ? WHERE id = ?",
		string(to), db.NowString(), id,
	)
	return err
}

// SetAgentEndpoint persists the freshly issued agent token and port.
// The install orchestrator calls this before any remote execution, so
// the probe's registration callback always finds a token to validate
// against.
func SetAgentEndpoint(dbc *sql.DB, id int64, token string, port int) error {
	result, err := dbc.Exec(
		"UPDATE machines SET agent_token = ?, agent_port = ?, updated_at = ? WHERE id = ?",
		token, port, db.NowString(), id,
	)
	if err != nil {
		return fmt.Errorf("persist agent token: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchInventory stamps last_seen and replaces the inventory blobs.
// Concurrent writers are safe: last_seen only ever moves forward.
func TouchInventory(dbc *sql.DB, id int64, osInfo, hardwareInfo json.RawMessage) error {
	_, err := dbc.Exec(`
		UPDATE machines
		SET last_seen = ?,
		    os_info = COALESCE(?, os_info),
		    hardware_info = COALESCE(?, hardware_info),
		    updated_at = ?
		WHERE id = ?
	`, db.NowString(), rawOrNil(osInfo), rawOrNil(hardwareInfo), db.NowString(), id)
	return err
}

// ListStale returns online machines whose last_seen is older than the
// cutoff. Machines that never sent a heartbeat are skipped.
func ListStale(dbc *sql.DB, cutoff time.Time) ([]Machine, error) {
	rows, err := dbc.Query(
		selectMachine+" WHERE status = 'online' AND last_seen IS NOT NULL AND last_seen < ?",
		cutoff.UTC().Format(db.TimeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale machines: %w", err)
	}
	defer rows.Close()

	var out []Machine
	for rows.Next() {
		m, err := scanMachineRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ─── Credentials ─────────────────────────────────────────────────────────────

// SaveCredential stores the encrypted SSH secret for a machine.
// Credentials are immutable once authored; re-adding the machine is
// the only way to change them.
func SaveCredential(dbc *sql.DB, c *Credential) error {
	_, err := dbc.Exec(`
		INSERT INTO ssh_credentials
			(machine_id, auth_method, encrypted_password, encrypted_private_key,
			 encrypted_sudo_password, requires_sudo)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.MachineID, string(c.AuthMethod),
		db.NullString(c.EncryptedPassword), db.NullString(c.EncryptedPrivateKey),
		db.NullString(c.EncryptedSudoPassword), db.BoolToInt(c.RequiresSudo))
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// GetCredential loads the encrypted credential for a machine. Returns
// nil (no error) when the machine has no credential row.
func GetCredential(dbc *sql.DB, machineID int64) (*Credential, error) {
	var c Credential
	var method string
	var pw, key, sudo sql.NullString
	var requiresSudo int

	err := dbc.QueryRow(`
		SELECT machine_id, auth_method, encrypted_password, encrypted_private_key,
		       encrypted_sudo_password, requires_sudo
		FROM ssh_credentials WHERE machine_id = ?
	`, machineID).Scan(&c.MachineID, &method, &pw, &key, &sudo, &requiresSudo)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.AuthMethod = AuthMethod(method)
	c.EncryptedPassword = pw.String
	c.EncryptedPrivateKey = key.String
	c.EncryptedSudoPassword = sudo.String
	c.RequiresSudo = requiresSudo == 1
	return &c, nil
}

// ─── Scan helpers ────────────────────────────────────────────────────────────

const selectMachine = `
	SELECT id, name, hostname, ip_address, ssh_port, ssh_username,
	       agent_token, agent_port, control_server_url, status,
	       os_info, hardware_info, last_seen, added_by, created_at, updated_at
	FROM machines`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMachine(s rowScanner) (*Machine, error) {
	var m Machine
	var status string
	var token, controlURL, osInfo, hwInfo sql.NullString
	var lastSeen, createdAt, updatedAt sql.NullString
	var addedBy sql.NullInt64

	err := s.Scan(
		&m.ID, &m.Name, &m.Hostname, &m.IPAddress, &m.SSHPort, &m.SSHUsername,
		&token, &m.AgentPort, &controlURL, &status,
		&osInfo, &hwInfo, &lastSeen, &addedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Status = Status(status)
	m.AgentToken = token.String
	m.ControlServerURL = controlURL.String
	if osInfo.Valid {
		m.OSInfo = json.RawMessage(osInfo.String)
	}
	if hwInfo.Valid {
		m.HardwareInfo = json.RawMessage(hwInfo.String)
	}
	m.LastSeen = db.ParseNullTime(lastSeen)
	m.CreatedAt = db.ParseNullTime(createdAt)
	m.UpdatedAt = db.ParseNullTime(updatedAt)
	if addedBy.Valid {
		m.AddedBy = addedBy.Int64
	}
	return &m, nil
}

func scanMachineRow(row *sql.Row) (*Machine, error) {
	m, err := scanMachine(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

func scanMachineRows(rows *sql.Rows) (*Machine, error) {
	return scanMachine(rows)
}

func nullID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}

func rawOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
