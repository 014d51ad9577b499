package inventory

import (
	"database/sql"
	"fmt"
	"time"

	"helmsman/internal/db"
)

const (
	// staleMargin is how far back a machine's existing rows are pushed
	// before a report is applied. Rows the report re-asserts come back
	// fresh; anything else is left behind the prune window.
	staleMargin = 5 * time.Minute

	// pruneWindow is the age past which an un-reasserted row is dropped.
	pruneWindow = 2 * time.Minute
)

// ─── Screen Sessions ─────────────────────────────────────────────────────────

// ReconcileScreens applies one full screen report for a machine:
// existing rows are aged out, reported sessions are upserted by
// (machine_id, screen_id), and rows the report no longer carries are
// pruned. An empty report therefore clears the machine's sessions.
func ReconcileScreens(dbc *sql.DB, machineID int64, screens []Screen) (*ReconcileResult, error) {
	tx, err := dbc.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	stale := now.Add(-staleMargin).Format(db.TimeFormat)

	if _, err := tx.Exec(
		"UPDATE screen_sessions SET last_seen = ? WHERE machine_id = ?",
		stale, machineID,
	); err != nil {
		return nil, fmt.Errorf("mark screens stale: %w", err)
	}

	fresh := now.Format(db.TimeFormat)
	for _, s := range screens {
		_, err := tx.Exec(`
			INSERT INTO screen_sessions (machine_id, screen_id, name, state, owner_user, started_at, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(machine_id, screen_id) DO UPDATE SET
				name = excluded.name,
				state = excluded.state,
				owner_user = excluded.owner_user,
				started_at = excluded.started_at,
				last_seen = excluded.last_seen
		`, machineID, s.ScreenID, db.NullString(s.Name), db.NullString(s.State),
			db.NullString(s.OwnerUser), db.NullTimeString(s.StartedAt), fresh)
		if err != nil {
			return nil, fmt.Errorf("upsert screen %s: %w", s.ScreenID, err)
		}
	}

	cutoff := now.Add(-pruneWindow).Format(db.TimeFormat)
	result, err := tx.Exec(
		"DELETE FROM screen_sessions WHERE machine_id = ? AND last_seen < ?",
		machineID, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("prune screens: %w", err)
	}
	removed, _ := result.RowsAffected()

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ReconcileResult{Received: len(screens), Removed: int(removed)}, nil
}

// ListScreens returns a machine's known screen sessions.
func ListScreens(dbc *sql.DB, machineID int64) ([]Screen, error) {
	rows, err := dbc.Query(`
		SELECT id, machine_id, screen_id, name, state, owner_user, started_at, last_seen
		FROM screen_sessions WHERE machine_id = ? ORDER BY last_seen DESC
	`, machineID)
	if err != nil {
		return nil, fmt.Errorf("list screens: %w", err)
	}
	defer rows.Close()

	var out []Screen
	for rows.Next() {
		var s Screen
		var name, state, owner sql.NullString
		var startedAt, lastSeen sql.NullString
		if err := rows.Scan(&s.ID, &s.MachineID, &s.ScreenID, &name, &state, &owner, &startedAt, &lastSeen); err != nil {
			return nil, err
		}
		s.Name = name.String
		s.State = state.String
		s.OwnerUser = owner.String
		s.StartedAt = db.ParseNullTime(startedAt)
		s.LastSeen = db.ParseNullTime(lastSeen)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ─── Open Ports ──────────────────────────────────────────────────────────────

// ReconcilePorts applies one full listening-port report for a machine,
// with the same age-out semantics as ReconcileScreens. The natural key
// is (machine_id, port, protocol, address).
func ReconcilePorts(dbc *sql.DB, machineID int64, ports []Port) (*ReconcileResult, error) {
	tx, err := dbc.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	stale := now.Add(-staleMargin).Format(db.TimeFormat)

	if _, err := tx.Exec(
		"UPDATE open_ports SET last_seen = ? WHERE machine_id = ?",
		stale, machineID,
	); err != nil {
		return nil, fmt.Errorf("mark ports stale: %w", err)
	}

	fresh := now.Format(db.TimeFormat)
	for _, p := range ports {
		_, err := tx.Exec(`
			INSERT INTO open_ports (machine_id, port, protocol, address, pid, process, owner_user, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(machine_id, port, protocol, address) DO UPDATE SET
				pid = excluded.pid,
				process = excluded.process,
				owner_user = excluded.owner_user,
				last_seen = excluded.last_seen
		`, machineID, p.Port, p.Protocol, db.NullString(p.Address),
			nullInt(p.PID), db.NullString(p.Process), db.NullString(p.OwnerUser), fresh)
		if err != nil {
			return nil, fmt.Errorf("upsert port %d/%s: %w", p.Port, p.Protocol, err)
		}
	}

	cutoff := now.Add(-pruneWindow).Format(db.TimeFormat)
	result, err := tx.Exec(
		"DELETE FROM open_ports WHERE machine_id = ? AND last_seen < ?",
		machineID, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("prune ports: %w", err)
	}
	removed, _ := result.RowsAffected()

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ReconcileResult{Received: len(ports), Removed: int(removed)}, nil
}

// ListPorts returns a machine's known listening ports with any
// operator labels joined in.
func ListPorts(dbc *sql.DB, machineID int64) ([]Port, error) {
	rows, err := dbc.Query(`
		SELECT op.id, op.machine_id, op.port, op.protocol, op.address,
		       op.pid, op.process, op.owner_user, op.last_seen, pl.label
		FROM open_ports op
		LEFT JOIN port_labels pl ON pl.machine_id = op.machine_id AND pl.port = op.port
		WHERE op.machine_id = ?
		ORDER BY op.port, op.protocol
	`, machineID)
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	defer rows.Close()

	var out []Port
	for rows.Next() {
		var p Port
		var address, process, owner, label sql.NullString
		var pid sql.NullInt64
		var lastSeen sql.NullString
		if err := rows.Scan(&p.ID, &p.MachineID, &p.Port, &p.Protocol, &address,
			&pid, &process, &owner, &lastSeen, &label); err != nil {
			return nil, err
		}
		p.Address = address.String
		p.PID = int(pid.Int64)
		p.Process = process.String
		p.OwnerUser = owner.String
		p.LastSeen = db.ParseNullTime(lastSeen)
		p.Label = label.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetPortLabel creates or replaces the operator label for a port.
// Labels survive reconciliation: a port may disappear and return and
// its label is still there.
func SetPortLabel(dbc *sql.DB, machineID int64, port int, label string) error {
	_, err := dbc.Exec(`
		INSERT INTO port_labels (machine_id, port, label, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(machine_id, port) DO UPDATE SET
			label = excluded.label,
			updated_at = excluded.updated_at
	`, machineID, port, label, db.NowString())
	if err != nil {
		return fmt.Errorf("set port label: %w", err)
	}
	return nil
}

// DeletePortLabel removes the label for a port, if any.
func DeletePortLabel(dbc *sql.DB, machineID int64, port int) error {
	_, err := dbc.Exec(
		"DELETE FROM port_labels WHERE machine_id = ? AND port = ?",
		machineID, port,
	)
	return err
}

func nullInt(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
