// Package audit records who did what to which machine. Writes are
// best effort: an audit failure never blocks the action itself.
package audit

import (
	"database/sql"
	"log"

	"helmsman/internal/db"
)

// Entry is one audit log row.
type Entry struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id,omitempty"`
	MachineID int64  `json:"machine_id,omitempty"`
	Action    string `json:"action"`
	Details   string `json:"details,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Log writes one audit entry. userID and machineID may be zero when
// the action has no user or machine context.
func Log(dbc *sql.DB, userID, machineID int64, action, details, ip string) {
	_, err := dbc.Exec(`
		INSERT INTO audit_logs (user_id, machine_id, action, details, ip_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, nullID(userID), nullID(machineID), action, db.NullString(details), db.NullString(ip), db.NowString())
	if err != nil {
		log.Printf("⚠️  Audit write failed (%s): %v", action, err)
	}
}

// Recent returns the newest audit entries, capped at limit.
func Recent(dbc *sql.DB, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := dbc.Query(`
		SELECT id, user_id, machine_id, action, details, ip_address, created_at
		FROM audit_logs ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var userID, machineID sql.NullInt64
		var details, ip sql.NullString
		if err := rows.Scan(&e.ID, &userID, &machineID, &e.Action, &details, &ip, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.UserID = userID.Int64
		e.MachineID = machineID.Int64
		e.Details = details.String
		e.IPAddress = ip.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}
