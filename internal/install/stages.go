// Package install runs the SSH bootstrap pipeline that turns a bare
// host into a managed machine: it generates the agent token, persists
// it, pushes the probe payload over SSH, and executes the installer
// remotely. Every stage leaves an installation_logs row so a failed
// run can be diagnosed after the fact.
package install

import (
	"database/sql"
	"fmt"

	"helmsman/internal/db"
)

// Pipeline stages, in execution order. Stage names are stored verbatim
// in installation_logs.
const (
	StageStart          = "START"
	StageMachineInfo    = "MACHINE_INFO"
	StageCredentials    = "CREDENTIALS"
	StageToken          = "TOKEN"
	StageUpdateDatabase = "UPDATE_DATABASE"
	StageConfig         = "CONFIG"
	StageConfigWarning  = "CONFIG_WARNING"
	StageSSHConnect     = "SSH_CONNECT"
	StageUploadScript   = "UPLOAD_SCRIPT"
	StageChmod          = "CHMOD"
	StageExecute        = "EXECUTE"
	StageVerifyAgent    = "VERIFY_AGENT"
	StageCleanup        = "CLEANUP"
	StageSuccess        = "SUCCESS"
	StageFatalError     = "FATAL_ERROR"
)

// LogEntry is one stored installation log row.
type LogEntry struct {
	ID          int64  `json:"id"`
	MachineID   int64  `json:"machine_id"`
	Stage       string `json:"stage"`
	LogOutput   string `json:"log_output,omitempty"`
	ErrorOutput string `json:"error_output,omitempty"`
	Success     bool   `json:"success"`
	CreatedAt   string `json:"created_at"`
}

func logStage(dbc *sql.DB, machineID int64, stage, output, errOutput string, success bool) {
	_, err := dbc.Exec(`
		INSERT INTO installation_logs (machine_id, stage, log_output, error_output, success, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, machineID, stage, db.NullString(output), db.NullString(errOutput),
		db.BoolToInt(success), db.NowString())
	if err != nil {
		// Logging must never abort the pipeline.
		fmt.Printf("[Install] Failed to write %s log for machine %d: %v\n", stage, machineID, err)
	}
}

// Logs returns the installation history for a machine, oldest first.
func Logs(dbc *sql.DB, machineID int64) ([]LogEntry, error) {
	rows, err := dbc.Query(`
		SELECT id, machine_id, stage, log_output, error_output, success, created_at
		FROM installation_logs WHERE machine_id = ? ORDER BY created_at, id
	`, machineID)
	if err != nil {
		return nil, fmt.Errorf("query installation logs: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var logOut, errOut sql.NullString
		var success int
		if err := rows.Scan(&e.ID, &e.MachineID, &e.Stage, &logOut, &errOut, &success, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.LogOutput = logOut.String
		e.ErrorOutput = errOut.String
		e.Success = success == 1
		out = append(out, e)
	}
	return out, rows.Err()
}
