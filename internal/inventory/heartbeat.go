package inventory

import (
	"database/sql"
	"fmt"
	"log"

	"helmsman/internal/db"
	"helmsman/internal/events"
	"helmsman/internal/machines"
)

// RecordHeartbeat ingests one probe heartbeat: stamps last_seen,
// refreshes the inventory blobs, stores metric samples, and revives an
// offline machine. Status is only ever flipped offline → online here;
// installing machines stay installing until their registration
// callback lands, and error is terminal.
func RecordHeartbeat(dbc *sql.DB, bus *events.Bus, m *machines.Machine, hb *Heartbeat) error {
	if err := machines.TouchInventory(dbc, m.ID, hb.OSInfo, hb.HardwareInfo); err != nil {
		return fmt.Errorf("touch inventory: %w", err)
	}

	if m.Status == machines.StatusOffline {
		if err := machines.SetStatus(dbc, m.ID, machines.StatusOnline); err != nil {
			return fmt.Errorf("revive machine: %w", err)
		}
		log.Printf("[Heartbeat] Machine %q is back online", m.Name)
		bus.Publish(events.Event{
			Type:      events.MachineOnline,
			Severity:  events.SeverityInfo,
			MachineID: m.ID,
			Message:   fmt.Sprintf("Machine %q is back online", m.Name),
			Metadata:  map[string]string{"machine_name": m.Name},
		})
	}

	if len(hb.Metrics) > 0 {
		if err := storeMetrics(dbc, m.ID, hb); err != nil {
			return err
		}
		bus.Publish(events.Event{
			Type:      events.MetricsReceived,
			Severity:  events.SeverityInfo,
			MachineID: m.ID,
			Message:   fmt.Sprintf("Metrics received from %q", m.Name),
		})
	}
	return nil
}

func storeMetrics(dbc *sql.DB, machineID int64, hb *Heartbeat) error {
	tx, err := dbc.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for metricType, data := range hb.Metrics {
		if len(data) == 0 {
			continue
		}
		_, err := tx.Exec(
			"INSERT INTO metrics (machine_id, metric_type, metric_data, timestamp) VALUES (?, ?, ?, ?)",
			machineID, metricType, string(data), db.NowString(),
		)
		if err != nil {
			return fmt.Errorf("store %s metric: %w", metricType, err)
		}
	}
	return tx.Commit()
}

// MetricHistory returns the most recent samples of one metric type,
// newest first.
func MetricHistory(dbc *sql.DB, machineID int64, metricType string, limit int) ([]Metric, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := dbc.Query(`
		SELECT id, machine_id, metric_type, metric_data, timestamp
		FROM metrics
		WHERE machine_id = ? AND metric_type = ?
		ORDER BY timestamp DESC LIMIT ?
	`, machineID, metricType, limit)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var m Metric
		var data string
		var ts sql.NullString
		if err := rows.Scan(&m.ID, &m.MachineID, &m.Type, &data, &ts); err != nil {
			return nil, err
		}
		m.Data = []byte(data)
		m.Timestamp = db.ParseNullTime(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// PruneMetrics drops samples older than the cutoff and returns how
// many were removed. Runs from the server's housekeeping timer.
func PruneMetrics(dbc *sql.DB, olderThanDays int) (int64, error) {
	result, err := dbc.Exec(
		"DELETE FROM metrics WHERE timestamp < datetime('now', ?)",
		fmt.Sprintf("-%d days", olderThanDays),
	)
	if err != nil {
		return 0, fmt.Errorf("prune metrics: %w", err)
	}
	return result.RowsAffected()
}
