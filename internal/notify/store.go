// Package notify pushes fleet events to operator-configured channels
// (Discord, Telegram, email, ...) through Shoutrrr URLs.
package notify

import (
	"database/sql"
	"fmt"

	"helmsman/internal/db"
)

// Service is one configured notification target.
type Service struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	ShoutrrrURL string `json:"shoutrrr_url"`
	Enabled     bool   `json:"enabled"`
	CreatedAt   string `json:"created_at"`
}

// AddService stores a new notification target.
func AddService(dbc *sql.DB, name, shoutrrrURL string) (*Service, error) {
	result, err := dbc.Exec(
		"INSERT INTO notify_services (name, shoutrrr_url, enabled, created_at) VALUES (?, ?, 1, ?)",
		name, shoutrrrURL, db.NowString(),
	)
	if err != nil {
		return nil, fmt.Errorf("add notify service: %w", err)
	}
	id, _ := result.LastInsertId()
	return GetService(dbc, id)
}

// GetService loads one service, or nil when absent.
func GetService(dbc *sql.DB, id int64) (*Service, error) {
	var s Service
	var enabled int
	err := dbc.QueryRow(
		"SELECT id, name, shoutrrr_url, enabled, created_at FROM notify_services WHERE id = ?", id,
	).Scan(&s.ID, &s.Name, &s.ShoutrrrURL, &enabled, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Enabled = enabled == 1
	return &s, nil
}

// ListServices returns all configured services.
func ListServices(dbc *sql.DB) ([]Service, error) {
	return listServices(dbc, "SELECT id, name, shoutrrr_url, enabled, created_at FROM notify_services ORDER BY id")
}

// ListEnabledServices returns only the services that should receive
// notifications.
func ListEnabledServices(dbc *sql.DB) ([]Service, error) {
	return listServices(dbc, "SELECT id, name, shoutrrr_url, enabled, created_at FROM notify_services WHERE enabled = 1 ORDER BY id")
}

func listServices(dbc *sql.DB, query string) ([]Service, error) {
	rows, err := dbc.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list notify services: %w", err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		var s Service
		var enabled int
		if err := rows.Scan(&s.ID, &s.Name, &s.ShoutrrrURL, &enabled, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Enabled = enabled == 1
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetServiceEnabled toggles a service.
func SetServiceEnabled(dbc *sql.DB, id int64, enabled bool) error {
	_, err := dbc.Exec("UPDATE notify_services SET enabled = ? WHERE id = ?", db.BoolToInt(enabled), id)
	return err
}

// DeleteService removes a service.
func DeleteService(dbc *sql.DB, id int64) error {
	_, err := dbc.Exec("DELETE FROM notify_services WHERE id = ?", id)
	return err
}
