package db

import (
	"database/sql"
	"fmt"
	"log"
)

// Migrate creates the fleet control schema.
func Migrate(db *sql.DB) error {
	log.Println("🗄️  Running migration: fleet control schema")

	statements := []struct {
		label string
		sql   string
	}{
		{"users", `
			CREATE TABLE IF NOT EXISTS users (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				username      TEXT    UNIQUE NOT NULL,
				password_hash TEXT    NOT NULL,
				created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
			);`},

		{"sessions", `
			CREATE TABLE IF NOT EXISTS sessions (
				token      TEXT    PRIMARY KEY,
				user_id    INTEGER NOT NULL,
				expires_at DATETIME NOT NULL,
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			);
			CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);`},

		{"machines", `
			CREATE TABLE IF NOT EXISTS machines (
				id                 INTEGER PRIMARY KEY AUTOINCREMENT,
				name               TEXT    NOT NULL,
				hostname           TEXT    NOT NULL,
				ip_address         TEXT    NOT NULL,
				ssh_port           INTEGER DEFAULT 22,
				ssh_username       TEXT    NOT NULL,
				agent_token        TEXT    UNIQUE,
				agent_port         INTEGER DEFAULT 7070,
				control_server_url TEXT,
				status             TEXT    NOT NULL DEFAULT 'installing'
				                   CHECK (status IN ('installing', 'online', 'offline', 'error')),
				os_info            TEXT,
				hardware_info      TEXT,
				last_seen          DATETIME,
				added_by           INTEGER REFERENCES users(id) ON DELETE SET NULL,
				created_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at         DATETIME DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_machines_status ON machines(status);
			CREATE INDEX IF NOT EXISTS idx_machines_token  ON machines(agent_token);`},

		{"ssh_credentials", `
			CREATE TABLE IF NOT EXISTS ssh_credentials (
				id                     INTEGER PRIMARY KEY AUTOINCREMENT,
				machine_id             INTEGER UNIQUE NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
				auth_method            TEXT    NOT NULL CHECK (auth_method IN ('password', 'key')),
				encrypted_password     TEXT,
				encrypted_private_key  TEXT,
				encrypted_sudo_password TEXT,
				requires_sudo          INTEGER DEFAULT 1,
				created_at             DATETIME DEFAULT CURRENT_TIMESTAMP
			);`},

		{"installation_logs", `
			CREATE TABLE IF NOT EXISTS installation_logs (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				machine_id   INTEGER NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
				stage        TEXT    NOT NULL,
				log_output   TEXT,
				error_output TEXT,
				success      INTEGER DEFAULT 0,
				created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_install_logs_machine ON installation_logs(machine_id, created_at);`},

		{"metrics", `
			CREATE TABLE IF NOT EXISTS metrics (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				machine_id  INTEGER NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
				metric_type TEXT    NOT NULL,
				metric_data TEXT    NOT NULL,
				timestamp   DATETIME DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_metrics_machine ON metrics(machine_id, timestamp DESC);`},

		{"screen_sessions", `
			CREATE TABLE IF NOT EXISTS screen_sessions (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				machine_id INTEGER NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
				screen_id  TEXT    NOT NULL,
				name       TEXT,
				state      TEXT,
				owner_user TEXT,
				started_at DATETIME,
				last_seen  DATETIME DEFAULT CURRENT_TIMESTAMP,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(machine_id, screen_id)
			);
			CREATE INDEX IF NOT EXISTS idx_screens_machine ON screen_sessions(machine_id, last_seen DESC);`},

		{"open_ports", `
			CREATE TABLE IF NOT EXISTS open_ports (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				machine_id INTEGER NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
				port       INTEGER NOT NULL,
				protocol   TEXT    NOT NULL,
				address    TEXT,
				pid        INTEGER,
				process    TEXT,
				owner_user TEXT,
				last_seen  DATETIME DEFAULT CURRENT_TIMESTAMP,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(machine_id, port, protocol, address)
			);
			CREATE INDEX IF NOT EXISTS idx_ports_machine ON open_ports(machine_id, port);`},

		{"port_labels", `
			CREATE TABLE IF NOT EXISTS port_labels (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				machine_id INTEGER NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
				port       INTEGER NOT NULL,
				label      TEXT    NOT NULL,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(machine_id, port)
			);`},

		{"audit_logs", `
			CREATE TABLE IF NOT EXISTS audit_logs (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id    INTEGER REFERENCES users(id) ON DELETE SET NULL,
				machine_id INTEGER REFERENCES machines(id) ON DELETE SET NULL,
				action     TEXT    NOT NULL,
				details    TEXT,
				ip_address TEXT,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_logs(created_at DESC);`},

		{"notify_services", `
			CREATE TABLE IF NOT EXISTS notify_services (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				name         TEXT    NOT NULL,
				shoutrrr_url TEXT    NOT NULL,
				enabled      INTEGER DEFAULT 1,
				created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
			);`},
	}

	for _, s := range statements {
		if _, err := db.Exec(s.sql); err != nil {
			return fmt.Errorf("migration failed at [%s]: %w", s.label, err)
		}
	}

	log.Println("🗄️  Migration completed: fleet control tables ready")
	return nil
}
