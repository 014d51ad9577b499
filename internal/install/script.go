package install

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"text/template"
)

const remoteScriptPath = "/tmp/helmsman-install.sh"

// probeConfig is the config file the installer writes for the probe
// daemon. Field names must match what cmd/probe reads.
type probeConfig struct {
	ControlServerURL  string `json:"control_server_url"`
	AgentToken        string `json:"agent_token"`
	AgentPort         int    `json:"agent_port"`
	HeartbeatInterval int    `json:"heartbeat_interval_sec"`
	DiscoveryInterval int    `json:"discovery_interval_sec"`
}

type scriptParams struct {
	PayloadB64 string // base64 of the probe binary
	ConfigJSON string
	AgentPort  int
}

// installScript provisions the probe: binary, config, systemd unit.
// It runs as root (directly or via sudo) on the target host.
var installScript = template.Must(template.New("install").Parse(`#!/usr/bin/env bash
set -euo pipefail

BIN=/usr/local/bin/helmsman-probe
CONF_DIR=/etc/helmsman
UNIT=/etc/systemd/system/helmsman-probe.service

echo "helmsman: installing probe binary"
base64 -d > "$BIN.tmp" <<'HELMSMAN_PAYLOAD'
{{.PayloadB64}}
HELMSMAN_PAYLOAD
chmod 755 "$BIN.tmp"
mv "$BIN.tmp" "$BIN"

echo "helmsman: writing probe config"
mkdir -p "$CONF_DIR"
cat > "$CONF_DIR/probe.json" <<'HELMSMAN_CONFIG'
{{.ConfigJSON}}
HELMSMAN_CONFIG
chmod 600 "$CONF_DIR/probe.json"

echo "helmsman: installing systemd unit"
cat > "$UNIT" <<'HELMSMAN_UNIT'
[Unit]
Description=Helmsman fleet probe
After=network-online.target
Wants=network-online.target

[Service]
ExecStart=/usr/local/bin/helmsman-probe -config /etc/helmsman/probe.json
Restart=always
RestartSec=5

[Install]
WantedBy=multi-user.target
HELMSMAN_UNIT

systemctl daemon-reload
systemctl enable --now helmsman-probe.service

echo "helmsman: probe installed, listening on port {{.AgentPort}}"
`))

// renderScript builds the bootstrap script for one machine. The probe
// binary is embedded base64-encoded so a single remote execution does
// the whole provisioning.
func renderScript(probeBinaryPath string, cfg probeConfig) (string, error) {
	payload, err := os.ReadFile(probeBinaryPath)
	if err != nil {
		return "", fmt.Errorf("read probe binary: %w", err)
	}

	configJSON, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	err = installScript.Execute(&buf, scriptParams{
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
		ConfigJSON: string(configJSON),
		AgentPort:  cfg.AgentPort,
	})
	if err != nil {
		return "", fmt.Errorf("render install script: %w", err)
	}
	return buf.String(), nil
}
