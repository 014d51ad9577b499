package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"helmsman/internal/inventory"

	"helmsman/cmd/probe/sysinfo"
)

// controlClient talks to the control server on behalf of the probe.
type controlClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func newControlClient(baseURL, token string) *controlClient {
	return &controlClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *controlClient) post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-Token", c.token)
	req.Header.Set("User-Agent", "helmsman-probe/"+version)
	return c.client.Do(req)
}

// register announces the probe after installation. A conflict response
// means the machine is already registered, which happens after a probe
// restart and is fine.
func (c *controlClient) register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	resp, err := c.post(ctx, "/api/agent/register", map[string]interface{}{
		"token":         c.token,
		"hostname":      hostname,
		"os_info":       sysinfo.CollectOS(),
		"hardware_info": sysinfo.CollectHardware(),
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict:
		return nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}
}

// heartbeat posts the periodic report.
func (c *controlClient) heartbeat(ctx context.Context) error {
	resp, err := c.post(ctx, "/api/agent/heartbeat", map[string]interface{}{
		"os_info":       sysinfo.CollectOS(),
		"hardware_info": sysinfo.CollectHardware(),
		"metrics":       sysinfo.CollectMetrics(),
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}

// reportScreens posts the full screen-session picture. Empty reports
// matter: they are how dead sessions get pruned upstream.
func (c *controlClient) reportScreens(ctx context.Context, screens []inventory.Screen) error {
	if screens == nil {
		screens = []inventory.Screen{}
	}
	resp, err := c.post(ctx, "/api/agent/screens", map[string]interface{}{"screens": screens})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}

// reportPorts posts the full listening-port picture.
func (c *controlClient) reportPorts(ctx context.Context, ports []inventory.Port) error {
	if ports == nil {
		ports = []inventory.Port{}
	}
	resp, err := c.post(ctx, "/api/agent/ports", map[string]interface{}{"ports": ports})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}
