package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"helmsman/internal/inventory"

	"helmsman/cmd/probe/discovery"
)

const version = "1.0.0"

// probeConfig matches the file the installer writes to
// /etc/helmsman/probe.json.
type probeConfig struct {
	ControlServerURL  string `json:"control_server_url"`
	AgentToken        string `json:"agent_token"`
	AgentPort         int    `json:"agent_port"`
	HeartbeatInterval int    `json:"heartbeat_interval_sec"`
	DiscoveryInterval int    `json:"discovery_interval_sec"`
}

func loadConfig(path string) (*probeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg probeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.ControlServerURL == "" || cfg.AgentToken == "" {
		return nil, fmt.Errorf("config must set control_server_url and agent_token")
	}
	if cfg.AgentPort == 0 {
		cfg.AgentPort = 7070
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = 30
	}
	return &cfg, nil
}

func main() {
	configPath := flag.String("config", "/etc/helmsman/probe.json", "path to probe config")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("helmsman-probe v%s\n", version)
		os.Exit(0)
	}

	log.SetFlags(log.Ltime | log.Ldate)
	log.Printf("🚀 Helmsman probe v%s starting...", version)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("❌ Config error: %v", err)
	}
	log.Printf("✓ Control server: %s", cfg.ControlServerURL)
	log.Printf("✓ Agent port: %d", cfg.AgentPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("\n⏹️  Shutting down...")
		cancel()
	}()

	client := newControlClient(cfg.ControlServerURL, cfg.AgentToken)

	// Local API first so the installer's health check passes while
	// registration is still retrying.
	api := &localAPI{token: cfg.AgentToken}
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.AgentPort),
		Handler: api.routes(),
	}
	go func() {
		log.Printf("✓ Local API listening on port %d", cfg.AgentPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Local API error: %v", err)
		}
	}()

	registerWithRetry(ctx, client)

	go heartbeatLoop(ctx, client, time.Duration(cfg.HeartbeatInterval)*time.Second)
	go discoveryLoop(ctx, client, time.Duration(cfg.DiscoveryInterval)*time.Second)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	log.Println("👋 Probe stopped")
}

// registerWithRetry keeps trying until the control server accepts the
// registration. The installer may probe /health before the server is
// reachable from here, so this must not be fatal.
func registerWithRetry(ctx context.Context, client *controlClient) {
	backoff := 5 * time.Second
	for {
		err := client.register(ctx)
		if err == nil {
			log.Println("✓ Registered with control server")
			return
		}
		log.Printf("⚠️  Registration failed: %v (retrying in %s)", err, backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

func heartbeatLoop(ctx context.Context, client *controlClient, interval time.Duration) {
	// First heartbeat right away; the dashboard should not wait a full
	// interval to see the machine alive.
	if err := client.heartbeat(ctx); err != nil {
		log.Printf("⚠️  Heartbeat failed: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.heartbeat(ctx); err != nil {
				log.Printf("⚠️  Heartbeat failed: %v", err)
			}
		}
	}
}

func discoveryLoop(ctx context.Context, client *controlClient, interval time.Duration) {
	runDiscovery(ctx, client)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runDiscovery(ctx, client)
		}
	}
}

// runDiscovery collects and reports screens and ports. Reports go out
// even when collection finds nothing: an empty report is how the
// server learns that sessions ended or ports closed.
func runDiscovery(ctx context.Context, client *controlClient) {
	screens := collectScreens(ctx)
	if err := client.reportScreens(ctx, screens); err != nil {
		log.Printf("⚠️  Screen report failed: %v", err)
	}

	ports := collectPorts(ctx)
	if err := client.reportPorts(ctx, ports); err != nil {
		log.Printf("⚠️  Port report failed: %v", err)
	}
}

func collectScreens(ctx context.Context) []inventory.Screen {
	// screen -ls exits 1 when no sessions exist; the output still
	// parses, so the error is ignored on purpose.
	out, _ := exec.CommandContext(ctx, "screen", "-ls").CombinedOutput()

	owner := ""
	if u, err := user.Current(); err == nil {
		owner = u.Username
	}

	screens, err := discovery.ParseScreenList(string(out), owner)
	if err != nil {
		log.Printf("⚠️  %v", err)
		return nil
	}
	return screens
}

func collectPorts(ctx context.Context) []inventory.Port {
	if out, err := exec.CommandContext(ctx, "ss", "-tulpen").Output(); err == nil {
		ports, perr := discovery.ParseSS(string(out))
		if perr == nil {
			return ports
		}
		log.Printf("⚠️  %v", perr)
	}

	// Older hosts ship netstat instead of ss.
	out, err := exec.CommandContext(ctx, "netstat", "-tulpen").Output()
	if err != nil {
		log.Printf("⚠️  Neither ss nor netstat usable: %v", err)
		return nil
	}
	ports, perr := discovery.ParseNetstat(string(out))
	if perr != nil {
		log.Printf("⚠️  %v", perr)
		return nil
	}
	return ports
}
