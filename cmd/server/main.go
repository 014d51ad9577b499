package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"helmsman/internal/auth"
	"helmsman/internal/config"
	"helmsman/internal/db"
	"helmsman/internal/events"
	"helmsman/internal/handlers"
	"helmsman/internal/install"
	"helmsman/internal/machines"
	"helmsman/internal/middleware"
	"helmsman/internal/notify"
	"helmsman/internal/terminal"
	"helmsman/internal/vault"
	"helmsman/internal/ws"
)

func main() {
	configPath := flag.String("config", "helmsman.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Config error: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("❌ Data dir error: %v", err)
	}
	if err := db.Init(cfg.DBPath); err != nil {
		log.Fatalf("❌ Database error: %v", err)
	}
	defer db.DB.Close()

	v, err := vault.New(cfg.MasterSecret)
	if err != nil {
		log.Fatalf("❌ Vault error: %v", err)
	}

	bus := events.NewBus()

	// Background services
	dispatcher := notify.NewDispatcher(db.DB, bus, nil)
	dispatcher.Start()
	defer dispatcher.Stop()

	hub := ws.NewHub(bus)

	sweeper := machines.NewSweeper(db.DB, bus, cfg.LivenessWindow, cfg.SweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	orchestrator := install.New(db.DB, bus, v, cfg.ControlServerURL, cfg.ProbeBinaryPath, nil)
	orchestrator.HeartbeatInterval = cfg.HeartbeatInterval
	orchestrator.DiscoveryInterval = cfg.DiscoveryInterval

	terminals := terminal.NewManager(db.DB, v, cfg.TerminalMaxAge, nil)
	terminals.StartReaper(time.Minute)
	defer terminals.Shutdown()

	auth.CreateDefaultAdmin(cfg)

	// Hand shared services to the handlers package.
	handlers.Vault = v
	handlers.Bus = bus
	handlers.Orchestrator = orchestrator
	handlers.Terminal = terminals

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Helmsman is at the wheel ⚓"))
	})

	protect := func(next http.HandlerFunc) http.HandlerFunc {
		return auth.Middleware(cfg, next)
	}

	loginLimiter := middleware.NewRateLimiter(10, time.Minute)
	mux.HandleFunc("GET /api/auth/status", auth.Status(cfg))
	mux.HandleFunc("POST /api/auth/login", loginLimiter.Limit(auth.Login(cfg)))
	mux.HandleFunc("POST /api/auth/logout", auth.Logout)
	mux.HandleFunc("POST /api/auth/change-password", protect(auth.ChangePassword))

	// Probe traffic authenticates by agent token, rate limited per IP.
	agentLimiter := middleware.NewRateLimiter(120, time.Minute)
	handlers.RegisterAgentRoutes(mux, agentLimiter.Limit)

	handlers.RegisterMachineRoutes(mux, protect)
	handlers.RegisterDiscoveryRoutes(mux, protect)
	handlers.RegisterTerminalRoutes(mux, protect)
	handlers.RegisterNotifyRoutes(mux, protect)
	handlers.RegisterAuditRoutes(mux, protect)

	mux.HandleFunc("GET /api/ws", protect(hub.HandleConnection))

	// Session housekeeping
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			auth.CleanupExpiredSessions()
		}
	}()

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: middleware.CORS(middleware.Logging(mux)),
	}

	go func() {
		log.Printf("⚓ Helmsman control server listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("⏳ Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Forced shutdown: %v", err)
	}
	log.Println("👋 Goodbye")
}
