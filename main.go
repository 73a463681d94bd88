package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/ngommans/mcode-sub001/internal/audit"
	"github.com/ngommans/mcode-sub001/internal/config"
	"github.com/ngommans/mcode-sub001/internal/database"
	"github.com/ngommans/mcode-sub001/internal/directory"
	"github.com/ngommans/mcode-sub001/internal/handlers"
	"github.com/ngommans/mcode-sub001/internal/logging"
	"github.com/ngommans/mcode-sub001/internal/relay"
	"github.com/ngommans/mcode-sub001/internal/session"
	"github.com/ngommans/mcode-sub001/internal/shell"
)

func main() {
	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: Directory=%s, GracePeriod=%s, AuditRetention=%s",
		config.Cfg.DirectoryURL, config.Cfg.GracePeriod(), config.Cfg.AuditRetentionPeriod())

	recorder := audit.NewRecorder(database.DB, config.Cfg.AuditRetentionPeriod(), logging.New("audit"))
	handlers.Auditor = recorder

	scheduler := startRetentionPruning(recorder)

	registry := session.NewRegistry()
	handlers.Sessions = registry
	handlers.BridgeDeps = bridgeDeps(recorder)

	srv := &http.Server{
		Addr:    config.Cfg.Addr,
		Handler: newRouter(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	scheduler.Stop()
	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// newRouter assembles the HTTP surface: the browser WebSocket endpoint,
// health, and the introspection API.
func newRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	// Browser terminal WebSocket
	r.Get("/ws", handlers.BridgeWS)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", handlers.ListSessions)
		r.Get("/audit", handlers.GetBridgeEvents)
		r.Get("/logs", handlers.GetServerLogs)
		r.Delete("/logs", handlers.ClearServerLogs)
	})

	return r
}

// bridgeDeps wires the production collaborators behind every bridge
// session: the codespace directory, the relay tunnel, the interactive
// shell, and the out-of-band port RPC.
func bridgeDeps(recorder *audit.Recorder) session.Deps {
	return session.Deps{
		NewDirectory: func(token string) directory.Client {
			return directory.NewHTTPClient(config.Cfg.DirectoryURL, token, config.Cfg.DirectoryRequestTimeout())
		},
		DialTransport: func(ctx context.Context, info directory.ConnectionInfo) (relay.Transport, error) {
			return relay.Dial(ctx, relay.Config{
				Endpoint: info.TunnelEndpoint,
				Token:    info.TunnelToken,
				Logger:   logging.New("relay"),
			})
		},
		OpenShell: func(ctx context.Context, t relay.Transport, info directory.ConnectionInfo, onData func([]byte)) (session.ShellChannel, error) {
			return shell.Open(ctx, t, shell.Config{
				User:     info.SSHUser,
				Password: info.TunnelToken,
				Logger:   logging.New("shell"),
			}, onData)
		},
		NewRPC: func(ctx context.Context, t relay.Transport) (relay.RPCFacility, error) {
			return relay.NewRPC(ctx, t, logging.New("rpc"))
		},
		GracePeriod:  config.Cfg.GracePeriod(),
		TraceHistory: config.Cfg.TraceHistorySize(),
		DebugTrace:   config.Cfg.DebugTrace,
		OnEvent:      recorder.Record,
	}
}
