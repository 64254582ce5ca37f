// Package main provides the local sync server for desktop hosts.
// The desktop UI talks to it via REST/WebSocket on localhost:8090.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/kelmah/offlinesync/cmd/desktop/handlers"
	"github.com/kelmah/offlinesync/internal/config"
	"github.com/kelmah/offlinesync/internal/logging"
	offsync "github.com/kelmah/offlinesync/internal/sync"
	"github.com/kelmah/offlinesync/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "offlinesync-desktop",
		Short:         "Run the local offline sync server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config (default $"+config.PathEnv+")")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		logging.Error("Failed to load config", err)
		return err
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	log := logging.Component("desktop")

	metrics := telemetry.New(cfg.Server.Metrics)
	svc := offsync.New(cfg.Service(), offsync.WithMetrics(metrics))

	hub := NewWSHub()
	defer hub.Stop()
	svc.Subscribe("", hub.Forward)

	if err := svc.Init(ctx); err != nil {
		log.Error("Failed to initialize sync service", err)
		return err
	}
	defer svc.Dispose()

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: newRouter(svc, hub, metrics),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Desktop server listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("Server failed", err)
			return err
		}
		return nil
	case <-ctx.Done():
		log.Info("Shutting down", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", err)
		return err
	}
	return nil
}

// newRouter builds the HTTP surface. metrics may be nil.
func newRouter(svc offsync.Engine, hub *WSHub, metrics *telemetry.Metrics) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "ok",
			"service": "offlinesync-desktop",
			"clients": hub.ClientCount(),
		})
	}).Methods(http.MethodGet)

	handlers.NewSyncHandler(svc).Register(r)

	r.Handle("/ws", HandleWebSocket(hub))
	r.Handle("/metrics", metrics.Handler())
	return r
}
