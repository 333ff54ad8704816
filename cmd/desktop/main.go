// Package main provides the localhost sync daemon for desktop platforms.
// Desktop front ends talk to it via REST/WebSocket on the configured address
// (localhost:8090 by default) while it keeps the outbox draining in the background.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/cmd/desktop/handlers"
	"github.com/kimhsiao/offlinesync/internal/app"
	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/logging"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "offlinesync-desktop",
		Short:        "Local sync daemon for desktop front ends",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("OFFLINESYNC_CONFIG"), "path to the YAML config file")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := NewWSHub()
	defer hub.Close()
	a.Engine.SetEventHandler(hub)
	statusSub := hub.WatchStatus(a.Store, a.Outbox.Len)
	defer statusSub.Close()

	a.StartScheduler(ctx)

	server := &http.Server{
		Addr:              cfg.Daemon.Listen,
		Handler:           newRouter(a, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Sync daemon listening", map[string]interface{}{
			"addr":   cfg.Daemon.Listen,
			"server": cfg.Server.BaseURL,
		})
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve %s: %w", cfg.Daemon.Listen, err)
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("Shutting down sync daemon")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// newRouter mounts the REST API under /api and the event stream at /ws.
func newRouter(a *app.App, hub *WSHub) *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","service":"offlinesync-desktop","online":%t}`, a.Monitor.Online())
	}).Methods(http.MethodGet)

	handlers.NewPostsHandler(a.Service).Register(api)
	handlers.NewSyncHandler(a.Engine, a.Service, a, a.Outbox).Register(api)

	r.HandleFunc("/ws", HandleWebSocket(hub))
	return r
}
