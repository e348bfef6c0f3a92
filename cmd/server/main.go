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

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/sqlite"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/Wyydra/yacall/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "yacall-server",
		Short:        "Reference yacall backend: rooms, call requests and push hints",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log.Logger = cfg.Log.Logger(os.Stdout)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a yacall YAML config")
	return cmd
}

// serve runs the backend until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, cfg *config.Config) error {
	l := log.With().Str("component", "server").Logger()

	var repo port.Repository
	switch cfg.Server.Store {
	case "sqlite":
		db, err := sqlite.Open(cfg.Server.DSN)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()
		repo = db
	default:
		repo = memory.NewRepository()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	hub := ws.NewHub()
	svc := service.NewRendezvousService(repo, hub, m, service.RendezvousConfig{
		PublicBaseURL: cfg.Server.PublicRoomURL,
		DefaultTTL:    cfg.Session.RoomTTL,
	})
	h := handler.NewHandler(svc, hub, reg)

	go hub.Run()
	defer hub.Stop()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	swept := make(chan struct{})
	go func() {
		defer close(swept)
		svc.RunSweeper(sweepCtx, cfg.Server.SweepInterval)
	}()
	defer func() {
		stopSweep()
		<-swept
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	failed := make(chan error, 1)
	go func() {
		l.Info().Str("addr", cfg.Server.Addr).Str("store", cfg.Server.Store).Dur("sweep_interval", cfg.Server.SweepInterval).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()

	select {
	case err := <-failed:
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	case <-ctx.Done():
	}
	l.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}
	l.Info().Msg("Server exited")
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
