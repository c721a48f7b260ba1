package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kleeedolinux/portal/debug"
	"github.com/kleeedolinux/portal/socket"
	"github.com/kleeedolinux/portal/socket/transport"
)

func serveCmd() *cobra.Command {
	var (
		envFile string
		flags   config
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the event server",
		Long: `Start the event server.

Examples:
  portal serve
  portal serve --addr=:9000 --path=/events
  PORTAL_HEARTBEAT=0 portal serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var files []string
			if envFile != "" {
				files = append(files, envFile)
			}
			if err := loadEnv(files...); err != nil {
				return err
			}

			cfg, err := configFromEnv(lookupEnv)
			if err != nil {
				return err
			}

			fs := cmd.Flags()
			if fs.Changed("name") {
				cfg.Name = flags.Name
			}
			if fs.Changed("addr") {
				cfg.Addr = flags.Addr
			}
			if fs.Changed("path") {
				cfg.Path = flags.Path
			}
			if fs.Changed("heartbeat") {
				cfg.Heartbeat = flags.Heartbeat
			}
			if fs.Changed("longpoll-timeout") {
				cfg.PollTimeout = flags.PollTimeout
			}
			if fs.Changed("padding") {
				cfg.Padding = flags.Padding
			}
			if fs.Changed("debug") {
				cfg.Debug = flags.Debug
			}

			if err := cfg.validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	defaults := defaultConfig()
	cmd.Flags().StringVar(&envFile, "env-file", "", "Environment file to load (default .env)")
	cmd.Flags().StringVar(&flags.Name, "name", defaults.Name, "Server name used in logs and metrics")
	cmd.Flags().StringVarP(&flags.Addr, "addr", "a", defaults.Addr, "Address to listen on")
	cmd.Flags().StringVar(&flags.Path, "path", defaults.Path, "Path the transports are mounted at")
	cmd.Flags().DurationVar(&flags.Heartbeat, "heartbeat", defaults.Heartbeat, "Heartbeat timeout for HTTP transports, 0 disables")
	cmd.Flags().DurationVar(&flags.PollTimeout, "longpoll-timeout", defaults.PollTimeout, "How long an idle long poll is held")
	cmd.Flags().IntVar(&flags.Padding, "padding", defaults.Padding, "Padding bytes for buffering streaming clients")
	cmd.Flags().BoolVarP(&flags.Debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func newRouter(cfg config, reg prometheus.Registerer, gatherer prometheus.Gatherer) (http.Handler, *socket.Registry, error) {
	logger := debug.Logger()

	server := socket.NewServer(
		socket.WithName(cfg.Name),
		socket.WithHeartbeat(cfg.Heartbeat),
		socket.WithPadding(cfg.Padding),
		socket.WithLogger(logger),
		socket.WithRegisterer(reg),
	)
	if err := registerApp(server); err != nil {
		return nil, nil, err
	}

	registry := socket.NewRegistry()
	if err := registry.Register(server); err != nil {
		return nil, nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount(cfg.Path, transport.NewHandler(server,
		transport.WithPollTimeout(cfg.PollTimeout),
		transport.WithLogger(logger),
	))

	return r, registry, nil
}

func runServe(ctx context.Context, cfg config) error {
	if cfg.Debug {
		debug.Enable()
	}
	logger := debug.Logger()

	router, registry, err := newRouter(cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "path", cfg.Path)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// held polls and streams only return once their connections are gone
	if err := registry.Close(shutdownCtx); err != nil {
		logger.Error("closing sockets", "error", err)
	}
	return httpServer.Shutdown(shutdownCtx)
}
