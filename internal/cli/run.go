package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sphinxkit/rrsync/internal/config"
	"github.com/sphinxkit/rrsync/internal/corebridge"
	"github.com/sphinxkit/rrsync/internal/directory"
	"github.com/sphinxkit/rrsync/internal/engine"
	"github.com/sphinxkit/rrsync/internal/metrics"
	"github.com/sphinxkit/rrsync/internal/restore"
	"github.com/sphinxkit/rrsync/internal/store"
	"github.com/sphinxkit/rrsync/internal/transport"
)

const statusTimeout = 2 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath string

	// IDs overrides message uuid generation (for testing).
	IDs engine.IDGenerator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the core and broker and keep the store in sync",
		Long: `Start the sync engine described by a configuration file.

The engine opens the SQLite store (creating it if needed), runs account
setup against the crypto core, connects to the broker and restores any
history newer than the stored watermark. It then processes broker
traffic until interrupted.

Example:
  rrsync run --config ./rrsync.yaml
  rrsync run --config ./rrsync.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML configuration (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if cfg.Core.URL == "" {
		return NewExitError(ExitCommandError, "core.url is required to run")
	}

	log.Info("opening database", "path", cfg.DBPath)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	deps := engine.Deps{
		Store: st,
		Core:  corebridge.New(cfg.Core.URL, cfg.Core.Timeout, log),
		Directory: directory.NewClient(directory.Options{
			BaseURL:       cfg.Directory.URL,
			RatePerSecond: cfg.Directory.RatePerSecond,
			Logger:        log,
		}),
		Metrics: m,
		IDs:     opts.IDs,
		Logger:  log,
		OnProgress: func(p restore.Progress) {
			log.Info("restore progress", "kind", p.Kind.String(), "percent", p.Percent)
		},
	}

	var tr *transport.MQTT
	if cfg.Broker.URL != "" {
		tr, err = transport.Dial(ctx, transport.Options{
			BrokerURL: cfg.Broker.URL,
			ClientID:  cfg.Broker.ClientID,
			Username:  cfg.Broker.Username,
			Password:  cfg.Broker.Password,
			Logger:    log,
		})
		if err != nil {
			return WrapExitError(ExitFailure, "failed to connect to broker", err)
		}
		defer tr.Close()
		deps.Transport = tr
	} else {
		log.Warn("no broker configured, running without transport")
	}

	eng := engine.New(engine.Config{
		Seed:              cfg.SeedHex,
		Network:           cfg.Network,
		PageSize:          cfg.Restore.PageSize,
		RestoreWatchdog:   cfg.Restore.Watchdog,
		DeliveryTimeout:   cfg.Delivery.Timeout,
		SettlementTimeout: cfg.Settlement.Timeout,
	}, deps)
	if tr != nil {
		tr.OnMessage(eng.HandleIncoming)
		tr.OnReconnect(func() {
			if err := eng.Reconnected(); err != nil {
				log.Warn("restore after reconnect not started", "error", err)
			}
		})
	}

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, m, eng, log)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), statusTimeout)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	if err := eng.Connect(ctx); err != nil {
		cancel()
		<-runErr
		return WrapExitError(ExitFailure, "connect failed", err)
	}
	if err := eng.OnRestoreFinished(ctx, func() { log.Info("restore finished") }); err != nil {
		log.Warn("restore callback not registered", "error", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Engine connected. Press Ctrl-C to stop.")

	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	log.Info("engine stopped gracefully")
	return nil
}

// serveMetrics exposes metrics and the engine status on addr.
func serveMetrics(addr string, m *metrics.Metrics, eng *engine.Engine, log *slog.Logger) *http.Server {
	status := func() any {
		ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
		defer cancel()
		st, err := eng.Status(ctx)
		if err != nil {
			return map[string]string{"error": err.Error()}
		}
		return st
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.NewRouter(m, status),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
