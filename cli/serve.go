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
	otelapi "go.opentelemetry.io/otel"

	"github.com/lys5588/psylens/bus"
	"github.com/lys5588/psylens/core"
	psyotel "github.com/lys5588/psylens/otel"
	"github.com/lys5588/psylens/runtime"
	"github.com/lys5588/psylens/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the control-plane HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().String("listen", "", "Listen address (overrides config)")
	cmd.Flags().String("config", "", "Path to psylens.yaml")
	cmd.Flags().String("cors-origin", "", "Allowed CORS origin (overrides config)")
	cmd.Flags().String("events-dsn", "", "SQLite DSN for persisted events (overrides config)")
	cmd.Flags().String("otel-endpoint", "", "OTLP trace endpoint (overrides config)")
	cmd.Flags().Bool("scheduler", false, "Enable the schedule runner")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	// Write timeout stays 0: event streams are long-lived.
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 disables)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	logger := slog.Default()
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")

	// --- Trace export ---
	otelShutdown, err := psyotel.SetupTracing(cmd.Context(), psyotel.TracingConfig{
		Endpoint:    cfg.Otel.Endpoint,
		Insecure:    cfg.Otel.Insecure,
		ServiceName: cfg.Otel.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("initializing trace export: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutdownCtx)
	}()

	tracing := psyotel.NewTracingHandler(otelapi.GetTracerProvider().Tracer("psylens/runtime"))
	metrics, err := psyotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("psylens/runtime"))
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	// --- Event distribution and persistence ---
	eb := bus.NewMemBus(bus.MemBusConfig{HistorySize: cfg.Events.HistorySize})
	defer eb.Close()

	var eventStore bus.EventStore
	if cfg.Events.DSN != "" {
		sqliteStore, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
			DSN:            cfg.Events.DSN,
			RetentionAge:   cfg.Events.RetentionAge.Std(),
			RetentionCount: cfg.Events.RetentionCount,
		})
		if err != nil {
			return fmt.Errorf("opening sqlite event store: %w", err)
		}
		defer func() {
			_ = sqliteStore.Close()
		}()
		eventStore = sqliteStore
	} else {
		eventStore = bus.NewMemEventStore()
	}

	funcs := core.NewFuncRegistry()
	if err := RegisterBuiltins(funcs); err != nil {
		return fmt.Errorf("registering builtin functions: %w", err)
	}

	scheduleStore := server.NewMemScheduleStore()
	srv := server.NewServer(server.ServerConfig{
		Store:         server.NewMemPlanStore(),
		ScheduleStore: scheduleStore,
		Funcs:         funcs,
		Bus:           eb,
		EventStore:    eventStore,
		RuntimeEvents: runtime.MultiEventHandler(tracing.Handle, metrics.Handle),
		EmitDecorator: serveEmitDecorator(tracing, cfg.Events.CoalesceInterval.Std()),
		CORSOrigin:    cfg.CORSOrigin,
		MaxBody:       cfg.MaxBodyBytes,
		Logger:        logger,
	})

	if cfg.Scheduler.Enabled {
		scheduler, err := server.NewScheduler(server.SchedulerConfig{
			Runner:       srv,
			Store:        scheduleStore,
			PollInterval: cfg.Scheduler.PollInterval.Std(),
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("creating scheduler: %w", err)
		}
		scheduler.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = scheduler.Stop(stopCtx)
		}()
	}

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "psylens listening on %s\n", cfg.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// loadServeConfig discovers and loads the daemon config, then applies flag
// overrides.
func loadServeConfig(cmd *cobra.Command) (server.Config, error) {
	explicitPath, _ := cmd.Flags().GetString("config")

	path, found, err := server.DiscoverConfigPath(explicitPath)
	if err != nil {
		return server.Config{}, exitError(exitConfig, "%v", err)
	}

	cfg := server.DefaultConfig()
	if found {
		cfg, err = server.LoadConfig(path)
		if err != nil {
			return server.Config{}, exitError(exitConfig, "%v", err)
		}
	}

	if cmd.Flags().Changed("listen") {
		cfg.Listen, _ = cmd.Flags().GetString("listen")
	}
	if cmd.Flags().Changed("cors-origin") {
		cfg.CORSOrigin, _ = cmd.Flags().GetString("cors-origin")
	}
	if cmd.Flags().Changed("events-dsn") {
		cfg.Events.DSN, _ = cmd.Flags().GetString("events-dsn")
	}
	if cmd.Flags().Changed("otel-endpoint") {
		cfg.Otel.Endpoint, _ = cmd.Flags().GetString("otel-endpoint")
	}
	if cmd.Flags().Changed("scheduler") {
		cfg.Scheduler.Enabled, _ = cmd.Flags().GetBool("scheduler")
	}
	return cfg, nil
}

// serveEmitDecorator builds the per-run emitter chain: progress coalescing
// closest to the sink, trace-context stamping outermost so events are
// stamped while their spans are still live.
func serveEmitDecorator(tracing *psyotel.TracingHandler, coalesce time.Duration) runtime.EventEmitterDecorator {
	return func(emit runtime.EventEmitter) runtime.EventEmitter {
		te := bus.NewThrottledEmitter(emit, bus.ThrottleConfig{CoalesceInterval: coalesce})
		throttled := func(e runtime.Event) {
			te.Emit(e)
			// Terminal events end the run; flush coalesced progress and
			// release the ticker goroutine.
			if e.Kind.Terminal() {
				te.Close()
			}
		}
		return tracing.WrapEmitter(throttled)
	}
}
