package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/hako/durafmt"
	"golang.org/x/sync/errgroup"

	"glowkeeper/internal/glow"
	"glowkeeper/internal/hub"
	servernet "glowkeeper/internal/net"
	"glowkeeper/internal/telemetry"
	"glowkeeper/internal/tracing"
	"glowkeeper/internal/world"
	"glowkeeper/logging"
	loggingSinks "glowkeeper/logging/sinks"
)

// Run wires the world, hub, glow pipeline and HTTP surface and serves until
// ctx is cancelled or a component fails.
func Run(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()

	telemetryLogger := telemetry.WrapLogger(log.Default())

	router, err := newRouter(cfg, telemetryLogger)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "glowkeeper",
	})
	if err != nil {
		telemetryLogger.Printf("tracing disabled: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if terr := shutdownTracing(closeCtx); terr != nil {
			telemetryLogger.Printf("failed to flush traces: %v", terr)
		}
	}()

	counters := telemetry.NewCounters()

	worldCfg := world.DefaultConfig()
	worldCfg.EntityCount = cfg.EntityCount
	worldCfg.Seed = cfg.WorldSeed

	hubCfg := hub.DefaultConfig()
	hubCfg.TickRate = cfg.TickRate
	hubCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	hubCfg.Logger = telemetryLogger
	hubCfg.Publisher = logging.WithFields(router, map[string]any{"component": "hub"})
	hubCfg.Metrics = counters
	h := hub.New(world.New(worldCfg), hubCfg)

	controller, err := glow.New(glow.Config{
		Transport:    h,
		Interception: h,
		Lifecycle:    h,
		Expiry:       cfg.Expiry,
		Logger:       telemetryLogger,
		Publisher:    logging.WithFields(router, map[string]any{"component": "glow"}),
		Metrics:      counters,
	})
	if err != nil {
		return fmt.Errorf("failed to construct glow controller: %w", err)
	}

	handler := servernet.NewHTTPHandler(h, controller, servernet.HTTPHandlerConfig{
		Logger:   telemetryLogger,
		Counters: counters,
		Router:   router,
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: handler}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		h.RunBroadcast(groupCtx)
		return nil
	})
	group.Go(func() error {
		controller.Store().RunSweeper(groupCtx, cfg.SweepInterval)
		return nil
	})
	group.Go(func() error {
		telemetryLogger.Printf("server listening on %s (%d entities, glow expiry %s)", srv.Addr, cfg.EntityCount, durafmt.Parse(cfg.Expiry).LimitFirstN(2))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func newRouter(cfg Config, logger telemetry.Logger) (*logging.Router, error) {
	logConfig := logging.DefaultConfig()
	severity, err := cfg.Severity()
	if err != nil {
		logger.Printf("%v, using info", err)
	}
	logConfig.MinimumSeverity = severity
	logConfig.Fields = map[string]any{"service": "glowkeeper"}

	if cfg.LogJSONPath != "" {
		logConfig.EnabledSinks = append(logConfig.EnabledSinks, logging.SinkJSON)
		logConfig.JSON.FilePath = cfg.LogJSONPath
	}

	var sinks []logging.NamedSink
	if logConfig.HasSink(logging.SinkConsole) {
		sinks = append(sinks, logging.NamedSink{Name: logging.SinkConsole, Sink: loggingSinks.NewConsole(os.Stdout)})
	}
	if logConfig.HasSink(logging.SinkJSON) {
		file, err := os.OpenFile(logConfig.JSON.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open json log %s: %w", logConfig.JSON.FilePath, err)
		}
		sinks = append(sinks, logging.NamedSink{Name: logging.SinkJSON, Sink: loggingSinks.NewJSON(file, logConfig.JSON.FlushInterval)})
	}
	return logging.NewRouter(logging.SystemClock{}, logConfig, sinks)
}
