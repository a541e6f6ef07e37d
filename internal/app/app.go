// Package app wires the reset pipeline, the config reloader, the overlay client
// and the display into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/resettime/internal/config"
	"github.com/therealutkarshpriyadarshi/resettime/internal/display"
	"github.com/therealutkarshpriyadarshi/resettime/internal/health"
	"github.com/therealutkarshpriyadarshi/resettime/internal/logging"
	"github.com/therealutkarshpriyadarshi/resettime/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resettime/internal/overlay"
	"github.com/therealutkarshpriyadarshi/resettime/internal/parser"
	"github.com/therealutkarshpriyadarshi/resettime/internal/profiling"
	"github.com/therealutkarshpriyadarshi/resettime/internal/server"
	"github.com/therealutkarshpriyadarshi/resettime/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/resettime/internal/supervisor"
	"github.com/therealutkarshpriyadarshi/resettime/internal/tailer"
	"github.com/therealutkarshpriyadarshi/resettime/internal/tracing"
	"github.com/therealutkarshpriyadarshi/resettime/internal/vrconfig"
	"github.com/therealutkarshpriyadarshi/resettime/internal/watcher"
	"golang.org/x/sync/errgroup"
)

// App owns every long-running component
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	collector *metrics.Collector
	tracing   *tracing.Provider
	checker   *health.Checker
	server    *server.Server
	shutdown  *shutdown.Manager

	store     *vrconfig.Store
	tracker   *tailer.Tracker
	tailSup   *supervisor.Supervisor
	reloader  *vrconfig.Reloader
	configSup *supervisor.Supervisor
	overlay   *overlay.Client
}

// New builds the application from cfg
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, version string) (*App, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	a := &App{
		cfg:       cfg,
		logger:    logger,
		collector: metrics.NewCollector(),
		shutdown:  shutdown.New(shutdown.Config{Timeout: cfg.ShutdownTimeout, Logger: logger}),
	}

	tracingCfg := tracing.Config{Version: version}
	if cfg.Tracing != nil {
		tracingCfg.Enabled = cfg.Tracing.Enabled
		tracingCfg.Endpoint = cfg.Tracing.Endpoint
		tracingCfg.SampleRate = cfg.Tracing.SampleRate
	}
	provider, err := tracing.NewProvider(ctx, tracingCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracing provider: %w", err)
	}
	a.tracing = provider

	resetParser, err := newParser(cfg.Parser)
	if err != nil {
		return nil, err
	}

	a.tracker, err = tailer.New(tailer.Config{
		Path:      cfg.LogPath(),
		Watch:     watchConfig(cfg.Watch.Log),
		Parser:    resetParser,
		BatchSize: cfg.Watch.BatchSize,
		Logger:    logger,
		Metrics:   a.collector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tracker: %w", err)
	}
	a.tailSup = a.newSupervisor(a.tracker)

	initial, err := vrconfig.Load(cfg.VRConfigPath())
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.VRConfigPath()).Msg("Failed to load vrconfig, starting empty")
		initial = &vrconfig.VRConfig{}
	}
	a.store = vrconfig.NewStore(initial)

	a.reloader, err = vrconfig.NewReloader(vrconfig.ReloaderConfig{
		Path:     cfg.VRConfigPath(),
		Store:    a.store,
		Debounce: cfg.Watch.Debounce,
		Watch:    watchConfig(cfg.Watch.VRConfig),
		Logger:   logger,
		Metrics:  a.collector,
		Tracer:   provider.Tracer(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reloader: %w", err)
	}
	a.configSup = a.newSupervisor(a.reloader)

	if cfg.OBS.IsEnabled() {
		a.overlay = overlay.New(overlay.Config{
			Host:                 cfg.OBS.Host,
			Port:                 cfg.OBS.Port,
			Password:             cfg.OBS.Password,
			QueueSize:            cfg.OBS.QueueSize,
			MaxRequestsPerSecond: cfg.OBS.MaxRequestsPerSecond,
			Burst:                cfg.OBS.Burst,
			RetryInterval:        cfg.OBS.RetryInterval,
			DialTimeout:          cfg.OBS.DialTimeout,
			Logger:               logger,
			Metrics:              a.collector,
			Tracer:               provider.Tracer(),
		})
	}

	a.checker = health.NewChecker(time.Second, a.collector)
	a.checker.Register(a.tailSup.Name(), health.SupervisorCheck(a.tailSup))
	a.checker.Register(a.configSup.Name(), health.SupervisorCheck(a.configSup))
	if a.overlay != nil {
		client := a.overlay
		a.checker.Register("overlay", health.CheckFunc(func() (bool, string) {
			if client.Connected() {
				return true, "connected"
			}
			return false, "disconnected"
		}))
	}

	serverCfg := server.Config{
		MetricsRegistry: a.collector.Registry(),
		HealthChecker:   a.checker,
		Logger:          logger,
	}
	if m := cfg.Metrics; m != nil && m.Enabled {
		serverCfg.MetricsAddress = m.Address
		serverCfg.MetricsPath = m.Path
	}
	if h := cfg.Health; h != nil && h.Enabled {
		serverCfg.HealthAddress = h.Address
		serverCfg.LivenessPath = h.LivenessPath
		serverCfg.ReadinessPath = h.ReadinessPath
	}
	a.server = server.New(serverCfg)

	return a, nil
}

func (a *App) newSupervisor(source supervisor.Source) *supervisor.Supervisor {
	return supervisor.New(source, supervisor.Config{
		RetryInterval: a.cfg.Watch.RetryInterval,
		Logger:        a.logger,
		Metrics:       a.collector,
		Tracer:        a.tracing.Tracer(),
	})
}

// Display builds the display model bound to ctx
func (a *App) Display(ctx context.Context) display.Model {
	dcfg := display.Config{
		Format:     a.cfg.OBS.TextTimeFormat,
		TextTime:   a.cfg.OBS.TextTime,
		TextConfig: a.cfg.OBS.TextConfig,
		Tick:       a.cfg.Display.Tick,
		Headless:   a.cfg.Display.Headless,
		Resets:     a.tracker.Events(),
		Reloads:    a.reloader.Signals(),
		Store:      a.store,
		Logger:     a.logger,
	}
	if a.overlay != nil {
		dcfg.OverlayRequests = a.overlay.Requests()
		dcfg.OverlayEvents = a.overlay.Events()
	}
	return display.New(ctx, dcfg)
}

// Run runs every component until the display exits, a signal arrives or ctx is
// done, then shuts everything down
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if m := a.cfg.Metrics; m != nil && m.Enabled {
		a.collector.Start()
		a.shutdown.RegisterFunc("metrics", func(context.Context) error {
			a.collector.Stop()
			return nil
		})
	}

	if pc := a.cfg.Profiling; pc != nil && pc.Enabled {
		profiler := profiling.New(profiling.Config{
			Address:        pc.Address,
			CPUProfilePath: pc.CPUProfile,
			BlockProfile:   pc.BlockProfile,
			MutexProfile:   pc.MutexProfile,
		}, a.logger)
		if err := profiler.Start(); err != nil {
			a.shutdown.Shutdown()
			return err
		}
		a.shutdown.RegisterComponent(profiler)
	}

	if err := a.server.Start(); err != nil {
		a.shutdown.Shutdown()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	a.shutdown.RegisterComponent(a.server)
	a.shutdown.RegisterFunc("tracing", a.tracing.Shutdown)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.tailSup.Run(gctx) })
	g.Go(func() error { return a.configSup.Run(gctx) })
	if a.overlay != nil {
		g.Go(func() error { return a.overlay.Run(gctx) })
	}

	a.shutdown.RegisterFunc("pipeline", func(sctx context.Context) error {
		cancel()
		done := make(chan error, 1)
		go func() {
			done <- g.Wait()
		}()
		select {
		case err := <-done:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-sctx.Done():
			return sctx.Err()
		}
	})

	go func() {
		a.shutdown.WaitForSignal(ctx)
		cancel()
	}()

	a.logger.Info().
		Str("log", a.cfg.LogPath()).
		Str("vrconfig", a.cfg.VRConfigPath()).
		Bool("overlay", a.overlay != nil).
		Msg("Started")

	displayErr := display.Run(ctx, a.Display(ctx))
	cancel()

	shutdownErr := a.shutdown.Shutdown()
	if displayErr != nil {
		return fmt.Errorf("display failed: %w", displayErr)
	}
	return shutdownErr
}

// Health exposes the checker for callers embedding the app
func (a *App) Health() *health.Checker {
	return a.checker
}

func newParser(cfg config.ParserConfig) (*parser.ResetParser, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	var markers []parser.Marker
	for _, m := range cfg.ResetMarkers {
		markers = append(markers, parser.Marker{Kind: m.Kind, Text: m.Text})
	}

	p, err := parser.NewResetParser(parser.ResetConfig{
		SessionMarkers: cfg.SessionMarkers,
		ResetMarkers:   markers,
		Location:       loc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reset parser: %w", err)
	}
	return p, nil
}

func watchConfig(cfg config.WatchFileConfig) watcher.Config {
	return watcher.Config{
		Backend:         watcher.Backend(cfg.Backend),
		PollInterval:    cfg.PollInterval,
		CompareContents: cfg.CompareContents,
	}
}
