package vrconfig

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/resettime/internal/buffer"
	"github.com/therealutkarshpriyadarshi/resettime/internal/logging"
	"github.com/therealutkarshpriyadarshi/resettime/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resettime/internal/supervisor"
	"github.com/therealutkarshpriyadarshi/resettime/internal/tracing"
	"github.com/therealutkarshpriyadarshi/resettime/internal/watcher"
	"github.com/therealutkarshpriyadarshi/resettime/pkg/types"
	"go.opentelemetry.io/otel/trace"
)

const defaultDebounce = 100 * time.Millisecond

// ReloaderConfig holds reloader configuration
type ReloaderConfig struct {
	Path     string
	Store    *Store
	Debounce time.Duration
	Watch    watcher.Config
	Logger   *logging.Logger
	Metrics  *metrics.Collector
	Tracer   trace.Tracer
}

// Reloader keeps the Store in sync with the file on disk. It is a
// supervisor.Source whose sessions reload on start and after each burst of edits.
type Reloader struct {
	path     string
	store    *Store
	debounce time.Duration
	watch    watcher.Config
	signals  *buffer.Queue[types.ReloadSignal]
	logger   *logging.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer
}

// NewReloader creates a new Reloader
func NewReloader(cfg ReloaderConfig) (*Reloader, error) {
	if cfg.Path == "" {
		return nil, errors.New("vrconfig path is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("vrconfig store is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.Default()
	}

	return &Reloader{
		path:     cfg.Path,
		store:    cfg.Store,
		debounce: cfg.Debounce,
		watch:    cfg.Watch,
		signals:  buffer.NewQueue[types.ReloadSignal](4),
		logger:   cfg.Logger.WithComponent("vrconfig"),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}, nil
}

// Name implements supervisor.Source
func (r *Reloader) Name() string {
	return "vrconfig"
}

// Signals returns the reload signal queue
func (r *Reloader) Signals() *buffer.Queue[types.ReloadSignal] {
	return r.signals
}

// Open implements supervisor.Source
func (r *Reloader) Open(ctx context.Context) (supervisor.Session, error) {
	w, err := watcher.Create(r.path, r.watch)
	if err != nil {
		return nil, fmt.Errorf("failed to watch vrconfig: %w", err)
	}
	return &reloadSession{reloader: r, watcher: w}, nil
}

// Reload loads the file, swaps the snapshot and publishes a signal. On a parse
// failure the previous snapshot stays and nothing is published.
func (r *Reloader) Reload(ctx context.Context) bool {
	ctx, span := tracing.TraceReload(ctx, r.tracer, r.path)
	defer span.End()

	snap, err := Load(r.path)
	if err != nil {
		tracing.RecordError(ctx, err)
		r.logger.Debug().Err(err).Str("path", r.path).Msg("Ignoring vrconfig reload")
		if r.metrics != nil {
			r.metrics.ConfigReloads.WithLabelValues("failure").Inc()
		}
		return false
	}

	r.store.Replace(snap)
	r.signals.Push(types.ReloadSignal{})

	r.logger.Debug().Str("path", r.path).Msg("vrconfig reloaded")
	if r.metrics != nil {
		r.metrics.ConfigReloads.WithLabelValues("success").Inc()
	}
	return true
}

type reloadSession struct {
	reloader *Reloader
	watcher  *watcher.Watcher

	// timer is the pending debounce, nil when idle
	timer *time.Timer
}

func (s *reloadSession) Events() *buffer.Queue[watcher.Event] {
	return s.watcher.Events()
}

func (s *reloadSession) Start(ctx context.Context) supervisor.Action {
	s.reloader.Reload(ctx)
	return supervisor.Continue
}

func (s *reloadSession) HandleEvent(ctx context.Context, ev watcher.Event) supervisor.Action {
	switch ev.Kind {
	case watcher.KindModify, watcher.KindCreate:
		s.restartTimer()
	case watcher.KindError:
		s.reloader.logger.Info().Err(ev.Err).Msg("Watcher error")
		return supervisor.Reconnect
	}
	return supervisor.Continue
}

// restartTimer replaces the pending debounce so a burst of edits reloads once
func (s *reloadSession) restartTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.NewTimer(s.reloader.debounce)
}

func (s *reloadSession) Wake() <-chan time.Time {
	if s.timer == nil {
		return nil
	}
	return s.timer.C
}

func (s *reloadSession) HandleWake(ctx context.Context) supervisor.Action {
	s.timer = nil
	s.reloader.Reload(ctx)
	return supervisor.Continue
}

func (s *reloadSession) Close() error {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return s.watcher.Close()
}
