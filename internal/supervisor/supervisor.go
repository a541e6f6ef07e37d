package supervisor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/resettime/internal/buffer"
	"github.com/therealutkarshpriyadarshi/resettime/internal/logging"
	"github.com/therealutkarshpriyadarshi/resettime/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resettime/internal/reliability"
	"github.com/therealutkarshpriyadarshi/resettime/internal/tracing"
	"github.com/therealutkarshpriyadarshi/resettime/internal/watcher"
	"go.opentelemetry.io/otel/trace"
)

const defaultRetryInterval = time.Second

// Action tells the supervisor what to do after a session handler returns
type Action int

const (
	Continue Action = iota
	Reconnect
)

// State is the supervisor lifecycle state
type State int32

const (
	StateConnecting State = iota
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Source opens the resources of one streaming attempt. Open either acquires all of
// them or releases whatever it acquired and returns an error.
type Source interface {
	Name() string
	Open(ctx context.Context) (Session, error)
}

// Session is one streaming attempt. All methods are called from the supervisor
// goroutine.
type Session interface {
	// Events is the raw change queue of the attempt's watcher
	Events() *buffer.Queue[watcher.Event]
	// Start runs once when streaming begins
	Start(ctx context.Context) Action
	HandleEvent(ctx context.Context, ev watcher.Event) Action
	// Wake is ready when the session has deferred work. nil means idle.
	Wake() <-chan time.Time
	HandleWake(ctx context.Context) Action
	Close() error
}

// Config holds supervisor configuration
type Config struct {
	RetryInterval time.Duration
	Logger        *logging.Logger
	Metrics       *metrics.Collector
	Tracer        trace.Tracer
}

// Supervisor drives a Source through the Connecting and Streaming states until its
// context is done
type Supervisor struct {
	source        Source
	name          string
	retryInterval time.Duration
	logger        *logging.Logger
	metrics       *metrics.Collector
	tracer        trace.Tracer
	state         atomic.Int32
}

// New creates a new supervisor
func New(source Source, cfg Config) *Supervisor {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.Default()
	}

	return &Supervisor{
		source:        source,
		name:          source.Name(),
		retryInterval: cfg.RetryInterval,
		logger:        cfg.Logger.WithComponent("supervisor").WithField("stream", source.Name()),
		metrics:       cfg.Metrics,
		tracer:        cfg.Tracer,
	}
}

// Name returns the stream name of the source
func (s *Supervisor) Name() string {
	return s.name
}

// State returns the current state
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Run blocks until ctx is done and returns its error
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		sess, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Open failed with a context error of its own, ctx is still live
			s.logger.Info().Err(err).Msg("Open aborted, retrying")
			if !s.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		reason := s.stream(ctx, sess)
		if err := sess.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to close session")
		}

		if ctx.Err() != nil {
			s.setState(StateConnecting)
			return ctx.Err()
		}

		s.logger.Info().Str("reason", reason).Msg("Stream lost, reconnecting")
		if s.metrics != nil {
			s.metrics.SupervisorReconnects.WithLabelValues(s.name, reason).Inc()
		}
	}
}

// connect retries Source.Open on a fixed interval with no attempt limit
func (s *Supervisor) connect(ctx context.Context) (Session, error) {
	s.setState(StateConnecting)

	var sess Session
	err := reliability.RetryForever(ctx, reliability.ConstantBackoff(s.retryInterval), func(ctx context.Context) error {
		ctx, span := tracing.TraceConnect(ctx, s.tracer, s.name)
		defer span.End()

		opened, err := s.source.Open(ctx)
		if err != nil {
			tracing.RecordError(ctx, err)
			s.logger.Debug().Err(err).Msg("Open failed, retrying")
			if s.metrics != nil {
				s.metrics.SupervisorConnectAttempts.WithLabelValues(s.name, "failure").Inc()
			}
			return err
		}

		if s.metrics != nil {
			s.metrics.SupervisorConnectAttempts.WithLabelValues(s.name, "success").Inc()
		}
		sess = opened
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Msg("Stream opened")
	return sess, nil
}

// stream runs the session until a handler asks to reconnect or ctx is done. It
// returns the reconnect reason, empty when ctx is done.
func (s *Supervisor) stream(ctx context.Context, sess Session) string {
	s.setState(StateStreaming)

	if sess.Start(ctx) == Reconnect {
		return "start"
	}

	events := sess.Events()
	for {
		select {
		case <-ctx.Done():
			return ""

		case <-events.Ready():
			for {
				ev, ok := events.TryPop()
				if !ok {
					break
				}
				if s.metrics != nil {
					s.metrics.WatcherEvents.WithLabelValues(s.name, ev.Kind.String()).Inc()
				}
				if sess.HandleEvent(ctx, ev) == Reconnect {
					return ev.Kind.String()
				}
			}
			if events.Closed() {
				return "watcher_closed"
			}

		case <-sess.Wake():
			if sess.HandleWake(ctx) == Reconnect {
				return "wake"
			}
		}
	}
}

// sleep waits one retry interval and reports false when ctx is done first
func (s *Supervisor) sleep(ctx context.Context) bool {
	timer := time.NewTimer(s.retryInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Supervisor) setState(state State) {
	s.state.Store(int32(state))
	if s.metrics != nil {
		s.metrics.SupervisorState.WithLabelValues(s.name).Set(float64(state))
	}
}
