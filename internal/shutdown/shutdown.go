package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/resettime/internal/logging"
)

// ErrTimeout is returned when the shutdown hooks outlive the timeout
var ErrTimeout = errors.New("graceful shutdown timed out")

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(context.Context) error

// Component represents a component that can be gracefully shut down
type Component interface {
	Stop(context.Context) error
	Name() string
}

type hook struct {
	name string
	fn   ShutdownFunc
}

// Manager handles graceful shutdown of the application
type Manager struct {
	logger       *logging.Logger
	timeout      time.Duration
	mu           sync.Mutex
	hooks        []hook
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	gracefulDone chan struct{}
	err          error
}

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	return &Manager{
		logger:       cfg.Logger.WithComponent("shutdown"),
		timeout:      cfg.Timeout,
		shutdownCh:   make(chan struct{}),
		gracefulDone: make(chan struct{}),
	}
}

// RegisterFunc registers a shutdown function to be called during shutdown
func (m *Manager) RegisterFunc(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug().Str("hook", name).Msg("Registered shutdown function")
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// RegisterComponent registers a component for graceful shutdown
func (m *Manager) RegisterComponent(component Component) {
	m.RegisterFunc(component.Name(), component.Stop)
}

// WaitForSignal blocks until a signal arrives, ctx is done, or Shutdown was
// called elsewhere
func (m *Manager) WaitForSignal(ctx context.Context, signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info().
			Str("signal", sig.String()).
			Msg("Shutdown signal received")
	case <-ctx.Done():
	case <-m.shutdownCh:
	}
}

// Shutdown runs every hook in parallel, once. Later calls wait for the first one
// and return its result.
func (m *Manager) Shutdown() error {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
		m.err = m.performShutdown()
		close(m.gracefulDone)
	})
	<-m.gracefulDone
	return m.err
}

func (m *Manager) performShutdown() error {
	m.mu.Lock()
	hooks := append([]hook(nil), m.hooks...)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("hooks", len(hooks)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(hooks))

	for _, h := range hooks {
		wg.Add(1)
		go func(h hook) {
			defer wg.Done()

			if err := h.fn(ctx); err != nil {
				m.logger.Error().Err(err).Str("hook", h.name).Msg("Shutdown function failed")
				errCh <- fmt.Errorf("%s: %w", h.name, err)
				return
			}
			m.logger.Debug().Str("hook", h.name).Msg("Shutdown function completed")
		}(h)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn().
			Dur("timeout", m.timeout).
			Msg("Graceful shutdown timed out")
		return ErrTimeout
	}

	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		m.logger.Warn().Int("errors", len(errs)).Msg("Graceful shutdown completed with errors")
		return errors.Join(errs...)
	}

	m.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

// Done returns a channel that is closed when shutdown is complete
func (m *Manager) Done() <-chan struct{} {
	return m.gracefulDone
}

// ShutdownChannel returns a channel that is closed when shutdown is initiated
func (m *Manager) ShutdownChannel() <-chan struct{} {
	return m.shutdownCh
}
