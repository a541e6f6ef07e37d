package profiling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	runtimepprof "runtime/pprof"
	"sync"

	"github.com/therealutkarshpriyadarshi/resettime/internal/logging"
)

// Config holds profiling configuration
type Config struct {
	Address        string // pprof HTTP address, empty disables the server
	CPUProfilePath string // CPU profile written until Stop
	BlockProfile   bool
	MutexProfile   bool
}

// Profiler serves pprof and records an optional CPU profile for the lifetime of
// the process
type Profiler struct {
	config Config
	logger *logging.Logger
	server *http.Server
	addr   string

	mu      sync.Mutex
	cpuFile *os.File
}

// New creates a new profiler
func New(config Config, logger *logging.Logger) *Profiler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Profiler{
		config: config,
		logger: logger.WithComponent("profiling"),
	}
}

// Start enables the configured profiles and starts the pprof server
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config.BlockProfile {
		runtime.SetBlockProfileRate(1)
	}
	if p.config.MutexProfile {
		runtime.SetMutexProfileFraction(1)
	}

	if p.config.CPUProfilePath != "" {
		f, err := os.Create(p.config.CPUProfilePath)
		if err != nil {
			return fmt.Errorf("failed to create CPU profile: %w", err)
		}
		if err := runtimepprof.StartCPUProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("failed to start CPU profile: %w", err)
		}
		p.cpuFile = f
		p.logger.Info().Str("path", p.config.CPUProfilePath).Msg("CPU profiling started")
	}

	if p.config.Address == "" {
		return nil
	}

	ln, err := net.Listen("tcp", p.config.Address)
	if err != nil {
		p.stopCPUProfile()
		return fmt.Errorf("failed to listen on %s: %w", p.config.Address, err)
	}
	p.addr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	p.server = &http.Server{Handler: mux}

	p.logger.Info().Str("address", p.addr).Msg("Starting profiling HTTP server")
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error().Err(err).Msg("Profiling server error")
		}
	}(p.server)

	return nil
}

// Addr returns the bound pprof address after Start
func (p *Profiler) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// Name implements shutdown.Component
func (p *Profiler) Name() string {
	return "profiling"
}

// Stop flushes the CPU profile and stops the pprof server
func (p *Profiler) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopCPUProfile()

	if p.server != nil {
		if err := p.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown profiling server: %w", err)
		}
		p.server = nil
	}
	return nil
}

func (p *Profiler) stopCPUProfile() {
	if p.cpuFile == nil {
		return
	}
	runtimepprof.StopCPUProfile()
	p.cpuFile.Close()
	p.cpuFile = nil
	p.logger.Info().Str("path", p.config.CPUProfilePath).Msg("CPU profile saved")
}
