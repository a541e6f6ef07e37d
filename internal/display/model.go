// Package display renders the reset timer and tracker toggles in the terminal
// and mirrors them to the overlay.
package display

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/therealutkarshpriyadarshi/resettime/internal/buffer"
	"github.com/therealutkarshpriyadarshi/resettime/internal/logging"
	"github.com/therealutkarshpriyadarshi/resettime/internal/overlay"
	"github.com/therealutkarshpriyadarshi/resettime/internal/status"
	"github.com/therealutkarshpriyadarshi/resettime/internal/vrconfig"
	"github.com/therealutkarshpriyadarshi/resettime/pkg/types"
)

// A reset younger than this finishes the previous attempt, whose line is logged.
// Older events come from replaying the log on startup.
const finishedAttemptWindow = 2 * time.Second

// Config holds display configuration
type Config struct {
	Format     string
	TextTime   string
	TextConfig string
	Tick       time.Duration
	Headless   bool

	Resets  *buffer.Queue[types.ResetEvent]
	Reloads *buffer.Queue[types.ReloadSignal]
	Store   *vrconfig.Store

	// Overlay channels; both nil when the overlay is disabled
	OverlayRequests chan<- types.TextRequest
	OverlayEvents   <-chan overlay.Event

	Logger *logging.Logger
	Now    func() time.Time
}

type tickMsg time.Time

type resetMsg types.ResetEvent

type reloadMsg struct{}

type overlayMsg overlay.Event

type obsState int

const (
	obsDisabled obsState = iota
	obsDisconnected
	obsConnected
	obsFailed
)

// Model is the Bubble Tea model of the display
type Model struct {
	ctx    context.Context
	cfg    Config
	keys   KeyMap
	logger *logging.Logger

	last   types.ResetEvent
	status status.Status

	obs    obsState
	obsErr string
}

// New creates the display model. ctx bounds the commands waiting on the queues.
func New(ctx context.Context, cfg Config) Model {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Store == nil {
		cfg.Store = vrconfig.NewStore(nil)
	}

	m := Model{
		ctx:    ctx,
		cfg:    cfg,
		keys:   DefaultKeyMap(),
		logger: cfg.Logger.WithComponent("display"),
		last:   types.ResetEvent{TimestampMs: cfg.Now().UnixMilli()},
	}
	if cfg.OverlayRequests != nil {
		m.obs = obsDisconnected
	}
	m.refresh()
	return m
}

// Init starts the tick and the queue readers
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.tick(), m.waitReset(), m.waitReload(), m.waitOverlay())
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) {
			return m, tea.Quit
		}
		return m, nil

	case tickMsg:
		m.refresh()
		return m, m.tick()

	case resetMsg:
		m.applyReset(types.ResetEvent(msg))
		m.refresh()
		return m, m.waitReset()

	case reloadMsg:
		m.refresh()
		return m, m.waitReload()

	case overlayMsg:
		m.applyOverlay(overlay.Event(msg))
		m.refresh()
		return m, m.waitOverlay()
	}

	return m, nil
}

// Status returns the last rendered status
func (m Model) Status() status.Status {
	return m.status
}

func (m *Model) applyReset(ev types.ResetEvent) {
	now := m.cfg.Now()
	age := now.Sub(ev.Time())
	if m.last.Count > 0 && ev.Count > m.last.Count && age < finishedAttemptWindow {
		finished := status.Render(m.last, m.cfg.Store.Get(), m.cfg.Format, now)
		m.logger.Info().Int64("count", m.last.Count).Msg(finished.Reset)
	}
	m.last = ev
}

func (m *Model) applyOverlay(ev overlay.Event) {
	switch ev.Kind {
	case overlay.EventConnected:
		m.obs = obsConnected
		m.obsErr = ""
	case overlay.EventDisconnected:
		m.obs = obsDisconnected
	case overlay.EventError:
		m.obs = obsFailed
		m.obsErr = ev.Err
	}
}

// refresh renders the status and pushes it to the overlay
func (m *Model) refresh() {
	m.status = status.Render(m.last, m.cfg.Store.Get(), m.cfg.Format, m.cfg.Now())

	if m.cfg.OverlayRequests == nil {
		return
	}
	if m.cfg.TextTime != "" {
		overlay.TrySend(m.cfg.OverlayRequests, types.TextRequest{Element: m.cfg.TextTime, Text: m.status.Reset})
	}
	if m.cfg.TextConfig != "" {
		overlay.TrySend(m.cfg.OverlayRequests, types.TextRequest{Element: m.cfg.TextConfig, Text: m.status.OverlayConfigText()})
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.cfg.Tick, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) waitReset() tea.Cmd {
	q := m.cfg.Resets
	if q == nil {
		return nil
	}
	return func() tea.Msg {
		ev, err := q.Pop(m.ctx)
		if err != nil {
			return nil
		}
		return resetMsg(ev)
	}
}

func (m Model) waitReload() tea.Cmd {
	q := m.cfg.Reloads
	if q == nil {
		return nil
	}
	return func() tea.Msg {
		if _, err := q.Pop(m.ctx); err != nil {
			return nil
		}
		return reloadMsg{}
	}
}

func (m Model) waitOverlay() tea.Cmd {
	ch := m.cfg.OverlayEvents
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			return overlayMsg(ev)
		case <-m.ctx.Done():
			return nil
		}
	}
}

// Run runs the display until the user quits or ctx is done. Headless mode keeps
// the overlay updates without touching the terminal.
func Run(ctx context.Context, m Model) error {
	opts := []tea.ProgramOption{
		tea.WithContext(ctx),
		tea.WithoutSignalHandler(),
	}
	if m.cfg.Headless {
		opts = append(opts, tea.WithoutRenderer(), tea.WithInput(nil))
	}

	_, err := tea.NewProgram(m, opts...).Run()
	if err != nil && errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
