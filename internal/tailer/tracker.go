package tailer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/resettime/internal/buffer"
	"github.com/therealutkarshpriyadarshi/resettime/internal/logging"
	"github.com/therealutkarshpriyadarshi/resettime/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resettime/internal/parser"
	"github.com/therealutkarshpriyadarshi/resettime/internal/supervisor"
	"github.com/therealutkarshpriyadarshi/resettime/internal/watcher"
	"github.com/therealutkarshpriyadarshi/resettime/pkg/types"
)

const defaultBatchSize = 256

// readyNow is always ready to receive, used to ask for another drain pass
var readyNow = func() <-chan time.Time {
	ch := make(chan time.Time)
	close(ch)
	return ch
}()

// Config holds tracker configuration
type Config struct {
	Path      string
	Watch     watcher.Config
	Parser    *parser.ResetParser
	BatchSize int
	Logger    *logging.Logger
	Metrics   *metrics.Collector
}

// Tracker follows the tracker server log and turns reset lines into events. It is
// a supervisor.Source: every Open starts a new cursor at offset 0, while the reset
// state lives as long as the Tracker.
type Tracker struct {
	path      string
	watch     watcher.Config
	parser    *parser.ResetParser
	state     parser.State
	batchSize int
	events    *buffer.Queue[types.ResetEvent]
	logger    *logging.Logger
	metrics   *metrics.Collector
}

// New creates a new Tracker
func New(cfg Config) (*Tracker, error) {
	if cfg.Path == "" {
		return nil, errors.New("tracker log path is required")
	}
	if cfg.Parser == nil {
		return nil, errors.New("reset parser is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	return &Tracker{
		path:      cfg.Path,
		watch:     cfg.Watch,
		parser:    cfg.Parser,
		state:     cfg.Parser.NewState(),
		batchSize: cfg.BatchSize,
		events:    buffer.NewQueue[types.ResetEvent](16),
		logger:    cfg.Logger.WithComponent("tailer"),
		metrics:   cfg.Metrics,
	}, nil
}

// Name implements supervisor.Source
func (t *Tracker) Name() string {
	return "tail"
}

// Events returns the reset event queue
func (t *Tracker) Events() *buffer.Queue[types.ResetEvent] {
	return t.events
}

// Open implements supervisor.Source. The file and its watcher are acquired
// together or not at all.
func (t *Tracker) Open(ctx context.Context) (supervisor.Session, error) {
	cursor, err := OpenCursor(t.path)
	if err != nil {
		return nil, err
	}

	w, err := watcher.Create(t.path, t.watch)
	if err != nil {
		cursor.Close()
		return nil, fmt.Errorf("failed to watch file: %w", err)
	}

	return &tailSession{
		tracker: t,
		cursor:  cursor,
		watcher: w,
	}, nil
}

func (t *Tracker) handleLine(line string) {
	if t.metrics != nil {
		t.metrics.TailLinesRead.Inc()
	}

	ev, ok := t.parser.Classify(&t.state, line)
	if !ok {
		return
	}

	t.logger.Debug().
		Int64("count", ev.Count).
		Str("kind", ev.Kind).
		Time("timestamp", ev.Time()).
		Msg("Reset event")

	if t.metrics != nil {
		t.metrics.TailResetEvents.WithLabelValues(ev.Kind).Inc()
		t.metrics.TailCurrentCount.Set(float64(ev.Count))
	}

	t.events.Push(ev)
}

type tailSession struct {
	tracker *Tracker
	cursor  *Cursor
	watcher *watcher.Watcher

	// pending is set when a drain stopped at the batch limit
	pending bool
	// recheck is set by a data event and cleared once the cursor reaches the end
	recheck bool
}

func (s *tailSession) Events() *buffer.Queue[watcher.Event] {
	return s.watcher.Events()
}

func (s *tailSession) Start(ctx context.Context) supervisor.Action {
	s.tracker.logger.Info().Str("path", s.cursor.Path()).Msg("Tailing file from the beginning")
	return s.drain()
}

func (s *tailSession) HandleEvent(ctx context.Context, ev watcher.Event) supervisor.Action {
	switch ev.Kind {
	case watcher.KindError:
		s.tracker.logger.Info().Err(ev.Err).Msg("Watcher error")
		return supervisor.Reconnect

	case watcher.KindModify, watcher.KindCreate:
		truncated, err := s.cursor.Truncated()
		if err != nil {
			s.tracker.logger.Info().Err(err).Msg("Lost file handle")
			return supervisor.Reconnect
		}
		if truncated {
			s.tracker.logger.Info().Int64("offset", s.cursor.Offset()).Msg("File truncated, reopening")
			return supervisor.Reconnect
		}
		// A change with nothing left to read means the writer rewrote the file
		done, err := s.cursor.NoNewData()
		if err != nil {
			s.tracker.logger.Info().Err(err).Msg("Lost file handle")
			return supervisor.Reconnect
		}
		if done {
			s.tracker.logger.Info().Int64("offset", s.cursor.Offset()).Msg("Change without new data, reopening")
			return supervisor.Reconnect
		}
		s.recheck = true
	}

	return s.drain()
}

func (s *tailSession) Wake() <-chan time.Time {
	if s.pending {
		return readyNow
	}
	return nil
}

func (s *tailSession) HandleWake(ctx context.Context) supervisor.Action {
	return s.drain()
}

func (s *tailSession) Close() error {
	werr := s.watcher.Close()
	cerr := s.cursor.Close()
	return errors.Join(werr, cerr)
}

// drain reads at most one batch of lines. When it reaches the end of the file
// after a data event, a fully read handle whose path now names another file
// means the writer started a new file while the old one still grew.
func (s *tailSession) drain() supervisor.Action {
	s.pending = false

	for i := 0; i < s.tracker.batchSize; i++ {
		line, ok, err := s.cursor.NextLine()
		if err != nil {
			s.tracker.logger.Info().Err(err).Msg("Read failed, reopening")
			return supervisor.Reconnect
		}
		if !ok {
			return s.checkReplaced()
		}
		s.tracker.handleLine(line)
	}

	s.pending = true
	return supervisor.Continue
}

func (s *tailSession) checkReplaced() supervisor.Action {
	if !s.recheck {
		return supervisor.Continue
	}
	s.recheck = false

	done, err := s.cursor.NoNewData()
	if err != nil {
		s.tracker.logger.Info().Err(err).Msg("Lost file handle")
		return supervisor.Reconnect
	}
	if done && s.cursor.Replaced() {
		s.tracker.logger.Info().Int64("offset", s.cursor.Offset()).Msg("File replaced, reopening")
		return supervisor.Reconnect
	}
	return supervisor.Continue
}
