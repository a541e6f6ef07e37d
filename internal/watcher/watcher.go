package watcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/therealutkarshpriyadarshi/resettime/internal/buffer"
)

var ErrCreate = errors.New("failed to create watcher")

// Kind classifies a raw change notification
type Kind int

const (
	KindCreate Kind = iota
	KindModify
	KindMetadata
	KindRemove
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindModify:
		return "modify"
	case KindMetadata:
		return "metadata"
	case KindRemove:
		return "remove"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a raw change notification for the watched path
type Event struct {
	Kind Kind
	Path string
	Err  error
	Time time.Time
}

// Backend selects how changes are detected
type Backend string

const (
	// BackendFSNotify uses native notifications on the parent directory
	BackendFSNotify Backend = "fsnotify"
	// BackendPoll stats the file on a fixed interval
	BackendPoll Backend = "poll"
)

const defaultPollInterval = 100 * time.Millisecond

// Config holds watcher configuration
type Config struct {
	Backend         Backend
	PollInterval    time.Duration
	CompareContents bool // poll backend only: hash contents to catch same-size rewrites
}

// Watcher delivers change events for a single file onto an unbounded queue
type Watcher struct {
	path      string
	events    *buffer.Queue[Event]
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closer    func() error
}

// Create starts watching path. Only changes that happen after Create returns are
// reported. Errors wrap ErrCreate.
func Create(path string, cfg Config) (*Watcher, error) {
	path = filepath.Clean(path)

	switch cfg.Backend {
	case BackendPoll:
		return newPollWatcher(path, cfg)
	case "", BackendFSNotify:
		return newNotifyWatcher(path)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrCreate, cfg.Backend)
	}
}

func newWatcher(path string) *Watcher {
	return &Watcher{
		path:   path,
		events: buffer.NewQueue[Event](16),
		done:   make(chan struct{}),
	}
}

// Events returns the event queue. It is closed when the watcher stops.
func (w *Watcher) Events() *buffer.Queue[Event] {
	return w.events
}

// Path returns the watched path
func (w *Watcher) Path() string {
	return w.path
}

// Close stops the watcher
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		if w.closer != nil {
			err = w.closer()
		}
		w.wg.Wait()
		w.events.Close()
	})
	return err
}

// emit is the bridge from the backend into the queue. Push never blocks.
func (w *Watcher) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	w.events.Push(ev)
}

func newNotifyWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreate, err)
	}

	// Watching the directory keeps events flowing after the file is replaced
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("%w: %v", ErrCreate, err)
	}

	w := newWatcher(path)
	w.closer = fsw.Close

	w.wg.Add(1)
	go w.forward(fsw)

	return w, nil
}

// forward copies fsnotify events for the watched path onto the queue
func (w *Watcher) forward(fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer w.events.Close()

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			w.emit(Event{Kind: kindOf(event.Op), Path: w.path})

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.emit(Event{Kind: KindError, Path: w.path, Err: err})

		case <-w.done:
			return
		}
	}
}

func kindOf(op fsnotify.Op) Kind {
	switch {
	case op.Has(fsnotify.Create):
		return KindCreate
	case op.Has(fsnotify.Write):
		return KindModify
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return KindRemove
	default:
		return KindMetadata
	}
}
