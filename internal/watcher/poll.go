package watcher

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
)

type fileState struct {
	exists bool
	info   os.FileInfo
	hash   uint64
}

type poller struct {
	path            string
	interval        time.Duration
	compareContents bool
}

func newPollWatcher(path string, cfg Config) (*Watcher, error) {
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreate, err)
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	p := &poller{
		path:            path,
		interval:        interval,
		compareContents: cfg.CompareContents,
	}

	// Baseline taken before returning so nothing earlier is reported
	prev, err := p.snapshot()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreate, err)
	}

	w := newWatcher(path)
	w.wg.Add(1)
	go w.poll(p, prev)

	return w, nil
}

func (w *Watcher) poll(p *poller, prev fileState) {
	defer w.wg.Done()
	defer w.events.Close()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
		}

		cur, err := p.snapshot()
		if err != nil {
			w.emit(Event{Kind: KindError, Path: w.path, Err: err})
			continue
		}

		if kind, changed := diff(prev, cur); changed {
			w.emit(Event{Kind: kind, Path: w.path})
		}
		prev = cur
	}
}

func (p *poller) snapshot() (fileState, error) {
	info, err := os.Stat(p.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileState{}, nil
		}
		return fileState{}, err
	}

	state := fileState{exists: true, info: info}
	if !p.compareContents || info.IsDir() {
		return state, nil
	}

	f, err := os.Open(p.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileState{}, nil
		}
		return fileState{}, err
	}
	defer f.Close()

	digest := xxhash.New()
	if _, err := io.Copy(digest, f); err != nil {
		return fileState{}, err
	}
	state.hash = digest.Sum64()

	return state, nil
}

func diff(prev, cur fileState) (Kind, bool) {
	switch {
	case !prev.exists && !cur.exists:
		return 0, false
	case !prev.exists:
		return KindCreate, true
	case !cur.exists:
		return KindRemove, true
	}

	if !os.SameFile(prev.info, cur.info) ||
		prev.info.Size() != cur.info.Size() ||
		!prev.info.ModTime().Equal(cur.info.ModTime()) ||
		prev.hash != cur.hash {
		return KindModify, true
	}

	if prev.info.Mode() != cur.info.Mode() {
		return KindMetadata, true
	}

	return 0, false
}
