package tailer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/therealutkarshpriyadarshi/resettime/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resettime/internal/parser"
	"github.com/therealutkarshpriyadarshi/resettime/internal/supervisor"
	"github.com/therealutkarshpriyadarshi/resettime/internal/watcher"
	"github.com/therealutkarshpriyadarshi/resettime/pkg/types"
)

func newTestTracker(t *testing.T, path string, collector *metrics.Collector) *Tracker {
	t.Helper()

	p, err := parser.NewResetParser(parser.ResetConfig{Location: time.UTC})
	if err != nil {
		t.Fatalf("Failed to create parser: %v", err)
	}

	tracker, err := New(Config{
		Path: path,
		Watch: watcher.Config{
			Backend:         watcher.BackendPoll,
			PollInterval:    10 * time.Millisecond,
			CompareContents: true,
		},
		Parser:    p,
		BatchSize: 2,
		Metrics:   collector,
	})
	if err != nil {
		t.Fatalf("Failed to create tracker: %v", err)
	}
	return tracker
}

func startSupervisor(t *testing.T, tracker *Tracker) *supervisor.Supervisor {
	t.Helper()

	sup := supervisor.New(tracker, supervisor.Config{RetryInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sup
}

func nextEvent(t *testing.T, tracker *Tracker) types.ResetEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ev, err := tracker.Events().Pop(ctx)
	if err != nil {
		t.Fatalf("Timeout waiting for reset event: %v", err)
	}
	return ev
}

func expectNoEvent(t *testing.T, tracker *Tracker) {
	t.Helper()
	time.Sleep(100 * time.Millisecond)
	if n := tracker.Events().Len(); n != 0 {
		ev, _ := tracker.Events().TryPop()
		t.Fatalf("Expected no more events, %d queued (first %+v)", n, ev)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("Expected error for missing path")
	}
	if _, err := New(Config{Path: "server.log"}); err == nil {
		t.Error("Expected error for missing parser")
	}
}

func TestTrackerReplaysAndFollows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log_last_0.log")
	writeFile(t, path, "2024-01-01 10:00:00 [INFO] Running version 1.0\n"+
		"2024-01-01 10:00:01 [INFO] noise\n"+
		"2024-01-01 10:00:05 Reset: full\n"+
		"2024-01-01 10:00:07 Reset: quick\n")

	collector := metrics.NewCollector()
	tracker := newTestTracker(t, path, collector)
	startSupervisor(t, tracker)

	// Historical lines are replayed, across several batches
	for want := int64(0); want <= 2; want++ {
		if ev := nextEvent(t, tracker); ev.Count != want {
			t.Fatalf("Expected count %d, got %d", want, ev.Count)
		}
	}

	appendFile(t, path, "2024-01-01 10:00:09 Reset: yaw\n")
	ev := nextEvent(t, tracker)
	if ev.Count != 3 || ev.Kind != "yaw" {
		t.Fatalf("Unexpected event after append: %+v", ev)
	}

	// A partial line is held back until its newline arrives
	appendFile(t, path, "2024-01-01 10:00:11 Reset: fa")
	expectNoEvent(t, tracker)
	appendFile(t, path, "st\n")
	if ev := nextEvent(t, tracker); ev.Count != 4 || ev.Kind != "fast" {
		t.Fatalf("Unexpected event after completing line: %+v", ev)
	}

	if got := testutil.ToFloat64(collector.TailCurrentCount); got != 4 {
		t.Errorf("Expected current count gauge 4, got %v", got)
	}
	if got := testutil.ToFloat64(collector.TailLinesRead); got != 6 {
		t.Errorf("Expected 6 lines read, got %v", got)
	}
}

func TestTrackerReopensReplacedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log_last_0.log")
	writeFile(t, path, "2024-01-01 10:00:00 [INFO] Running version 1.0\n"+
		"2024-01-01 10:00:05 Reset: full\n")

	tracker := newTestTracker(t, path, nil)
	sup := startSupervisor(t, tracker)

	nextEvent(t, tracker)
	if ev := nextEvent(t, tracker); ev.Count != 1 {
		t.Fatalf("Expected count 1, got %d", ev.Count)
	}

	// The tracker server restarts and writes a fresh log in place of the old one
	tmp := filepath.Join(dir, "log_last_0.log.tmp")
	writeFile(t, tmp, "2024-01-02 09:00:00 [INFO] Running version 1.1\n"+
		"2024-01-02 09:00:03 Reset: yaw\n")
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("Failed to replace log: %v", err)
	}

	first := nextEvent(t, tracker)
	if first.Kind != parser.KindSession || first.Count != 0 {
		t.Fatalf("Expected the first line of the new file, got %+v", first)
	}
	want := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC).UnixMilli()
	if first.TimestampMs != want {
		t.Errorf("Expected timestamp %d, got %d", want, first.TimestampMs)
	}

	second := nextEvent(t, tracker)
	if second.Kind != "yaw" || second.Count != 1 {
		t.Fatalf("Expected yaw reset, got %+v", second)
	}

	expectNoEvent(t, tracker)

	if sup.State() != supervisor.StateStreaming {
		t.Errorf("Expected streaming after reopen, got %s", sup.State())
	}
}

func TestTrackerReopensTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log_last_0.log")
	writeFile(t, path, "2024-01-01 10:00:00 [INFO] Running version 1.0\n"+
		"2024-01-01 10:00:05 Reset: full\n"+
		"2024-01-01 10:00:06 Reset: full\n")

	tracker := newTestTracker(t, path, nil)
	startSupervisor(t, tracker)

	for i := 0; i < 3; i++ {
		nextEvent(t, tracker)
	}

	writeFile(t, path, "2024-01-01 11:00:00 [INFO] Running version 1.0\n")

	ev := nextEvent(t, tracker)
	if ev.Kind != parser.KindSession || ev.Count != 0 {
		t.Fatalf("Expected session restart after truncation, got %+v", ev)
	}
}

func TestTrackerWaitsForMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log_last_0.log")

	tracker := newTestTracker(t, path, nil)
	sup := startSupervisor(t, tracker)

	time.Sleep(50 * time.Millisecond)
	if sup.State() != supervisor.StateConnecting {
		t.Fatalf("Expected connecting while the file is missing, got %s", sup.State())
	}

	writeFile(t, path, "2024-01-01 10:00:05 Reset: full\n")

	ev := nextEvent(t, tracker)
	if ev.Count != 1 {
		t.Errorf("Expected count 1, got %d", ev.Count)
	}
}

func TestTrackerReopensFileRewrittenInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log_last_0.log")
	writeFile(t, path, "2024-01-01 10:00:00 [INFO] Running version 1.0\n"+
		"2024-01-01 10:00:05 Reset: full\n")

	tracker := newTestTracker(t, path, nil)
	startSupervisor(t, tracker)

	nextEvent(t, tracker)
	if ev := nextEvent(t, tracker); ev.Count != 1 {
		t.Fatalf("Expected count 1, got %d", ev.Count)
	}

	// Same inode, same length, new content
	f, err := os.OpenFile(path, os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("Failed to open log: %v", err)
	}
	_, err = f.WriteAt([]byte("2024-01-02 09:00:00 [INFO] Running version 1.1\n"+
		"2024-01-02 09:00:05 Reset: fast\n"), 0)
	f.Close()
	if err != nil {
		t.Fatalf("Failed to rewrite log: %v", err)
	}

	first := nextEvent(t, tracker)
	if first.Kind != parser.KindSession || first.Count != 0 {
		t.Fatalf("Expected session from the rewritten file, got %+v", first)
	}
	want := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC).UnixMilli()
	if first.TimestampMs != want {
		t.Errorf("Expected timestamp %d, got %d", want, first.TimestampMs)
	}

	second := nextEvent(t, tracker)
	if second.Kind != "fast" || second.Count != 1 {
		t.Fatalf("Expected fast reset, got %+v", second)
	}
}
