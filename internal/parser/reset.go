package parser

import (
	"errors"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/resettime/pkg/types"
)

// TimestampLayout is the layout of the two leading tokens of a tracker log line
const TimestampLayout = "2006-01-02 15:04:05"

// KindSession is the event kind emitted for a session start marker
const KindSession = "session"

// Marker maps a literal log fragment to an event kind
type Marker struct {
	Kind string `yaml:"kind"`
	Text string `yaml:"text"`
}

// DefaultSessionMarkers are logged once when the tracker server starts
var DefaultSessionMarkers = []string{"[INFO] Running version"}

// DefaultResetMarkers are the reset fragments logged by the tracker server
var DefaultResetMarkers = []Marker{
	{Kind: "full", Text: "Reset: full"},
	{Kind: "yaw", Text: "Reset: yaw"},
	{Kind: "quick", Text: "Reset: quick"},
	{Kind: "fast", Text: "Reset: fast"},
}

// ResetConfig holds reset parser configuration
type ResetConfig struct {
	SessionMarkers []string
	ResetMarkers   []Marker
	Location       *time.Location
	Now            func() time.Time
}

// State is the running reset count and the time of the last classified event
type State struct {
	Count       int64
	TimestampMs int64
}

func (s *State) event(kind string) types.ResetEvent {
	return types.ResetEvent{
		Count:       s.Count,
		TimestampMs: s.TimestampMs,
		Kind:        kind,
	}
}

// ResetParser classifies tracker log lines. Markers match by substring so extra
// fields after a marker do not break matching.
type ResetParser struct {
	sessionMarkers []string
	resetMarkers   []Marker
	loc            *time.Location
	now            func() time.Time
}

// NewResetParser creates a parser, falling back to the default markers
func NewResetParser(cfg ResetConfig) (*ResetParser, error) {
	sessionMarkers := cfg.SessionMarkers
	if len(sessionMarkers) == 0 {
		sessionMarkers = DefaultSessionMarkers
	}
	resetMarkers := cfg.ResetMarkers
	if len(resetMarkers) == 0 {
		resetMarkers = DefaultResetMarkers
	}

	for _, m := range sessionMarkers {
		if m == "" {
			return nil, errors.New("session marker must not be empty")
		}
	}
	for _, m := range resetMarkers {
		if m.Text == "" || m.Kind == "" {
			return nil, errors.New("reset marker needs both kind and text")
		}
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &ResetParser{
		sessionMarkers: sessionMarkers,
		resetMarkers:   resetMarkers,
		loc:            loc,
		now:            now,
	}, nil
}

// NewState returns a fresh state stamped with the current time
func (p *ResetParser) NewState() State {
	return State{Count: 0, TimestampMs: p.now().UnixMilli()}
}

// Classify updates state in place for a session or reset line and returns the
// resulting event. Any other line leaves state untouched.
func (p *ResetParser) Classify(state *State, line string) (types.ResetEvent, bool) {
	for _, marker := range p.sessionMarkers {
		if strings.Contains(line, marker) {
			*state = p.NewState()
			p.applyTimestamp(state, line)
			return state.event(KindSession), true
		}
	}

	for _, marker := range p.resetMarkers {
		if strings.Contains(line, marker.Text) {
			state.Count++
			p.applyTimestamp(state, line)
			return state.event(marker.Kind), true
		}
	}

	return types.ResetEvent{}, false
}

// applyTimestamp keeps the previous timestamp when the line has no parsable one
func (p *ResetParser) applyTimestamp(state *State, line string) {
	if ts, ok := p.ParseTimestamp(line); ok {
		state.TimestampMs = ts
	}
}

// ParseTimestamp reads the two leading whitespace separated tokens as a local
// date and time and returns them as UTC milliseconds
func (p *ResetParser) ParseTimestamp(line string) (int64, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, false
	}

	t, err := time.ParseInLocation(TimestampLayout, fields[0]+" "+fields[1], p.loc)
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}
