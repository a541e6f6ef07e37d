package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/resettime/internal/vrconfig"
	"github.com/therealutkarshpriyadarshi/resettime/pkg/types"
)

const (
	FloorClipLabel         = "Floor clip: "
	SkatingCorrectionLabel = "Skating correction: "
)

// Status is everything shown on screen and pushed to the overlay
type Status struct {
	Reset                   string
	FloorClip               bool
	FloorClipStatus         string
	SkatingCorrection       bool
	SkatingCorrectionStatus string
}

// FloorClipLine returns the labelled floor clip line
func (s Status) FloorClipLine() string {
	return FloorClipLabel + s.FloorClipStatus
}

// SkatingCorrectionLine returns the labelled skating correction line
func (s Status) SkatingCorrectionLine() string {
	return SkatingCorrectionLabel + s.SkatingCorrectionStatus
}

// OverlayConfigText is the text of the config overlay source
func (s Status) OverlayConfigText() string {
	return s.FloorClipLine() + "\n" + s.SkatingCorrectionLine()
}

// Render builds the status for the last reset event and the current tracker config
func Render(last types.ResetEvent, snap *vrconfig.VRConfig, format string, now time.Time) Status {
	elapsed := time.Duration(now.UnixMilli()-last.TimestampMs) * time.Millisecond

	reset, err := Expand(format, map[string]string{
		"num":  fmt.Sprintf("%d", last.Count),
		"time": FormatElapsed(elapsed),
	})
	if err != nil {
		reset = fmt.Sprintf("Invalid reset time format: %v", err)
	}

	floorClip := snap.FloorClip()
	skating := snap.SkatingCorrection()

	skatingStatus := onOff(skating)
	if strength := snap.CorrectionStrength(); strength > 0 {
		skatingStatus += fmt.Sprintf(", %.0f%%", strength*100)
	}

	return Status{
		Reset:                   reset,
		FloorClip:               floorClip,
		FloorClipStatus:         onOff(floorClip),
		SkatingCorrection:       skating,
		SkatingCorrectionStatus: skatingStatus,
	}
}

// FormatElapsed renders MM:SS, or HH:MM:SS once an hour has passed. Negative
// durations (clock skew against the log) render as zero.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total / 60) % 60
	seconds := total % 60

	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// Expand replaces {key} placeholders with vars. {{ and }} produce literal braces;
// an unknown key or an unbalanced brace is an error.
func Expand(format string, vars map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(format))

	for i := 0; i < len(format); {
		switch c := format[i]; c {
		case '{':
			if i+1 < len(format) && format[i+1] == '{' {
				b.WriteByte('{')
				i += 2
				continue
			}

			end := strings.IndexByte(format[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("unclosed '{' at position %d", i)
			}

			key := format[i+1 : i+1+end]
			value, ok := vars[key]
			if !ok {
				return "", fmt.Errorf("invalid key: %s", key)
			}
			b.WriteString(value)
			i += end + 2

		case '}':
			if i+1 < len(format) && format[i+1] == '}' {
				b.WriteByte('}')
				i += 2
				continue
			}
			return "", fmt.Errorf("unmatched '}' at position %d", i)

		default:
			b.WriteByte(c)
			i++
		}
	}

	return b.String(), nil
}
