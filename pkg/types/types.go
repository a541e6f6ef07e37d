package types

import "time"

// ResetEvent is emitted every time the tracker log records a session start or a reset
type ResetEvent struct {
	Count       int64  `json:"count"`
	TimestampMs int64  `json:"timestamp_utc_ms"`
	Kind        string `json:"kind,omitempty"`
}

// Time returns the event timestamp as a UTC time
func (e ResetEvent) Time() time.Time {
	return time.UnixMilli(e.TimestampMs).UTC()
}

// ReloadSignal tells consumers that the shared tracker config snapshot was replaced
type ReloadSignal struct{}

// TextRequest asks the overlay to replace the text of one source
type TextRequest struct {
	Element string `json:"element"`
	Text    string `json:"text"`
}
