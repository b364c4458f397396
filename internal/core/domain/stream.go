package domain

import (
	"fmt"
	"time"
)

// StreamID identifies a source inside a registry. It is supplied by the caller.
type StreamID string

// CaptureState is the lifecycle position of a SourceCapture.
type CaptureState int

const (
	StateCreated  CaptureState = iota // constructed, never started
	StateStarting                     // opening the source
	StateRunning                      // capture loop scheduled
	StateStopped                      // loop joined (or abandoned) and handle released
)

func (s CaptureState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SourceInfo describes an opened source.
type SourceInfo struct {
	Width     int
	Height    int
	NativeFPS float64 // 0 when the source does not report it
}

// Resolution formats the size as WIDTHxHEIGHT.
func (i SourceInfo) Resolution() string {
	return fmt.Sprintf("%dx%d", i.Width, i.Height)
}

// StreamStats is a point-in-time snapshot of one SourceCapture.
type StreamStats struct {
	StreamID        StreamID      `json:"stream_id"`
	Source          string        `json:"source"`
	State           CaptureState  `json:"-"`
	StateName       string        `json:"state"`
	Running         bool          `json:"running"`
	TargetFPS       int           `json:"target_fps"`
	FPS             float64       `json:"fps"`
	NativeFPS       float64       `json:"native_fps"`
	Width           int           `json:"width"`
	Height          int           `json:"height"`
	Resolution      string        `json:"resolution"`
	FramesProcessed uint64        `json:"frames_processed"`
	DroppedFrames   uint64        `json:"dropped_frames"`
	ReadFailures    uint64        `json:"read_failures"`
	Buffered        int           `json:"buffered"`
	BufferCapacity  int           `json:"buffer_capacity"`
	StartedAt       time.Time     `json:"started_at"`
	LastFrameAt     time.Time     `json:"last_frame_at"`
	Uptime          time.Duration `json:"-"`
	UptimeSeconds   float64       `json:"uptime_seconds"`
}

// Stale reports whether a running stream has produced nothing for longer than after.
func (s StreamStats) Stale(now time.Time, after time.Duration) bool {
	if !s.Running || after <= 0 {
		return false
	}
	last := s.LastFrameAt
	if last.IsZero() {
		last = s.StartedAt
	}
	return now.Sub(last) > after
}

// StreamEvent is emitted on registry lifecycle changes.
type StreamEvent struct {
	Type     string    `json:"type"`
	StreamID StreamID  `json:"stream_id"`
	Source   string    `json:"source,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

const (
	EventStreamAdded   = "stream.added"
	EventStreamRemoved = "stream.removed"
	EventStreamStarted = "stream.started"
	EventStreamStopped = "stream.stopped"
)
