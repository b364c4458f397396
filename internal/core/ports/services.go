package ports

import (
	"context"
	"time"

	"camgrid/internal/core/domain"
)

// StreamRegistry is the contract the transport layer consumes.
type StreamRegistry interface {
	AddStream(ctx context.Context, id domain.StreamID, source string, fps, bufferSize int) (domain.StreamID, error)
	RemoveStream(id domain.StreamID) error
	StartStream(ctx context.Context, id domain.StreamID) error
	StopStream(id domain.StreamID) error
	Read(id domain.StreamID) (*domain.Frame, bool, error)
	SnapshotAll() map[domain.StreamID]*domain.Frame
	Stats(id domain.StreamID) (domain.StreamStats, error)
	StatsAll() map[domain.StreamID]domain.StreamStats
	IDs() []domain.StreamID
	StopAll()
}

// FrameComposer merges per-source frames into one grid frame.
type FrameComposer interface {
	Compose(frames map[domain.StreamID]*domain.Frame, rows, cols int) *domain.Frame
	ComposeOrdered(frames map[domain.StreamID]*domain.Frame, order []domain.StreamID, rows, cols int) *domain.Frame
}

// CaptureMetrics receives per-frame observations from capture loops. Calls happen on
// the capture goroutine and must not block.
type CaptureMetrics interface {
	RecordFrameCaptured(id domain.StreamID)
	RecordFrameDropped(id domain.StreamID)
	RecordReadFailure(id domain.StreamID)
}

// RegistryMetrics receives registry lifecycle observations.
type RegistryMetrics interface {
	CaptureMetrics
	RecordStreamAdded(id domain.StreamID)
	RecordStreamRemoved(id domain.StreamID)
	RecordAddFailure(reason string)
	RecordOpenDuration(d time.Duration)
}

// EventPublisher forwards registry lifecycle events to other processes.
type EventPublisher interface {
	PublishStreamEvent(ctx context.Context, event domain.StreamEvent) error
}

// FrameEncoder serializes frames for transport (JPEG in production).
type FrameEncoder interface {
	Encode(frame *domain.Frame) ([]byte, error)
}

// TransportMetrics receives observations from the HTTP and WebSocket layers.
type TransportMetrics interface {
	RecordCompose(d time.Duration)
	RecordFrameEncoded(size int)
	RecordSubscriberJoined(id domain.StreamID)
	RecordSubscriberLeft(id domain.StreamID)
}
