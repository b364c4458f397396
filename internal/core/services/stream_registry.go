package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"camgrid/internal/core/domain"
	"camgrid/internal/core/ports"
	"camgrid/pkg/retry"
	"camgrid/pkg/tracing"
	"camgrid/pkg/validation"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	DefaultMaxStreams    = 4
	DefaultProcessingFPS = 10

	eventPublishTimeout = time.Second
)

// RegistryConfig holds the limits and per-stream defaults of a StreamRegistry.
type RegistryConfig struct {
	MaxStreams    int
	BufferSize    int
	ProcessingFPS int
	OpenTimeout   time.Duration
	StopTimeout   time.Duration
	ReadBackoff   retry.Config
}

// DefaultRegistryConfig returns the stock limits: four streams, 30-frame buffers, 10 fps.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxStreams:    DefaultMaxStreams,
		BufferSize:    DefaultBufferSize,
		ProcessingFPS: DefaultProcessingFPS,
		OpenTimeout:   DefaultOpenTimeout,
		StopTimeout:   DefaultStopTimeout,
		ReadBackoff:   retry.ReadFailureConfig(),
	}
}

// RegistryOption configures optional collaborators.
type RegistryOption func(*StreamRegistry)

// WithMetrics attaches a metrics sink.
func WithMetrics(m ports.RegistryMetrics) RegistryOption {
	return func(r *StreamRegistry) { r.metrics = m }
}

// WithEventPublisher attaches a lifecycle event publisher.
func WithEventPublisher(p ports.EventPublisher) RegistryOption {
	return func(r *StreamRegistry) { r.events = p }
}

// StreamRegistry manages a bounded set of SourceCaptures keyed by stream id.
// Only the id map is guarded; sources are opened before insertion and stopped
// after removal, both outside the lock.
type StreamRegistry struct {
	cfg     RegistryConfig
	opener  ports.SourceOpener
	metrics ports.RegistryMetrics
	events  ports.EventPublisher
	logger  *zap.SugaredLogger

	mu      sync.RWMutex
	streams map[domain.StreamID]*SourceCapture
	pending map[domain.StreamID]struct{} // ids reserved by an in-flight AddStream
	epoch   uint64                       // bumped by StopAll; adds begun earlier are discarded
}

var _ ports.StreamRegistry = (*StreamRegistry)(nil)

func NewStreamRegistry(
	cfg RegistryConfig,
	opener ports.SourceOpener,
	logger *zap.SugaredLogger,
	opts ...RegistryOption,
) *StreamRegistry {
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = DefaultMaxStreams
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.ProcessingFPS <= 0 {
		cfg.ProcessingFPS = DefaultProcessingFPS
	}

	r := &StreamRegistry{
		cfg:     cfg,
		opener:  opener,
		logger:  logger,
		streams: make(map[domain.StreamID]*SourceCapture),
		pending: make(map[domain.StreamID]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxStreams returns the configured capacity.
func (r *StreamRegistry) MaxStreams() int { return r.cfg.MaxStreams }

// AddStream registers and starts a new capture. fps and bufferSize fall back to
// the registry defaults when not positive. Nothing is mutated on failure.
func (r *StreamRegistry) AddStream(ctx context.Context, id domain.StreamID, source string, fps, bufferSize int) (domain.StreamID, error) {
	ctx, span := tracing.TraceStreamOperation(ctx, "add", string(id))
	defer span.End()
	span.SetAttributes(tracing.SourceKey.String(source))

	if err := validation.ValidateStreamID(string(id)); err != nil {
		return "", r.addFailed(ctx, "invalid_id", fmt.Errorf("%w: %v", domain.ErrInvalidStreamID, err))
	}
	if err := validation.ValidateSource(source); err != nil {
		return "", r.addFailed(ctx, "invalid_source", fmt.Errorf("%w: %v", domain.ErrInvalidSource, err))
	}

	r.mu.Lock()
	if len(r.streams)+len(r.pending) >= r.cfg.MaxStreams {
		r.mu.Unlock()
		return "", r.addFailed(ctx, "capacity", fmt.Errorf("%w: maximum %d streams", domain.ErrCapacityExceeded, r.cfg.MaxStreams))
	}
	_, exists := r.streams[id]
	_, reserved := r.pending[id]
	if exists || reserved {
		r.mu.Unlock()
		return "", r.addFailed(ctx, "duplicate", fmt.Errorf("%w: %s", domain.ErrDuplicateID, id))
	}
	r.pending[id] = struct{}{}
	epoch := r.epoch
	r.mu.Unlock()

	if fps <= 0 {
		fps = r.cfg.ProcessingFPS
	}
	if bufferSize <= 0 {
		bufferSize = r.cfg.BufferSize
	}

	capture := NewSourceCapture(id, source, CaptureConfig{
		ProcessingFPS: fps,
		BufferSize:    bufferSize,
		OpenTimeout:   r.cfg.OpenTimeout,
		StopTimeout:   r.cfg.StopTimeout,
		ReadBackoff:   r.cfg.ReadBackoff,
	}, r.opener, r.metrics, r.logger)

	start := time.Now()
	err := capture.Start(ctx)
	if r.metrics != nil {
		r.metrics.RecordOpenDuration(time.Since(start))
	}

	r.mu.Lock()
	delete(r.pending, id)
	stale := r.epoch != epoch
	if err == nil && !stale {
		r.streams[id] = capture
	}
	r.mu.Unlock()

	if err != nil {
		return "", r.addFailed(ctx, "source_unavailable", err)
	}
	if stale {
		capture.Close()
		return "", r.addFailed(ctx, "stopped", fmt.Errorf("add %s: %w", id, domain.ErrRegistryStopped))
	}

	if r.metrics != nil {
		r.metrics.RecordStreamAdded(id)
	}
	r.logger.Infow("stream added", "stream_id", id, "source", source, "fps", fps, "buffer_size", bufferSize)
	r.publish(domain.StreamEvent{Type: domain.EventStreamAdded, StreamID: id, Source: source})
	return id, nil
}

func (r *StreamRegistry) addFailed(ctx context.Context, reason string, err error) error {
	tracing.RecordError(ctx, err)
	tracing.SetSpanStatus(ctx, codes.Error, reason)
	if r.metrics != nil {
		r.metrics.RecordAddFailure(reason)
	}
	r.logger.Warnw("add stream rejected", "reason", reason, "error", err)
	return err
}

// RemoveStream unregisters the stream and stops it. Later reads report NotFound.
func (r *StreamRegistry) RemoveStream(id domain.StreamID) error {
	r.mu.Lock()
	capture, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrStreamNotFound, id)
	}

	capture.Close()

	if r.metrics != nil {
		r.metrics.RecordStreamRemoved(id)
	}
	r.logger.Infow("stream removed", "stream_id", id)
	r.publish(domain.StreamEvent{Type: domain.EventStreamRemoved, StreamID: id, Source: capture.Locator()})
	return nil
}

// StartStream restarts a registered stream that was stopped. Starting a running
// stream is a no-op.
func (r *StreamRegistry) StartStream(ctx context.Context, id domain.StreamID) error {
	ctx, span := tracing.TraceStreamOperation(ctx, "start", string(id))
	defer span.End()

	capture, err := r.get(id)
	if err != nil {
		return err
	}
	if capture.Running() {
		return nil
	}
	if err := capture.Start(ctx); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	r.publish(domain.StreamEvent{Type: domain.EventStreamStarted, StreamID: id, Source: capture.Locator()})
	return nil
}

// StopStream pauses a stream without unregistering it.
func (r *StreamRegistry) StopStream(id domain.StreamID) error {
	capture, err := r.get(id)
	if err != nil {
		return err
	}
	if !capture.Running() {
		return nil
	}
	capture.Stop()
	r.publish(domain.StreamEvent{Type: domain.EventStreamStopped, StreamID: id, Source: capture.Locator(), Reason: "requested"})
	return nil
}

// Read pops the freshest frame of one stream. ok is false when nothing new has
// been captured since the last read.
func (r *StreamRegistry) Read(id domain.StreamID) (*domain.Frame, bool, error) {
	capture, err := r.get(id)
	if err != nil {
		return nil, false, err
	}
	frame, ok := capture.Read()
	return frame, ok, nil
}

// SnapshotAll pops the freshest frame of every stream. Streams with nothing new
// are left out of the result.
func (r *StreamRegistry) SnapshotAll() map[domain.StreamID]*domain.Frame {
	captures := r.list()
	frames := make(map[domain.StreamID]*domain.Frame, len(captures))
	for _, c := range captures {
		if frame, ok := c.Read(); ok {
			frames[c.ID()] = frame
		}
	}
	return frames
}

func (r *StreamRegistry) Stats(id domain.StreamID) (domain.StreamStats, error) {
	capture, err := r.get(id)
	if err != nil {
		return domain.StreamStats{}, err
	}
	return capture.Stats(), nil
}

func (r *StreamRegistry) StatsAll() map[domain.StreamID]domain.StreamStats {
	captures := r.list()
	stats := make(map[domain.StreamID]domain.StreamStats, len(captures))
	for _, c := range captures {
		stats[c.ID()] = c.Stats()
	}
	return stats
}

// IDs returns the registered ids in ascending order.
func (r *StreamRegistry) IDs() []domain.StreamID {
	r.mu.RLock()
	ids := make([]domain.StreamID, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of registered streams.
func (r *StreamRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// StopAll stops and unregisters every stream. Stops run concurrently so the
// whole call is bounded by a single stop timeout. An AddStream still opening
// its source when StopAll runs closes the capture instead of registering it.
func (r *StreamRegistry) StopAll() {
	r.mu.Lock()
	captures := r.streams
	r.streams = make(map[domain.StreamID]*SourceCapture)
	r.epoch++
	r.mu.Unlock()

	if len(captures) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, c := range captures {
		wg.Add(1)
		go func(c *SourceCapture) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()

	for id, c := range captures {
		if r.metrics != nil {
			r.metrics.RecordStreamRemoved(id)
		}
		r.publish(domain.StreamEvent{Type: domain.EventStreamRemoved, StreamID: id, Source: c.Locator(), Reason: "shutdown"})
	}
	r.logger.Infow("all streams stopped", "count", len(captures))
}

func (r *StreamRegistry) get(id domain.StreamID) (*SourceCapture, error) {
	r.mu.RLock()
	capture, ok := r.streams[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrStreamNotFound, id)
	}
	return capture, nil
}

func (r *StreamRegistry) list() []*SourceCapture {
	r.mu.RLock()
	captures := make([]*SourceCapture, 0, len(r.streams))
	for _, c := range r.streams {
		captures = append(captures, c)
	}
	r.mu.RUnlock()
	return captures
}

func (r *StreamRegistry) publish(event domain.StreamEvent) {
	if r.events == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
	defer cancel()
	if err := r.events.PublishStreamEvent(ctx, event); err != nil {
		r.logger.Warnw("failed to publish stream event", "type", event.Type, "stream_id", event.StreamID, "error", err)
	}
}
