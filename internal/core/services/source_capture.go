package services

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"camgrid/internal/core/domain"
	"camgrid/internal/core/ports"
	"camgrid/pkg/retry"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultOpenTimeout = 5 * time.Second
	DefaultStopTimeout = 2 * time.Second
)

// CaptureConfig tunes one SourceCapture.
type CaptureConfig struct {
	ProcessingFPS int // loop rate cap; <= 0 disables the limiter
	BufferSize    int
	OpenTimeout   time.Duration
	StopTimeout   time.Duration
	ReadBackoff   retry.Config
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.ReadBackoff.InitialDelay <= 0 {
		c.ReadBackoff = retry.ReadFailureConfig()
	}
	return c
}

// SourceCapture owns one video source and the goroutine that drains it into a
// FrameBuffer. Start and Stop are serialized; counters are atomics so Stats can
// be read from any goroutine while the loop runs.
type SourceCapture struct {
	id      domain.StreamID
	locator string
	cfg     CaptureConfig
	opener  ports.SourceOpener
	buffer  *FrameBuffer
	metrics ports.CaptureMetrics
	logger  *zap.SugaredLogger

	lifecycleMu sync.Mutex
	source      ports.VideoSource
	cancel      context.CancelFunc
	done        chan struct{}
	closed      bool

	state           atomic.Int32
	running         atomic.Bool
	seq             atomic.Uint64
	framesProcessed atomic.Uint64
	droppedFrames   atomic.Uint64
	readFailures    atomic.Uint64
	measuredFPS     atomic.Uint64 // math.Float64bits
	startedAt       atomic.Int64  // unix nanos
	lastFrameAt     atomic.Int64  // unix nanos
	info            atomic.Pointer[domain.SourceInfo]
}

// NewSourceCapture builds a capture in the Created state. metrics may be nil.
func NewSourceCapture(
	id domain.StreamID,
	locator string,
	cfg CaptureConfig,
	opener ports.SourceOpener,
	metrics ports.CaptureMetrics,
	logger *zap.SugaredLogger,
) *SourceCapture {
	cfg = cfg.withDefaults()
	c := &SourceCapture{
		id:      id,
		locator: locator,
		cfg:     cfg,
		opener:  opener,
		buffer:  NewFrameBuffer(cfg.BufferSize),
		metrics: metrics,
		logger:  logger.With("stream_id", id),
	}
	c.info.Store(&domain.SourceInfo{})
	c.setState(domain.StateCreated)
	return c
}

// ID returns the stream id.
func (c *SourceCapture) ID() domain.StreamID { return c.id }

// Locator returns the source URL or device.
func (c *SourceCapture) Locator() string { return c.locator }

// State returns the lifecycle state.
func (c *SourceCapture) State() domain.CaptureState {
	return domain.CaptureState(c.state.Load())
}

// Running reports whether a capture loop is scheduled.
func (c *SourceCapture) Running() bool { return c.running.Load() }

func (c *SourceCapture) setState(s domain.CaptureState) {
	c.state.Store(int32(s))
}

// Start opens the source and launches the capture loop. It is a no-op while the
// loop is running. On failure no goroutine is left behind, no handle stays open
// and the previous state is kept; the error wraps domain.ErrSourceUnavailable.
func (c *SourceCapture) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.closed {
		return fmt.Errorf("start %s: %w", c.id, domain.ErrCaptureClosed)
	}
	if c.running.Load() {
		return nil
	}

	prev := c.State()
	c.setState(domain.StateStarting)

	src, err := c.open(ctx)
	if err != nil {
		c.setState(prev)
		c.logger.Warnw("source open failed", "source", c.locator, "error", err)
		return fmt.Errorf("open %s: %w: %w", c.locator, domain.ErrSourceUnavailable, err)
	}

	info := src.Info()
	c.info.Store(&info)
	c.measuredFPS.Store(math.Float64bits(0))
	c.startedAt.Store(time.Now().UnixNano())
	c.lastFrameAt.Store(0)

	// The loop context is not derived from ctx: ctx usually belongs to the request
	// that asked for the stream and ends long before the stream does.
	loopCtx, cancel := context.WithCancel(context.Background())
	c.source = src
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running.Store(true)
	c.setState(domain.StateRunning)

	go c.run(loopCtx, src, c.done)

	c.logger.Infow("video stream started",
		"source", c.locator,
		"resolution", info.Resolution(),
		"native_fps", info.NativeFPS,
		"processing_fps", c.cfg.ProcessingFPS,
	)
	return nil
}

// open applies the open timeout even when the opener itself ignores ctx. A source
// that finishes opening after the deadline is closed straight away.
func (c *SourceCapture) open(ctx context.Context) (ports.VideoSource, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	defer cancel()

	type result struct {
		src ports.VideoSource
		err error
	}
	ch := make(chan result, 1)
	go func() {
		src, err := c.opener.Open(ctx, c.locator)
		ch <- result{src: src, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.src == nil {
			return nil, fmt.Errorf("opener returned no source")
		}
		return r.src, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil && r.src != nil {
				_ = r.src.Close()
			}
		}()
		return nil, fmt.Errorf("open timed out after %s: %w", c.cfg.OpenTimeout, ctx.Err())
	}
}

// Stop cancels the loop, waits up to the stop timeout for it to exit and then
// releases the source handle whether or not the loop has returned. Safe to call
// any number of times.
func (c *SourceCapture) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	c.stopLocked()
}

// Close stops the capture for good; later Start calls fail with domain.ErrCaptureClosed.
func (c *SourceCapture) Close() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	c.stopLocked()
	c.closed = true
	c.buffer.Clear()
}

func (c *SourceCapture) stopLocked() {
	if c.cancel == nil {
		return
	}

	c.cancel()

	timer := time.NewTimer(c.cfg.StopTimeout)
	select {
	case <-c.done:
	case <-timer.C:
		c.logger.Warnw("capture loop did not exit in time, releasing source anyway",
			"timeout", c.cfg.StopTimeout,
		)
	}
	timer.Stop()

	if err := c.source.Close(); err != nil {
		c.logger.Warnw("source close failed", "error", err)
	}

	c.source = nil
	c.cancel = nil
	c.done = nil
	c.running.Store(false)
	c.setState(domain.StateStopped)

	c.logger.Infow("video stream stopped",
		"frames_processed", c.framesProcessed.Load(),
		"dropped_frames", c.droppedFrames.Load(),
	)
}

func (c *SourceCapture) run(ctx context.Context, src ports.VideoSource, done chan struct{}) {
	defer close(done)

	var limiter *rate.Limiter
	if c.cfg.ProcessingFPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.cfg.ProcessingFPS), 1)
	}

	failures := 0
	meter := fpsMeter{start: time.Now()}

	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := src.ReadFrame()
		if ctx.Err() != nil {
			return
		}

		if err != nil || frame == nil {
			failures++
			c.readFailures.Add(1)
			if c.metrics != nil {
				c.metrics.RecordReadFailure(c.id)
			}
			c.observeFPS(&meter, false)
			if failures == 1 || failures%100 == 0 {
				c.logger.Warnw("frame read failed", "consecutive_failures", failures, "error", err)
			}
			if !retry.Wait(ctx, retry.Backoff(c.cfg.ReadBackoff, failures-1)) {
				return
			}
			continue
		}

		if failures > 0 {
			c.logger.Infow("frame reads recovered", "after_failures", failures)
			failures = 0
		}

		c.admit(frame)

		c.observeFPS(&meter, true)

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
	}
}

func (c *SourceCapture) observeFPS(m *fpsMeter, got bool) {
	if fps, ok := m.observe(time.Now(), got); ok {
		c.measuredFPS.Store(math.Float64bits(fps))
	}
}

// fpsMeter measures delivered frames per second over windows of at least one
// second. Failed reads advance the window too, so a silent source decays to 0.
type fpsMeter struct {
	start  time.Time
	frames int
}

func (m *fpsMeter) observe(now time.Time, got bool) (float64, bool) {
	if got {
		m.frames++
	}
	elapsed := now.Sub(m.start)
	if elapsed < time.Second {
		return 0, false
	}
	fps := float64(m.frames) / elapsed.Seconds()
	m.start = now
	m.frames = 0
	return fps, true
}

// admit stamps a freshly read frame and hands it to the buffer. Every admitted
// frame counts as processed, evicted or not.
func (c *SourceCapture) admit(frame *domain.Frame) {
	frame.Seq = c.seq.Add(1)
	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = time.Now()
	}

	c.framesProcessed.Add(1)
	c.lastFrameAt.Store(frame.CapturedAt.UnixNano())
	if c.metrics != nil {
		c.metrics.RecordFrameCaptured(c.id)
	}

	if c.buffer.Push(frame) {
		c.droppedFrames.Add(1)
		if c.metrics != nil {
			c.metrics.RecordFrameDropped(c.id)
		}
	}
}

// Read pops the freshest buffered frame.
func (c *SourceCapture) Read() (*domain.Frame, bool) {
	return c.buffer.PopLatest()
}

// Stats returns a consistent-enough snapshot built from atomic loads.
func (c *SourceCapture) Stats() domain.StreamStats {
	info := c.info.Load()
	state := c.State()
	running := c.running.Load()

	stats := domain.StreamStats{
		StreamID:        c.id,
		Source:          c.locator,
		State:           state,
		StateName:       state.String(),
		Running:         running,
		TargetFPS:       c.cfg.ProcessingFPS,
		FPS:             math.Float64frombits(c.measuredFPS.Load()),
		NativeFPS:       info.NativeFPS,
		Width:           info.Width,
		Height:          info.Height,
		Resolution:      info.Resolution(),
		FramesProcessed: c.framesProcessed.Load(),
		DroppedFrames:   c.droppedFrames.Load(),
		ReadFailures:    c.readFailures.Load(),
		Buffered:        c.buffer.Size(),
		BufferCapacity:  c.buffer.Capacity(),
	}

	if ts := c.startedAt.Load(); ts != 0 {
		stats.StartedAt = time.Unix(0, ts)
		if running {
			stats.Uptime = time.Since(stats.StartedAt)
			stats.UptimeSeconds = stats.Uptime.Seconds()
		}
	}
	if ts := c.lastFrameAt.Load(); ts != 0 {
		stats.LastFrameAt = time.Unix(0, ts)
	}
	return stats
}
