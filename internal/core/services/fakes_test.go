package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"camgrid/internal/core/domain"
	"camgrid/internal/core/ports"
)

var (
	errFakeRead      = errors.New("fake read failure")
	errFakeExhausted = errors.New("fake source exhausted")
)

// fakeSource yields a fixed number of frames (or unlimited when frames < 0) and
// then reports read failures.
type fakeSource struct {
	width, height int
	failReads     bool
	blockReads    bool // ReadFrame blocks until Close, ignoring cancellation

	mu        sync.Mutex
	remaining int

	closed     chan struct{}
	closeOnce  sync.Once
	closeCount atomic.Int32
	reads      atomic.Int64
}

func newFakeSource(frames int) *fakeSource {
	return &fakeSource{
		width:     64,
		height:    48,
		remaining: frames,
		closed:    make(chan struct{}),
	}
}

func (s *fakeSource) ReadFrame() (*domain.Frame, error) {
	s.reads.Add(1)

	if s.blockReads {
		<-s.closed
		return nil, errors.New("source closed")
	}
	if s.failReads {
		time.Sleep(time.Millisecond)
		return nil, errFakeRead
	}

	s.mu.Lock()
	if s.remaining == 0 {
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return nil, errFakeExhausted
	}
	unlimited := s.remaining < 0
	if !unlimited {
		s.remaining--
	}
	s.mu.Unlock()

	if unlimited {
		time.Sleep(time.Millisecond)
	}
	return domain.NewFrame(s.width, s.height), nil
}

func (s *fakeSource) Info() domain.SourceInfo {
	return domain.SourceInfo{Width: s.width, Height: s.height, NativeFPS: 30}
}

func (s *fakeSource) Close() error {
	s.closeCount.Add(1)
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeOpener hands out fakeSources built by build. Locators listed in fail are
// rejected; hang blocks Open until closed, ignoring ctx.
type fakeOpener struct {
	build func(locator string) *fakeSource
	fail  map[string]error
	hang  chan struct{}

	mu     sync.Mutex
	opened map[string][]*fakeSource
}

func newFakeOpener(frames int) *fakeOpener {
	return &fakeOpener{
		build:  func(string) *fakeSource { return newFakeSource(frames) },
		fail:   map[string]error{},
		opened: map[string][]*fakeSource{},
	}
}

var _ ports.SourceOpener = (*fakeOpener)(nil)

func (o *fakeOpener) Open(ctx context.Context, locator string) (ports.VideoSource, error) {
	if o.hang != nil {
		<-o.hang
	}
	if err, ok := o.fail[locator]; ok {
		return nil, err
	}

	src := o.build(locator)
	o.mu.Lock()
	o.opened[locator] = append(o.opened[locator], src)
	o.mu.Unlock()
	return src, nil
}

func (o *fakeOpener) sources(locator string) []*fakeSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeSource(nil), o.opened[locator]...)
}

func (o *fakeOpener) allSources() []*fakeSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	var all []*fakeSource
	for _, srcs := range o.opened {
		all = append(all, srcs...)
	}
	return all
}

type fakeRegistryMetrics struct {
	captured     atomic.Int64
	dropped      atomic.Int64
	readFailures atomic.Int64
	added        atomic.Int64
	removed      atomic.Int64
	opens        atomic.Int64

	mu       sync.Mutex
	failures map[string]int
}

func newFakeRegistryMetrics() *fakeRegistryMetrics {
	return &fakeRegistryMetrics{failures: map[string]int{}}
}

func (m *fakeRegistryMetrics) RecordFrameCaptured(domain.StreamID) { m.captured.Add(1) }
func (m *fakeRegistryMetrics) RecordFrameDropped(domain.StreamID)  { m.dropped.Add(1) }
func (m *fakeRegistryMetrics) RecordReadFailure(domain.StreamID)   { m.readFailures.Add(1) }
func (m *fakeRegistryMetrics) RecordStreamAdded(domain.StreamID)   { m.added.Add(1) }
func (m *fakeRegistryMetrics) RecordStreamRemoved(domain.StreamID) { m.removed.Add(1) }
func (m *fakeRegistryMetrics) RecordOpenDuration(time.Duration)    { m.opens.Add(1) }

func (m *fakeRegistryMetrics) RecordAddFailure(reason string) {
	m.mu.Lock()
	m.failures[reason]++
	m.mu.Unlock()
}

func (m *fakeRegistryMetrics) failureCount(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[reason]
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.StreamEvent
	err    error
}

func (p *fakePublisher) PublishStreamEvent(_ context.Context, event domain.StreamEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}
