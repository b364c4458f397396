package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"camgrid/internal/core/domain"
	"camgrid/pkg/circuitbreaker"
)

const maxSnapshotBytes = maxJPEGSize

// SnapshotSource polls an HTTP endpoint that returns one JPEG per request, the
// way cheap IP cameras expose /snapshot.jpg.
type SnapshotSource struct {
	url      string
	client   *http.Client
	interval time.Duration
	failures *circuitbreaker.Breaker // consecutive failed polls pause requests

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	info      domain.SourceInfo
	lastFetch time.Time
	first     *domain.Frame
}

// OpenSnapshot fetches one image to learn the resolution. Once failures trips,
// ReadFrame fails fast without contacting the camera until the cool-down ends.
func OpenSnapshot(ctx context.Context, url string, client *http.Client, interval time.Duration, failures circuitbreaker.Config) (*SnapshotSource, error) {
	if client == nil {
		client = http.DefaultClient
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &SnapshotSource{
		url:      url,
		client:   client,
		interval: interval,
		failures: circuitbreaker.New(failures),
		ctx:      sctx,
		cancel:   cancel,
	}

	frame, err := s.fetch(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	s.first = frame
	s.info = domain.SourceInfo{Width: frame.Width, Height: frame.Height}
	if interval > 0 {
		s.info.NativeFPS = float64(time.Second) / float64(interval)
	}
	return s, nil
}

// ReadFrame waits out the poll interval and fetches the next image.
func (s *SnapshotSource) ReadFrame() (*domain.Frame, error) {
	s.mu.Lock()
	if f := s.first; f != nil {
		s.first = nil
		s.mu.Unlock()
		return f, nil
	}
	wait := s.interval - time.Since(s.lastFetch)
	s.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return nil, ErrSourceClosed
		}
	}

	var frame *domain.Frame
	err := s.failures.Execute(func() error {
		var err error
		frame, err = s.fetch(s.ctx)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("snapshot polling paused: %w", err)
	}
	return frame, err
}

func (s *SnapshotSource) fetch(ctx context.Context) (*domain.Frame, error) {
	if s.ctx.Err() != nil {
		return nil, ErrSourceClosed
	}

	s.mu.Lock()
	s.lastFetch = time.Now()
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch snapshot: unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return DecodeJPEG(data)
}

func (s *SnapshotSource) Info() domain.SourceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Close aborts any in-flight request and makes later reads fail.
func (s *SnapshotSource) Close() error {
	s.cancel()
	return nil
}
