package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"camgrid/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testRegistryConfig() RegistryConfig {
	cfg := DefaultRegistryConfig()
	cfg.ProcessingFPS = 50
	cfg.OpenTimeout = time.Second
	cfg.StopTimeout = 200 * time.Millisecond
	return cfg
}

func newTestRegistry(t *testing.T, opener *fakeOpener, opts ...RegistryOption) *StreamRegistry {
	t.Helper()
	r := NewStreamRegistry(testRegistryConfig(), opener, zaptest.NewLogger(t).Sugar(), opts...)
	t.Cleanup(r.StopAll)
	return r
}

func locator(id string) string {
	return fmt.Sprintf("rtsp://%s/stream", id)
}

func TestStreamRegistry_Capacity(t *testing.T) {
	metrics := newFakeRegistryMetrics()
	r := newTestRegistry(t, newFakeOpener(-1), WithMetrics(metrics))
	ctx := context.Background()

	for i := 1; i <= DefaultMaxStreams; i++ {
		id := domain.StreamID(fmt.Sprintf("cam%d", i))
		got, err := r.AddStream(ctx, id, locator(string(id)), 0, 0)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}

	_, err := r.AddStream(ctx, "cam5", locator("cam5"), 0, 0)
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
	assert.Equal(t, DefaultMaxStreams, r.Len())
	assert.NotContains(t, r.IDs(), domain.StreamID("cam5"))

	assert.Equal(t, int64(DefaultMaxStreams), metrics.added.Load())
	assert.Equal(t, 1, metrics.failureCount("capacity"))
}

func TestStreamRegistry_ConcurrentAddsRespectCapacity(t *testing.T) {
	r := newTestRegistry(t, newFakeOpener(-1))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := domain.StreamID(fmt.Sprintf("cam%d", i))
			_, err := r.AddStream(context.Background(), id, locator(string(id)), 0, 0)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if errors.Is(err, domain.ErrCapacityExceeded) {
				rejected++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, DefaultMaxStreams, succeeded)
	assert.Equal(t, 10-DefaultMaxStreams, rejected)
	assert.Equal(t, DefaultMaxStreams, r.Len())
}

func TestStreamRegistry_DuplicateID(t *testing.T) {
	r := newTestRegistry(t, newFakeOpener(-1))
	ctx := context.Background()

	_, err := r.AddStream(ctx, "cam1", "rtsp://first/stream", 0, 0)
	require.NoError(t, err)

	_, err = r.AddStream(ctx, "cam1", "rtsp://second/stream", 0, 0)
	assert.ErrorIs(t, err, domain.ErrDuplicateID)

	stats, err := r.Stats("cam1")
	require.NoError(t, err)
	assert.Equal(t, "rtsp://first/stream", stats.Source)
	assert.Equal(t, 1, r.Len())
}

func TestStreamRegistry_InvalidInput(t *testing.T) {
	r := newTestRegistry(t, newFakeOpener(-1))
	ctx := context.Background()

	_, err := r.AddStream(ctx, "bad id", locator("x"), 0, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidStreamID)

	_, err = r.AddStream(ctx, "cam1", "ftp://nowhere/x", 0, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidSource)

	assert.Equal(t, 0, r.Len())
}

func TestStreamRegistry_FailedOpenDoesNotMutate(t *testing.T) {
	opener := newFakeOpener(-1)
	opener.fail[locator("broken")] = errors.New("no route to host")
	metrics := newFakeRegistryMetrics()
	r := newTestRegistry(t, opener, WithMetrics(metrics))
	ctx := context.Background()

	_, err := r.AddStream(ctx, "broken", locator("broken"), 0, 0)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.IDs())
	assert.Equal(t, 1, metrics.failureCount("source_unavailable"))

	// The failed attempt consumed no capacity and reserved no id.
	for i := 1; i <= DefaultMaxStreams; i++ {
		id := domain.StreamID(fmt.Sprintf("cam%d", i))
		_, err := r.AddStream(ctx, id, locator(string(id)), 0, 0)
		require.NoError(t, err)
	}
	require.NoError(t, r.RemoveStream("cam1"))
	delete(opener.fail, locator("broken"))
	_, err = r.AddStream(ctx, "broken", locator("broken"), 0, 0)
	assert.NoError(t, err)
}

func TestStreamRegistry_RemoveTwice(t *testing.T) {
	opener := newFakeOpener(-1)
	r := newTestRegistry(t, opener)

	_, err := r.AddStream(context.Background(), "cam1", locator("cam1"), 0, 0)
	require.NoError(t, err)

	require.NoError(t, r.RemoveStream("cam1"))
	assert.ErrorIs(t, r.RemoveStream("cam1"), domain.ErrStreamNotFound)

	_, _, err = r.Read("cam1")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
	_, err = r.Stats("cam1")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)

	srcs := opener.sources(locator("cam1"))
	require.Len(t, srcs, 1)
	assert.True(t, srcs[0].isClosed())
}

func TestStreamRegistry_DefaultsApplied(t *testing.T) {
	r := newTestRegistry(t, newFakeOpener(-1))

	_, err := r.AddStream(context.Background(), "cam1", locator("cam1"), 0, 0)
	require.NoError(t, err)
	_, err = r.AddStream(context.Background(), "cam2", locator("cam2"), 5, 8)
	require.NoError(t, err)

	s1, err := r.Stats("cam1")
	require.NoError(t, err)
	assert.Equal(t, 50, s1.TargetFPS)
	assert.Equal(t, DefaultBufferSize, s1.BufferCapacity)

	s2, err := r.Stats("cam2")
	require.NoError(t, err)
	assert.Equal(t, 5, s2.TargetFPS)
	assert.Equal(t, 8, s2.BufferCapacity)
}

func TestStreamRegistry_ReadAndSnapshot(t *testing.T) {
	opener := newFakeOpener(-1)
	opener.build = func(loc string) *fakeSource {
		if loc == locator("idle") {
			return newFakeSource(0)
		}
		return newFakeSource(-1)
	}
	r := newTestRegistry(t, opener)
	ctx := context.Background()

	_, err := r.AddStream(ctx, "live", locator("live"), 0, 0)
	require.NoError(t, err)
	_, err = r.AddStream(ctx, "idle", locator("idle"), 0, 0)
	require.NoError(t, err)

	_, ok, err := r.Read("idle")
	require.NoError(t, err)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		s, _ := r.Stats("live")
		return s.Buffered > 0
	}, waitFor, tick)

	snapshot := r.SnapshotAll()
	require.Contains(t, snapshot, domain.StreamID("live"))
	assert.NotContains(t, snapshot, domain.StreamID("idle"))
	assert.Equal(t, 64, snapshot["live"].Width)
}

func TestStreamRegistry_StartStop(t *testing.T) {
	r := newTestRegistry(t, newFakeOpener(-1))
	ctx := context.Background()

	_, err := r.AddStream(ctx, "cam1", locator("cam1"), 0, 0)
	require.NoError(t, err)

	require.NoError(t, r.StopStream("cam1"))
	s, _ := r.Stats("cam1")
	assert.False(t, s.Running)
	assert.Equal(t, "stopped", s.StateName)
	require.NoError(t, r.StopStream("cam1"))

	require.NoError(t, r.StartStream(ctx, "cam1"))
	s, _ = r.Stats("cam1")
	assert.True(t, s.Running)

	assert.ErrorIs(t, r.StartStream(ctx, "nope"), domain.ErrStreamNotFound)
	assert.ErrorIs(t, r.StopStream("nope"), domain.ErrStreamNotFound)
}

func TestStreamRegistry_StopAll(t *testing.T) {
	opener := newFakeOpener(-1)
	metrics := newFakeRegistryMetrics()
	r := newTestRegistry(t, opener, WithMetrics(metrics))

	// Safe on an empty registry.
	r.StopAll()

	for _, id := range []string{"a", "b", "c"} {
		_, err := r.AddStream(context.Background(), domain.StreamID(id), locator(id), 0, 0)
		require.NoError(t, err)
	}

	r.StopAll()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.StatsAll())
	assert.Equal(t, int64(3), metrics.removed.Load())
	for _, src := range opener.allSources() {
		assert.True(t, src.isClosed())
	}
}

func TestStreamRegistry_IDsAndStatsAll(t *testing.T) {
	r := newTestRegistry(t, newFakeOpener(-1))
	for _, id := range []string{"gate", "door", "yard"} {
		_, err := r.AddStream(context.Background(), domain.StreamID(id), locator(id), 0, 0)
		require.NoError(t, err)
	}

	assert.Equal(t, []domain.StreamID{"door", "gate", "yard"}, r.IDs())

	all := r.StatsAll()
	require.Len(t, all, 3)
	assert.Equal(t, locator("yard"), all["yard"].Source)
}

func TestStreamRegistry_PublishesEvents(t *testing.T) {
	pub := &fakePublisher{err: errors.New("redis down")}
	r := newTestRegistry(t, newFakeOpener(-1), WithEventPublisher(pub))
	ctx := context.Background()

	_, err := r.AddStream(ctx, "cam1", locator("cam1"), 0, 0)
	require.NoError(t, err, "publish failures must not fail the operation")
	require.NoError(t, r.StopStream("cam1"))
	require.NoError(t, r.StartStream(ctx, "cam1"))
	require.NoError(t, r.RemoveStream("cam1"))

	assert.Equal(t, []string{
		domain.EventStreamAdded,
		domain.EventStreamStopped,
		domain.EventStreamStarted,
		domain.EventStreamRemoved,
	}, pub.types())
}

func TestStreamRegistry_RemoveDuringReads(t *testing.T) {
	opener := newFakeOpener(-1)
	r := newTestRegistry(t, opener)
	_, err := r.AddStream(context.Background(), "cam1", locator("cam1"), 0, 0)
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, _, err := r.Read("cam1"); err != nil {
					assert.ErrorIs(t, err, domain.ErrStreamNotFound)
				}
				if _, err := r.Stats("cam1"); err != nil {
					assert.ErrorIs(t, err, domain.ErrStreamNotFound)
				}
				r.SnapshotAll()
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.RemoveStream("cam1"))
	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()

	_, _, err = r.Read("cam1")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
	_, err = r.Stats("cam1")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)

	srcs := opener.sources(locator("cam1"))
	require.Len(t, srcs, 1)
	assert.Equal(t, int32(1), srcs[0].closeCount.Load())
}

func TestStreamRegistry_StopAllDiscardsInFlightAdd(t *testing.T) {
	opener := newFakeOpener(-1)
	opener.hang = make(chan struct{})
	metrics := newFakeRegistryMetrics()
	r := newTestRegistry(t, opener, WithMetrics(metrics))

	result := make(chan error, 1)
	go func() {
		_, err := r.AddStream(context.Background(), "cam1", locator("cam1"), 0, 0)
		result <- err
	}()

	require.Eventually(t, func() bool {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return len(r.pending) == 1
	}, time.Second, time.Millisecond)

	r.StopAll()
	close(opener.hang)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, domain.ErrRegistryStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("AddStream did not return")
	}

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 1, metrics.failureCount("stopped"))
	srcs := opener.sources(locator("cam1"))
	require.Len(t, srcs, 1)
	assert.True(t, srcs[0].isClosed())
	assert.Equal(t, int32(1), srcs[0].closeCount.Load())

	// The registry stays usable after StopAll.
	_, err := r.AddStream(context.Background(), "cam2", locator("cam2"), 0, 0)
	require.NoError(t, err)
}
