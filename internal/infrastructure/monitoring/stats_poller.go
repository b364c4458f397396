package monitoring

import (
	"context"
	"time"

	"camgrid/internal/core/domain"

	"go.uber.org/zap"
)

// StatsSource is the slice of the registry the poller needs.
type StatsSource interface {
	StatsAll() map[domain.StreamID]domain.StreamStats
}

// StatsPoller copies registry stats into the collector's gauges on a fixed interval.
type StatsPoller struct {
	source    StatsSource
	collector *PrometheusCollector
	interval  time.Duration
	logger    *zap.SugaredLogger
}

func NewStatsPoller(source StatsSource, collector *PrometheusCollector, interval time.Duration, logger *zap.SugaredLogger) *StatsPoller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &StatsPoller{
		source:    source,
		collector: collector,
		interval:  interval,
		logger:    logger,
	}
}

// Run polls until ctx is cancelled.
func (p *StatsPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Debugw("stats poller started", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll()
		}
	}
}

// Poll performs one refresh.
func (p *StatsPoller) Poll() {
	stats := p.source.StatsAll()
	p.collector.UpdateStreamStats(stats)

	for id, s := range stats {
		if s.DroppedFrames > 0 && s.FramesProcessed > 0 {
			p.logger.Debugw("stream stats",
				"stream_id", id,
				"fps", s.FPS,
				"frames_processed", s.FramesProcessed,
				"dropped_frames", s.DroppedFrames,
			)
		}
	}
}
