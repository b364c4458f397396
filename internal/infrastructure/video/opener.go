package video

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"camgrid/internal/core/ports"
	"camgrid/pkg/circuitbreaker"
	"camgrid/pkg/validation"

	"go.uber.org/zap"
)

// Kind is the capture backend chosen for a locator.
type Kind int

const (
	KindFFmpeg Kind = iota
	KindSnapshot
	KindSynthetic
)

func (k Kind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindSynthetic:
		return "synthetic"
	default:
		return "ffmpeg"
	}
}

// Config selects and tunes capture backends.
type Config struct {
	FFmpegPath       string
	RTSPTransport    string // "tcp" or "udp"; empty leaves ffmpeg's default
	OutputFPS        int    // ffmpeg -r; 0 keeps the input rate
	MJPEGQScale      int    // ffmpeg -q:v, 2 (best) to 31
	DeviceSize       string // v4l2 -video_size, e.g. 640x480
	DeviceFramerate  int
	SnapshotInterval time.Duration
	HTTPTimeout      time.Duration

	// ffmpeg runs that end without a single frame before restarts are paused
	// for RestartCooldown.
	RestartFailures int
	RestartCooldown time.Duration
}

// DefaultConfig returns settings that work for typical RTSP cameras and webcams.
func DefaultConfig() Config {
	return Config{
		FFmpegPath:       "ffmpeg",
		RTSPTransport:    "tcp",
		MJPEGQScale:      5,
		DeviceSize:       "640x480",
		DeviceFramerate:  30,
		SnapshotInterval: 500 * time.Millisecond,
		HTTPTimeout:      5 * time.Second,
		RestartFailures:  5,
		RestartCooldown:  30 * time.Second,
	}
}

// Opener implements ports.SourceOpener over ffmpeg, HTTP snapshots and the
// synthetic pattern.
type Opener struct {
	cfg    Config
	client *http.Client
	logger *zap.SugaredLogger
}

var _ ports.SourceOpener = (*Opener)(nil)

func NewOpener(cfg Config, logger *zap.SugaredLogger) *Opener {
	def := DefaultConfig()
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = def.FFmpegPath
	}
	if cfg.MJPEGQScale < 2 || cfg.MJPEGQScale > 31 {
		cfg.MJPEGQScale = def.MJPEGQScale
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = def.SnapshotInterval
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}
	if cfg.RestartFailures <= 0 {
		cfg.RestartFailures = def.RestartFailures
	}
	if cfg.RestartCooldown <= 0 {
		cfg.RestartCooldown = def.RestartCooldown
	}
	return &Opener{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger,
	}
}

// Open picks a backend for locator and opens it.
func (o *Opener) Open(ctx context.Context, locator string) (ports.VideoSource, error) {
	locator = strings.TrimSpace(locator)
	if err := validation.ValidateSource(locator); err != nil {
		return nil, err
	}

	kind := Classify(locator)
	o.logger.Debugw("opening source", "source", locator, "backend", kind.String())

	var (
		src ports.VideoSource
		err error
	)
	switch kind {
	case KindSynthetic:
		src, err = OpenSynthetic(locator)
	case KindSnapshot:
		src, err = OpenSnapshot(ctx, locator, o.client, o.cfg.SnapshotInterval, circuitbreaker.Config{
			FailureThreshold: o.cfg.RestartFailures,
			OpenTimeout:      o.cfg.RestartCooldown,
		})
	default:
		src, err = OpenFFmpeg(ctx, locator, o.cfg, o.logger)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", kind, err)
	}
	return src, nil
}

// Classify maps a locator onto a backend.
func Classify(locator string) Kind {
	lower := strings.ToLower(locator)
	switch {
	case strings.HasPrefix(lower, "testsrc://"):
		return KindSynthetic
	case isHTTP(lower) && isSnapshotPath(lower):
		return KindSnapshot
	default:
		return KindFFmpeg
	}
}

func isHTTP(locator string) bool {
	return strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://")
}

func isSnapshotPath(locator string) bool {
	path := locator
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return strings.HasSuffix(path, ".jpg") ||
		strings.HasSuffix(path, ".jpeg") ||
		strings.Contains(path, "snapshot")
}

// IsDevice reports whether locator names a local capture device.
func IsDevice(locator string) bool {
	return strings.HasPrefix(locator, "/dev/video") || validation.DeviceIndexRegex.MatchString(locator)
}

// DevicePath maps a bare index such as "0" onto /dev/video0.
func DevicePath(locator string) string {
	if validation.DeviceIndexRegex.MatchString(locator) {
		return "/dev/video" + locator
	}
	return locator
}
