package video

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"camgrid/internal/core/domain"
)

const (
	defaultSyntheticWidth  = 320
	defaultSyntheticHeight = 240
	defaultSyntheticFPS    = 15
	maxSyntheticDimension  = 4096
)

// SyntheticSource renders a moving colour-bar pattern. It stands in for a camera
// in demos and tests: testsrc://640x480?fps=25.
type SyntheticSource struct {
	width, height int
	fps           int
	frame         uint64
	next          time.Time
	done          chan struct{}
	closeOnce     sync.Once
}

// ParseSynthetic reads WIDTHxHEIGHT from the host part and fps from the query.
func ParseSynthetic(locator string) (width, height, fps int, err error) {
	u, err := url.Parse(locator)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("parse synthetic locator: %w", err)
	}
	width, height, fps = defaultSyntheticWidth, defaultSyntheticHeight, defaultSyntheticFPS

	if size := u.Host; size != "" {
		w, h, ok := strings.Cut(strings.ToLower(size), "x")
		if !ok {
			return 0, 0, 0, fmt.Errorf("synthetic size %q must be WIDTHxHEIGHT", size)
		}
		if width, err = strconv.Atoi(w); err != nil {
			return 0, 0, 0, fmt.Errorf("synthetic width %q: %w", w, err)
		}
		if height, err = strconv.Atoi(h); err != nil {
			return 0, 0, 0, fmt.Errorf("synthetic height %q: %w", h, err)
		}
	}
	if width < 1 || height < 1 || width > maxSyntheticDimension || height > maxSyntheticDimension {
		return 0, 0, 0, fmt.Errorf("synthetic size %dx%d out of range", width, height)
	}

	if v := u.Query().Get("fps"); v != "" {
		if fps, err = strconv.Atoi(v); err != nil || fps < 1 {
			return 0, 0, 0, fmt.Errorf("synthetic fps %q must be a positive integer", v)
		}
	}
	return width, height, fps, nil
}

// OpenSynthetic builds a synthetic source from a testsrc:// locator.
func OpenSynthetic(locator string) (*SyntheticSource, error) {
	w, h, fps, err := ParseSynthetic(locator)
	if err != nil {
		return nil, err
	}
	return &SyntheticSource{
		width:  w,
		height: h,
		fps:    fps,
		done:   make(chan struct{}),
	}, nil
}

// ReadFrame paces itself at the configured fps like a real camera would.
func (s *SyntheticSource) ReadFrame() (*domain.Frame, error) {
	now := time.Now()
	if s.next.After(now) {
		timer := time.NewTimer(s.next.Sub(now))
		select {
		case <-timer.C:
		case <-s.done:
			timer.Stop()
			return nil, ErrSourceClosed
		}
	} else {
		select {
		case <-s.done:
			return nil, ErrSourceClosed
		default:
		}
	}
	s.next = time.Now().Add(time.Second / time.Duration(s.fps))

	f := domain.NewFrame(s.width, s.height)
	s.render(f, s.frame)
	s.frame++
	f.CapturedAt = time.Now()
	return f, nil
}

var bars = [][3]uint8{
	{0xff, 0xff, 0xff},
	{0xff, 0xff, 0x00},
	{0x00, 0xff, 0xff},
	{0x00, 0xff, 0x00},
	{0xff, 0x00, 0xff},
	{0xff, 0x00, 0x00},
	{0x00, 0x00, 0xff},
}

// render draws vertical bars that scroll one bar-width per second plus a
// frame-counter stripe along the bottom.
func (s *SyntheticSource) render(f *domain.Frame, n uint64) {
	barW := max(f.Width/len(bars), 1)
	shift := int(n) * barW / s.fps
	stripe := f.Height - max(f.Height/16, 1)

	for y := 0; y < f.Height; y++ {
		row := f.Pix[y*f.Stride() : (y+1)*f.Stride()]
		for x := 0; x < f.Width; x++ {
			c := bars[((x+shift)/barW)%len(bars)]
			if y >= stripe {
				v := uint8(n)
				c = [3]uint8{v, v, v}
			}
			i := x * domain.BytesPerPixel
			row[i], row[i+1], row[i+2] = c[0], c[1], c[2]
		}
	}
}

func (s *SyntheticSource) Info() domain.SourceInfo {
	return domain.SourceInfo{Width: s.width, Height: s.height, NativeFPS: float64(s.fps)}
}

func (s *SyntheticSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
