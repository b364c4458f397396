package services

import (
	"testing"
	"time"

	"camgrid/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	red   = [3]uint8{0xff, 0, 0}
	blue  = [3]uint8{0, 0, 0xff}
	white = [3]uint8{0xff, 0xff, 0xff}
	black = [3]uint8{0, 0, 0}
	green = [3]uint8{0, 0xff, 0}
)

func solidFrame(w, h int, c [3]uint8) *domain.Frame {
	f := domain.NewFrame(w, h)
	for i := 0; i < len(f.Pix); i += domain.BytesPerPixel {
		f.Pix[i], f.Pix[i+1], f.Pix[i+2] = c[0], c[1], c[2]
	}
	return f
}

func pixel(f *domain.Frame, x, y int) [3]uint8 {
	r, g, b := f.At(x, y)
	return [3]uint8{r, g, b}
}

func unlabelled() *GridComposer {
	cfg := DefaultComposerConfig()
	cfg.HideLabels = true
	return NewGridComposer(cfg)
}

func TestGridComposer_EmptyInputFallback(t *testing.T) {
	out := NewGridComposer(DefaultComposerConfig()).Compose(nil, 2, 2)

	require.NotNil(t, out)
	assert.Equal(t, 640, out.Width)
	assert.Equal(t, 480, out.Height)
	for _, b := range out.Pix {
		if b != 0 {
			t.Fatal("fallback frame must be blank")
		}
	}

	out = NewGridComposer(ComposerConfig{FallbackWidth: 320, FallbackHeight: 240}).Compose(map[domain.StreamID]*domain.Frame{}, 2, 2)
	assert.Equal(t, 320, out.Width)
	assert.Equal(t, 240, out.Height)
}

func TestGridComposer_PlacesInIDOrder(t *testing.T) {
	frames := map[domain.StreamID]*domain.Frame{
		"c": solidFrame(64, 48, white),
		"a": solidFrame(64, 48, red),
		"b": solidFrame(64, 48, blue),
	}

	out := unlabelled().Compose(frames, 2, 2)

	assert.Equal(t, 64, out.Width)
	assert.Equal(t, 48, out.Height)
	assert.Equal(t, red, pixel(out, 2, 2))
	assert.Equal(t, blue, pixel(out, 34, 2))
	assert.Equal(t, white, pixel(out, 2, 26))
	assert.Equal(t, black, pixel(out, 34, 26))
	assert.Equal(t, black, pixel(out, 63, 47))
}

func TestGridComposer_Deterministic(t *testing.T) {
	frames := map[domain.StreamID]*domain.Frame{
		"cam1": solidFrame(80, 60, red),
		"cam2": solidFrame(120, 90, blue),
		"cam3": solidFrame(40, 30, white),
	}
	g := NewGridComposer(DefaultComposerConfig())

	first := g.Compose(frames, 2, 2)
	for i := 0; i < 5; i++ {
		again := g.Compose(frames, 2, 2)
		require.Equal(t, first.Width, again.Width)
		require.Equal(t, first.Height, again.Height)
		require.Equal(t, first.Pix, again.Pix)
	}
}

func TestGridComposer_OrderedSkipsMissing(t *testing.T) {
	frames := map[domain.StreamID]*domain.Frame{
		"a": solidFrame(64, 48, red),
		"c": solidFrame(64, 48, white),
	}

	out := unlabelled().ComposeOrdered(frames, []domain.StreamID{"c", "missing", "a"}, 1, 2)

	assert.Equal(t, 64, out.Width)
	assert.Equal(t, 48, out.Height)
	assert.Equal(t, white, pixel(out, 2, 2))
	assert.Equal(t, red, pixel(out, 40, 2))
}

func TestGridComposer_HeterogeneousResolutions(t *testing.T) {
	frames := map[domain.StreamID]*domain.Frame{
		"a": solidFrame(64, 48, red),
		"b": solidFrame(200, 100, blue),
	}

	out := unlabelled().Compose(frames, 1, 2)

	// Cell size comes from the first frame: 32x48.
	assert.Equal(t, 64, out.Width)
	assert.Equal(t, 48, out.Height)
	assert.Equal(t, red, pixel(out, 31, 47))
	assert.Equal(t, blue, pixel(out, 32, 0))
	assert.Equal(t, blue, pixel(out, 63, 47))
}

func TestGridComposer_NonPositiveShapeTreatedAsOne(t *testing.T) {
	frames := map[domain.StreamID]*domain.Frame{
		"a": solidFrame(50, 40, red),
		"b": solidFrame(50, 40, blue),
	}

	out := unlabelled().Compose(frames, 0, -3)

	assert.Equal(t, 50, out.Width)
	assert.Equal(t, 40, out.Height)
	assert.Equal(t, red, pixel(out, 25, 20))
}

func TestGridComposer_TinyFramesKeepOnePixelCells(t *testing.T) {
	frames := map[domain.StreamID]*domain.Frame{
		"a": solidFrame(1, 1, red),
		"b": solidFrame(1, 1, blue),
	}

	out := unlabelled().Compose(frames, 2, 2)

	assert.Equal(t, 2, out.Width)
	assert.Equal(t, 2, out.Height)
	assert.Equal(t, red, pixel(out, 0, 0))
	assert.Equal(t, blue, pixel(out, 1, 0))
}

func TestGridComposer_SkipsEmptyFrames(t *testing.T) {
	frames := map[domain.StreamID]*domain.Frame{
		"a": domain.NewFrame(0, 0),
		"b": solidFrame(20, 20, blue),
	}

	out := unlabelled().Compose(frames, 1, 1)

	assert.Equal(t, 20, out.Width)
	assert.Equal(t, blue, pixel(out, 10, 10))
}

func TestGridComposer_DrawsLabels(t *testing.T) {
	frames := map[domain.StreamID]*domain.Frame{
		"cam1": solidFrame(200, 160, black),
	}

	countGreen := func(f *domain.Frame) int {
		n := 0
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				if pixel(f, x, y) == green {
					n++
				}
			}
		}
		return n
	}

	labelled := NewGridComposer(DefaultComposerConfig()).Compose(frames, 1, 1)
	assert.Positive(t, countGreen(labelled))

	// Label pixels sit near the (10, 30) offset.
	for y := 0; y < labelled.Height; y++ {
		for x := 0; x < labelled.Width; x++ {
			if pixel(labelled, x, y) == green {
				assert.GreaterOrEqual(t, x, 10)
				assert.Less(t, y, 40)
			}
		}
	}

	assert.Zero(t, countGreen(unlabelled().Compose(frames, 1, 1)))
}

func TestGridComposer_TimestampIsLatestInput(t *testing.T) {
	older := solidFrame(10, 10, red)
	older.CapturedAt = time.Unix(100, 0)
	newer := solidFrame(10, 10, blue)
	newer.CapturedAt = time.Unix(200, 0)

	out := unlabelled().Compose(map[domain.StreamID]*domain.Frame{"a": older, "b": newer}, 1, 2)
	assert.Equal(t, time.Unix(200, 0), out.CapturedAt)
}

func TestGridComposer_ExtraFramesIgnored(t *testing.T) {
	frames := map[domain.StreamID]*domain.Frame{
		"a": solidFrame(30, 30, red),
		"b": solidFrame(30, 30, blue),
		"c": solidFrame(30, 30, white),
	}

	out := unlabelled().Compose(frames, 1, 1)
	assert.Equal(t, 30, out.Width)
	assert.Equal(t, red, pixel(out, 15, 15))
}
