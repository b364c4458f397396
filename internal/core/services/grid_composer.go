package services

import (
	"image"
	"image/color"
	"sort"
	"strings"

	"camgrid/internal/core/domain"
	"camgrid/internal/core/ports"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	DefaultFallbackWidth  = 640
	DefaultFallbackHeight = 480

	InterpolationNearest  = "nearest"
	InterpolationBilinear = "bilinear"

	labelOffsetX = 10
	labelOffsetY = 30
)

// ComposerConfig controls grid output.
type ComposerConfig struct {
	FallbackWidth  int
	FallbackHeight int
	Interpolation  string // "nearest" (default) or "bilinear"
	HideLabels     bool
	LabelColor     color.RGBA
}

// DefaultComposerConfig returns a 640x480 fallback with green nearest-neighbour labelled cells.
func DefaultComposerConfig() ComposerConfig {
	return ComposerConfig{
		FallbackWidth:  DefaultFallbackWidth,
		FallbackHeight: DefaultFallbackHeight,
		Interpolation:  InterpolationNearest,
		LabelColor:     color.RGBA{G: 0xff, A: 0xff},
	}
}

// GridComposer tiles the latest frame of each source into one raster. It keeps no
// state between calls and is safe for concurrent use.
type GridComposer struct {
	cfg    ComposerConfig
	scaler draw.Scaler
	face   font.Face
	label  *image.Uniform
}

var _ ports.FrameComposer = (*GridComposer)(nil)

func NewGridComposer(cfg ComposerConfig) *GridComposer {
	if cfg.FallbackWidth <= 0 {
		cfg.FallbackWidth = DefaultFallbackWidth
	}
	if cfg.FallbackHeight <= 0 {
		cfg.FallbackHeight = DefaultFallbackHeight
	}
	if cfg.LabelColor == (color.RGBA{}) {
		cfg.LabelColor = color.RGBA{G: 0xff, A: 0xff}
	}

	var scaler draw.Scaler = draw.NearestNeighbor
	if strings.EqualFold(cfg.Interpolation, InterpolationBilinear) {
		scaler = draw.ApproxBiLinear
	}

	return &GridComposer{
		cfg:    cfg,
		scaler: scaler,
		face:   basicfont.Face7x13,
		label:  image.NewUniform(cfg.LabelColor),
	}
}

// Compose places frames in ascending id order, row-major.
func (g *GridComposer) Compose(frames map[domain.StreamID]*domain.Frame, rows, cols int) *domain.Frame {
	order := make([]domain.StreamID, 0, len(frames))
	for id := range frames {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	return g.ComposeOrdered(frames, order, rows, cols)
}

type gridCell struct {
	id    domain.StreamID
	frame *domain.Frame
}

// ComposeOrdered places frames in the given order. Ids without a frame are
// skipped, frames beyond rows*cols are ignored and unused cells stay black.
// The cell size is the first placed frame's size divided by the grid shape.
func (g *GridComposer) ComposeOrdered(frames map[domain.StreamID]*domain.Frame, order []domain.StreamID, rows, cols int) *domain.Frame {
	if rows < 1 {
		rows = 1
	}
	if cols < 1 {
		cols = 1
	}

	cells := make([]gridCell, 0, rows*cols)
	for _, id := range order {
		if len(cells) == rows*cols {
			break
		}
		if f, ok := frames[id]; ok && !f.Empty() {
			cells = append(cells, gridCell{id: id, frame: f})
		}
	}

	if len(cells) == 0 {
		return domain.NewFrame(g.cfg.FallbackWidth, g.cfg.FallbackHeight)
	}

	first := cells[0].frame
	cellW := max(first.Width/cols, 1)
	cellH := max(first.Height/rows, 1)

	canvas := image.NewRGBA(image.Rect(0, 0, cellW*cols, cellH*rows))
	latest := cells[0].frame.CapturedAt

	for i, c := range cells {
		x0 := (i % cols) * cellW
		y0 := (i / cols) * cellH
		rect := image.Rect(x0, y0, x0+cellW, y0+cellH)

		g.scaler.Scale(canvas, rect, c.frame.RGBA(), c.frame.Bounds(), draw.Src, nil)
		if !g.cfg.HideLabels {
			g.drawLabel(canvas, rect, string(c.id))
		}
		if c.frame.CapturedAt.After(latest) {
			latest = c.frame.CapturedAt
		}
	}

	out := domain.FrameFromImage(canvas)
	out.CapturedAt = latest
	return out
}

// drawLabel writes text at a fixed offset from the cell origin, clipped to the cell.
func (g *GridComposer) drawLabel(canvas *image.RGBA, cell image.Rectangle, text string) {
	dst, ok := canvas.SubImage(cell).(*image.RGBA)
	if !ok {
		return
	}
	d := &font.Drawer{
		Dst:  dst,
		Src:  g.label,
		Face: g.face,
		Dot:  fixed.P(cell.Min.X+labelOffsetX, cell.Min.Y+labelOffsetY),
	}
	d.DrawString(text)
}
