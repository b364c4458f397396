package domain

import (
	"image"
	"image/draw"
	"time"
)

// BytesPerPixel is the channel count of a Frame raster (8-bit RGB).
const BytesPerPixel = 3

// Frame is one decoded raster image. Pix holds Height rows of Width*3 bytes in
// RGB order. A Frame must not be modified once it has been pushed into a buffer.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	Width      int
	Height     int
	Pix        []byte
}

// NewFrame allocates a zeroed (black) frame.
func NewFrame(width, height int) *Frame {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &Frame{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*BytesPerPixel),
	}
}

// Stride returns the number of bytes per row.
func (f *Frame) Stride() int {
	return f.Width * BytesPerPixel
}

// Empty reports whether the frame carries no pixels.
func (f *Frame) Empty() bool {
	return f == nil || f.Width == 0 || f.Height == 0
}

// At returns the RGB triple at (x, y).
func (f *Frame) At(x, y int) (r, g, b uint8) {
	i := y*f.Stride() + x*BytesPerPixel
	return f.Pix[i], f.Pix[i+1], f.Pix[i+2]
}

// Clone returns a deep copy that shares nothing with f.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	out := *f
	out.Pix = make([]byte, len(f.Pix))
	copy(out.Pix, f.Pix)
	return &out
}

// RGBA converts the frame into a freshly allocated *image.RGBA.
func (f *Frame) RGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		src := f.Pix[y*f.Stride() : (y+1)*f.Stride()]
		dst := img.Pix[y*img.Stride : y*img.Stride+f.Width*4]
		for x := 0; x < f.Width; x++ {
			dst[x*4] = src[x*3]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+2]
			dst[x*4+3] = 0xff
		}
	}
	return img
}

// FrameFromImage copies any image.Image into a new RGB frame. Alpha is dropped.
func FrameFromImage(img image.Image) *Frame {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}

	f := NewFrame(b.Dx(), b.Dy())
	for y := 0; y < f.Height; y++ {
		src := rgba.Pix[y*rgba.Stride : y*rgba.Stride+f.Width*4]
		dst := f.Pix[y*f.Stride() : (y+1)*f.Stride()]
		for x := 0; x < f.Width; x++ {
			dst[x*3] = src[x*4]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+2]
		}
	}
	return f
}

// Bounds returns the raster rectangle anchored at the origin.
func (f *Frame) Bounds() image.Rectangle { return image.Rect(0, 0, f.Width, f.Height) }
