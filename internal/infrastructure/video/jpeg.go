package video

import (
	"bytes"
	"fmt"
	"image/jpeg"

	"camgrid/internal/core/domain"
	"camgrid/pkg/optimize"
)

const (
	DefaultJPEGQuality = 80

	maxJPEGSize = 8 << 20
)

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// splitJPEG is a bufio.SplitFunc yielding one complete JPEG image (SOI through EOI)
// per token. Bytes before the first SOI are skipped; a trailing partial image at
// EOF is dropped.
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a possible leading 0xff of a split marker.
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}

	if end := bytes.Index(data[start+len(jpegSOI):], jpegEOI); end >= 0 {
		stop := start + len(jpegSOI) + end + len(jpegEOI)
		return stop, data[start:stop], nil
	}

	if atEOF {
		return len(data), nil, nil
	}
	// Need more data; discard the garbage prefix meanwhile.
	return start, nil, nil
}

// DecodeJPEG decodes one JPEG image into an RGB frame.
func DecodeJPEG(data []byte) (*domain.Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	return domain.FrameFromImage(img), nil
}

// Encoder turns frames into JPEG bytes, reusing encode buffers.
type Encoder struct {
	quality int
	buffers *optimize.BufferPool
}

// NewEncoder returns an encoder for quality 1-100; out of range values use the default.
func NewEncoder(quality int) *Encoder {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &Encoder{
		quality: quality,
		buffers: optimize.NewBufferPool(maxJPEGSize),
	}
}

// Quality returns the configured JPEG quality.
func (e *Encoder) Quality() int { return e.quality }

// Encode returns a freshly allocated JPEG of frame.
func (e *Encoder) Encode(frame *domain.Frame) ([]byte, error) {
	if frame.Empty() {
		return nil, fmt.Errorf("encode jpeg: empty frame")
	}

	buf := e.buffers.Get()
	defer e.buffers.Put(buf)

	if err := jpeg.Encode(buf, frame.RGBA(), &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
