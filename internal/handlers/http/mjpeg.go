package http

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// mjpegWriter frames JPEGs as multipart/x-mixed-replace parts. Every part is
// followed by the next delimiter straight away so boundary-splitting clients
// can hand a frame on without waiting for its successor. The stream has no
// closing delimiter; it ends with the response body.
type mjpegWriter struct {
	w        io.Writer
	boundary string
	started  bool
}

func newMJPEGWriter(w io.Writer) *mjpegWriter {
	return &mjpegWriter{
		w:        w,
		boundary: "camgrid" + strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
}

func (m *mjpegWriter) ContentType() string {
	return "multipart/x-mixed-replace; boundary=" + m.boundary
}

// WriteFrame writes one image/jpeg part and the delimiter that closes it.
func (m *mjpegWriter) WriteFrame(data []byte) error {
	if !m.started {
		if _, err := fmt.Fprintf(m.w, "--%s\r\n", m.boundary); err != nil {
			return err
		}
		m.started = true
	}
	if _, err := fmt.Fprintf(m.w, "Content-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	if _, err := m.w.Write(data); err != nil {
		return err
	}
	_, err := fmt.Fprintf(m.w, "\r\n--%s\r\n", m.boundary)
	return err
}
