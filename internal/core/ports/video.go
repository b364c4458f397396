package ports

import (
	"context"

	"camgrid/internal/core/domain"
)

// VideoSource is an opened external video origin. ReadFrame may block on I/O;
// it is only ever called from the owning capture goroutine. Close must unblock a
// pending ReadFrame.
type VideoSource interface {
	ReadFrame() (*domain.Frame, error)
	Info() domain.SourceInfo
	Close() error
}

// SourceOpener resolves a locator (URL, device path or device index) to a VideoSource.
type SourceOpener interface {
	Open(ctx context.Context, locator string) (VideoSource, error)
}
