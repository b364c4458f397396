package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const (
	MaxStreamIDLength = 100
	MaxProcessingFPS  = 120
	MaxBufferSize     = 1000
	MaxGridDimension  = 8
)

var (
	// StreamIDRegex validates stream ID format
	StreamIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// DeviceIndexRegex matches a bare capture device index such as "0"
	DeviceIndexRegex = regexp.MustCompile(`^[0-9]{1,3}$`)

	// LayoutRegex matches grid layouts such as "2x2" or "1X3"
	LayoutRegex = regexp.MustCompile(`^([0-9]+)[xX]([0-9]+)$`)

	sourceSchemes = map[string]bool{
		"rtsp":    true,
		"rtsps":   true,
		"rtmp":    true,
		"http":    true,
		"https":   true,
		"testsrc": true,
	}
)

// ValidateStreamID validates stream ID
func ValidateStreamID(streamID string) error {
	if streamID == "" {
		return fmt.Errorf("stream ID is required")
	}
	if len(streamID) > MaxStreamIDLength {
		return fmt.Errorf("stream ID is too long (max %d characters)", MaxStreamIDLength)
	}
	if !StreamIDRegex.MatchString(streamID) {
		return fmt.Errorf("invalid stream ID format")
	}
	return nil
}

// ValidateSource validates a source locator: a stream URL, a /dev/video* path
// or a bare device index.
func ValidateSource(source string) error {
	source = strings.TrimSpace(source)
	if source == "" {
		return fmt.Errorf("source is required")
	}
	if DeviceIndexRegex.MatchString(source) {
		return nil
	}
	if strings.HasPrefix(source, "/dev/video") {
		return nil
	}

	u, err := url.Parse(source)
	if err != nil {
		return fmt.Errorf("invalid source URL: %w", err)
	}
	if !sourceSchemes[strings.ToLower(u.Scheme)] {
		return fmt.Errorf("unsupported source scheme %q (must be rtsp, rtmp, http, https or testsrc)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("source URL must have a host")
	}
	return nil
}

// ValidateProcessingFPS validates a target processing rate. Zero selects the default.
func ValidateProcessingFPS(fps int) error {
	if fps < 0 {
		return fmt.Errorf("fps must not be negative")
	}
	if fps > MaxProcessingFPS {
		return fmt.Errorf("fps is too high (max %d)", MaxProcessingFPS)
	}
	return nil
}

// ValidateBufferSize validates a frame buffer capacity. Zero selects the default.
func ValidateBufferSize(size int) error {
	if size < 0 {
		return fmt.Errorf("buffer size must not be negative")
	}
	if size > MaxBufferSize {
		return fmt.Errorf("buffer size is too large (max %d)", MaxBufferSize)
	}
	return nil
}

// ParseLayout parses a grid layout such as "2x2" into rows and columns.
func ParseLayout(layout string) (rows, cols int, err error) {
	m := LayoutRegex.FindStringSubmatch(strings.TrimSpace(layout))
	if m == nil {
		return 0, 0, fmt.Errorf("invalid layout %q (expected ROWSxCOLS, e.g. 2x2)", layout)
	}
	rows, _ = strconv.Atoi(m[1])
	cols, _ = strconv.Atoi(m[2])
	if rows < 1 || cols < 1 {
		return 0, 0, fmt.Errorf("layout %q must have at least one row and one column", layout)
	}
	if rows > MaxGridDimension || cols > MaxGridDimension {
		return 0, 0, fmt.Errorf("layout %q is too large (max %dx%d)", layout, MaxGridDimension, MaxGridDimension)
	}
	return rows, cols, nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
