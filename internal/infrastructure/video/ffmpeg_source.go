package video

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"camgrid/internal/core/domain"
	"camgrid/pkg/circuitbreaker"
	"camgrid/pkg/optimize"

	"go.uber.org/zap"
)

var (
	ErrSourceClosed = errors.New("source closed")

	fpsPattern = regexp.MustCompile(`(\d+(?:\.\d+)?) fps`)

	scanBuffers = optimize.NewBytePool(512 << 10)
)

// FFmpegSource decodes any input ffmpeg understands by having ffmpeg re-encode it
// as MJPEG on stdout. When ffmpeg exits the next ReadFrame spawns a new process,
// which is how dropped network streams reconnect. Runs that die before their
// first frame trip a breaker that pauses restarts for a cool-down.
type FFmpegSource struct {
	locator   string
	path      string
	args      []string
	logger    *zap.SugaredLogger
	restarts  *circuitbreaker.Breaker
	runFrames int // frames decoded by the current process; reading goroutine only

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	scanner  *bufio.Scanner
	scanBuf  []byte
	closed   bool
	spawns   int
	stderrWG sync.WaitGroup

	first     *domain.Frame // decoded during open, handed out by the first ReadFrame
	width     atomic.Int64
	height    atomic.Int64
	nativeFPS atomic.Uint64 // math.Float64bits
}

func newFFmpegSource(locator string, cfg Config, logger *zap.SugaredLogger) *FFmpegSource {
	s := &FFmpegSource{
		locator: locator,
		path:    cfg.FFmpegPath,
		args:    ffmpegArgs(locator, cfg),
		logger:  logger.With("source", locator),
		restarts: circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.RestartFailures,
			OpenTimeout:      cfg.RestartCooldown,
		}),
	}
	s.restarts.OnStateChange(func(from, to circuitbreaker.State) {
		s.logger.Warnw("ffmpeg restart breaker", "from", from.String(), "to", to.String())
	})
	return s
}

// OpenFFmpeg starts ffmpeg for locator and blocks until the first frame has been
// decoded or ctx ends.
func OpenFFmpeg(ctx context.Context, locator string, cfg Config, logger *zap.SugaredLogger) (*FFmpegSource, error) {
	s := newFFmpegSource(locator, cfg, logger)

	type result struct {
		frame *domain.Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := s.ReadFrame()
		ch <- result{frame: f, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("ffmpeg %s: %w", locator, r.err)
		}
		s.first = r.frame
		s.width.Store(int64(r.frame.Width))
		s.height.Store(int64(r.frame.Height))
		return s, nil
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}
}

// ffmpegArgs builds the command line for a locator.
func ffmpegArgs(locator string, cfg Config) []string {
	args := []string{"-hide_banner", "-nostdin"}

	switch {
	case strings.HasPrefix(locator, "rtsp://"), strings.HasPrefix(locator, "rtsps://"):
		if cfg.RTSPTransport != "" {
			args = append(args, "-rtsp_transport", cfg.RTSPTransport)
		}
		args = append(args, "-i", locator)
	case IsDevice(locator):
		args = append(args, "-f", "v4l2")
		if cfg.DeviceSize != "" {
			args = append(args, "-video_size", cfg.DeviceSize)
		}
		if cfg.DeviceFramerate > 0 {
			args = append(args, "-framerate", strconv.Itoa(cfg.DeviceFramerate))
		}
		args = append(args, "-i", DevicePath(locator))
	default:
		args = append(args, "-i", locator)
	}

	args = append(args, "-an")
	if cfg.OutputFPS > 0 {
		args = append(args, "-r", strconv.Itoa(cfg.OutputFPS))
	}
	return append(args,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", strconv.Itoa(cfg.MJPEGQScale),
		"-",
	)
}

// ReadFrame blocks until ffmpeg has produced the next complete JPEG.
func (s *FFmpegSource) ReadFrame() (*domain.Frame, error) {
	if f := s.first; f != nil {
		s.first = nil
		return f, nil
	}

	scanner, err := s.reader()
	if err != nil {
		return nil, err
	}

	if !scanner.Scan() {
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		if s.runFrames == 0 {
			s.restarts.Failure()
		}
		s.reap()
		s.releaseScanBuffer()
		return nil, fmt.Errorf("ffmpeg stream ended: %w", err)
	}

	frame, err := DecodeJPEG(scanner.Bytes())
	if err != nil {
		return nil, err
	}
	if s.runFrames == 0 {
		s.restarts.Success()
	}
	s.runFrames++
	return frame, nil
}

func (s *FFmpegSource) Info() domain.SourceInfo {
	return domain.SourceInfo{
		Width:     int(s.width.Load()),
		Height:    int(s.height.Load()),
		NativeFPS: math.Float64frombits(s.nativeFPS.Load()),
	}
}

// Close kills ffmpeg. A ReadFrame blocked on the pipe returns once the process is gone.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.reap()
	return nil
}

func (s *FFmpegSource) reader() (*bufio.Scanner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSourceClosed
	}
	if s.scanner != nil {
		return s.scanner, nil
	}
	if err := s.restarts.Allow(); err != nil {
		return nil, fmt.Errorf("ffmpeg restart paused: %w", err)
	}
	if err := s.spawnLocked(); err != nil {
		s.restarts.Failure()
		return nil, err
	}
	s.runFrames = 0
	return s.scanner, nil
}

func (s *FFmpegSource) spawnLocked() error {
	cmd := exec.Command(s.path, s.args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.path, err)
	}

	s.stderrWG.Add(1)
	go s.drainStderr(stderr)

	if s.scanBuf == nil {
		s.scanBuf = scanBuffers.Get()
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(s.scanBuf, maxJPEGSize)
	scanner.Split(splitJPEG)

	s.cmd = cmd
	s.stdout = stdout
	s.scanner = scanner
	s.spawns++

	if s.spawns > 1 {
		s.logger.Infow("ffmpeg restarted", "spawns", s.spawns)
	} else {
		s.logger.Debugw("ffmpeg started", "args", s.args)
	}
	return nil
}

// drainStderr keeps ffmpeg from blocking on a full stderr pipe and picks the
// input frame rate out of its stream banner.
func (s *FFmpegSource) drainStderr(stderr io.Reader) {
	defer s.stderrWG.Done()

	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		line := sc.Text()
		if s.nativeFPS.Load() == 0 && strings.Contains(line, "Video:") {
			if m := fpsPattern.FindStringSubmatch(line); m != nil {
				if fps, err := strconv.ParseFloat(m[1], 64); err == nil {
					s.nativeFPS.Store(math.Float64bits(fps))
				}
			}
		}
		if strings.Contains(strings.ToLower(line), "error") {
			s.logger.Debugw("ffmpeg", "line", line)
		}
	}
}

// releaseScanBuffer returns the scan buffer to the pool. Only the reading
// goroutine may call it, once its scanner is gone.
func (s *FFmpegSource) releaseScanBuffer() {
	s.mu.Lock()
	buf := s.scanBuf
	s.scanBuf = nil
	s.mu.Unlock()
	if buf != nil {
		scanBuffers.Put(buf)
	}
}

// reap kills the current process, if any, so the next read respawns it.
func (s *FFmpegSource) reap() {
	s.mu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.stdout = nil
	s.scanner = nil
	s.mu.Unlock()

	if cmd == nil {
		return
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	// Wait closes the pipes after stderr has been drained.
	s.stderrWG.Wait()
	if err := cmd.Wait(); err != nil {
		s.logger.Debugw("ffmpeg exited", "error", err)
	}
}
