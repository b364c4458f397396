package http

import (
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"camgrid/internal/core/domain"
	"camgrid/internal/core/ports"
	"camgrid/pkg/errors"
	"camgrid/pkg/tracing"
	"camgrid/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HandlerConfig tunes the frame endpoints.
type HandlerConfig struct {
	DefaultLayout string // grid used by /grid.jpg when no layout is given
	MaxStreamFPS  int    // upper bound on MJPEG push rate
}

type StreamHandler struct {
	registry ports.StreamRegistry
	composer ports.FrameComposer
	encoder  ports.FrameEncoder
	metrics  ports.TransportMetrics
	cfg      HandlerConfig
	logger   *zap.SugaredLogger
}

// NewStreamHandler wires the registry and composer to gin. metrics may be nil.
func NewStreamHandler(
	registry ports.StreamRegistry,
	composer ports.FrameComposer,
	encoder ports.FrameEncoder,
	metrics ports.TransportMetrics,
	cfg HandlerConfig,
	logger *zap.SugaredLogger,
) *StreamHandler {
	if cfg.DefaultLayout == "" {
		cfg.DefaultLayout = "2x2"
	}
	if cfg.MaxStreamFPS <= 0 {
		cfg.MaxStreamFPS = 10
	}
	return &StreamHandler{
		registry: registry,
		composer: composer,
		encoder:  encoder,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
	}
}

// SetupRoutes registers the short request/response endpoints on api.
func (h *StreamHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/streams", h.ListStreams)
	api.POST("/streams", h.AddStream)
	api.DELETE("/streams/:id", h.RemoveStream)
	api.GET("/streams/:id/stats", h.GetStreamStats)
	api.POST("/streams/:id/start", h.StartStream)
	api.POST("/streams/:id/stop", h.StopStream)
	api.GET("/streams/:id/frame", h.GetFrame)
	api.POST("/streams/multi-view", h.MultiView)
	api.GET("/streams/grid.jpg", h.GridJPEG)
}

// SetupStreamingRoutes registers long-lived endpoints, kept apart so request
// rate limits do not apply to them.
func (h *StreamHandler) SetupStreamingRoutes(api *gin.RouterGroup) {
	api.GET("/streams/:id/mjpeg", h.StreamMJPEG)
}

func (h *StreamHandler) ListStreams(c *gin.Context) {
	stats := h.registry.StatsAll()

	streams := make([]domain.StreamStats, 0, len(stats))
	for _, s := range stats {
		streams = append(streams, s)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].StreamID < streams[j].StreamID })

	c.JSON(http.StatusOK, gin.H{
		"streams": streams,
		"count":   len(streams),
	})
}

type addStreamRequest struct {
	ID         string `json:"id" binding:"required"`
	Source     string `json:"source" binding:"required"`
	FPS        int    `json:"fps"`
	BufferSize int    `json:"buffer_size"`
}

func (h *StreamHandler) AddStream(c *gin.Context) {
	var req addStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request body").WithContext("reason", err.Error()))
		return
	}
	if req.FPS != 0 {
		if err := validation.ValidateProcessingFPS(req.FPS); err != nil {
			_ = c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}
	if req.BufferSize != 0 {
		if err := validation.ValidateBufferSize(req.BufferSize); err != nil {
			_ = c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}

	id, err := h.registry.AddStream(c.Request.Context(), domain.StreamID(req.ID), req.Source, req.FPS, req.BufferSize)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.logger.Infow("stream added via api", "stream_id", id, "source", req.Source)
	c.JSON(http.StatusCreated, gin.H{
		"stream_id": id,
		"status":    "added",
	})
}

func (h *StreamHandler) RemoveStream(c *gin.Context) {
	id := domain.StreamID(c.Param("id"))
	if err := h.registry.RemoveStream(id); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stream_id": id,
		"status":    "removed",
	})
}

func (h *StreamHandler) GetStreamStats(c *gin.Context) {
	stats, err := h.registry.Stats(domain.StreamID(c.Param("id")))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *StreamHandler) StartStream(c *gin.Context) {
	id := domain.StreamID(c.Param("id"))
	if err := h.registry.StartStream(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stream_id": id,
		"status":    "started",
	})
}

func (h *StreamHandler) StopStream(c *gin.Context) {
	id := domain.StreamID(c.Param("id"))
	if err := h.registry.StopStream(id); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stream_id": id,
		"status":    "stopped",
	})
}

// GetFrame returns the newest buffered frame as JPEG, or 204 when none is queued.
func (h *StreamHandler) GetFrame(c *gin.Context) {
	frame, ok, err := h.registry.Read(domain.StreamID(c.Param("id")))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}

	data, err := h.encode(frame)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	c.Data(http.StatusOK, "image/jpeg", data)
}

type multiViewRequest struct {
	StreamIDs []string `json:"stream_ids"`
	Layout    string   `json:"layout"`
}

// MultiView composes the requested streams into a grid and returns it base64 encoded.
func (h *StreamHandler) MultiView(c *gin.Context) {
	var req multiViewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request body").WithContext("reason", err.Error()))
		return
	}

	order := make([]domain.StreamID, 0, len(req.StreamIDs))
	for _, raw := range req.StreamIDs {
		id := domain.StreamID(raw)
		if _, err := h.registry.Stats(id); err != nil {
			_ = c.Error(err)
			return
		}
		order = append(order, id)
	}
	if len(order) == 0 {
		order = h.registry.IDs()
	}

	rows, cols, err := h.layout(req.Layout, len(order))
	if err != nil {
		_ = c.Error(err)
		return
	}

	grid, err := h.compose(c, order, rows, cols)
	if err != nil {
		_ = c.Error(err)
		return
	}
	data, err := h.encode(grid)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"layout":    fmt.Sprintf("%dx%d", rows, cols),
		"streams":   order,
		"width":     grid.Width,
		"height":    grid.Height,
		"timestamp": grid.CapturedAt,
		"frame":     base64.StdEncoding.EncodeToString(data),
	})
}

// GridJPEG composes every registered stream into one JPEG.
func (h *StreamHandler) GridJPEG(c *gin.Context) {
	order := h.registry.IDs()
	rows, cols, err := h.layout(c.DefaultQuery("layout", h.cfg.DefaultLayout), len(order))
	if err != nil {
		_ = c.Error(err)
		return
	}

	grid, err := h.compose(c, order, rows, cols)
	if err != nil {
		_ = c.Error(err)
		return
	}
	data, err := h.encode(grid)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", data)
}

// StreamMJPEG pushes the stream as multipart/x-mixed-replace until the client
// goes away or the stream is removed.
func (h *StreamHandler) StreamMJPEG(c *gin.Context) {
	id := domain.StreamID(c.Param("id"))
	stats, err := h.registry.Stats(id)
	if err != nil {
		_ = c.Error(err)
		return
	}

	fps := stats.TargetFPS
	if fps <= 0 || fps > h.cfg.MaxStreamFPS {
		fps = h.cfg.MaxStreamFPS
	}

	mw := newMJPEGWriter(c.Writer)
	c.Header("Content-Type", mw.ContentType())
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	if h.metrics != nil {
		h.metrics.RecordSubscriberJoined(id)
		defer h.metrics.RecordSubscriberLeft(id)
	}
	h.logger.Infow("mjpeg client connected", "stream_id", id, "fps", fps, "client_ip", c.ClientIP())
	defer h.logger.Infow("mjpeg client disconnected", "stream_id", id)

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, ok, err := h.registry.Read(id)
		if err != nil {
			return
		}
		if !ok {
			continue
		}

		data, err := h.encode(frame)
		if err != nil {
			h.logger.Warnw("mjpeg encode failed", "stream_id", id, "error", err)
			continue
		}

		if err := mw.WriteFrame(data); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

// layout resolves "RxC"; an empty layout fits n cells into the smallest square grid.
func (h *StreamHandler) layout(layout string, n int) (int, int, error) {
	if layout == "" {
		side := int(math.Ceil(math.Sqrt(float64(n))))
		if side < 1 {
			side = 1
		}
		return side, side, nil
	}

	rows, cols, err := validation.ParseLayout(layout)
	if err != nil {
		return 0, 0, errors.NewInvalidInputError(err.Error()).WithContext("layout", layout)
	}
	return rows, cols, nil
}

// compose pops the latest frame of each id in order only, so other streams keep
// their frames for their own consumers.
func (h *StreamHandler) compose(c *gin.Context, order []domain.StreamID, rows, cols int) (*domain.Frame, error) {
	frames := make(map[domain.StreamID]*domain.Frame, len(order))
	for _, id := range order {
		if _, seen := frames[id]; seen {
			continue
		}
		frame, ok, err := h.registry.Read(id)
		if err != nil || !ok {
			continue
		}
		frames[id] = frame
	}

	_, span := tracing.TraceCompose(c.Request.Context(), rows, cols, len(frames))
	defer span.End()

	start := time.Now()
	grid := h.composer.ComposeOrdered(frames, order, rows, cols)
	if h.metrics != nil {
		h.metrics.RecordCompose(time.Since(start))
	}
	if grid == nil {
		return nil, errors.NewInternalError("failed to compose grid")
	}
	return grid, nil
}

func (h *StreamHandler) encode(frame *domain.Frame) ([]byte, error) {
	data, err := h.encoder.Encode(frame)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeInternal, "failed to encode frame", http.StatusInternalServerError)
	}
	if h.metrics != nil {
		h.metrics.RecordFrameEncoded(len(data))
	}
	return data, nil
}
