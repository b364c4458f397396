package ws

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"camgrid/internal/core/domain"
	"camgrid/internal/core/ports"
	"camgrid/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	MessageConnected = "connected"
	MessageFrame     = "frame"
	MessageError     = "error"

	maxClientMessage = 512
)

// Config controls frame push connections.
type Config struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxFPS         int
	AllowedOrigins []string
}

// DefaultConfig returns the push settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:   5 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		MaxFPS:         10,
		AllowedOrigins: []string{"*"},
	}
}

// Message is the JSON envelope written to clients.
type Message struct {
	Type      string          `json:"type"`
	StreamID  domain.StreamID `json:"stream_id,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	FPS       int             `json:"fps,omitempty"`
	Data      []byte          `json:"data,omitempty"` // JPEG, base64 in JSON
	Message   string          `json:"message,omitempty"`
}

// FrameSocketServer pushes one stream's frames to each connected WebSocket client.
type FrameSocketServer struct {
	registry ports.StreamRegistry
	encoder  ports.FrameEncoder
	metrics  ports.TransportMetrics
	cfg      Config
	upgrader websocket.Upgrader

	mu          sync.Mutex
	connections map[*websocket.Conn]domain.StreamID

	logger *zap.SugaredLogger
}

// NewFrameSocketServer creates the server. metrics may be nil.
func NewFrameSocketServer(
	registry ports.StreamRegistry,
	encoder ports.FrameEncoder,
	metrics ports.TransportMetrics,
	cfg Config,
	logger *zap.SugaredLogger,
) *FrameSocketServer {
	def := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.MaxFPS <= 0 {
		cfg.MaxFPS = def.MaxFPS
	}

	s := &FrameSocketServer{
		registry:    registry,
		encoder:     encoder,
		metrics:     metrics,
		cfg:         cfg,
		connections: make(map[*websocket.Conn]domain.StreamID),
		logger:      logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
	}
	return s
}

// SetupRoutes registers the push endpoint.
func (s *FrameSocketServer) SetupRoutes(r gin.IRoutes) {
	r.GET("/ws/streams/:id", s.HandleStream)
}

func (s *FrameSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// HandleStream upgrades the request and pushes frames of the stream named by
// the :id parameter at its target rate, capped by MaxFPS.
func (s *FrameSocketServer) HandleStream(c *gin.Context) {
	id := domain.StreamID(c.Param("id"))
	stats, err := s.registry.Stats(id)
	if err != nil {
		_ = c.Error(err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "stream_id", id, "error", err)
		return
	}
	defer conn.Close()

	s.register(conn, id)
	defer s.unregister(conn)

	if s.metrics != nil {
		s.metrics.RecordSubscriberJoined(id)
		defer s.metrics.RecordSubscriberLeft(id)
	}

	fps := stats.TargetFPS
	if fps <= 0 || fps > s.cfg.MaxFPS {
		fps = s.cfg.MaxFPS
	}

	s.logger.Infow("websocket client connected", "stream_id", id, "fps", fps, "client_ip", c.ClientIP())
	s.serve(c.Request.Context(), conn, id, fps)
	s.logger.Infow("websocket client disconnected", "stream_id", id)
}

func (s *FrameSocketServer) serve(ctx context.Context, conn *websocket.Conn, id domain.StreamID, fps int) {
	if err := s.write(conn, Message{Type: MessageConnected, StreamID: id, FPS: fps}); err != nil {
		return
	}

	// Clients only send control frames; the read loop keeps pong handling alive.
	done := make(chan struct{})
	conn.SetReadLimit(maxClientMessage)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debugw("websocket read ended", "stream_id", id, "error", err)
				}
				return
			}
		}
	}()

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()
	frameTicker := time.NewTicker(time.Second / time.Duration(fps))
	defer frameTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return

		case <-pingTicker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}

		case <-frameTicker.C:
			frame, ok, err := s.registry.Read(id)
			if err != nil {
				_ = s.write(conn, Message{Type: MessageError, StreamID: id, Message: err.Error()})
				s.closeWith(conn, websocket.CloseGoingAway, "stream removed")
				return
			}
			if !ok {
				continue
			}
			if err := s.sendFrame(ctx, conn, id, frame); err != nil {
				return
			}
		}
	}
}

func (s *FrameSocketServer) sendFrame(ctx context.Context, conn *websocket.Conn, id domain.StreamID, frame *domain.Frame) error {
	_, span := tracing.TraceWebSocketMessage(ctx, MessageFrame, string(id))
	defer span.End()

	data, err := s.encoder.Encode(frame)
	if err != nil {
		s.logger.Warnw("websocket encode failed", "stream_id", id, "error", err)
		return nil
	}
	if s.metrics != nil {
		s.metrics.RecordFrameEncoded(len(data))
	}

	ts := frame.CapturedAt
	return s.write(conn, Message{
		Type:      MessageFrame,
		StreamID:  id,
		Seq:       frame.Seq,
		Timestamp: &ts,
		Data:      data,
	})
}

func (s *FrameSocketServer) write(conn *websocket.Conn, msg Message) error {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteJSON(msg)
}

func (s *FrameSocketServer) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

func (s *FrameSocketServer) register(conn *websocket.Conn, id domain.StreamID) {
	s.mu.Lock()
	s.connections[conn] = id
	s.mu.Unlock()
}

func (s *FrameSocketServer) unregister(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.connections, conn)
	s.mu.Unlock()
}

// ConnectionCount returns the number of open push connections.
func (s *FrameSocketServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// CloseAll sends a going-away close frame to every client. Hijacked
// connections are not tracked by http.Server.Shutdown.
func (s *FrameSocketServer) CloseAll() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.connections))
	for conn := range s.connections {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		s.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
		conn.Close()
	}
}
