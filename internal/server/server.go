// Package server hosts the client-facing transport: a websocket signalling
// endpoint at "/", an optional WebRTC media plane negotiated over it, and
// the HTTP health/metrics endpoints. Each accepted websocket becomes one
// connection loop bound to one session.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/llmrtc/llmrtc/internal/health"
	"github.com/llmrtc/llmrtc/internal/session"
	"github.com/llmrtc/llmrtc/pkg/audio/segment"
	"github.com/llmrtc/llmrtc/pkg/provider/vad"
	"github.com/llmrtc/llmrtc/pkg/wire"
)

const (
	// DefaultPingInterval is how often the heartbeat checker runs.
	DefaultPingInterval = 15 * time.Second

	// DefaultPongTimeout closes the transport after this much inbound
	// silence (three missed heartbeats).
	DefaultPongTimeout = 45 * time.Second
)

// Config assembles a Server.
type Config struct {
	// Manager owns the session table. Required.
	Manager *session.Manager

	// VAD scores inbound audio; each connection gets its own segmenter
	// session. Required.
	VAD vad.Engine

	// Segment tunes the per-connection VAD segmenter.
	Segment segment.Config

	// ICEServers are handed to clients in the ready message.
	ICEServers []wire.ICEServer

	// EnableMedia turns on the WebRTC media plane. When false, offers are
	// answered with a WEBRTC_UNAVAILABLE error and clients use the legacy
	// base64 audio path.
	EnableMedia bool

	// OriginPatterns is passed to the websocket accept options. Empty
	// restricts to same-origin.
	OriginPatterns []string

	PingInterval time.Duration
	PongTimeout  time.Duration

	// Health, when set, registers /health and /readyz on the handler mux.
	Health *health.Handler

	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler

	Logger *slog.Logger
}

// Server accepts websocket transports and runs one connection loop per
// client.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg and creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("server: session manager is required")
	}
	if cfg.VAD == nil {
		return nil, fmt.Errorf("server: vad engine is required")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: cfg.Logger}, nil
}

// Handler returns the HTTP mux: websocket upgrade at "/", health endpoints
// and the metrics scrape point when configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.accept)
	if s.cfg.Health != nil {
		s.cfg.Health.Register(mux)
	}
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", s.cfg.Metrics)
	}
	return mux
}

// accept upgrades the request and runs the connection loop until the
// transport closes.
func (s *Server) accept(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "err", err)
		return
	}

	c := newConn(s, ws)
	c.run(r.Context())
}
