// Package server accepts realtime websocket clients, runs one session per
// connection and serves page images over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/cortexuvula/collabdraw/internal/codec"
	"github.com/cortexuvula/collabdraw/internal/config"
	"github.com/cortexuvula/collabdraw/internal/metrics"
	"github.com/cortexuvula/collabdraw/internal/security"
	"github.com/cortexuvula/collabdraw/internal/session"
)

// Options are the collaborators of a Server.
type Options struct {
	Deps        session.Deps
	Tracker     *Tracker
	RateLimiter *security.RateLimiter // optional
	Metrics     *metrics.Metrics      // optional
	FilesDir    string                // optional, enables the files route
	ShutdownCtx context.Context       // cancelled on server shutdown
}

// Server is the HTTP handler for the realtime endpoint and the files route.
type Server struct {
	tracker     *Tracker
	rateLimiter *security.RateLimiter
	metrics     *metrics.Metrics
	deps        session.Deps
	shutdownCtx context.Context
	mux         *http.ServeMux

	// drainCtx is cancelled when the server begins draining connections.
	drainCtx    context.Context
	drainCancel context.CancelFunc

	conns sync.WaitGroup

	// mu protects cfg during hot-reload
	mu  sync.RWMutex
	cfg *config.Config
}

// New creates a server.
func New(cfg *config.Config, opts Options) *Server {
	shutdownCtx := opts.ShutdownCtx
	if shutdownCtx == nil {
		shutdownCtx = context.Background()
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = NewTracker()
	}
	drainCtx, drainCancel := context.WithCancel(context.Background())

	s := &Server{
		tracker:     tracker,
		rateLimiter: opts.RateLimiter,
		metrics:     opts.Metrics,
		deps:        opts.Deps,
		shutdownCtx: shutdownCtx,
		mux:         http.NewServeMux(),
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
		cfg:         cfg,
	}

	wsPath := cfg.Server.WebsocketPath
	s.mux.HandleFunc(wsPath, s.serveRealtime)
	if trimmed := strings.TrimSuffix(wsPath, "/"); trimmed != "" && trimmed != wsPath {
		s.mux.HandleFunc(trimmed, s.serveRealtime)
	}
	if opts.FilesDir != "" && cfg.Server.FilesRoute != "" {
		route := cfg.Server.FilesRoute
		s.mux.Handle(route, http.StripPrefix(route, noDirListing(http.FileServer(http.Dir(opts.FilesDir)))))
	}
	return s
}

// Tracker returns the connection tracker.
func (s *Server) Tracker() *Tracker {
	return s.tracker
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (s *Server) GetConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// UpdateConfig swaps the config (called on SIGHUP).
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// StartDrain asks every open connection to close gracefully.
func (s *Server) StartDrain() {
	s.drainCancel()
}

// Wait blocks until every connection has been torn down or ctx expires.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) serveRealtime(w http.ResponseWriter, r *http.Request) {
	cfg := s.GetConfig()

	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		slog.Error("failed to parse remote address", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if cfg.Security.RateLimit.Enabled && s.rateLimiter != nil && !s.rateLimiter.Allow(clientIP) {
		slog.Warn("rate limit exceeded", "client_ip", clientIP)
		s.metrics.Error("rate_limited")
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	if err := s.tracker.Admit(clientIP, cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerIP); err != nil {
		if errors.Is(err, ErrServerFull) {
			slog.Warn("max connections reached", "current", s.tracker.ActiveConnections(), "max", cfg.Security.MaxConnections)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		} else {
			slog.Warn("max connections per IP reached", "client_ip", clientIP, "current", s.tracker.ConnectionsFrom(clientIP))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		}
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: cfg.Server.OriginPatterns,
	})
	if err != nil {
		s.tracker.Release(clientIP)
		s.metrics.Error("accept_failure")
		slog.Error("failed to accept websocket", "client_ip", clientIP, "error", err)
		return
	}
	conn.SetReadLimit(cfg.Server.MaxMessageSize)

	if s.metrics != nil {
		s.metrics.ConnectionsTotal.Inc()
		s.metrics.ActiveConnections.Inc()
	}
	s.conns.Add(1)

	// The connection outlives ServeHTTP, so it hangs off ShutdownCtx rather
	// than r.Context().
	connCtx, connCancel := context.WithCancel(s.shutdownCtx)

	deps := s.deps
	deps.Decoder = codec.Decoder{AcceptEncoded: cfg.Protocol.AcceptEncodedInbound}
	deps.QueueSize = cfg.Server.SendQueueSize
	deps.WriteTimeout = cfg.Server.WriteTimeout
	if deps.Metrics == nil {
		deps.Metrics = s.metrics
	}
	sess := session.New(&wsTransport{conn: conn}, deps)

	slog.Info("connection established", "client_ip", clientIP, "session", sess.ID(), "path", r.URL.Path)

	if cfg.Server.PingInterval > 0 {
		go keepAlive(connCtx, conn, cfg.Server.PingInterval, cfg.Server.PongTimeout, connCancel)
	}

	var closeOnce sync.Once
	closeConn := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() { conn.Close(code, reason) })
	}

	// Drain watcher: a close frame makes the reader return.
	go func() {
		select {
		case <-s.drainCtx.Done():
			closeConn(websocket.StatusGoingAway, "server shutting down")
		case <-connCtx.Done():
		}
	}()

	var msgLimiter *rate.Limiter
	if cfg.Security.RateLimit.Enabled {
		msgLimiter = security.NewMessageLimiter(cfg.Security.RateLimit.MessagesPerSecond)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer connCancel()
		if err := sess.Run(connCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Debug("writer stopped", "session", sess.ID(), "reason", err)
			if errors.Is(err, session.ErrSlowConsumer) {
				closeConn(websocket.StatusPolicyViolation, "too slow")
			}
		}
	}()
	go func() {
		defer wg.Done()
		defer connCancel()
		sess.Open()
		s.readLoop(connCtx, conn, sess, msgLimiter)
		sess.Close()
	}()

	go func() {
		start := time.Now()
		wg.Wait()
		closeConn(websocket.StatusNormalClosure, "")
		s.tracker.Release(clientIP)
		if s.metrics != nil {
			s.metrics.ActiveConnections.Dec()
		}
		slog.Info("connection closed", "client_ip", clientIP, "session", sess.ID(), "duration", time.Since(start).String())
		s.conns.Done()
	}()
}

// readLoop hands inbound frames to the session until the connection ends.
// It is the session's dispatch goroutine.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, limiter *rate.Limiter) {
	for {
		// Keepalive pings detect dead peers, so reads carry no deadline.
		_, data, err := conn.Read(ctx)
		if err != nil {
			slog.Debug("read stopped", "session", sess.ID(), "reason", err)
			return
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				slog.Debug("message rate limit", "session", sess.ID(), "reason", err)
				return
			}
		}
		s.tracker.CountMessage()
		sess.Handle(ctx, data)
	}
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, frame)
}

// keepAlive sends periodic pings. If one fails or times out it closes the
// connection and cancels the connection context.
func keepAlive(ctx context.Context, conn *websocket.Conn, interval, pongTimeout time.Duration, onFail context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pongTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Debug("keepalive ping failed, closing connection", "error", err)
				conn.Close(websocket.StatusGoingAway, "keepalive timeout")
				onFail()
				return
			}
		}
	}
}

// noDirListing answers 404 for directory paths instead of an index page.
func noDirListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
