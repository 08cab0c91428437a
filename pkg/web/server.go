package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dbehnke/ptt-trunk/pkg/config"
	"github.com/dbehnke/ptt-trunk/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

// Server is the dashboard endpoint: the REST API over the trunk's call
// table and presence, plus the live event feed on /ws.
type Server struct {
	config  config.WebConfig
	logger  *logger.Logger
	hub     *WebSocketHub
	api     *API
	started time.Time

	mu     sync.RWMutex
	addr   string
	server *http.Server
	ready  chan struct{}
}

// NewServer creates a dashboard server. calls and presence back the
// REST endpoints and may be nil.
func NewServer(cfg config.WebConfig, calls CallSource, presence PresenceSource, log *logger.Logger) *Server {
	log = log.WithComponent("web")
	return &Server{
		config:  cfg,
		logger:  log,
		hub:     NewWebSocketHub(log),
		api:     NewAPI(calls, presence, log),
		started: time.Now(),
		ready:   make(chan struct{}),
	}
}

// Handler returns the dashboard routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.api.HandleStatus)
	mux.HandleFunc("/api/calls", s.api.HandleCalls)
	mux.HandleFunc("/api/subscribers", s.api.HandleSubscribers)
	mux.Handle("/ws", s.hub.Handler())
	return mux
}

// Start serves the dashboard until ctx is canceled. It returns nil
// immediately when the dashboard is disabled.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Web server is disabled")
		return nil
	}

	// Bind first so port 0 resolves before anyone asks for Addr
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Host, s.config.Port))
	if err != nil {
		return fmt.Errorf("web listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.addr = listener.Addr().String()
	s.server = srv
	s.mu.Unlock()
	close(s.ready)

	go s.hub.Run(ctx)
	s.logger.Info("Web server listening", logger.String("addr", listener.Addr().String()))

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("web shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// WaitStarted blocks until the listener is bound or ctx is canceled
func (s *Server) WaitStarted(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetAddr returns the bound address, or "" before Start
func (s *Server) GetAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// GetHub returns the event hub that feeds /ws
func (s *Server) GetHub() *WebSocketHub {
	return s.hub
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.api.writeJSON(w, map[string]interface{}{
		"status":         "ok",
		"service":        "ptt-trunk",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"ws_clients":     s.hub.GetClientCount(),
	})
}
