package eventfeed

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/reqline/agentcore/internal/observability"
)

// Server exposes the feed over websocket along with metrics and health
// endpoints.
type Server struct {
	port         int
	sharedSecret string
	upgrader     websocket.Upgrader
	subs         *SubscriberRegistry
	feed         *Feed
	server       *http.Server
	logger       zerolog.Logger
}

// Config holds server configuration.
type Config struct {
	Port int
	// SharedSecret, when set, must be presented by subscribers in the
	// X-Feed-Secret header (or the secret query parameter).
	SharedSecret string
	Logger       zerolog.Logger
}

// NewServer creates a feed server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}

	subs := NewSubscriberRegistry()
	s := &Server{
		port:         cfg.Port,
		sharedSecret: cfg.SharedSecret,
		subs:         subs,
		feed:         NewFeed(subs, cfg.Logger),
		logger:       cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	return s, nil
}

// Feed returns the broadcaster backed by this server's subscribers.
func (s *Server) Feed() *Feed {
	return s.feed
}

// Handler returns the HTTP handler serving /ws, /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Int("port", s.port).Msg("Starting event feed server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Event feed server error")
		}
	}()
	return nil
}

// Stop closes subscriber connections and shuts the server down.
func (s *Server) Stop() error {
	for _, sub := range s.subs.All() {
		sub.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown feed server: %w", err)
	}
	s.logger.Info().Msg("Event feed server stopped")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.sharedSecret != "" {
		secret := r.Header.Get("X-Feed-Secret")
		if secret == "" {
			secret = r.URL.Query().Get("secret")
		}
		if secret != s.sharedSecret {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	subID, _ := gonanoid.New()
	sub := &Subscriber{
		ID:          subID,
		Conn:        conn,
		ConnectedAt: time.Now(),
	}
	s.subs.Add(sub)

	s.logger.Info().
		Str("subscriberId", subID).
		Str("ip", r.RemoteAddr).
		Msg("Feed subscriber connected")

	go s.readLoop(sub)
}

// readLoop drains inbound frames so pings are answered, and reaps the
// subscriber when the connection drops. The feed is one-directional;
// subscriber payloads are discarded.
func (s *Server) readLoop(sub *Subscriber) {
	defer func() {
		sub.Conn.Close()
		s.subs.Remove(sub.ID)
		s.logger.Info().Str("subscriberId", sub.ID).Msg("Feed subscriber disconnected")
	}()

	for {
		if _, _, err := sub.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("subscriberId", sub.ID).Msg("Feed read error")
			}
			return
		}
	}
}
