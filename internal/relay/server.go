// Package relay is a development server speaking the sync client's
// named-event protocol over WebSocket, backed by an in-memory request book.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/care-sync/internal/geo"
	"github.com/example/care-sync/internal/ingest"
	"github.com/example/care-sync/internal/models"
	"github.com/example/care-sync/internal/notify"
)

const maxFrameBytes = 64 << 10

// LocationPublisher forwards provider samples downstream (Kafka in
// production wiring).
type LocationPublisher interface {
	PublishLocation(ctx context.Context, loc ingest.ProviderLocation) error
}

type Server struct {
	hub       *Hub
	book      *Book
	locations *geo.Index
	publisher LocationPublisher
	notifier  notify.Notifier
	logger    *slog.Logger
	mux       *mux.Router
	upgrader  websocket.Upgrader
}

type Option func(*Server)

func WithPublisher(p LocationPublisher) Option { return func(s *Server) { s.publisher = p } }

// WithNotifier sets where status changes go when the affected user has no
// socket attached.
func WithNotifier(n notify.Notifier) Option { return func(s *Server) { s.notifier = n } }

func WithBook(b *Book) Option { return func(s *Server) { s.book = b } }

func NewServer(logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		book:      NewBook(),
		locations: geo.NewIndex(),
		logger:    logger.With("component", "relay"),
		mux:       mux.NewRouter(),
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	for _, o := range opts {
		o(s)
	}
	s.hub = NewHub(s.logger)
	s.routes()
	s.registerMiddleware()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Book() *Book { return s.book }

// handleWS attaches a socket identified by the userId and role query
// parameters and serves its frames until it closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, role := q.Get("userId"), models.Role(q.Get("role"))
	if userID == "" || !role.Valid() {
		http.Error(w, "userId and role are required", http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)
	l := s.requestLogger(r.Context())
	c := s.hub.Add(ws, userID, role)
	l.Info("client attached", "user_id", userID, "role", role)
	defer func() {
		s.hub.Remove(c)
		l.Info("client detached", "user_id", userID)
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Debug("read ended", "user_id", userID, "error", err)
			}
			return
		}
		s.handleFrame(c, data)
	}
}

// RunExpiry expires open requests older than maxAge every interval and
// tells the affected parties.
func (s *Server) RunExpiry(ctx context.Context, interval, maxAge time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, r := range s.book.ExpireOpen(maxAge) {
				s.logger.Info("request expired", "request_id", r.ID)
				s.pushStatus(r, "")
				s.hideFromProviders(r.ID, "")
			}
		}
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errInvalidPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errInvalidPayload
	}
	return nil
}
