package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/franckalain/nutrilog/internal/auth"
	"github.com/franckalain/nutrilog/internal/logbook"
	"github.com/franckalain/nutrilog/internal/repository"
	"github.com/franckalain/nutrilog/internal/tenant"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon only listens for the local client.
		return true
	},
}

// Deps are the components the API exposes.
type Deps struct {
	Auth       auth.Provider
	Binder     *tenant.Binder
	Repository *repository.Repository
	Logbook    *logbook.Logbook
	Logger     *slog.Logger
	Debug      bool
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type Server struct {
	auth     auth.Provider
	binder   *tenant.Binder
	repo     *repository.Repository
	book     *logbook.Logbook
	logger   *slog.Logger
	debug    bool
	now      func() time.Time
	clients  sync.Map
	handlers map[string]handlerFunc
	router   chi.Router
}

// client is one websocket connection. gorilla allows a single concurrent writer.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outgoing struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		auth:   d.Auth,
		binder: d.Binder,
		repo:   d.Repository,
		book:   d.Logbook,
		logger: logger,
		debug:  d.Debug,
		now:    now,
	}
	s.handlers = s.routes()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	s.router = r

	s.binder.Subscribe(s.broadcastState)
	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on port until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.String("port", port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.clients.Range(func(_, value any) bool {
		value.(*client).conn.Close()
		return true
	})
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	c := &client{conn: conn}
	clientID := uuid.New().String()
	s.clients.Store(clientID, c)
	defer s.clients.Delete(clientID)
	s.logger.Debug("client connected", slog.String("client_id", clientID))

	s.reply(c, "session_state", s.binder.Snapshot())
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("error reading message", slog.String("error", err.Error()))
			}
			return
		}

		var msg envelope
		if err := json.Unmarshal(message, &msg); err != nil || msg.Type == "" {
			s.sendError(c, "Invalid message format")
			continue
		}
		s.handleWebSocketMessage(r.Context(), c, msg)
	}
}

func (s *Server) handleWebSocketMessage(ctx context.Context, c *client, msg envelope) {
	h, ok := s.handlers[msg.Type]
	if !ok {
		s.sendError(c, "Unknown message type")
		return
	}
	if s.debug {
		s.logger.Debug("handling message", slog.String("type", msg.Type))
	}
	replyType, data, err := h(ctx, msg.Data)
	if err != nil {
		s.sendError(c, s.userMessage(msg.Type, err))
		return
	}
	s.reply(c, replyType, data)
}

func (s *Server) broadcastState(snap tenant.Snapshot) {
	s.clients.Range(func(_, value any) bool {
		s.reply(value.(*client), "session_state", snap)
		return true
	})
}

func (s *Server) reply(c *client, messageType string, data any) {
	if err := c.send(outgoing{Type: messageType, Data: data}); err != nil {
		s.logger.Warn("error sending message", slog.String("type", messageType), slog.String("error", err.Error()))
	}
}

func (s *Server) sendError(c *client, message string) {
	if err := c.send(outgoing{Type: "error", Message: message}); err != nil {
		s.logger.Warn("error sending error message", slog.String("error", err.Error()))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
