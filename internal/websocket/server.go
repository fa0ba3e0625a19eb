package websocket

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"linkup/internal/auth"
	"linkup/internal/presence"
)

// TokenVerifier validates a session token. Implemented by auth.Service.
type TokenVerifier interface {
	VerifyToken(token string) (*auth.Claims, error)
}

// Server upgrades authenticated HTTP requests into hub clients.
type Server struct {
	hub        *Hub
	dispatcher Dispatcher
	verifier   TokenVerifier
	upgrader   websocket.Upgrader
	maxPerUser int
	bufferSize int
	logger     *zap.Logger
}

func NewServer(hub *Hub, dispatcher Dispatcher, verifier TokenVerifier, allowedOrigins []string,
	maxPerUser, bufferSize int, logger *zap.Logger) *Server {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Server{
		hub:        hub,
		dispatcher: dispatcher,
		verifier:   verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		maxPerUser: maxPerUser,
		bufferSize: bufferSize,
		logger:     logger.Named("websocket"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeHTTP authenticates before upgrading; a rejected handshake never
// registers a session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := s.verifier.VerifyToken(token)
	if err != nil {
		s.logger.Debug("Rejected websocket handshake", zap.Error(err))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if s.maxPerUser > 0 && s.dispatcher.SessionCount(claims.UserID) >= s.maxPerUser {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	session := presence.Session{
		ID:          uuid.NewString(),
		UserID:      claims.UserID,
		Username:    claims.Username,
		ConnectedAt: time.Now().UTC(),
	}
	client := NewClient(s.hub, conn, session, s.dispatcher, s.bufferSize)
	if err := s.hub.Register(client); err != nil {
		conn.Close()
		return
	}
	s.dispatcher.Connect(session)

	go client.WritePump()
	go client.ReadPump()
}
