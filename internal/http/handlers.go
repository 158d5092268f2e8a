// Package httpapi exposes the relay over HTTP: the duplex websocket endpoint
// and the REST ride actions.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-realtime/internal/auth"
	"github.com/example/ride-realtime/internal/dispatch"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/relay"
	"github.com/example/ride-realtime/internal/restapi"
)

type Server struct {
	relay  *relay.Service
	hub    *dispatch.Hub
	auth   *auth.JWTService
	logger *slog.Logger
	mux    *mux.Router

	upgrader websocket.Upgrader
	// base context for websocket sessions; cancelled on shutdown
	sessions context.Context
}

func NewServer(ctx context.Context, svc *relay.Service, hub *dispatch.Hub, jwt *auth.JWTService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		relay:    svc,
		hub:      hub,
		auth:     jwt,
		logger:   logger.With("component", "http"),
		mux:      mux.NewRouter(),
		sessions: ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.HandleFunc("/ws/{role}/{id}/", s.handleWS)
	s.mux.HandleFunc("/ws/{role}/{id}", s.handleWS)

	api := s.mux.PathPrefix("/api/rides").Subrouter()
	api.HandleFunc("/available", s.handleAvailable).Methods(http.MethodGet)
	api.HandleFunc("/{id}/messages", s.handleMessages).Methods(http.MethodGet)
	api.HandleFunc("/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/{id}/decline", s.handleDecline).Methods(http.MethodPost)
	api.HandleFunc("/{id}/arrive", s.advance(models.StatusDriverArrived)).Methods(http.MethodPost)
	api.HandleFunc("/{id}/start", s.advance(models.StatusInProgress)).Methods(http.MethodPost)
	api.HandleFunc("/{id}/complete", s.advance(models.StatusCompleted)).Methods(http.MethodPost)
	api.HandleFunc("/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := auth.Identity{Role: models.Role(vars["role"]), UserID: vars["id"]}
	if id.Role != models.RoleCustomer && id.Role != models.RoleDriver {
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}
	if err := s.auth.Check(r.URL.Query().Get("token"), id); err != nil {
		s.logger.Warn("ws auth rejected", "role", id.Role, "id", id.UserID, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	// the server's read timeout must not apply to the long-lived session
	_ = conn.SetReadDeadline(time.Time{})
	c := s.hub.Register(id.Role, id.UserID, conn)
	go func() {
		s.hub.Serve(c, func(c *dispatch.Client, env models.Envelope) {
			s.relay.HandleEnvelope(s.sessions, c, env)
		})
		s.relay.Disconnected(context.WithoutCancel(s.sessions), c)
	}()
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r, models.RoleDriver)
	if !ok {
		return
	}
	p, err := s.relay.Accept(r.Context(), mux.Vars(r)["id"], id.UserID)
	if err != nil {
		s.writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var body reasonBody
	if !decodeOptional(w, r, &body) {
		return
	}
	if err := s.relay.Decline(r.Context(), mux.Vars(r)["id"], id.UserID, body.Reason); err != nil {
		s.writeRelayError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) advance(to models.RideStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.identity(w, r, models.RoleDriver)
		if !ok {
			return
		}
		if err := s.relay.Advance(r.Context(), mux.Vars(r)["id"], id.UserID, to); err != nil {
			s.writeRelayError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r, models.RoleCustomer, models.RoleDriver)
	if !ok {
		return
	}
	var body reasonBody
	if !decodeOptional(w, r, &body) {
		return
	}
	if err := s.relay.Cancel(r.Context(), mux.Vars(r)["id"], id.Role, id.UserID, body.Reason); err != nil {
		s.writeRelayError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r, models.RoleDriver)
	if !ok {
		return
	}
	offers, err := s.relay.Available(r.Context(), id.UserID)
	if err != nil {
		s.writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r, models.RoleCustomer, models.RoleDriver, models.RoleAdmin)
	if !ok {
		return
	}
	msgs, err := s.relay.Messages(r.Context(), mux.Vars(r)["id"], id.Role, id.UserID)
	if err != nil {
		s.writeRelayError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// identity reads the caller from the identity headers and checks the bearer
// token against it.
func (s *Server) identity(w http.ResponseWriter, r *http.Request, allowed ...models.Role) (auth.Identity, bool) {
	id := auth.Identity{
		Role:   models.Role(r.Header.Get(restapi.HeaderUserRole)),
		UserID: strings.TrimSpace(r.Header.Get(restapi.HeaderUserID)),
	}
	if id.UserID == "" || !id.Role.Valid() {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return id, false
	}
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if err := s.auth.Check(token, id); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return id, false
	}
	for _, role := range allowed {
		if id.Role == role {
			return id, true
		}
	}
	writeError(w, http.StatusForbidden, "role not allowed")
	return id, false
}

func (s *Server) writeRelayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relay.ErrNotFound):
		writeError(w, http.StatusNotFound, "ride not found")
	case errors.Is(err, relay.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, relay.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, relay.ErrInvalidState):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, relay.ErrBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("relay action failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeOptional decodes a JSON body when one was sent.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, restapi.ErrorBody{Error: msg})
}

// NewHTTPServer wraps h with the relay's timeouts.
func NewHTTPServer(addr string, h http.Handler, read, write, idle time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: read,
		ReadTimeout:       read,
		WriteTimeout:      write,
		IdleTimeout:       idle,
	}
}
