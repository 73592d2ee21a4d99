// Package server exposes HTTP handlers, including websocket upgrades, health
// checks, and the JSON ingress API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/model"
	"github.com/Tyrowin/chatrelay/internal/reconcile"
)

const (
	maxJSONBody    = 64 << 10
	maxPayloadBody = 16 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// JSON writes data as a JSON response with the given status code.
func (s *Server) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug().Err(err).Msg("writing response")
	}
}

// Error sends a JSON error response with the given status code.
func (s *Server) Error(w http.ResponseWriter, status int, message string) {
	s.JSON(w, status, map[string]string{"error": message})
}

// fail maps a domain error onto its HTTP status.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrValidation):
		s.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrConflict):
		s.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrNotFound):
		s.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrUnrecognizedPayload):
		s.Error(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, model.ErrStorageUnavailable):
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("storage unavailable")
		s.Error(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		s.Error(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// ListMembers handles GET /api/members.
func (s *Server) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.service.Members(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if members == nil {
		members = []model.Member{}
	}
	s.JSON(w, http.StatusOK, members)
}

// CreateMember handles POST /api/members.
func (s *Server) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req model.Member
	if !s.decode(w, r, &req) {
		return
	}
	member, err := s.service.AddMember(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.JSON(w, http.StatusCreated, map[string]any{"success": true, "member": member})
}

// ListConversations handles GET /api/conversations.
func (s *Server) ListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.service.Conversations(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if conversations == nil {
		conversations = []model.Conversation{}
	}
	s.JSON(w, http.StatusOK, conversations)
}

// GetMessages handles GET /api/messages/{conversationID}.
func (s *Server) GetMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(chi.URLParam(r, "conversationID"))
	if conversationID == "" {
		s.Error(w, http.StatusBadRequest, "conversation id is required")
		return
	}
	messages, err := s.service.Messages(r.Context(), conversationID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}
	s.JSON(w, http.StatusOK, messages)
}

// SendMessage handles POST /api/messages. The stored message is pushed to
// the conversation's subscribers before the response is written.
func (s *Server) SendMessage(w http.ResponseWriter, r *http.Request) {
	var draft model.Message
	if !s.decode(w, r, &draft) {
		return
	}
	msg, err := s.service.Send(r.Context(), draft)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.JSON(w, http.StatusCreated, map[string]any{"success": true, "message": msg})
}

// IngestPayload handles POST /api/payloads: one webhook unit with either a
// messages or a statuses array. The unit name comes from ?name= when given.
func (s *Server) IngestPayload(w http.ResponseWriter, r *http.Request) {
	if s.payloads == nil {
		s.Error(w, http.StatusNotFound, "payload ingestion is disabled")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBody))
	if err != nil {
		s.Error(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = "webhook-" + time.Now().UTC().Format("20060102T150405.000")
	}

	report := s.payloads.ProcessUnit(r.Context(), name, body)
	if report.Kind == reconcile.KindUnrecognized {
		s.JSON(w, http.StatusUnprocessableEntity, report)
		return
	}
	s.JSON(w, http.StatusOK, report)
}

// HealthHandler reports liveness. It answers even before the server is ready.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "chatrelay is running")
}

// ReadyHandler reports 200 once the server is ready and the store answers.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if !s.Ready() {
		s.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("readiness check: store unreachable")
			s.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	s.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// WebSocketHandler upgrades the request and hands the connection to the hub,
// which starts the client's read and write pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr)
	if err := s.hub.Register(r.Context(), client); err != nil {
		s.logger.Warn().Err(err).Msg("rejecting connection")
		_ = conn.Close()
	}
}
