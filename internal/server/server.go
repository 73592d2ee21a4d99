// Package server implements the HTTP API and push channel of the relay.
package server

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/model"
	"github.com/Tyrowin/chatrelay/internal/reconcile"
)

// ChatService is the ingress surface the handlers call.
type ChatService interface {
	Send(ctx context.Context, draft model.Message) (*model.Message, error)
	Messages(ctx context.Context, conversationID string) ([]model.Message, error)
	Conversations(ctx context.Context) ([]model.Conversation, error)
	Members(ctx context.Context) ([]model.Member, error)
	AddMember(ctx context.Context, member model.Member) (*model.Member, error)
}

// PayloadProcessor applies one webhook payload unit.
type PayloadProcessor interface {
	ProcessUnit(ctx context.Context, name string, data []byte) reconcile.UnitReport
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires a Server.
type Options struct {
	Service  ChatService
	Payloads PayloadProcessor
	Hub      *Hub
	Store    Pinger
	Logger   zerolog.Logger
}

// Server holds the handler dependencies and the readiness gate. Until
// MarkReady is called the API and push channel answer 503.
type Server struct {
	service  ChatService
	payloads PayloadProcessor
	hub      *Hub
	store    Pinger
	logger   zerolog.Logger
	ready    atomic.Bool
}

// New creates a Server that is not yet ready.
func New(opts Options) *Server {
	return &Server{
		service:  opts.Service,
		payloads: opts.Payloads,
		hub:      opts.Hub,
		store:    opts.Store,
		logger:   opts.Logger.With().Str("component", "http").Logger(),
	}
}

// MarkReady opens the gate. Call it once the store is open and the hub runs.
func (s *Server) MarkReady() {
	s.ready.Store(true)
}

// Ready reports whether MarkReady was called.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.routes()
}
