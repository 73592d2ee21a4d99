// Package server coordinates connection registration, conversation
// subscriptions and push fan-out for the relay via the Hub type.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/metrics"
)

// ErrHubClosed is returned by hub operations after shutdown has begun.
var ErrHubClosed = errors.New("hub is shut down")

// Hub owns every live connection and the conversation subscriptions between
// them. All registry mutations happen on the Run goroutine; the mutex only
// lets the read-only counters observe a consistent snapshot.
type Hub struct {
	clients    map[*Client]map[string]struct{}
	rooms      map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	join       chan subscription
	leave      chan subscription
	broadcast  chan BroadcastMessage
	direct     chan delivery
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	logger     zerolog.Logger
}

// NewHub creates a Hub. Call Run in its own goroutine before registering
// clients.
func NewHub(logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]map[string]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan subscription),
		leave:      make(chan subscription),
		broadcast:  make(chan BroadcastMessage),
		direct:     make(chan delivery),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

// Register adds a client to the hub. Clients with a websocket connection get
// their read and write pumps started by the hub.
func (h *Hub) Register(ctx context.Context, client *Client) error {
	return sendOrCancel(ctx, h.ctx, h.register, client)
}

// Unregister removes a client from every conversation and closes its send
// channel. Unknown clients are ignored.
func (h *Hub) Unregister(ctx context.Context, client *Client) error {
	return sendOrCancel(ctx, h.ctx, h.unregister, client)
}

// Join subscribes client to a conversation. Joining twice is a no-op apart
// from a second acknowledgement.
func (h *Hub) Join(ctx context.Context, client *Client, conversationID string) error {
	return sendOrCancel(ctx, h.ctx, h.join, subscription{client: client, room: conversationID})
}

// Leave drops a single subscription.
func (h *Hub) Leave(ctx context.Context, client *Client, conversationID string) error {
	return sendOrCancel(ctx, h.ctx, h.leave, subscription{client: client, room: conversationID})
}

// Publish hands payload to every client currently subscribed to
// conversationID. It returns once the payload has been queued for each of
// them, so a subscriber that joined before Publish was called always gets it.
func (h *Hub) Publish(ctx context.Context, conversationID string, payload []byte) error {
	msg := BroadcastMessage{Room: conversationID, Payload: payload, queued: make(chan struct{})}
	if err := sendOrCancel(ctx, h.ctx, h.broadcast, msg); err != nil {
		return err
	}
	select {
	case <-msg.queued:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// notify queues payload for a single client.
func (h *Hub) notify(ctx context.Context, client *Client, payload []byte) error {
	return sendOrCancel(ctx, h.ctx, h.direct, delivery{client: client, payload: payload})
}

func sendOrCancel[T any](ctx, hubCtx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-hubCtx.Done():
		return ErrHubClosed
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns the number of clients subscribed to conversationID.
func (h *Hub) SubscriberCount(conversationID string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.rooms[conversationID])
}

// safeSend queues message without blocking. Only the Run goroutine calls it,
// so the send channel cannot be closed underneath it.
func (h *Hub) safeSend(client *Client, message []byte) bool {
	if _, exists := h.clients[client]; !exists || client.closed {
		return false
	}
	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's event loop. It returns after Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.removeClient(client, "disconnected")

		case sub := <-h.join:
			h.handleJoin(sub)

		case sub := <-h.leave:
			h.handleLeave(sub)

		case msg := <-h.broadcast:
			h.handleBroadcast(msg)

		case d := <-h.direct:
			if !h.safeSend(d.client, d.payload) {
				h.removeClient(d.client, "send buffer full")
			}
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	if client == nil {
		h.logger.Warn().Msg("received nil client registration; skipping")
		return
	}

	h.mutex.Lock()
	client.closed = false
	h.clients[client] = make(map[string]struct{})
	clientCount := len(h.clients)
	h.mutex.Unlock()

	metrics.Connections.Inc()
	client.logger.Info().Int("clients", clientCount).Msg("client registered")

	if client.conn == nil {
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) handleJoin(sub subscription) {
	h.mutex.Lock()
	rooms, registered := h.clients[sub.client]
	if !registered {
		h.mutex.Unlock()
		return
	}
	if _, already := rooms[sub.room]; !already {
		rooms[sub.room] = struct{}{}
		members := h.rooms[sub.room]
		if members == nil {
			members = make(map[*Client]struct{})
			h.rooms[sub.room] = members
		}
		members[sub.client] = struct{}{}
		metrics.Subscriptions.Inc()
	}
	h.mutex.Unlock()

	sub.client.logger.Debug().Str("conversation_id", sub.room).Msg("joined conversation")
	h.ack(sub.client, chat.EventJoined, sub.room)
}

func (h *Hub) handleLeave(sub subscription) {
	h.mutex.Lock()
	rooms, registered := h.clients[sub.client]
	if !registered {
		h.mutex.Unlock()
		return
	}
	if _, joined := rooms[sub.room]; joined {
		delete(rooms, sub.room)
		h.dropMember(sub.room, sub.client)
	}
	h.mutex.Unlock()

	h.ack(sub.client, chat.EventLeft, sub.room)
}

func (h *Hub) ack(client *Client, event, room string) {
	payload, err := chat.EncodeEvent(event, room)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("encoding acknowledgement")
		return
	}
	if !h.safeSend(client, payload) {
		h.removeClient(client, "send buffer full")
	}
}

// dropMember removes client from one room. Callers hold h.mutex.
func (h *Hub) dropMember(room string, client *Client) {
	members := h.rooms[room]
	if members == nil {
		return
	}
	if _, ok := members[client]; !ok {
		return
	}
	delete(members, client)
	metrics.Subscriptions.Dec()
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// handleBroadcast queues a payload for every subscriber of the target room.
// Subscribers that cannot keep up are disconnected rather than blocking the loop.
func (h *Hub) handleBroadcast(msg BroadcastMessage) {
	defer close(msg.queued)

	targets := h.subscriberSnapshot(msg.Room)
	var clientsToRemove []*Client
	for _, client := range targets {
		if h.safeSend(client, msg.Payload) {
			metrics.PushesDelivered.WithLabelValues("queued").Inc()
			continue
		}
		metrics.PushesDelivered.WithLabelValues("dropped").Inc()
		clientsToRemove = append(clientsToRemove, client)
	}

	h.logger.Debug().
		Str("conversation_id", msg.Room).
		Int("subscribers", len(targets)).
		Int("dropped", len(clientsToRemove)).
		Msg("broadcast")

	for _, client := range clientsToRemove {
		h.removeClient(client, "send buffer full")
	}
}

func (h *Hub) subscriberSnapshot(room string) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	members := h.rooms[room]
	clients := make([]*Client, 0, len(members))
	for client := range members {
		clients = append(clients, client)
	}
	return clients
}

// removeClient drops client from the registry and every room, then closes
// its send channel so the write pump can finish.
func (h *Hub) removeClient(client *Client, reason string) {
	h.mutex.Lock()
	rooms, ok := h.clients[client]
	if !ok {
		h.mutex.Unlock()
		return
	}
	for room := range rooms {
		h.dropMember(room, client)
	}
	delete(h.clients, client)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	close(client.send)
	metrics.Connections.Dec()
	client.logger.Info().Str("reason", reason).Int("clients", clientCount).Msg("client unregistered")
}

// shutdownClients closes every connection and send channel.
func (h *Hub) shutdownClients() {
	h.logger.Info().Msg("shutting down all client connections")

	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		h.removeClient(client, "server shutdown")
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				client.logger.Warn().Err(err).Msg("error closing client connection")
			}
		}
	}

	h.logger.Info().Int("closed", len(clients)).Msg("client connections closed")
}

// Shutdown stops the event loop and waits for every client goroutine to
// finish, or for timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info().Msg("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

var _ chat.Broadcaster = (*Hub)(nil)
