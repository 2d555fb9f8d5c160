// Package server coordinates session registration, audience-scoped message
// broadcast, and connection cleanup for the Fireside WebSocket system via the
// Hub type.
package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fireside-chat/fireside/internal/logger"
)

// Session is the ephemeral binding of a live connection to an authenticated
// identity: the username, the tag set snapshotted at login, and the current
// room (empty when the client is in no room). Sessions are owned exclusively
// by the hub and never persisted.
type Session struct {
	Username string
	Tags     []string
	Room     string
}

// Hub manages all WebSocket client connections, the session registry, and
// audience-scoped message broadcasting. Audience membership is kept in
// incrementally maintained indexes (room -> clients, username -> clients)
// so broadcasts never scan unrelated connections.
type Hub struct {
	clients    map[*Client]bool
	sessions   map[*Client]*Session
	rooms      map[string]map[*Client]struct{}
	byUser     map[string][]*Client
	broadcast  chan BroadcastMessage
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates and initializes a new Hub instance with all necessary
// channels, maps, and indexes. The returned Hub is ready to manage
// WebSocket connections.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		sessions:   make(map[*Client]*Session),
		rooms:      make(map[string]map[*Client]struct{}),
		byUser:     make(map[string][]*Client),
		broadcast:  make(chan BroadcastMessage),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// GetRegisterChan returns the channel used for registering new clients to the hub.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering clients from the hub.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// GetBroadcastChan returns the channel used for broadcasting messages.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetBroadcastChan() chan<- BroadcastMessage {
	return h.broadcast
}

// bindSession associates a connection with an authenticated identity. A
// re-login on the same connection replaces the previous binding and clears
// any room membership.
func (h *Hub) bindSession(c *Client, username string, tags []string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if old, ok := h.sessions[c]; ok {
		h.dropUserLocked(old.Username, c)
		h.dropRoomLocked(old.Room, c)
	}
	h.sessions[c] = &Session{Username: username, Tags: append([]string(nil), tags...)}
	h.byUser[username] = append(h.byUser[username], c)
}

// setRoom moves the session into the named room, clearing any previous
// membership. The session must exist.
func (h *Hub) setRoom(c *Client, room string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	s, ok := h.sessions[c]
	if !ok {
		return
	}
	h.dropRoomLocked(s.Room, c)
	s.Room = room
	if room != "" {
		members, ok := h.rooms[room]
		if !ok {
			members = make(map[*Client]struct{})
			h.rooms[room] = members
		}
		members[c] = struct{}{}
	}
}

// sessionOf returns a snapshot of the session bound to the connection.
func (h *Hub) sessionOf(c *Client) (Session, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	s, ok := h.sessions[c]
	if !ok {
		return Session{}, false
	}
	out := *s
	out.Tags = append([]string(nil), s.Tags...)
	return out, true
}

// connectionOf returns the first live connection bound to the username.
// Usernames are not enforced unique across simultaneous connections; each
// login is a distinct session.
func (h *Hub) connectionOf(username string) (*Client, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	conns := h.byUser[username]
	if len(conns) == 0 {
		return nil, false
	}
	return conns[0], true
}

// onlineUsernames returns the sorted set of currently bound identities.
func (h *Hub) onlineUsernames() []string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	seen := make(map[string]struct{}, len(h.sessions))
	for _, s := range h.sessions {
		seen[s.Username] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) dropRoomLocked(room string, c *Client) {
	if room == "" {
		return
	}
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) dropUserLocked(username string, c *Client) {
	conns := h.byUser[username]
	for i, conn := range conns {
		if conn == c {
			h.byUser[username] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.byUser[username]) == 0 {
		delete(h.byUser, username)
	}
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("safe_send_panic_recovered", "panic", r)
		}
	}()

	// Hold the lock during the entire send operation to prevent race conditions
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	// Check if client is still registered and not closed
	_, exists := h.clients[client]
	if !exists || client.closed {
		return false
	}

	// Try to send the message (channel might be closed, so we need to recover from panic)
	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop, handling client registration,
// unregistration, and audience-scoped broadcasting. This method should be
// called in a separate goroutine as it runs indefinitely.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				logger.Warn("nil_client_registration_skipped")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mutex.Unlock()
			activeConnections.Inc()
			logger.Info("client_registered", "addr", client.addr, "total", clientCount)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			if h.removeClient(client) {
				// A connection closing mid-operation completes its in-flight
				// mutation elsewhere; here it simply stops being a broadcast
				// target, and everyone learns the new roster.
				h.handleBroadcast(BroadcastMessage{Scope: scopeAll, Payload: h.rosterPayload()})
			}

		case broadcastMsg := <-h.broadcast:
			h.handleBroadcast(broadcastMsg)
		}
	}
}

// removeClient drops the connection from the registry and every audience
// index. It reports whether a bound session was removed, in which case the
// online-user roster changed.
func (h *Hub) removeClient(client *Client) bool {
	h.mutex.Lock()
	hadSession := false
	if s, ok := h.sessions[client]; ok {
		hadSession = true
		h.dropUserLocked(s.Username, client)
		h.dropRoomLocked(s.Room, client)
		delete(h.sessions, client)
	}
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.closed = true
		clientCount := len(h.clients)
		h.mutex.Unlock()
		// Close the channel after releasing the lock
		close(client.send)
		activeConnections.Dec()
		logger.Info("client_unregistered", "addr", client.addr, "total", clientCount)
	} else {
		h.mutex.Unlock()
	}
	return hadSession
}

var hub = NewHub()

// handleBroadcast resolves the message's audience through the indexes and
// delivers the payload to each live target. Sends are fire-and-forget: a
// recipient with a full buffer is dropped rather than blocking the rest.
func (h *Hub) handleBroadcast(broadcastMsg BroadcastMessage) {
	targets := h.resolveTargets(broadcastMsg)
	broadcastsTotal.WithLabelValues(scopeLabel(broadcastMsg.Scope)).Inc()

	var clientsToRemove []*Client
	for _, client := range targets {
		if broadcastMsg.Exclude != nil && client == broadcastMsg.Exclude {
			continue
		}
		if !h.safeSend(client, broadcastMsg.Payload) {
			clientsToRemove = append(clientsToRemove, client)
		}
	}

	h.removeFailedClients(clientsToRemove)
}

// resolveTargets returns a thread-safe snapshot of the connections in the
// message's audience.
func (h *Hub) resolveTargets(msg BroadcastMessage) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	switch msg.Scope {
	case scopeAll:
		targets := make([]*Client, 0, len(h.sessions))
		for client := range h.sessions {
			targets = append(targets, client)
		}
		return targets
	case scopeRoom:
		members := h.rooms[msg.Room]
		targets := make([]*Client, 0, len(members))
		for client := range members {
			targets = append(targets, client)
		}
		return targets
	case scopeUser:
		return append([]*Client(nil), h.byUser[msg.User]...)
	case scopeClient:
		if msg.Client == nil {
			return nil
		}
		return []*Client{msg.Client}
	}
	return nil
}

// rosterPayload builds an update_online_users envelope from the current
// session registry.
func (h *Hub) rosterPayload() []byte {
	payload, err := newEnvelope(TypeUpdateOnlineUsers, h.onlineUsernames())
	if err != nil {
		logger.Error("roster_payload_failed", "err", err)
		return nil
	}
	return payload
}

// removeFailedClients removes clients that failed to receive messages and closes their channels
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range clientsToRemove {
		if _, exists := h.clients[client]; exists {
			delete(h.clients, client)
			client.closed = true
			if s, ok := h.sessions[client]; ok {
				h.dropUserLocked(s.Username, client)
				h.dropRoomLocked(s.Room, client)
				delete(h.sessions, client)
			}
			channelsToClose = append(channelsToClose, client.send)
			droppedClients.Inc()
			logger.Warn("client_dropped_full_buffer", "addr", client.addr)
		}
	}
	h.mutex.Unlock()

	// Close channels after releasing the lock
	for _, ch := range channelsToClose {
		close(ch)
		activeConnections.Dec()
	}
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() {
	logger.Info("shutting_down_client_connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	// Close all client connections
	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					logger.Warn("client_close_error", "addr", client.addr, "err", err)
				}
			}
		}
	}

	logger.Info("client_connections_closed", "count", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	logger.Info("hub_shutdown_initiated")

	// Signal shutdown
	h.cancel()

	// Wait for Run() to complete
	<-h.done

	// Wait for all client goroutines to finish with timeout
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("hub_shutdown_completed")
		return nil
	case <-time.After(timeout):
		logger.Warn("hub_shutdown_timeout")
		return context.DeadlineExceeded
	}
}
