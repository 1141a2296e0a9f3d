// Websocket channel manager.
//
// One Client per connection, one writer goroutine draining a buffered send
// channel. A slow reader is abandoned, never waited on. The hub is the only
// component that pushes frames to browsers.

package main

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Messages coming from clients
type ClientMessage struct {
	Type string `json:"type"` // "register"
	FID  uint64 `json:"fid,omitempty"`
}

// SessionCreatedMessage hands the client its correlation token immediately
// after connect, so it can thread the token through a composer submission.
type SessionCreatedMessage struct {
	Type      string `json:"type"` // "sessionCreated"
	SessionID string `json:"sessionId"`
}

// UserDataMessage is the push sent on register replay and on every webhook
// delivery for the session.
type UserDataMessage struct {
	Type      string         `json:"type"` // "userData"
	SessionID string         `json:"sessionId"`
	FID       uint64         `json:"fid"`
	Data      map[string]any `json:"data"`
	User      *Profile       `json:"user,omitempty"`
}

type Client struct {
	conn  *websocket.Conn
	send  chan any
	token string

	mu     sync.Mutex
	sess   *Session
	closed bool
}

// trySend queues a frame for the writer goroutine without ever blocking.
// A closed client reports NoChannelBound; a saturated buffer ChannelFull.
func (c *Client) trySend(msg any) PushStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return NoChannelBound
	}

	select {
	case c.send <- msg:
		return Delivered
	default:
		return ChannelFull
	}
}

// shutdown closes the send channel exactly once; the writer goroutine then
// closes the connection on its way out.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) setSession(sess *Session) {
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
}

func (c *Client) session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Hub owns the set of live websocket clients and mediates between them and
// the session store. It holds only non-owning references into the store.
type Hub struct {
	cfg      *Config
	store    *SessionStore
	resolver *Resolver

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]bool
}

func newHub(cfg *Config, store *SessionStore, resolver *Resolver) *Hub {
	return &Hub{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.corsOrigin == "*" {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || strings.TrimSuffix(origin, "/") == strings.TrimSuffix(cfg.corsOrigin, "/")
			},
		},
		clients: make(map[*Client]bool),
	}
}

// serveWS upgrades the connection, mints a correlation token, and pushes it
// down as sessionCreated before entering the read loop.
func (h *Hub) serveWS() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(h.cfg, "WS: Upgrade failed for %s: %v", realIP(r), err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
		}
		client.token = h.store.mintToken(client)

		h.mu.Lock()
		h.clients[client] = true
		h.mu.Unlock()

		logf(h.cfg, "WS: Client %s connected, token %s", realIP(r), client.token)

		client.trySend(SessionCreatedMessage{
			Type:      "sessionCreated",
			SessionID: client.token,
		})

		go client.writePump()
		h.readPump(client)
	}
}

func (h *Hub) readPump(c *Client) {
	defer func() {
		h.dropClient(c)
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "register":
			if msg.FID == 0 {
				continue
			}
			h.handleRegister(c, msg.FID)
		default:
			// ignore unknown types
		}
	}
}

// handleRegister attaches the connection to the fid's session (creating it
// on first sight), supersedes any previous channel, and immediately replays
// the current payload snapshot so a reconnecting client catches up on
// webhook deliveries it missed.
func (h *Hub) handleRegister(c *Client, fid uint64) {
	sess := h.store.getOrCreate(fid)
	h.store.bindToken(c.token, fid)

	// Re-registering under a different fid detaches from the old session.
	if prev := c.session(); prev != nil && prev != sess {
		h.store.releaseChannel(prev, c)
	}
	c.setSession(sess)

	sess.mu.Lock()
	sess.bindChannelLocked(c)
	needResolve := sess.Profile == nil
	status := sess.pushLocked(sess.userDataLocked())
	sess.mu.Unlock()

	logf(h.cfg, "WS: Registered fid %d on session %s (%s)", fid, sess.ID, status)

	if needResolve && h.resolver != nil {
		go h.resolveAndPush(sess)
	}
}

// resolveAndPush fetches the profile for a session and, on success, pushes
// a fresh snapshot. Runs without the session lock; the result is committed
// by re-acquiring it. Resolution failure leaves the profile nil, which the
// client renders with a default avatar.
func (h *Hub) resolveAndPush(sess *Session) {
	profile, err := h.resolver.resolve(context.Background(), sess.FID)
	if err != nil {
		logf(h.cfg, "ERROR: %v", err)
		return
	}

	sess.commitProfile(profile)

	sess.mu.Lock()
	status := sess.pushLocked(sess.userDataLocked())
	sess.mu.Unlock()

	logf(h.cfg, "WS: Profile for fid %d pushed (%s)", sess.FID, status)
}

// dropClient tears down a connection: the correlation token dies with it,
// but the session itself survives for the next reconnect.
func (h *Hub) dropClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.shutdown()
	}
	h.mu.Unlock()

	h.store.dropToken(c.token)

	if sess := c.session(); sess != nil {
		h.store.releaseChannel(sess, c)
	}

	logf(h.cfg, "WS: Client with token %s disconnected", c.token)
}

// closeAll disconnects every client, used during shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		c.shutdown()
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
