package handler

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/efreed/quizdash/internal/auth"
	"github.com/efreed/quizdash/internal/protocol"
	"github.com/efreed/quizdash/internal/room"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second // Must be less than pongWait
	maxMsgSize  = 4096
	sendBufSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS handled by middleware; tighten in production
	},
}

// WSHandler upgrades host and player connections and hands them to
// their game's room.
type WSHandler struct {
	client  *room.Client
	tickets *auth.TicketManager
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(client *room.Client, tickets *auth.TicketManager) *WSHandler {
	return &WSHandler{client: client, tickets: tickets}
}

// wsConn adapts one WebSocket connection to the room.Conn interface.
type wsConn struct {
	id   string
	conn *websocket.Conn
	room *room.Room
	send chan []byte

	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, r *room.Room) *wsConn {
	return &wsConn{
		id:   uuid.NewString(),
		conn: conn,
		room: r,
		send: make(chan []byte, sendBufSize),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues a frame for the write pump. Called from the room
// goroutine, so it must never block; a slow consumer loses frames and
// recovers by reconnecting.
func (c *wsConn) Send(data []byte) {
	select {
	case c.send <- data:
	default:
		log.Warn().Str("connId", c.id).Msg("Dropping WebSocket message, buffer full")
	}
}

// Kick closes the connection with the given close code. Also called
// from the room goroutine; WriteControl is safe alongside the write pump.
func (c *wsConn) Kick(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.conn.Close()
	})
}

// ServeHostWS handles GET /api/v1/ws/host, upgrading the host connection.
// Auth via ?ticket= query parameter (WebSocket can't send headers).
func (h *WSHandler) ServeHostWS(w http.ResponseWriter, r *http.Request) {
	ticketStr := r.URL.Query().Get("ticket")
	if ticketStr == "" {
		writeError(w, http.StatusUnauthorized, "missing ticket parameter")
		return
	}
	claims, err := h.tickets.Validate(ticketStr)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired ticket")
		return
	}

	// Secret check is retried against a fresh room handle; the upgrade
	// below never is, the client owns reconnection.
	ok, err := h.client.ValidateHostSecret(r.Context(), claims.GameID, claims.Secret)
	if err != nil {
		if errors.Is(err, room.ErrGameNotFound) {
			writeError(w, http.StatusNotFound, "game not found")
			return
		}
		log.Error().Err(err).Str("gameId", claims.GameID).Msg("Host secret validation failed")
		writeError(w, http.StatusServiceUnavailable, "try again")
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "ticket does not match this game")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	gameRoom, err := h.client.RoomForUpgrade(r.Context(), claims.GameID)
	if err != nil {
		closeWith(conn, protocol.CloseNotFound, "game not found")
		return
	}

	c := newWSConn(conn, gameRoom)
	if err := gameRoom.AttachHost(c); err != nil {
		closeWith(conn, protocol.CloseNotFound, "game not found")
		return
	}
	go c.writePump()
	go c.readPump()
	log.Info().Str("gameId", claims.GameID).Str("connId", c.id).Msg("Host connected")
}

// ServePlayerWS handles GET /api/v1/ws/play, upgrading a player
// connection. The upgrade always succeeds so the client gets a proper
// close code even when the game does not exist.
func (h *WSHandler) ServePlayerWS(w http.ResponseWriter, r *http.Request) {
	gameID := r.URL.Query().Get("game")
	if gameID == "" {
		writeError(w, http.StatusBadRequest, "missing game parameter")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	gameRoom, err := h.client.RoomForUpgrade(r.Context(), gameID)
	if err != nil {
		closeWith(conn, protocol.CloseNotFound, "game not found")
		return
	}

	c := newWSConn(conn, gameRoom)
	if err := gameRoom.AttachPlayer(c); err != nil {
		closeWith(conn, protocol.CloseNotFound, "game not found")
		return
	}
	go c.writePump()
	go c.readPump()
	log.Info().Str("gameId", gameID).Str("connId", c.id).Msg("Player connected")
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

// readPump reads frames from the socket into the room mailbox.
func (c *wsConn) readPump() {
	defer func() {
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.detach(err)
			} else {
				c.detach(nil)
			}
			return
		}
		if err := c.room.HandleMessage(c.id, message); err != nil {
			// Mailbox full or room gone; shed this connection.
			log.Warn().Err(err).Str("connId", c.id).Msg("Dropping connection, room unavailable")
			c.Kick(websocket.CloseTryAgainLater, "server busy")
			c.detach(err)
			return
		}
	}
}

// detach removes this connection from the room's registry. A closed
// room drops its registry with it, but a full mailbox would leave the
// entry behind, so that failure is logged rather than swallowed.
func (c *wsConn) detach(cause error) {
	if err := c.room.Detach(c.id, cause); err != nil && !errors.Is(err, room.ErrRoomClosed) {
		log.Error().Err(err).Str("connId", c.id).Msg("Failed to detach connection")
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
