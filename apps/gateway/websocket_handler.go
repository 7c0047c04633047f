package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mahaj/roomchat/pkg/auth"
	"github.com/mahaj/roomchat/pkg/session"
	"github.com/mahaj/roomchat/pkg/snowflake"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer: a full text message plus the
	// JSON envelope around it.
	maxMessageSize = 128 * 1024

	// Frames queued per connection before it counts as a slow consumer.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a middleman between the websocket connection and the session.
type Client struct {
	id     snowflake.ID
	userID int64

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (c *Client) ID() snowflake.ID { return c.id }
func (c *Client) UserID() int64    { return c.userID }

// Send queues a frame without blocking. It reports false when the buffer
// is full or the client is closing.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which closes the socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump pumps frames from the websocket connection to the session.
func (c *Client) readPump(ctx context.Context, s *session.Session, log zerolog.Logger) {
	defer func() {
		s.Close(context.WithoutCancel(ctx))
		c.Close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Stringer("conn", c.id).Msg("websocket read")
			}
			return
		}
		s.Handle(ctx, message)
	}
}

// writePump pumps frames to the websocket connection. Each frame is its
// own websocket message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
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

// wsHandler authenticates the upgrade request and runs a session per
// connection.
type wsHandler struct {
	ctx      context.Context
	sessions *session.Handler
	issuer   *auth.Issuer
	node     *snowflake.Node
	log      zerolog.Logger
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.issuer.Authenticate(r)
	if err != nil {
		h.log.Debug().Err(err).Msg("unauthorized websocket upgrade")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	client := &Client{
		id:     h.node.Generate(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	s := h.sessions.Connect(h.ctx, client)

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump(h.ctx, s, h.log)
}
