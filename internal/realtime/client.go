package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codeblocks/internal/session"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBufferSize = 256
)

var errConnectionClosed = errors.New("connection closed")

// EventHandler receives decoded inbound events and disconnect notifications.
type EventHandler interface {
	Dispatch(ctx context.Context, peer session.Peer, event string, data json.RawMessage)
	Disconnect(ctx context.Context, peer session.Peer)
}

// Client is one websocket connection. It implements session.Peer.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	limiter *rate.Limiter
	logger  *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

var _ session.Peer = (*Client)(nil)

func newClient(id string, hub *Hub, conn *websocket.Conn, limiter *rate.Limiter, logger *zap.Logger) *Client {
	return &Client{
		id:      id,
		hub:     hub,
		conn:    conn,
		limiter: limiter,
		logger:  logger.With(zap.String("connection_id", id)),
		send:    make(chan []byte, sendBufferSize),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Emit queues an event for this connection only.
func (c *Client) Emit(event string, payload any) error {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	if !c.enqueue(frame) {
		if c.hub != nil && c.hub.recorder != nil {
			c.hub.recorder.FrameDropped()
		}
		return errConnectionClosed
	}
	return nil
}

func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump handles inbound frames one at a time until the connection drops.
func (c *Client) readPump(handler EventHandler) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		handler.Disconnect(ctx, c)
		cancel()
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var envelope inboundEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil || envelope.Event == "" {
			c.record("", "malformed")
			continue
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.record(envelope.Event, "rate_limited")
			continue
		}

		c.record(envelope.Event, "handled")
		handler.Dispatch(ctx, c, envelope.Event, envelope.Data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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

func (c *Client) record(event, outcome string) {
	if c.hub == nil || c.hub.recorder == nil {
		return
	}
	switch event {
	case session.EventJoin, session.EventLeave, session.EventCodeChange:
	default:
		event = "unknown"
	}
	c.hub.recorder.EventReceived(event, outcome)
}
