package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"linkup/internal/apperrors"
	"linkup/internal/models"
	"linkup/internal/presence"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	eventTimeout   = 10 * time.Second
)

// Dispatcher is the engine behind the socket. Implemented by chat.Service.
type Dispatcher interface {
	Connect(session presence.Session)
	Disconnect(sessionID string)
	HandleEvent(ctx context.Context, session presence.Session, in models.InboundMessage) error
	SessionCount(userID string) int
}

type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	session    presence.Session
	dispatcher Dispatcher
	logger     *zap.Logger
}

func NewClient(hub *Hub, conn *websocket.Conn, session presence.Session, dispatcher Dispatcher, bufferSize int) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, bufferSize),
		session:    session,
		dispatcher: dispatcher,
		logger: hub.logger.With(
			zap.String("session_id", session.ID),
			zap.String("user_id", session.UserID)),
	}
}

// ReadPump decodes inbound envelopes and hands them to the dispatcher until
// the connection fails. It then releases the session.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.dispatcher.Disconnect(c.session.ID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("Unexpected close", zap.Error(err))
			}
			return
		}

		var in models.InboundMessage
		if err := json.Unmarshal(data, &in); err != nil {
			c.sendError("", apperrors.Validation("malformed event"))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		err = c.dispatcher.HandleEvent(ctx, c.session, in)
		cancel()
		if err != nil {
			if apperrors.KindOf(err) == apperrors.KindInternal {
				c.logger.Error("Event failed", zap.String("type", in.Type), zap.Error(err))
			}
			c.sendError(in.Type, err)
		}
	}
}

// sendError answers the originating session with the domain code of err.
func (c *Client) sendError(eventType string, err error) {
	data, mErr := json.Marshal(models.WebSocketMessage{
		Type: models.EventError,
		Payload: models.ErrorPayload{
			Code:    string(apperrors.KindOf(err)),
			Message: apperrors.PublicMessage(err),
			Event:   eventType,
		},
	})
	if mErr != nil {
		return
	}
	c.hub.Deliver([]string{c.session.ID}, data)
}

// WritePump drains the send channel and keeps the connection alive with
// pings. A closed channel ends the connection.
func (c *Client) WritePump() {
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
