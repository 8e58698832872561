package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const (
	sendBufferSize = 256
	readLimit      = 32768
	pingInterval   = 30 * time.Second
)

// Client is one websocket connection. Its id is the viewer id the session
// registry knows it by.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

func newClient(conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		hub:  hub,
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(readLimit)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				slog.Debug("client read error", "viewer_id", c.id, "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("client sent invalid message", "viewer_id", c.id, "error", err)
			c.hub.sendError(c.id, "invalid message format")
			continue
		}

		switch msg.Type {
		case TypeConnect:
			c.hub.handleConnect(c.id, ConnectRequest{
				PID:        msg.PID,
				Command:    msg.Command,
				MIVersion:  msg.MIVersion,
				Profile:    msg.Profile,
				KillOthers: msg.KillOthers,
			})
		case TypeRunCommand:
			if len(msg.Commands) > 0 {
				c.hub.handleRunCommands(c.id, msg.Commands)
			}
		case TypePtyInteraction:
			c.hub.handlePtyInteraction(c.id, PtyRequest{
				PtyName: msg.PtyName,
				Action:  msg.Action,
				Data:    msg.Key,
				Rows:    clampDimension(msg.Rows),
				Cols:    clampDimension(msg.Cols),
			})
		default:
			c.hub.sendError(c.id, "unknown message type: "+msg.Type)
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}

func clampDimension(v int) uint16 {
	switch {
	case v <= 0:
		return 0
	case v > 0xffff:
		return 0xffff
	default:
		return uint16(v)
	}
}
