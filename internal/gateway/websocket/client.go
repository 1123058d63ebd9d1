package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	cmuxerrors "github.com/cmux/cmux/internal/common/errors"
	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/internal/session"
	"github.com/cmux/cmux/pkg/ipc"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// chatAttachment is one live chat subscription owned by a client.
type chatAttachment struct {
	sub  *session.Subscription
	done chan struct{}
}

// Client is a single WebSocket connection and its subscriptions.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu       sync.Mutex
	chat     map[string]*chatAttachment
	metadata map[string]bool
	closed   bool

	logger *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:       id,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, sendBuffer),
		chat:     make(map[string]*chatAttachment),
		metadata: make(map[string]bool),
		logger:   log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps frames from the connection until it drops.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Warn("websocket read error")
			}
			return
		}

		var frame ipc.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError("", "", cmuxerrors.KindInvalidArgument, "invalid frame")
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *Client) handleFrame(ctx context.Context, frame ipc.ClientFrame) {
	switch frame.Type {
	case ipc.FramePing:
		c.sendFrame(&ipc.ServerFrame{Type: ipc.FramePong})

	case ipc.FrameSubscribe:
		c.handleSubscribe(ctx, frame)

	case ipc.FrameUnsubscribe:
		c.handleUnsubscribe(frame)

	default:
		c.sendError(frame.Channel, frame.WorkspaceID, cmuxerrors.KindInvalidArgument,
			"unknown frame type "+frame.Type)
	}
}

func (c *Client) handleSubscribe(ctx context.Context, frame ipc.ClientFrame) {
	switch frame.Channel {
	case ipc.StreamChannelChat:
		if frame.WorkspaceID == "" {
			c.sendError(frame.Channel, "", cmuxerrors.KindInvalidArgument, "workspaceId is required")
			return
		}
		c.subscribeChat(ctx, frame.WorkspaceID)

	case ipc.StreamChannelMetadata:
		c.mu.Lock()
		c.metadata[frame.WorkspaceID] = true
		c.mu.Unlock()
		c.sendFrame(&ipc.ServerFrame{
			Type:        ipc.FrameSubscribed,
			Channel:     frame.Channel,
			WorkspaceID: frame.WorkspaceID,
		})

	default:
		c.sendError(frame.Channel, frame.WorkspaceID, cmuxerrors.KindInvalidArgument,
			"unknown channel "+frame.Channel)
	}
}

// subscribeChat attaches this connection to the workspace chat stream:
// the catch-up prelude is sent first, then live events are forwarded
// until the client unsubscribes or drops.
func (c *Client) subscribeChat(ctx context.Context, workspaceID string) {
	c.mu.Lock()
	if _, exists := c.chat[workspaceID]; exists {
		c.mu.Unlock()
		c.sendFrame(&ipc.ServerFrame{
			Type:        ipc.FrameSubscribed,
			Channel:     ipc.StreamChannelChat,
			WorkspaceID: workspaceID,
		})
		return
	}
	c.mu.Unlock()

	sess, err := c.hub.sessions.Get(ctx, workspaceID)
	if err != nil {
		c.sendError(ipc.StreamChannelChat, workspaceID, cmuxerrors.KindOf(err), err.Error())
		return
	}
	prelude, sub, err := sess.SubscribeChat(ctx)
	if err != nil {
		c.sendError(ipc.StreamChannelChat, workspaceID, cmuxerrors.KindOf(err), err.Error())
		return
	}

	att := &chatAttachment{sub: sub, done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Close()
		return
	}
	c.chat[workspaceID] = att
	c.mu.Unlock()

	c.sendFrame(&ipc.ServerFrame{
		Type:        ipc.FrameSubscribed,
		Channel:     ipc.StreamChannelChat,
		WorkspaceID: workspaceID,
	})
	for _, ev := range prelude {
		c.sendChatEvent(workspaceID, ev)
	}

	go func() {
		for {
			select {
			case <-att.done:
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				c.sendChatEvent(workspaceID, ev)
			}
		}
	}()
}

func (c *Client) handleUnsubscribe(frame ipc.ClientFrame) {
	switch frame.Channel {
	case ipc.StreamChannelChat:
		c.mu.Lock()
		att := c.chat[frame.WorkspaceID]
		delete(c.chat, frame.WorkspaceID)
		c.mu.Unlock()
		if att != nil {
			close(att.done)
			att.sub.Close()
		}

	case ipc.StreamChannelMetadata:
		c.mu.Lock()
		delete(c.metadata, frame.WorkspaceID)
		c.mu.Unlock()
	}
}

// wantsMetadata reports whether this client subscribed to metadata for
// the workspace. An empty-workspace subscription matches everything.
func (c *Client) wantsMetadata(workspaceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metadata[""] || c.metadata[workspaceID]
}

func (c *Client) sendChatEvent(workspaceID string, ev any) {
	frame, err := ipc.NewEventFrame(ipc.StreamChannelChat, workspaceID, ev)
	if err != nil {
		c.logger.WithError(err).Warn("chat event marshal failed")
		return
	}
	c.sendFrame(frame)
}

func (c *Client) sendFrame(frame *ipc.ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.WithError(err).Warn("frame marshal failed")
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(channel, workspaceID, kind, message string) {
	c.sendFrame(&ipc.ServerFrame{
		Type:        ipc.FrameError,
		Channel:     channel,
		WorkspaceID: workspaceID,
		Error:       &ipc.ErrorPayload{Kind: kind, Message: message},
	})
}

// enqueue drops the frame when the send buffer is full; the slow
// client keeps its connection and misses the frame.
func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping frame")
	}
}

// teardown closes every chat attachment and the send channel. Called
// once by the hub.
func (c *Client) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	attachments := c.chat
	c.chat = make(map[string]*chatAttachment)
	c.mu.Unlock()

	for _, att := range attachments {
		close(att.done)
		att.sub.Close()
	}
	close(c.send)
}

// WritePump pumps queued frames to the connection and keeps the
// connection alive with pings.
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued frames
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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
