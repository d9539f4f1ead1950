package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/foldrun/internal/common/logger"
	"github.com/kandev/foldrun/internal/orchestrator/transcript"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// SubscriptionMessage is sent by clients to subscribe/unsubscribe
type SubscriptionMessage struct {
	Action  string   `json:"action"` // subscribe, unsubscribe
	Folders []string `json:"folders,omitempty"`
	Runs    []string `json:"runs,omitempty"`
}

// Client is one WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	logger *logger.Logger

	sendMu sync.Mutex
	send   chan []byte
	closed bool

	mu      sync.Mutex
	folders map[string]bool
	runs    map[string]func() // run id -> listener removal
	lastSeq map[string]int
}

func newClient(hub *Hub, conn *websocket.Conn, log *logger.Logger) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		logger:  log,
		send:    make(chan []byte, sendBuffer),
		folders: make(map[string]bool),
		runs:    make(map[string]func()),
		lastSeq: make(map[string]int),
	}
}

// ReadPump reads messages from the WebSocket connection
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			break
		}

		var subMsg SubscriptionMessage
		if err := json.Unmarshal(message, &subMsg); err != nil {
			c.logger.Warn("Invalid subscription message", zap.Error(err))
			continue
		}

		switch subMsg.Action {
		case "subscribe":
			for _, folder := range subMsg.Folders {
				if err := c.hub.SubscribeFolder(c, folder); err != nil {
					c.logger.Warn("folder subscription failed", zap.String("folder", folder), zap.Error(err))
				}
			}
			for _, run := range subMsg.Runs {
				c.SubscribeRun(run)
			}
		case "unsubscribe":
			for _, folder := range subMsg.Folders {
				c.hub.UnsubscribeFolder(c, folder)
			}
			for _, run := range subMsg.Runs {
				c.UnsubscribeRun(run)
			}
		default:
			c.logger.Warn("Unknown action", zap.String("action", subMsg.Action))
		}
	}
}

// WritePump writes messages to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues a message for the client. It returns false when the client
// is gone or too slow.
func (c *Client) Send(msg []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// SubscribeRun replays the recent frames of a run and follows it until it
// completes. id may be a submission or run id.
func (c *Client) SubscribeRun(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.runs[id]; ok {
		return
	}

	// Live frames wait on c.mu until the replay below is sent.
	c.runs[id] = c.hub.transcripts.AddListener(id, func(e *transcript.Entry, final bool) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if final {
			c.deliver(finalMessage(e))
			delete(c.runs, id)
			delete(c.lastSeq, id)
			return
		}
		if e.Seq <= c.lastSeq[id] {
			return
		}
		c.lastSeq[id] = e.Seq
		c.deliver(entryMessage(e))
	})

	backlog, err := c.hub.transcripts.Frames(c.hub.ctx, id, 0, 0)
	if err != nil {
		c.logger.Warn("failed to replay run frames", zap.String("run", id), zap.Error(err))
		return
	}
	for _, e := range backlog {
		c.lastSeq[id] = e.Seq
		c.deliver(entryMessage(e))
	}
	c.logger.Debug("Subscribed to run", zap.String("run", id), zap.Int("replayed", len(backlog)))
}

// UnsubscribeRun stops following a run.
func (c *Client) UnsubscribeRun(id string) {
	c.mu.Lock()
	remove, ok := c.runs[id]
	delete(c.runs, id)
	delete(c.lastSeq, id)
	c.mu.Unlock()
	if ok {
		remove()
	}
}

func (c *Client) dropRuns() {
	c.mu.Lock()
	removals := make([]func(), 0, len(c.runs))
	for id, remove := range c.runs {
		removals = append(removals, remove)
		delete(c.runs, id)
	}
	c.mu.Unlock()
	for _, remove := range removals {
		remove()
	}
}

// IsSubscribed reports whether the client follows a folder.
func (c *Client) IsSubscribed(folder string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.folders[folder]
}

func (c *Client) deliver(m *Message) {
	data, err := json.Marshal(m)
	if err != nil {
		c.logger.Error("failed to encode stream message", zap.Error(err))
		return
	}
	if !c.Send(data) {
		c.logger.Debug("dropping stream message for slow client", zap.String("type", m.Type))
	}
}
