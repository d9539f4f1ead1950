// Package streaming relays run events to WebSocket clients. Clients follow
// whole workspaces through the event bus or single runs through their
// transcript.
package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/foldrun/internal/agent/mounts"
	"github.com/kandev/foldrun/internal/common/errors"
	"github.com/kandev/foldrun/internal/common/logger"
	"github.com/kandev/foldrun/internal/events"
	"github.com/kandev/foldrun/internal/events/bus"
	"github.com/kandev/foldrun/internal/orchestrator/transcript"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// Message is what clients receive.
type Message struct {
	Type         string              `json:"type"`
	SubmissionID string              `json:"submission_id"`
	RunID        string              `json:"run_id,omitempty"`
	Folder       string              `json:"folder"`
	State        v1.SubmissionState  `json:"state,omitempty"`
	Seq          int                 `json:"seq,omitempty"`
	Frame        *v1.StreamFrame     `json:"frame,omitempty"`
	Result       *v1.ExecutionResult `json:"result,omitempty"`
}

func payloadMessage(eventType string, p events.RunPayload) *Message {
	return &Message{
		Type:         eventType,
		SubmissionID: p.SubmissionID,
		RunID:        p.RunID,
		Folder:       p.Folder,
		State:        p.State,
		Seq:          p.Seq,
		Frame:        p.Frame,
		Result:       p.Result,
	}
}

func entryMessage(e *transcript.Entry) *Message {
	f := e.Frame
	return &Message{
		Type:         events.RunFrame,
		SubmissionID: e.SubmissionID,
		RunID:        e.RunID,
		Folder:       e.Folder,
		State:        v1.SubmissionRunning,
		Seq:          e.Seq,
		Frame:        &f,
	}
}

func finalMessage(e *transcript.Entry) *Message {
	return &Message{
		Type:         events.RunCompleted,
		SubmissionID: e.SubmissionID,
		RunID:        e.RunID,
		Folder:       e.Folder,
		State:        v1.SubmissionCompleted,
		Result:       v1.ResultFromFrame(e.Frame),
	}
}

type folderSub struct {
	sub     bus.Subscription
	clients map[*Client]bool
}

// Hub tracks connected clients and the bus subscriptions they need.
type Hub struct {
	bus         bus.EventBus
	transcripts *transcript.Handler
	logger      *logger.Logger
	upgrader    websocket.Upgrader
	ctx         context.Context

	mu      sync.RWMutex
	clients map[*Client]bool
	folders map[string]*folderSub
}

// NewHub creates a hub.
func NewHub(eventBus bus.EventBus, transcripts *transcript.Handler, log *logger.Logger) *Hub {
	return &Hub{
		bus:         eventBus,
		transcripts: transcripts,
		logger:      log.WithFields(zap.String("component", "stream-hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The control API is bound to a trusted interface.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:     context.Background(),
		clients: make(map[*Client]bool),
		folders: make(map[string]*folderSub),
	}
}

// ServeWS upgrades the request and follows the folders and runs named by
// the repeatable "folder" and "run" query parameters.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(h, conn, h.logger.WithFields(zap.String("remote", r.RemoteAddr)))
	h.Register(c)

	q := r.URL.Query()
	for _, folder := range q["folder"] {
		if err := h.SubscribeFolder(c, folder); err != nil {
			c.logger.Warn("folder subscription failed", zap.String("folder", folder), zap.Error(err))
		}
	}
	for _, run := range q["run"] {
		c.SubscribeRun(run)
	}

	go c.WritePump()
	go c.ReadPump()
}

// Register adds a client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.Int("clients", n))
}

// Unregister removes a client and everything it subscribed to.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	var drop []bus.Subscription
	for folder, fs := range h.folders {
		if !fs.clients[c] {
			continue
		}
		delete(fs.clients, c)
		if len(fs.clients) == 0 {
			drop = append(drop, fs.sub)
			delete(h.folders, folder)
		}
	}
	h.mu.Unlock()

	for _, sub := range drop {
		_ = sub.Unsubscribe()
	}
	c.dropRuns()
	c.closeSend()
}

// SubscribeFolder relays every run event of folder to c.
func (h *Hub) SubscribeFolder(c *Client, folder string) error {
	if !mounts.ValidName(folder) {
		return errors.ValidationError("folder", "invalid workspace folder")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	fs, ok := h.folders[folder]
	if !ok {
		sub, err := h.bus.Subscribe(events.FolderSubject(folder), h.relay(folder))
		if err != nil {
			return err
		}
		fs = &folderSub{sub: sub, clients: make(map[*Client]bool)}
		h.folders[folder] = fs
	}
	fs.clients[c] = true

	c.mu.Lock()
	c.folders[folder] = true
	c.mu.Unlock()
	return nil
}

// UnsubscribeFolder stops relaying folder to c.
func (h *Hub) UnsubscribeFolder(c *Client, folder string) {
	h.mu.Lock()
	var drop bus.Subscription
	if fs, ok := h.folders[folder]; ok {
		delete(fs.clients, c)
		if len(fs.clients) == 0 {
			drop = fs.sub
			delete(h.folders, folder)
		}
	}
	h.mu.Unlock()

	c.mu.Lock()
	delete(c.folders, folder)
	c.mu.Unlock()

	if drop != nil {
		_ = drop.Unsubscribe()
	}
}

func (h *Hub) relay(folder string) bus.EventHandler {
	return func(ctx context.Context, e *bus.Event) error {
		p, err := events.ParseRunPayload(e)
		if err != nil {
			return err
		}
		data, err := json.Marshal(payloadMessage(e.Type, p))
		if err != nil {
			return err
		}

		h.mu.RLock()
		var targets []*Client
		if fs, ok := h.folders[folder]; ok {
			targets = make([]*Client, 0, len(fs.clients))
			for c := range fs.clients {
				targets = append(targets, c)
			}
		}
		h.mu.RUnlock()

		for _, c := range targets {
			if !c.Send(data) {
				h.logger.Debug("dropping event for slow client", zap.String("folder", folder), zap.String("event_type", e.Type))
			}
		}
		return nil
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// FolderSubscribers returns the number of clients following folder.
func (h *Hub) FolderSubscribers(folder string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if fs, ok := h.folders[folder]; ok {
		return len(fs.clients)
	}
	return 0
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.Unregister(c)
	}
}
