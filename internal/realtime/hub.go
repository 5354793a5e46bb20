// Package realtime streams committed task chat messages to connected
// websocket clients, one room per task.
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"valeconecta/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

// Frame is what subscribers receive.
type Frame struct {
	Type    string             `json:"type"`
	Message domain.ChatMessage `json:"message"`
	Label   string             `json:"status_label,omitempty"`
}

type client struct {
	hub     *Hub
	taskID  string
	actorID string
	conn    *websocket.Conn
	send    chan []byte
}

// Hub fans chat messages out to the subscribers of each task.
type Hub struct {
	Logger   *slog.Logger
	Upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		Logger: logger,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		rooms: make(map[string]map[*client]struct{}),
	}
}

// Broadcast delivers msg to everyone watching its task. Subscribers
// whose buffer is full are dropped.
func (h *Hub) Broadcast(msg domain.ChatMessage) {
	frame := Frame{Type: "chat.message", Message: msg}
	if msg.ToStatus != nil {
		frame.Type = "task.status"
		frame.Label = domain.StatusLabel(*msg.ToStatus)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.Logger.Error("marshal chat frame", "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[msg.TaskID] {
		select {
		case c.send <- data:
		default:
			h.Logger.Warn("dropping slow chat subscriber", "task_id", c.taskID, "actor_id", c.actorID)
			h.removeLocked(c)
		}
	}
}

// Subscribers reports how many clients watch a task.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[taskID])
}

// Serve upgrades the request and streams taskID's chat until the peer
// disconnects. Authorization is the caller's job.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, taskID, actorID string) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("websocket upgrade failed", "task_id", taskID, "err", err)
		return
	}
	c := &client{hub: h, taskID: taskID, actorID: actorID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	if h.rooms[taskID] == nil {
		h.rooms[taskID] = make(map[*client]struct{})
	}
	h.rooms[taskID][c] = struct{}{}
	h.mu.Unlock()
	h.Logger.Debug("chat subscriber joined", "task_id", taskID, "actor_id", actorID)

	go c.writePump()
	c.readPump()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	room := h.rooms[c.taskID]
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	close(c.send)
	if len(room) == 0 {
		delete(h.rooms, c.taskID)
	}
}

// readPump only services control frames; chat is posted over HTTP.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.Logger.Debug("chat subscriber read error", "task_id", c.taskID, "err", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
