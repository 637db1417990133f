package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

// Hub 按任务所有者维护进度推送连接。
// 一个所有者可以有多个连接；连接订阅了任务时只接收这些任务的事件，未订阅时接收所有者的全部事件
type Hub struct {
	owners map[string]map[*Client]struct{}
	mu     sync.RWMutex
}

type Client struct {
	UserID string
	Conn   *websocket.Conn

	writeMu sync.Mutex

	subMu sync.RWMutex
	jobs  map[string]struct{}
}

type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Subscribe 只接收指定任务的事件，可多次调用订阅多个任务
func (c *Client) Subscribe(jobID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.jobs == nil {
		c.jobs = make(map[string]struct{})
	}
	c.jobs[jobID] = struct{}{}
}

// Unsubscribe 取消订阅，全部取消后恢复接收所有者的全部事件
func (c *Client) Unsubscribe(jobID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.jobs, jobID)
}

// Follows 连接是否接收该任务的事件
func (c *Client) Follows(jobID string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if len(c.jobs) == 0 {
		return true
	}
	_, ok := c.jobs[jobID]
	return ok
}

// Send 向单个连接发送消息
func (c *Client) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

func NewHub() *Hub {
	return &Hub{
		owners: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	conns := h.owners[client.UserID]
	if conns == nil {
		conns = make(map[*Client]struct{})
		h.owners[client.UserID] = conns
	}
	conns[client] = struct{}{}
	owned, total := len(conns), h.countLocked()
	h.mu.Unlock()

	log.Debug().
		Str("user_id", client.UserID).
		Int("user_conns", owned).
		Int("total", total).
		Msg("websocket connected")
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if conns, ok := h.owners[client.UserID]; ok {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.owners, client.UserID)
		}
	}
	h.mu.Unlock()

	log.Debug().Str("user_id", client.UserID).Msg("websocket disconnected")
}

// SendToUser 向所有者的全部连接发送消息，不在线时直接返回
func (h *Hub) SendToUser(userID string, msg *Message) error {
	return h.broadcast(userID, msg, func(*Client) bool { return true })
}

// SendJobEvent 向订阅了该任务（或未订阅任何任务）的连接发送任务事件
func (h *Hub) SendJobEvent(userID, jobID string, msg *Message) error {
	return h.broadcast(userID, msg, func(c *Client) bool { return c.Follows(jobID) })
}

func (h *Hub) broadcast(userID string, msg *Message, accept func(*Client) bool) error {
	targets := h.connections(userID, accept)
	if len(targets) == 0 {
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	for _, c := range targets {
		if err := c.write(data); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("websocket write failed")
		}
	}
	return nil
}

// connections 复制目标连接，写入时不持有 hub 锁
func (h *Hub) connections(userID string, accept func(*Client) bool) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := make([]*Client, 0, len(h.owners[userID]))
	for c := range h.owners[userID] {
		if accept(c) {
			targets = append(targets, c)
		}
	}
	return targets
}

// IsOnline 所有者是否有在线连接
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.owners[userID]) > 0
}

// ConnectionCount 在线连接总数
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

func (h *Hub) countLocked() int {
	total := 0
	for _, conns := range h.owners {
		total += len(conns)
	}
	return total
}
