package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"wisefido-snapshot/internal/coordinator"
	"wisefido-snapshot/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Subscription 协调器订阅句柄
type Subscription interface {
	Unsubscribe()
	SetMuteRefresh(active bool)
}

// SubscribeFunc 向协调器注册观察者
type SubscribeFunc func(coordinator.Observer) Subscription

// wsMessage 推送给客户端的消息
type wsMessage struct {
	Type    string       `json:"type"`
	Payload models.Event `json:"payload"`
	Error   string       `json:"error,omitempty"`
}

// controlMessage 客户端发来的控制消息
type controlMessage struct {
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

// Hub 管理 websocket 客户端，每个客户端是协调器的一个观察者
type Hub struct {
	subscribe SubscribeFunc
	logger    *zap.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewHub(subscribe SubscribeFunc, logger *zap.Logger) *Hub {
	return &Hub{
		subscribe: subscribe,
		logger:    logger,
		clients:   make(map[*Client]struct{}),
	}
}

// ServeWS 升级连接并注册观察者
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	c.sub = h.subscribe(c)

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("WebSocket client registered", zap.String("remote", conn.RemoteAddr().String()))

	go c.writePump()
	go c.readPump()
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close 关闭所有客户端
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.shutdown()
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Client 单个 websocket 连接
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	sub  Subscription

	once sync.Once
	done chan struct{}
}

// OnEvent 在 dispatch loop 上调用；发送缓冲满时断开该客户端
func (c *Client) OnEvent(e models.Event) {
	select {
	case <-c.done:
		return
	default:
	}
	msg, err := json.Marshal(wsMessage{Type: "event", Payload: e, Error: e.ErrorMessage()})
	if err != nil {
		c.hub.logger.Error("Failed to marshal event", zap.String("event", string(e.Kind)), zap.Error(err))
		return
	}
	select {
	case c.send <- msg:
	default:
		c.hub.logger.Warn("WebSocket send buffer full, removing client", zap.String("remote", c.conn.RemoteAddr().String()))
		go c.shutdown()
	}
}

// Alive 连接关闭后返回 false，协调器在下一次清理时移除
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		if c.sub != nil {
			c.sub.Unsubscribe()
		}
		c.hub.remove(c)
		c.conn.Close()
		c.hub.logger.Info("WebSocket client unregistered", zap.String("remote", c.conn.RemoteAddr().String()))
	})
}

func (c *Client) readPump() {
	defer c.shutdown()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		var ctl controlMessage
		if err := json.Unmarshal(message, &ctl); err != nil {
			c.hub.logger.Debug("Ignoring invalid control message", zap.Error(err))
			continue
		}
		switch ctl.Type {
		case "muteRefresh":
			c.sub.SetMuteRefresh(ctl.Active)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
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
				c.hub.logger.Debug("WebSocket write error", zap.Error(err))
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
