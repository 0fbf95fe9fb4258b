package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loomsync/loomsync/internal/syncer"
)

var (
	ErrClientClosed    = errors.New("client connection closed")
	ErrSendChannelFull = errors.New("send channel full")
)

// 超时配置
const (
	writeWait      = 10 * time.Second    // 写入超时
	pongWait       = 60 * time.Second    // Pong超时
	pingPeriod     = (pongWait * 9) / 10 // Ping间隔 (必须小于pongWait)
	maxMessageSize = 4 * 1024 * 1024     // 最大消息大小
)

// Client 一个已连接的工作区
type Client struct {
	ID     string
	UserID string

	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool

	// 已加入的对象分组
	groups map[groupKey]bool

	hub    *Hub
	logger *zap.Logger
}

// groupKey 对象分组键
type groupKey struct {
	collabType syncer.CollabType
	objectID   string
}

// group 一个协作对象的中继状态
// 保留最近一次完整回放和它的版本标签，新加入方的同步请求可以就地应答
type group struct {
	members map[string]*Client // clientID -> Client
	state   []byte
	version *string
}

// Hub 连接管理中心
// 按 (collab_type, object_id) 分组转发信封，并缓存各对象的最新完整状态
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	groups  map[groupKey]*group

	logger *zap.Logger
	closed bool
}

// NewHub 创建连接中心
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		groups:  make(map[groupKey]*group),
		logger:  logger,
	}
}

// Register 接管一个升级完成的连接并启动收发泵
func (h *Hub) Register(conn *websocket.Conn, userID string) *Client {
	client := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, 256),
		groups: make(map[groupKey]bool),
		hub:    h,
		logger: h.logger,
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("client registered",
		zap.String("client_id", client.ID),
		zap.String("user_id", userID),
		zap.Int("total_clients", total),
	)

	go client.writePump()
	go client.readPump()
	return client
}

// unregister 注销连接并退出所有分组
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.ID)
	for key := range client.groups {
		if g, ok := h.groups[key]; ok {
			delete(g.members, client.ID)
			if len(g.members) == 0 && g.state == nil {
				delete(h.groups, key)
			}
		}
	}
	total := len(h.clients)
	h.mu.Unlock()

	client.close()
	h.logger.Info("client unregistered",
		zap.String("client_id", client.ID),
		zap.Int("total_clients", total),
	)
}

// handle 处理一条入站信封
func (h *Hub) handle(client *Client, env *syncer.Envelope) {
	key := groupKey{collabType: env.CollabType, objectID: env.ObjectID}
	h.joinGroup(client, key)

	switch env.Type {
	case syncer.MessageTypeUpdate:
		// 版本不一致的更新原样转发，调和在各端完成
		h.forward(client, key, env)
	case syncer.MessageTypeFullSync:
		h.storeState(key, env)
		h.forward(client, key, env)
	case syncer.MessageTypeSyncRequest:
		if h.replyFromCache(client, key) {
			return
		}
		// 没有缓存状态：转发给分组里的其他成员代答
		h.forward(client, key, env)
	default:
		h.logger.Debug("ignoring envelope with unknown type",
			zap.String("object_id", env.ObjectID),
			zap.String("type", string(env.Type)))
	}
}

func (h *Hub) joinGroup(client *Client, key groupKey) {
	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.groups[key]
	if !ok {
		g = &group{members: make(map[string]*Client)}
		h.groups[key] = g
	}
	if _, in := g.members[client.ID]; !in {
		g.members[client.ID] = client
		client.mu.Lock()
		client.groups[key] = true
		client.mu.Unlock()

		h.logger.Debug("client joined group",
			zap.String("client_id", client.ID),
			zap.String("object_id", key.objectID),
			zap.String("collab_type", string(key.collabType)),
			zap.Int("group_size", len(g.members)),
		)
	}
}

// storeState 缓存对象的最新完整状态
func (h *Hub) storeState(key groupKey, env *syncer.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[key]
	if !ok {
		return
	}
	g.state = env.Payload
	g.version = env.Version
}

// replyFromCache 用缓存状态应答同步请求
func (h *Hub) replyFromCache(client *Client, key groupKey) bool {
	h.mu.RLock()
	g, ok := h.groups[key]
	var state []byte
	var version *string
	if ok {
		state = g.state
		version = g.version
	}
	h.mu.RUnlock()

	if state == nil {
		return false
	}
	reply := &syncer.Envelope{
		ObjectID:   key.objectID,
		CollabType: key.collabType,
		Type:       syncer.MessageTypeFullSync,
		Version:    version,
		Payload:    state,
		Timestamp:  time.Now(),
	}
	data, err := syncer.EncodeEnvelope(reply)
	if err != nil {
		h.logger.Error("failed to encode cached state", zap.Error(err))
		return false
	}
	if err := client.enqueue(data); err != nil {
		h.logger.Warn("failed to deliver cached state",
			zap.String("client_id", client.ID),
			zap.Error(err))
	}
	return true
}

// forward 把信封转发给分组里除发送方外的所有成员
func (h *Hub) forward(sender *Client, key groupKey, env *syncer.Envelope) {
	data, err := syncer.EncodeEnvelope(env)
	if err != nil {
		h.logger.Error("failed to encode envelope for forwarding", zap.Error(err))
		return
	}

	h.mu.RLock()
	g, ok := h.groups[key]
	var members []*Client
	if ok {
		members = make([]*Client, 0, len(g.members))
		for _, m := range g.members {
			if m.ID != sender.ID {
				members = append(members, m)
			}
		}
	}
	h.mu.RUnlock()

	for _, m := range members {
		if err := m.enqueue(data); err != nil {
			h.logger.Warn("dropping envelope for slow client",
				zap.String("client_id", m.ID),
				zap.String("object_id", key.objectID),
			)
		}
	}
}

// Stats 中心运行状态快照
type Stats struct {
	Clients int            `json:"clients"`
	Groups  int            `json:"groups"`
	Members map[string]int `json:"members"`
}

// Snapshot 导出当前连接与分组规模
func (h *Hub) Snapshot() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{
		Clients: len(h.clients),
		Groups:  len(h.groups),
		Members: make(map[string]int, len(h.groups)),
	}
	for key, g := range h.groups {
		s.Members[string(key.collabType)+":"+key.objectID] = len(g.members)
	}
	return s
}

// GroupSize 分组当前成员数
func (h *Hub) GroupSize(collabType syncer.CollabType, objectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if g, ok := h.groups[groupKey{collabType: collabType, objectID: objectID}]; ok {
		return len(g.members)
	}
	return 0
}

// Close 关闭中心，断开所有连接
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

// enqueue 把已编码的消息放入发送通道
func (c *Client) enqueue(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.mu.Unlock()

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendChannelFull
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.send)
	c.conn.Close()
}

// readPump 读循环：解码信封并交给中心处理
func (c *Client) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := syncer.DecodeEnvelope(data)
		if err != nil {
			c.logger.Warn("dropping malformed message",
				zap.String("client_id", c.ID),
				zap.Error(err))
			continue
		}
		c.hub.handle(c, env)
	}
}

// writePump 写循环：发送队列消息并维持心跳
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
