package agent

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/surya-abadi/cache-coordinator/internal/metrics"
)

// Client 是一个已连接的页面实例，出站消息按 FIFO 顺序进入 outbox。
type Client struct {
	ID          string
	URL         string
	ConnectedAt time.Time

	mu         sync.RWMutex
	controller string
	outbox     chan Outbound
}

// Outbox 返回出站消息通道，客户端断开后通道被关闭。
func (c *Client) Outbox() <-chan Outbound {
	return c.outbox
}

// Controller 返回控制该页面的代际版本，未被接管时为空。
func (c *Client) Controller() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.controller
}

func (c *Client) setController(version string) {
	c.mu.Lock()
	c.controller = version
	c.mu.Unlock()
}

// ClientSnapshot 是诊断接口使用的只读视图。
type ClientSnapshot struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Controller  string    `json:"controller,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	Pending     int       `json:"pending"`
}

// ClientRegistry 显式维护已连接页面：连接时加入，断开时移除。
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	size    int
	logger  *logrus.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

func newClientRegistry(size int, logger *logrus.Logger, m *metrics.Collector, now func() time.Time) *ClientRegistry {
	if size <= 0 {
		size = 64
	}
	return &ClientRegistry{
		clients: make(map[string]*Client),
		size:    size,
		logger:  logger,
		metrics: m,
		now:     now,
	}
}

// Add 注册一个新页面并分配 uuid。
func (r *ClientRegistry) Add(url string) *Client {
	client := &Client{
		ID:          uuid.NewString(),
		URL:         url,
		ConnectedAt: r.now(),
		outbox:      make(chan Outbound, r.size),
	}
	r.mu.Lock()
	r.clients[client.ID] = client
	count := len(r.clients)
	r.mu.Unlock()
	r.metrics.SetClients(count)
	return client
}

// Remove 注销页面并关闭其 outbox，返回页面是否存在。
func (r *ClientRegistry) Remove(id string) bool {
	r.mu.Lock()
	client, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
		close(client.outbox)
	}
	count := len(r.clients)
	r.mu.Unlock()
	if ok {
		r.metrics.SetClients(count)
	}
	return ok
}

// Close 关闭全部页面的 outbox 并清空注册表，返回被关闭的页面数。
// 事件流随之结束，服务停机时不必等待长连接超时。
func (r *ClientRegistry) Close() int {
	r.mu.Lock()
	closed := len(r.clients)
	for id, client := range r.clients {
		delete(r.clients, id)
		close(client.outbox)
	}
	r.mu.Unlock()
	if closed > 0 {
		r.metrics.SetClients(0)
	}
	return closed
}

func (r *ClientRegistry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[id]
	return client, ok
}

// List 按连接时间排序返回全部页面。
func (r *ClientRegistry) List() []*Client {
	r.mu.RLock()
	list := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		list = append(list, client)
	}
	r.mu.RUnlock()
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].ConnectedAt.Equal(list[j].ConnectedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].ConnectedAt.Before(list[j].ConnectedAt)
	})
	return list
}

func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Controlled 统计已被某个代际接管的页面数量。
func (r *ClientRegistry) Controlled() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, client := range r.clients {
		if client.Controller() != "" {
			count++
		}
	}
	return count
}

// Claim 让所有已连接页面改由 version 控制，返回被接管的数量。
func (r *ClientRegistry) Claim(version string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, client := range r.clients {
		client.setController(version)
	}
	return len(r.clients)
}

// Send 向单个页面投递消息；outbox 已满时丢弃并告警。
func (r *ClientRegistry) Send(id string, msg Outbound) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[id]
	if !ok {
		return false
	}
	return r.deliver(client, msg)
}

// Broadcast 向全部页面投递消息，返回成功入队的数量。
func (r *ClientRegistry) Broadcast(msg Outbound) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for _, client := range r.clients {
		if r.deliver(client, msg) {
			delivered++
		}
	}
	r.metrics.ObserveBroadcast(string(msg.Type))
	return delivered
}

// deliver 需在持有读锁时调用，保证 outbox 未被 Remove 关闭。
func (r *ClientRegistry) deliver(client *Client, msg Outbound) bool {
	select {
	case client.outbox <- msg:
		return true
	default:
		r.logger.WithFields(logrus.Fields{
			"action":       "client_outbox_full",
			"client_id":    client.ID,
			"message_type": msg.Type,
		}).Warn("outbound message dropped")
		return false
	}
}

// Snapshot 返回诊断视图，顺序与 List 一致。
func (r *ClientRegistry) Snapshot() []ClientSnapshot {
	list := r.List()
	out := make([]ClientSnapshot, 0, len(list))
	for _, client := range list {
		out = append(out, ClientSnapshot{
			ID:          client.ID,
			URL:         client.URL,
			Controller:  client.Controller(),
			ConnectedAt: client.ConnectedAt,
			Pending:     len(client.outbox),
		})
	}
	return out
}
