package web

import (
	"strings"
	"sync"
)

// Event 推送给控制面板的事件
type Event struct {
	Type    string `json:"type"` // connected, log, status
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Hub SSE 客户端集合。同时实现 zapcore.WriteSyncer，每条日志作为一个 log 事件推送。
type Hub struct {
	mu      sync.RWMutex
	clients map[chan Event]struct{}
	buffer  int
}

// NewHub 创建事件中心，buffer 是每个客户端的缓冲大小
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 100
	}
	return &Hub{clients: make(map[chan Event]struct{}), buffer: buffer}
}

// Subscribe 注册客户端，返回事件通道与注销函数
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
}

// Clients 当前客户端数量
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish 向所有客户端发送事件，缓冲已满的客户端直接跳过
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- e:
		default:
		}
	}
}

// Write 每次调用是一条编码好的日志
func (h *Hub) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if msg != "" {
		h.Publish(Event{Type: "log", Message: msg})
	}
	return len(p), nil
}

// Sync 没有需要刷新的内容
func (h *Hub) Sync() error {
	return nil
}
