// Package wire описывает сообщения между страницей и ретранслятором.
// Реалмы не разделяют память: они связаны только через Channel.
package wire

import (
	"sync"
	"sync/atomic"

	"apqcapture/internal/apq"
)

// Type помечает полезную нагрузку сообщения.
type Type string

const (
	TypeUpdate      Type = "GRAPHQL_INTERCEPTOR_UPDATE"
	TypeCaptured    Type = "GRAPHQL_INTERCEPTOR_CAPTURED"
	TypeInvalidated Type = "GRAPHQL_INTERCEPTOR_INVALIDATED"
	TypeReady       Type = "GRAPHQL_INTERCEPTOR_READY"
)

// Message описывает конверт межреалмового сообщения.
type Message struct {
	Type    Type               `json:"type"`
	Hashes  []string           `json:"hashes,omitempty"`
	Enabled *bool              `json:"enabled,omitempty"`
	Hash    string             `json:"hash,omitempty"`
	Data    *apq.CapturedQuery `json:"data,omitempty"`
}

// Update строит конфигурационное сообщение; флаг включения передается
// в самом сообщении, а не через глобальный признак страницы.
func Update(hashes []string, enabled bool) Message {
	cp := append([]string(nil), hashes...)
	return Message{Type: TypeUpdate, Hashes: cp, Enabled: &enabled}
}

// Channel реализует упорядоченный неблокирующий канал в одну сторону.
// Post никогда не ждет получателя: при переполнении сообщение теряется.
type Channel struct {
	ch      chan Message
	dropped atomic.Int64
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

// NewChannel создает канал с буфером size.
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 16
	}
	return &Channel{ch: make(chan Message, size)}
}

// Post отправляет сообщение; false, если оно потеряно.
func (c *Channel) Post(msg Message) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.dropped.Add(1)
		return false
	}
	select {
	case c.ch <- msg:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Recv отдает сторону чтения.
func (c *Channel) Recv() <-chan Message { return c.ch }

// Dropped возвращает число потерянных сообщений.
func (c *Channel) Dropped() int64 { return c.dropped.Load() }

// Close закрывает канал; повторный вызов безопасен.
func (c *Channel) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.ch)
		c.mu.Unlock()
	})
}
