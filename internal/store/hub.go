package store

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Update описывает рассылаемое контекстам состояние: набор отслеживания и флаг.
type Update struct {
	Hashes  []string
	Enabled bool
}

// Broadcaster рассылает Update всем контекстам просмотра.
type Broadcaster interface {
	Broadcast(u Update) int
}

// ContextInfo описывает известный контекст просмотра.
type ContextInfo struct {
	ID       string    `json:"id"`
	Relay    bool      `json:"relay"`
	OpenedAt time.Time `json:"openedAt"`
	Dropped  int64     `json:"dropped"`
}

type slot struct {
	ch       chan Update
	openedAt time.Time
	dropped  int64
}

// Hub ведет реестр контекстов просмотра и рассылает без подтверждений.
// У каждого контекста не больше одного живого ретранслятора; внутри
// контекста обновления приходят в порядке отправки.
type Hub struct {
	mu       sync.Mutex
	contexts map[string]*slot
	buf      int
	log      *slog.Logger
}

// NewHub создает Hub с буфером buf на ретранслятор.
func NewHub(buf int, log *slog.Logger) *Hub {
	if buf <= 0 {
		buf = 16
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{contexts: make(map[string]*slot), buf: buf, log: log}
}

// Open регистрирует контекст без ретранслятора.
func (h *Hub) Open(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.contexts[id]; !ok {
		h.contexts[id] = &slot{openedAt: time.Now()}
	}
}

// Attach подключает ретранслятор к контексту и возвращает его входящий канал.
// Предыдущий ретранслятор этого контекста отключается закрытием его канала.
func (h *Hub) Attach(id string) <-chan Update {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.contexts[id]
	if !ok {
		s = &slot{openedAt: time.Now()}
		h.contexts[id] = s
	}
	if s.ch != nil {
		close(s.ch)
		h.log.Info("relay replaced", "context", id)
	}
	s.ch = make(chan Update, h.buf)
	return s.ch
}

// Detach отключает ретранслятор, если ch все еще текущий.
func (h *Hub) Detach(id string, ch <-chan Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.contexts[id]
	if !ok || s.ch == nil || (<-chan Update)(s.ch) != ch {
		return
	}
	close(s.ch)
	s.ch = nil
}

// Close забывает контекст.
func (h *Hub) Close(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.contexts[id]
	if !ok {
		return
	}
	if s.ch != nil {
		close(s.ch)
	}
	delete(h.contexts, id)
}

// Broadcast доставляет u всем контекстам с ретранслятором и возвращает
// число доставленных. Контексты без ретранслятора пропускаются; при
// переполненном канале обновление теряется до следующей рассылки.
func (h *Hub) Broadcast(u Update) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for id, s := range h.contexts {
		if s.ch == nil {
			continue
		}
		msg := Update{Hashes: append([]string(nil), u.Hashes...), Enabled: u.Enabled}
		select {
		case s.ch <- msg:
			delivered++
		default:
			s.dropped++
			h.log.Warn("fan-out dropped", "context", id)
		}
	}
	return delivered
}

// Contexts возвращает снимок реестра, упорядоченный по id.
func (h *Hub) Contexts() []ContextInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ContextInfo, 0, len(h.contexts))
	for id, s := range h.contexts {
		out = append(out, ContextInfo{ID: id, Relay: s.ch != nil, OpenedAt: s.openedAt, Dropped: s.dropped})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
