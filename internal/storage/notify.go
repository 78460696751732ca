package storage

import (
	"context"
	"sync"
)

// Notifier раздает изменения подписчикам внутри процесса.
// Медленный подписчик теряет изменения, запись это не блокирует.
type Notifier struct {
	mu   sync.Mutex
	subs map[chan Change]struct{}
	buf  int
}

// NewNotifier создает раздатчик с буфером buf на подписчика.
func NewNotifier(buf int) *Notifier {
	if buf <= 0 {
		buf = 64
	}
	return &Notifier{subs: make(map[chan Change]struct{}), buf: buf}
}

// Subscribe регистрирует подписчика до отмены ctx.
func (n *Notifier) Subscribe(ctx context.Context) <-chan Change {
	ch := make(chan Change, n.buf)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		if _, ok := n.subs[ch]; ok {
			delete(n.subs, ch)
			close(ch)
		}
		n.mu.Unlock()
	}()
	return ch
}

// Publish рассылает изменение всем подписчикам.
func (n *Notifier) Publish(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Close закрывает все подписки.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		delete(n.subs, ch)
		close(ch)
	}
}
