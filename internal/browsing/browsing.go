// Package browsing собирает контекст просмотра: ядро перехвата страницы,
// ретранслятор и подписку на рассылку хранилища. Каждый реалм работает в
// своей горутине и видит остальных только через каналы.
package browsing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"apqcapture/internal/bridge"
	"apqcapture/internal/interceptor"
	"apqcapture/internal/store"
	"apqcapture/internal/wire"
)

var ErrUnknownContext = errors.New("unknown browsing context")

// Options задает параметры новых контекстов.
type Options struct {
	Buffer  int
	Grace   time.Duration
	MaxBody int64
	Logger  *slog.Logger
}

// Context описывает один контекст просмотра: вкладку или прокси-сессию.
type Context struct {
	ID          string
	Interceptor *interceptor.Interceptor

	toPage   *wire.Channel
	fromPage *wire.Channel
	maxBody  int64
	cancel   context.CancelFunc
	group    *errgroup.Group
	once     sync.Once
	err      error
}

// Transport возвращает http.RoundTripper, пропускающий вызовы через ядро.
func (c *Context) Transport(base http.RoundTripper) *interceptor.Transport {
	t := interceptor.NewTransport(base, c.Interceptor)
	if c.maxBody > 0 {
		t.MaxBody = c.maxBody
	}
	return t
}

// Dropped возвращает число сообщений, потерянных в обе стороны.
func (c *Context) Dropped() int64 {
	return c.toPage.Dropped() + c.fromPage.Dropped()
}

func (c *Context) stop() error {
	c.once.Do(func() {
		c.cancel()
		err := c.group.Wait()
		c.toPage.Close()
		c.fromPage.Close()
		if err != nil && !errors.Is(err, context.Canceled) {
			c.err = err
		}
	})
	return c.err
}

// Manager открывает и закрывает контексты просмотра.
type Manager struct {
	hub  *store.Hub
	disp bridge.Dispatcher
	opts Options
	log  *slog.Logger

	mu   sync.Mutex
	ctxs map[string]*Context
}

// NewManager создает менеджер контекстов.
func NewManager(hub *store.Hub, disp bridge.Dispatcher, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{hub: hub, disp: disp, opts: opts, log: opts.Logger, ctxs: make(map[string]*Context)}
}

// Open запускает новый контекст. Контекст живет до Close или отмены parent.
func (m *Manager) Open(parent context.Context) (*Context, error) {
	if err := parent.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	toPage := wire.NewChannel(m.opts.Buffer)
	fromPage := wire.NewChannel(m.opts.Buffer)

	ic := interceptor.New(fromPage, m.log.With("context", id, "realm", "page"))
	updates := m.hub.Attach(id)
	br := bridge.New(id, m.disp, toPage, fromPage.Recv(), updates, bridge.Options{
		Grace:  m.opts.Grace,
		Logger: m.log.With("realm", "bridge"),
	})

	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ic.Run(gctx, toPage.Recv()) })
	g.Go(func() error {
		defer m.hub.Detach(id, updates)
		return br.Run(gctx)
	})

	c := &Context{
		ID:          id,
		Interceptor: ic,
		toPage:      toPage,
		fromPage:    fromPage,
		maxBody:     m.opts.MaxBody,
		cancel:      cancel,
		group:       g,
	}
	m.mu.Lock()
	m.ctxs[id] = c
	m.mu.Unlock()
	m.log.Info("browsing context opened", "context", id)
	return c, nil
}

// Get возвращает открытый контекст.
func (m *Manager) Get(id string) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.ctxs[id]
	return c, ok
}

// IDs возвращает идентификаторы открытых контекстов.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.ctxs))
	for id := range m.ctxs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close останавливает контекст и отписывает его от рассылки.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	c, ok := m.ctxs[id]
	delete(m.ctxs, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownContext)
	}
	m.hub.Close(id)
	err := c.stop()
	m.log.Info("browsing context closed", "context", id, "dropped", c.Dropped())
	return err
}

// CloseAll останавливает все контексты.
func (m *Manager) CloseAll() error {
	var errs []error
	for _, id := range m.IDs() {
		if err := m.Close(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
