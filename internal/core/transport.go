package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	errTransportExists  = errors.New("transport already registered")
	errUnknownTransport = errors.New("unknown transport")
)

// TransportAdapter определяет жизненный цикл входного транспорта
// (контроль API, прокси, браузерные контексты).
type TransportAdapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// TransportManager управляет запуском и остановкой транспортов.
type TransportManager struct {
	mu         sync.Mutex
	transports map[string]TransportAdapter
	started    []TransportAdapter
}

// NewTransportManager создает пустой менеджер транспортов.
func NewTransportManager() *TransportManager {
	return &TransportManager{transports: make(map[string]TransportAdapter)}
}

// Register добавляет транспорт; имена должны быть уникальны.
func (m *TransportManager) Register(adapter TransportAdapter) error {
	if adapter == nil {
		return fmt.Errorf("transport is nil: %w", errInvalidArguments)
	}
	name := adapter.Name()
	if name == "" {
		return fmt.Errorf("transport name is empty: %w", errInvalidArguments)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.transports[name]; exists {
		return fmt.Errorf("%s: %w", name, errTransportExists)
	}
	m.transports[name] = adapter
	return nil
}

// Names возвращает имена транспортов по алфавиту.
func (m *TransportManager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.transports))
	for name := range m.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *TransportManager) list() []TransportAdapter {
	names := m.Names()
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]TransportAdapter, 0, len(names))
	for _, name := range names {
		list = append(list, m.transports[name])
	}
	return list
}

// StartAll запускает транспорты по алфавиту; при ошибке уже запущенные
// остаются в списке для StopAll.
func (m *TransportManager) StartAll(ctx context.Context) error {
	for _, tr := range m.list() {
		if err := tr.Start(ctx); err != nil {
			return fmt.Errorf("start transport %s: %w", tr.Name(), err)
		}
		m.mu.Lock()
		m.started = append(m.started, tr)
		m.mu.Unlock()
	}
	return nil
}

// StopAll параллельно останавливает запущенные транспорты.
func (m *TransportManager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	list := m.started
	m.started = nil
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, tr := range list {
		tr := tr
		g.Go(func() error {
			if err := tr.Stop(gctx); err != nil {
				return fmt.Errorf("stop transport %s: %w", tr.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// StopOne останавливает конкретный транспорт по имени.
func (m *TransportManager) StopOne(ctx context.Context, name string) error {
	m.mu.Lock()
	tr, ok := m.transports[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, errUnknownTransport)
	}
	if err := tr.Stop(ctx); err != nil {
		return fmt.Errorf("stop transport %s: %w", tr.Name(), err)
	}
	return nil
}
