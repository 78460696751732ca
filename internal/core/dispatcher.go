package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	errProviderExists   = errors.New("provider already registered")
	errActionExists     = errors.New("action already registered")
	errUnknownAction    = errors.New("Unknown action")
	errInvalidArguments = errors.New("invalid arguments")
)

// ErrUnknownAction возвращается Dispatch для незарегистрированного действия.
var ErrUnknownAction = errUnknownAction

// Registry хранит зарегистрированные модули и маршрутизирует действия.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ActionProvider
	actions   map[string]ActionProvider
}

// NewRegistry создает пустой реестр модулей.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]ActionProvider),
		actions:   make(map[string]ActionProvider),
	}
}

// Register добавляет модуль; имя модуля и имена действий должны быть уникальны.
func (r *Registry) Register(ctx context.Context, provider ActionProvider) error {
	if provider == nil {
		return fmt.Errorf("provider is nil: %w", errInvalidArguments)
	}
	name := provider.Name()
	if name == "" {
		return fmt.Errorf("provider name is empty: %w", errInvalidArguments)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("%s: %w", name, errProviderExists)
	}
	for _, action := range provider.Actions() {
		if _, exists := r.actions[action]; exists {
			return fmt.Errorf("%s/%s: %w", name, action, errActionExists)
		}
	}
	if err := provider.Init(ctx); err != nil {
		return fmt.Errorf("init %s: %w", name, err)
	}
	r.providers[name] = provider
	for _, action := range provider.Actions() {
		r.actions[action] = provider
	}
	return nil
}

// Execute вызывает обработчик действия. Ошибка возвращается вместе с
// ответом {success:false}, чтобы транспорт мог и записать аудит, и ответить.
func (r *Registry) Execute(ctx context.Context, req Request) (Response, error) {
	r.mu.RLock()
	prov, ok := r.actions[req.Action]
	r.mu.RUnlock()
	if !ok {
		return Fail(errUnknownAction.Error()), fmt.Errorf("%q: %w", req.Action, errUnknownAction)
	}
	resp, err := prov.Handle(ctx, req)
	if err != nil {
		return Fail(err.Error()), err
	}
	return resp, nil
}

// Dispatch вызывает Execute без ошибки: все сбои уже отражены в ответе.
func (r *Registry) Dispatch(ctx context.Context, req Request) Response {
	resp, _ := r.Execute(ctx, req)
	return resp
}

// Actions возвращает список зарегистрированных действий.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	return names
}
