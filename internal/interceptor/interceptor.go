// Package interceptor реализует ядро перехвата, работающее в контексте страницы.
//
// Ядро держит реплику набора отслеживания, проверяет каждый исходящий
// вызов и отправляет события ретранслятору. Доступа к хранилищу у ядра нет.
package interceptor

import (
	"context"
	"log/slog"
	"sync/atomic"

	"apqcapture/internal/apq"
	"apqcapture/internal/wire"
)

// Interceptor хранит реплику конфигурации и переписывает запросы.
type Interceptor struct {
	cfg atomic.Pointer[Config]
	out *wire.Channel
	log *slog.Logger
}

// New создает ядро; out ведет в сторону ретранслятора.
func New(out *wire.Channel, log *slog.Logger) *Interceptor {
	if log == nil {
		log = slog.Default()
	}
	i := &Interceptor{out: out, log: log}
	i.cfg.Store(NewConfig(nil, true))
	return i
}

// Snapshot возвращает текущий снимок конфигурации.
func (i *Interceptor) Snapshot() *Config {
	return i.cfg.Load()
}

// Apply применяет конфигурационное сообщение; прочие типы игнорируются.
func (i *Interceptor) Apply(msg wire.Message) {
	if msg.Type != wire.TypeUpdate {
		return
	}
	enabled := true
	if msg.Enabled != nil {
		enabled = *msg.Enabled
	}
	next := NewConfig(msg.Hashes, enabled)
	i.cfg.Store(next)
	i.log.Debug("watch-set updated", "hashes", next.Len(), "enabled", enabled)
}

// Intercept проверяет тело вызова и возвращает тело для отправки.
// Ошибки разбора не выходят наружу: такой вызов просто не считается GraphQL.
func (i *Interceptor) Intercept(target string, body []byte) apq.Result {
	res := apq.Inspect(i.cfg.Load(), target, body)
	switch res.Outcome {
	case apq.Invalidated:
		i.log.Info("hash invalidated", "hash", res.Hash, "url", target)
		i.post(wire.Message{Type: wire.TypeInvalidated, Hash: res.Hash})
	case apq.Captured:
		i.log.Info("query captured", "hash", res.Hash, "operation", res.Capture.OperationName, "url", target)
		i.post(wire.Message{Type: wire.TypeCaptured, Data: res.Capture})
	}
	return res
}

func (i *Interceptor) post(msg wire.Message) {
	if i.out == nil {
		return
	}
	if !i.out.Post(msg) {
		i.log.Warn("relay message dropped", "type", msg.Type, "hash", msg.Hash)
	}
}

// Run сообщает ретранслятору о готовности и применяет входящие обновления
// до отмены контекста или закрытия канала.
func (i *Interceptor) Run(ctx context.Context, in <-chan wire.Message) error {
	i.post(wire.Message{Type: wire.TypeReady})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			i.Apply(msg)
		}
	}
}
