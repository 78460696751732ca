// Package bridge реализует ретранслятор между страницей и хранилищем.
//
// Ретранслятор живет в изолированном контексте: со страницей он общается
// только через wire.Channel, с хранилищем только через запросы-действия.
// Состояния, кроме последнего известного набора отслеживания, у него нет.
package bridge

import (
	"context"
	"log/slog"
	"time"

	"apqcapture/internal/core"
	"apqcapture/internal/store"
	"apqcapture/internal/wire"
)

// DefaultGrace задает паузу перед повторной отправкой после READY.
const DefaultGrace = 100 * time.Millisecond

// Dispatcher выполняет запрос-действие к хранилищу.
type Dispatcher interface {
	Dispatch(ctx context.Context, req core.Request) core.Response
}

// Bridge ретранслирует сообщения одного контекста просмотра.
type Bridge struct {
	id       string
	disp     Dispatcher
	toPage   *wire.Channel
	fromPage <-chan wire.Message
	updates  <-chan store.Update
	grace    time.Duration
	log      *slog.Logger

	hashes  []string
	enabled bool
}

// Options задает необязательные параметры.
type Options struct {
	Grace  time.Duration
	Logger *slog.Logger
}

// New создает ретранслятор. updates несет рассылку хранилища для этого
// контекста; nil означает, что контекст не подписан на рассылку.
func New(id string, disp Dispatcher, toPage *wire.Channel, fromPage <-chan wire.Message, updates <-chan store.Update, opts Options) *Bridge {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bridge{
		id:       id,
		disp:     disp,
		toPage:   toPage,
		fromPage: fromPage,
		updates:  updates,
		grace:    opts.Grace,
		log:      opts.Logger.With("context", id),
		enabled:  true,
	}
}

// Run запрашивает у хранилища начальное состояние, отправляет его странице
// и ретранслирует сообщения до отмены ctx или закрытия канала страницы.
func (b *Bridge) Run(ctx context.Context) error {
	b.pull(ctx)
	b.push()

	var grace <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-b.fromPage:
			if !ok {
				return nil
			}
			switch msg.Type {
			case wire.TypeReady:
				// Страница могла пропустить первую отправку.
				grace = time.After(b.grace)
			case wire.TypeCaptured:
				b.capture(ctx, msg)
			case wire.TypeInvalidated:
				b.log.Info("hash invalidated", "hash", msg.Hash)
			}
		case <-grace:
			grace = nil
			b.push()
		case u, ok := <-b.updates:
			if !ok {
				b.updates = nil
				b.log.Info("fan-out detached")
				continue
			}
			b.hashes = u.Hashes
			b.enabled = u.Enabled
			b.push()
		}
	}
}

func (b *Bridge) pull(ctx context.Context) {
	resp := b.disp.Dispatch(ctx, core.Request{Action: core.ActionGetTrackedHashes})
	if resp.Failed() {
		b.log.Warn("initial hashes unavailable", "err", resp.Error)
	} else if resp.Hashes != nil {
		b.hashes = resp.Hashes
	}
	resp = b.disp.Dispatch(ctx, core.Request{Action: core.ActionGetEnabled})
	if resp.Failed() {
		b.log.Warn("initial enabled flag unavailable", "err", resp.Error)
	} else if resp.Enabled != nil {
		b.enabled = *resp.Enabled
	}
}

func (b *Bridge) push() {
	if !b.toPage.Post(wire.Update(b.hashes, b.enabled)) {
		b.log.Warn("update to page dropped", "hashes", len(b.hashes))
	}
}

func (b *Bridge) capture(ctx context.Context, msg wire.Message) {
	if msg.Data == nil {
		b.log.Warn("captured message without data")
		return
	}
	resp := b.disp.Dispatch(ctx, core.Request{Action: core.ActionCaptureQuery, Data: msg.Data})
	if resp.Failed() {
		b.log.Error("capture not stored", "hash", msg.Data.Hash, "err", resp.Error)
	}
}
