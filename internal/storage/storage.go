package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed возвращается операциями над закрытым хранилищем.
	ErrClosed = errors.New("storage closed")
	// ErrConflict означает, что конкурентная запись не дала завершить Update.
	ErrConflict = errors.New("storage update conflict")
)

// Ключи постоянного состояния.
const (
	KeyTrackedHashes   = "trackedHashes"
	KeyCapturedQueries = "capturedQueries"
	KeyEnabled         = "interceptEnabled"
)

// Change описывает запись значения по ключу.
type Change struct {
	Key   string
	Value []byte
}

// UpdateFunc строит новые значения по текущим.
type UpdateFunc func(current map[string][]byte) (map[string][]byte, error)

// KV описывает надежное асинхронное хранилище ключ-значение с наблюдением изменений.
// Значения хранятся как JSON-документы.
type KV interface {
	// Get возвращает значение и признак его наличия.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set атомарно записывает значения по всем ключам.
	Set(ctx context.Context, values map[string][]byte) error
	// Update читает keys и записывает результат fn как одну операцию,
	// атомарную и между процессами. fn получает только существующие ключи
	// и может вызываться повторно; пустой результат ничего не пишет.
	Update(ctx context.Context, keys []string, fn UpdateFunc) error
	// Watch отдает поток изменений до отмены ctx, включая записи других
	// процессов.
	Watch(ctx context.Context) (<-chan Change, error)
	Close() error
}

// AuditEvent фиксирует обработанное сообщение-действие.
type AuditEvent struct {
	Subject   string
	Action    string
	Source    string
	Status    string
	RequestID string
	Payload   []byte
	TS        time.Time
}

// AuditQuery задает фильтры выборки аудита.
type AuditQuery struct {
	From    time.Time
	To      time.Time
	Subject string
	Limit   int
}

// AuditStore хранит журнал действий.
type AuditStore interface {
	SaveAudit(ctx context.Context, ev AuditEvent) error
	QueryAudit(ctx context.Context, q AuditQuery) ([]AuditEvent, error)
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
}

// AuditWriter позволяет использовать AuditStore как AuditSink транспортов.
type AuditWriter interface {
	Write(ctx context.Context, ev AuditEvent) error
}
