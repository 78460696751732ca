// Package store владеет постоянным состоянием: набором отслеживаемых
// хешей, историей перехваченных запросов и флагом включения.
// Изменения читают и пишут ключи через storage.KV.Update, атомарно и между
// процессами; внутри процесса операции идут под одной блокировкой, и
// рассылки уходят в порядке изменений.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"apqcapture/internal/apq"
	"apqcapture/internal/storage"
)

var (
	ErrEmptyHash = errors.New("hash is required")
	ErrNoData    = errors.New("capture data is required")
)

// Store реализует операции хранилища и рассылку изменений.
type Store struct {
	kv    storage.KV
	fan   Broadcaster
	log   *slog.Logger
	now   func() time.Time
	limit int

	mu sync.Mutex
}

// Option настраивает Store.
type Option func(*Store)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger задает логгер.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithHistoryLimit задает размер истории (по умолчанию apq.HistoryLimit).
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.limit = n
		}
	}
}

// New создает Store; fan может быть nil, тогда рассылки нет.
func New(kv storage.KV, fan Broadcaster, opts ...Option) *Store {
	s := &Store{kv: kv, fan: fan, log: slog.Default(), now: time.Now, limit: apq.HistoryLimit}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init записывает значения по умолчанию при первом запуске.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defaults := map[string][]byte{
		storage.KeyTrackedHashes:   []byte("[]"),
		storage.KeyCapturedQueries: []byte("[]"),
		storage.KeyEnabled:         []byte("true"),
	}
	missing := make(map[string][]byte)
	for key, value := range defaults {
		_, ok, err := s.kv.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			missing[key] = value
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if err := s.kv.Set(ctx, missing); err != nil {
		return err
	}
	s.log.Info("store initialized", "keys", len(missing))
	return nil
}

// AddHash начинает отслеживать h и заводит для него запись pending.
// Повторное добавление ничего не меняет.
func (s *Store) AddHash(ctx context.Context, h string) error {
	if h == "" {
		return ErrEmptyHash
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var added bool
	err := s.kv.Update(ctx, []string{storage.KeyTrackedHashes, storage.KeyCapturedQueries}, func(cur map[string][]byte) (map[string][]byte, error) {
		added = false
		var hashes []string
		if err := decode(cur, storage.KeyTrackedHashes, &hashes); err != nil {
			return nil, err
		}
		for _, existing := range hashes {
			if existing == h {
				return nil, nil
			}
		}
		var queries []apq.CapturedQuery
		if err := decode(cur, storage.KeyCapturedQueries, &queries); err != nil {
			return nil, err
		}
		values := map[string][]byte{}
		if err := encode(values, storage.KeyTrackedHashes, append(hashes, h)); err != nil {
			return nil, err
		}
		if indexOf(queries, h) < 0 {
			queries = append(queries, apq.CapturedQuery{Hash: h, Status: apq.StatusPending, Timestamp: s.now().UnixMilli()})
			if err := encode(values, storage.KeyCapturedQueries, queries); err != nil {
				return nil, err
			}
		}
		added = true
		return values, nil
	})
	if err != nil || !added {
		return err
	}
	s.log.Info("hash tracked", "hash", h)
	return s.broadcast(ctx)
}

// RemoveHash прекращает отслеживание; история хеша сохраняется.
func (s *Store) RemoveHash(ctx context.Context, h string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.kv.Update(ctx, []string{storage.KeyTrackedHashes}, func(cur map[string][]byte) (map[string][]byte, error) {
		var hashes []string
		if err := decode(cur, storage.KeyTrackedHashes, &hashes); err != nil {
			return nil, err
		}
		kept := make([]string, 0, len(hashes))
		for _, existing := range hashes {
			if existing != h {
				kept = append(kept, existing)
			}
		}
		values := map[string][]byte{}
		return values, encode(values, storage.KeyTrackedHashes, kept)
	})
	if err != nil {
		return err
	}
	s.log.Info("hash untracked", "hash", h)
	return s.broadcast(ctx)
}

// ClearHashes очищает набор отслеживания и всю историю.
func (s *Store) ClearHashes(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Set(ctx, map[string][]byte{
		storage.KeyTrackedHashes:   []byte("[]"),
		storage.KeyCapturedQueries: []byte("[]"),
	}); err != nil {
		return err
	}
	s.log.Info("hashes cleared")
	return s.broadcast(ctx)
}

// SetEnabled меняет флаг включения.
func (s *Store) SetEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.setJSON(ctx, storage.KeyEnabled, enabled); err != nil {
		return err
	}
	s.log.Info("interception toggled", "enabled", enabled)
	return s.broadcast(ctx)
}

// CaptureQuery сохраняет перехваченный текст запроса и ограничивает историю.
// Рассылки набора отслеживания нет: история наблюдается через WatchQueries.
// Без operationName в теле имя берется из текста запроса.
func (s *Store) CaptureQuery(ctx context.Context, data *apq.CapturedQuery) error {
	if data == nil {
		return ErrNoData
	}
	if data.Hash == "" {
		return ErrEmptyHash
	}
	opName := data.OperationName
	if data.Query != "" {
		if opName == "" {
			opName = apq.OperationName(data.Query)
		}
		if err := apq.ValidateQuery(data.Query); err != nil {
			s.log.Warn("captured query is unbalanced", "hash", data.Hash, "err", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var size int
	err := s.kv.Update(ctx, []string{storage.KeyCapturedQueries}, func(cur map[string][]byte) (map[string][]byte, error) {
		var queries []apq.CapturedQuery
		if err := decode(cur, storage.KeyCapturedQueries, &queries); err != nil {
			return nil, err
		}
		now := s.now().UnixMilli()
		if i := indexOf(queries, data.Hash); i >= 0 {
			rec := queries[i]
			rec.Query = data.Query
			rec.OperationName = opName
			rec.Variables = data.Variables
			rec.URL = data.URL
			rec.Status = apq.StatusCaptured
			rec.CapturedAt = now
			queries[i] = rec
		} else {
			rec := *data
			rec.OperationName = opName
			rec.Status = apq.StatusCaptured
			rec.CapturedAt = now
			queries = append(queries, rec)
		}
		if len(queries) > s.limit {
			sort.SliceStable(queries, func(i, j int) bool {
				return queries[i].EffectiveTime() > queries[j].EffectiveTime()
			})
			queries = queries[:s.limit]
		}
		size = len(queries)
		values := map[string][]byte{}
		return values, encode(values, storage.KeyCapturedQueries, queries)
	})
	if err != nil {
		return err
	}
	s.log.Info("query stored", "hash", data.Hash, "operation", opName, "history", size)
	return nil
}

// ClearQueries очищает только историю.
func (s *Store) ClearQueries(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Set(ctx, map[string][]byte{storage.KeyCapturedQueries: []byte("[]")})
}

// TrackedHashes возвращает набор отслеживания.
func (s *Store) TrackedHashes(ctx context.Context) ([]string, error) {
	return s.hashes(ctx)
}

// CapturedQueries возвращает историю.
func (s *Store) CapturedQueries(ctx context.Context) ([]apq.CapturedQuery, error) {
	return s.queries(ctx)
}

// Enabled возвращает флаг включения; по умолчанию true.
func (s *Store) Enabled(ctx context.Context) (bool, error) {
	raw, ok, err := s.kv.Get(ctx, storage.KeyEnabled)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return true, nil
	}
	return v, nil
}

// WatchQueries отдает историю после каждого ее изменения.
func (s *Store) WatchQueries(ctx context.Context) (<-chan []apq.CapturedQuery, error) {
	changes, err := s.kv.Watch(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan []apq.CapturedQuery, 8)
	go func() {
		defer close(out)
		for c := range changes {
			if c.Key != storage.KeyCapturedQueries {
				continue
			}
			var queries []apq.CapturedQuery
			if err := json.Unmarshal(c.Value, &queries); err != nil {
				s.log.Warn("history change undecodable", "err", err)
				continue
			}
			select {
			case out <- queries:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// WatchConfig отдает текущие набор отслеживания и флаг, а затем новое
// состояние после каждого их изменения в хранилище, в том числе сделанного
// другим процессом.
func (s *Store) WatchConfig(ctx context.Context) (<-chan Update, error) {
	changes, err := s.kv.Watch(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan Update, 8)
	go func() {
		defer close(out)
		if u, err := s.snapshot(ctx); err == nil {
			out <- u
		}
		for c := range changes {
			if c.Key != storage.KeyTrackedHashes && c.Key != storage.KeyEnabled {
				continue
			}
			u, err := s.snapshot(ctx)
			if err != nil {
				s.log.Warn("config change unreadable", "key", c.Key, "err", err)
				continue
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Store) snapshot(ctx context.Context) (Update, error) {
	hashes, err := s.hashes(ctx)
	if err != nil {
		return Update{}, err
	}
	enabled, err := s.Enabled(ctx)
	if err != nil {
		return Update{}, err
	}
	return Update{Hashes: hashes, Enabled: enabled}, nil
}

func (s *Store) broadcast(ctx context.Context) error {
	if s.fan == nil {
		return nil
	}
	u, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	n := s.fan.Broadcast(u)
	s.log.Debug("fan-out", "delivered", n, "hashes", len(u.Hashes), "enabled", u.Enabled)
	return nil
}

func (s *Store) hashes(ctx context.Context) ([]string, error) {
	out := []string{}
	if err := s.getJSON(ctx, storage.KeyTrackedHashes, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func (s *Store) queries(ctx context.Context) ([]apq.CapturedQuery, error) {
	out := []apq.CapturedQuery{}
	if err := s.getJSON(ctx, storage.KeyCapturedQueries, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []apq.CapturedQuery{}
	}
	return out, nil
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.kv.Set(ctx, map[string][]byte{key: raw})
}

func decode(cur map[string][]byte, key string, v any) error {
	raw, ok := cur[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func encode(values map[string][]byte, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	values[key] = raw
	return nil
}

func indexOf(queries []apq.CapturedQuery, h string) int {
	for i, q := range queries {
		if q.Hash == h {
			return i
		}
	}
	return -1
}
