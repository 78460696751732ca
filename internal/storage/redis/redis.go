// Package redis реализует storage.KV поверх Redis: значения хранятся
// строками под общим префиксом, изменения публикуются в канал pub/sub,
// поэтому наблюдатели видят записи всех процессов.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"apqcapture/internal/storage"
)

const (
	defaultPrefix     = "apqcapture:"
	maxUpdateAttempts = 16
)

// Store реализует storage.KV.
type Store struct {
	client *redis.Client
	prefix string
}

type changeMsg struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Open подключается к Redis по URL и проверяет соединение.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return New(client, prefix), nil
}

// New оборачивает готовый клиент.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) channel() string { return s.prefix + "changes" }

// Get возвращает значение по ключу.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// Set записывает значения в транзакции MULTI/EXEC и публикует изменения.
func (s *Store) Set(ctx context.Context, values map[string][]byte) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.queue(ctx, pipe, values)
	})
	if err != nil {
		return fmt.Errorf("set: %w", err)
	}
	return nil
}

// Update выполняет оптимистичную транзакцию: WATCH ключей, чтение, fn и
// MULTI/EXEC. Если ключи изменил другой клиент, попытка повторяется.
func (s *Store) Update(ctx context.Context, keys []string, fn storage.UpdateFunc) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	txf := func(tx *redis.Tx) error {
		current := make(map[string][]byte, len(keys))
		for i, k := range keys {
			v, err := tx.Get(ctx, full[i]).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return fmt.Errorf("get %s: %w", k, err)
			}
			current[k] = v
		}
		values, err := fn(current)
		if err != nil || len(values) == 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.queue(ctx, pipe, values)
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, full...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%v: %w", keys, storage.ErrConflict)
}

func (s *Store) queue(ctx context.Context, pipe redis.Pipeliner, values map[string][]byte) error {
	for key, value := range values {
		pipe.Set(ctx, s.key(key), value, 0)
		msg, err := json.Marshal(changeMsg{Key: key, Value: value})
		if err != nil {
			return err
		}
		pipe.Publish(ctx, s.channel(), msg)
	}
	return nil
}

// Watch подписывается на канал изменений.
func (s *Store) Watch(ctx context.Context) (<-chan storage.Change, error) {
	sub := s.client.Subscribe(ctx, s.channel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan storage.Change, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var c changeMsg
				if err := json.Unmarshal([]byte(m.Payload), &c); err != nil {
					continue
				}
				select {
				case out <- storage.Change{Key: c.Key, Value: c.Value}:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close закрывает клиент.
func (s *Store) Close() error {
	return s.client.Close()
}
