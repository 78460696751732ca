package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"apqcapture/internal/storage"
)

// DefaultPollInterval задает период проверки записей других процессов.
const DefaultPollInterval = 250 * time.Millisecond

// Store реализует storage.KV и storage.AuditStore поверх SQLite.
//
// Каждая запись kv получает возрастающую ревизию. Наблюдатели получают
// изменения из опроса ревизий, поэтому видят и записи других процессов,
// открывших тот же файл. Собственная запись будит опрос сразу.
type Store struct {
	db     *sql.DB
	notify *storage.Notifier
	poll   time.Duration
	kick   chan struct{}

	mu       sync.RWMutex
	closed   bool
	watching bool
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

// Option настраивает Store.
type Option func(*Store)

// WithPollInterval задает период опроса чужих записей.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.poll = d
		}
	}
}

// Open инициализирует соединение и выполняет миграции.
func Open(path string, opts ...Option) (*Store, error) {
	// _txlock=immediate: транзакция берет блокировку записи сразу, поэтому
	// чтение и запись в Update не пересекаются с другими процессами.
	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{
		db:     db,
		notify: storage.NewNotifier(0),
		poll:   DefaultPollInterval,
		kick:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			rev INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_kv_rev ON kv(rev);`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			subject TEXT,
			action TEXT,
			source TEXT,
			status TEXT,
			request_id TEXT,
			payload BLOB
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_subject_ts ON audit_events(subject, ts);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// Get возвращает значение по ключу.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set записывает значения одной транзакцией.
func (s *Store) Set(ctx context.Context, values map[string][]byte) error {
	return s.Update(ctx, nil, func(map[string][]byte) (map[string][]byte, error) {
		return values, nil
	})
}

// Update читает keys и записывает результат fn в одной транзакции.
func (s *Store) Update(ctx context.Context, keys []string, fn storage.UpdateFunc) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current := make(map[string][]byte, len(keys))
	for _, key := range keys {
		var value []byte
		err := tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		current[key] = value
	}
	values, err := fn(current)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for key, value := range values {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv(key, value, rev, updated_at)
VALUES(?, ?, (SELECT COALESCE(MAX(rev), 0) + 1 FROM kv), ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, rev = excluded.rev, updated_at = excluded.updated_at`, key, value, now); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return nil
}

// Watch подписывает на изменения kv, в том числе сделанные другими
// процессами. Первый вызов запускает опрос ревизий.
func (s *Store) Watch(ctx context.Context) (<-chan storage.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	ch := s.notify.Subscribe(ctx)
	if !s.watching {
		var last int64
		if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(rev), 0) FROM kv`).Scan(&last); err != nil {
			return nil, fmt.Errorf("read revision: %w", err)
		}
		pollCtx, cancel := context.WithCancel(context.Background())
		s.stop = cancel
		s.watching = true
		s.wg.Add(1)
		go s.pollLoop(pollCtx, last)
	}
	return ch, nil
}

func (s *Store) pollLoop(ctx context.Context, last int64) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		rev, err := s.publishSince(ctx, last)
		if err != nil {
			continue
		}
		last = rev
	}
}

// publishSince раздает записи с ревизией больше last и возвращает
// последнюю увиденную ревизию.
func (s *Store) publishSince(ctx context.Context, last int64) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, rev FROM kv WHERE rev > ? ORDER BY rev`, last)
	if err != nil {
		return last, err
	}
	defer rows.Close()
	for rows.Next() {
		var c storage.Change
		var rev int64
		if err := rows.Scan(&c.Key, &c.Value, &rev); err != nil {
			return last, err
		}
		s.notify.Publish(c)
		last = rev
	}
	return last, rows.Err()
}

// SaveAudit сохраняет аудиторное событие.
func (s *Store) SaveAudit(ctx context.Context, ev storage.AuditEvent) error {
	ts := ev.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_events(subject, action, source, status, request_id, payload, ts) VALUES(?,?,?,?,?,?,?)`,
		ev.Subject, ev.Action, ev.Source, ev.Status, ev.RequestID, ev.Payload, ts)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// QueryAudit возвращает аудит по фильтрам.
func (s *Store) QueryAudit(ctx context.Context, q storage.AuditQuery) ([]storage.AuditEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	from := q.From
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	to := q.To
	if to.IsZero() {
		to = time.Now().UTC()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT subject, action, source, status, request_id, payload, ts
FROM audit_events
WHERE ts >= ? AND ts <= ? AND (? = '' OR subject = ?)
ORDER BY ts DESC
LIMIT ?`, from, to, q.Subject, q.Subject, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	events := make([]storage.AuditEvent, 0, limit)
	for rows.Next() {
		var ev storage.AuditEvent
		var ts string
		if err := rows.Scan(&ev.Subject, &ev.Action, &ev.Source, &ev.Status, &ev.RequestID, &ev.Payload, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		parsedTS, err := parseSQLiteTS(ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		ev.TS = parsedTS
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return events, nil
}

// PruneAudit удаляет события старше before.
func (s *Store) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE ts < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune audit: %w", err)
	}
	return res.RowsAffected()
}

func parseSQLiteTS(v string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported sqlite time format: %q", v)
}

// Write реализует общий AuditSink интерфейс.
func (s *Store) Write(ctx context.Context, ev storage.AuditEvent) error {
	return s.SaveAudit(ctx, ev)
}

// Close закрывает соединение и подписки.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.wg.Wait()
	s.notify.Close()
	return s.db.Close()
}
