package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apqcapture/internal/apq"
	"apqcapture/internal/core"
	"apqcapture/internal/storage"
	"apqcapture/internal/storage/sqlite"
)

type recordingFan struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recordingFan) Broadcast(u Update) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return 1
}

func (r *recordingFan) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recordingFan) last() Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

type failingKV struct{ storage.KV }

func (failingKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("disk gone")
}

func (failingKV) Set(context.Context, map[string][]byte) error { return errors.New("disk gone") }

func (failingKV) Update(context.Context, []string, storage.UpdateFunc) error {
	return errors.New("disk gone")
}

// tickClock выдает строго возрастающее время с шагом в секунду.
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore(t *testing.T) (*Store, *recordingFan, *sqlite.Store) {
	t.Helper()
	kv, err := sqlite.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	fan := &recordingFan{}
	clock := &tickClock{t: time.UnixMilli(1_700_000_000_000)}
	s := New(kv, fan,
		WithClock(clock.now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, s.Init(context.Background()))
	return s, fan, kv
}

func TestInitDefaults(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	hashes, err := s.TrackedHashes(ctx)
	require.NoError(t, err)
	assert.Empty(t, hashes)
	assert.NotNil(t, hashes)

	enabled, err := s.Enabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestInitKeepsExistingState(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddHash(ctx, "abc"))
	require.NoError(t, s.SetEnabled(ctx, false))

	require.NoError(t, s.Init(ctx))

	hashes, _ := s.TrackedHashes(ctx)
	assert.Equal(t, []string{"abc"}, hashes)
	enabled, _ := s.Enabled(ctx)
	assert.False(t, enabled)
}

func TestAddHashIsIdempotent(t *testing.T) {
	s, fan, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddHash(ctx, "abc"))
	require.NoError(t, s.AddHash(ctx, "abc"))

	hashes, err := s.TrackedHashes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, hashes)

	queries, err := s.CapturedQueries(ctx)
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, apq.StatusPending, queries[0].Status)
	assert.NotZero(t, queries[0].Timestamp)

	assert.Equal(t, 1, fan.count(), "duplicate add must not fan out")
	assert.Equal(t, Update{Hashes: []string{"abc"}, Enabled: true}, fan.last())
}

func TestAddHashKeepsInsertionOrder(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	for _, h := range []string{"c", "a", "b"} {
		require.NoError(t, s.AddHash(ctx, h))
	}
	hashes, _ := s.TrackedHashes(ctx)
	assert.Equal(t, []string{"c", "a", "b"}, hashes)
}

func TestAddHashRejectsEmpty(t *testing.T) {
	s, fan, _ := newTestStore(t)
	assert.ErrorIs(t, s.AddHash(context.Background(), ""), ErrEmptyHash)
	assert.Zero(t, fan.count())
}

func TestRemoveHashKeepsHistory(t *testing.T) {
	s, fan, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddHash(ctx, "abc"))
	require.NoError(t, s.AddHash(ctx, "def"))

	require.NoError(t, s.RemoveHash(ctx, "abc"))

	hashes, _ := s.TrackedHashes(ctx)
	assert.Equal(t, []string{"def"}, hashes)
	queries, _ := s.CapturedQueries(ctx)
	assert.Len(t, queries, 2)
	assert.Equal(t, []string{"def"}, fan.last().Hashes)
}

func TestRemoveUnknownHashStillFansOut(t *testing.T) {
	s, fan, _ := newTestStore(t)
	require.NoError(t, s.RemoveHash(context.Background(), "missing"))
	assert.Equal(t, 1, fan.count())
}

func TestClearHashesClearsBoth(t *testing.T) {
	s, fan, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddHash(ctx, "abc"))
	require.NoError(t, s.CaptureQuery(ctx, &apq.CapturedQuery{Hash: "abc", Query: "query A { a }"}))

	require.NoError(t, s.ClearHashes(ctx))

	hashes, _ := s.TrackedHashes(ctx)
	queries, _ := s.CapturedQueries(ctx)
	assert.Empty(t, hashes)
	assert.Empty(t, queries)
	assert.Empty(t, fan.last().Hashes)
}

func TestClearQueriesKeepsHashes(t *testing.T) {
	s, fan, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddHash(ctx, "abc"))
	before := fan.count()

	require.NoError(t, s.ClearQueries(ctx))

	hashes, _ := s.TrackedHashes(ctx)
	queries, _ := s.CapturedQueries(ctx)
	assert.Equal(t, []string{"abc"}, hashes)
	assert.Empty(t, queries)
	assert.Equal(t, before, fan.count())
}

func TestSetEnabledFansOut(t *testing.T) {
	s, fan, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddHash(ctx, "abc"))

	require.NoError(t, s.SetEnabled(ctx, false))

	enabled, _ := s.Enabled(ctx)
	assert.False(t, enabled)
	assert.Equal(t, Update{Hashes: []string{"abc"}, Enabled: false}, fan.last())
}

func TestCaptureMergesPendingRecord(t *testing.T) {
	s, fan, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AddHash(ctx, "abc"))
	queries, _ := s.CapturedQueries(ctx)
	created := queries[0].Timestamp
	before := fan.count()

	require.NoError(t, s.CaptureQuery(ctx, &apq.CapturedQuery{
		Hash:          "abc",
		Query:         "query GetUser { user { id } }",
		OperationName: "GetUser",
		Variables:     json.RawMessage(`{"id":1}`),
		URL:           "https://api.example.com/graphql",
		Timestamp:     created + 999_999,
	}))

	queries, _ = s.CapturedQueries(ctx)
	require.Len(t, queries, 1)
	got := queries[0]
	assert.Equal(t, apq.StatusCaptured, got.Status)
	assert.Equal(t, "query GetUser { user { id } }", got.Query)
	assert.Equal(t, "GetUser", got.OperationName)
	assert.JSONEq(t, `{"id":1}`, string(got.Variables))
	assert.Equal(t, created, got.Timestamp, "timestamp of the pending record is kept")
	assert.Greater(t, got.CapturedAt, created)
	assert.Equal(t, before, fan.count(), "capture does not fan out")

	hashes, _ := s.TrackedHashes(ctx)
	assert.Equal(t, []string{"abc"}, hashes, "capture does not untrack")
}

func TestRecaptureRefreshesCapturedAt(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CaptureQuery(ctx, &apq.CapturedQuery{Hash: "abc", Query: "query A { a }", Timestamp: 42}))
	first, _ := s.CapturedQueries(ctx)

	require.NoError(t, s.CaptureQuery(ctx, &apq.CapturedQuery{Hash: "abc", Query: "query A { a b }", Timestamp: 43}))
	second, _ := s.CapturedQueries(ctx)

	require.Len(t, second, 1)
	assert.Equal(t, "query A { a b }", second[0].Query)
	assert.Equal(t, int64(42), second[0].Timestamp)
	assert.Greater(t, second[0].CapturedAt, first[0].CapturedAt)
}

func TestCaptureWithoutPendingRecord(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CaptureQuery(ctx, &apq.CapturedQuery{Hash: "zzz", Query: "{ a }", Timestamp: 7}))
	queries, _ := s.CapturedQueries(ctx)
	require.Len(t, queries, 1)
	assert.Equal(t, apq.StatusCaptured, queries[0].Status)
	assert.Equal(t, int64(7), queries[0].Timestamp)
}

func TestCaptureRequiresData(t *testing.T) {
	s, _, _ := newTestStore(t)
	assert.ErrorIs(t, s.CaptureQuery(context.Background(), nil), ErrNoData)
	assert.ErrorIs(t, s.CaptureQuery(context.Background(), &apq.CapturedQuery{}), ErrEmptyHash)
}

func TestHistoryIsBoundedToNewest(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < apq.HistoryLimit+1; i++ {
		require.NoError(t, s.CaptureQuery(ctx, &apq.CapturedQuery{
			Hash:  fmt.Sprintf("h%02d", i),
			Query: "{ a }",
		}))
	}

	queries, err := s.CapturedQueries(ctx)
	require.NoError(t, err)
	require.Len(t, queries, apq.HistoryLimit)
	assert.Equal(t, "h50", queries[0].Hash, "newest first")
	for _, q := range queries {
		assert.NotEqual(t, "h00", q.Hash, "oldest capture evicted")
	}
	for i := 1; i < len(queries); i++ {
		assert.GreaterOrEqual(t, queries[i-1].EffectiveTime(), queries[i].EffectiveTime())
	}
}

func TestCustomHistoryLimit(t *testing.T) {
	kv, err := sqlite.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	clock := &tickClock{t: time.Unix(0, 0)}
	s := New(kv, nil, WithClock(clock.now), WithHistoryLimit(2))
	ctx := context.Background()
	for _, h := range []string{"a", "b", "c"} {
		require.NoError(t, s.CaptureQuery(ctx, &apq.CapturedQuery{Hash: h, Query: "{ x }"}))
	}
	queries, _ := s.CapturedQueries(ctx)
	require.Len(t, queries, 2)
	assert.Equal(t, "c", queries[0].Hash)
	assert.Equal(t, "b", queries[1].Hash)
}

func TestStorageFailureSurfaces(t *testing.T) {
	s := New(failingKV{}, nil)
	ctx := context.Background()
	assert.Error(t, s.AddHash(ctx, "abc"))
	assert.Error(t, s.ClearHashes(ctx))
	assert.Error(t, s.CaptureQuery(ctx, &apq.CapturedQuery{Hash: "abc"}))
	_, err := s.Enabled(ctx)
	assert.Error(t, err)
}

func TestWatchQueriesSeesCaptures(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.WatchQueries(ctx)
	require.NoError(t, err)

	require.NoError(t, s.CaptureQuery(ctx, &apq.CapturedQuery{Hash: "abc", Query: "{ a }"}))

	select {
	case queries := <-ch:
		require.Len(t, queries, 1)
		assert.Equal(t, "abc", queries[0].Hash)
	case <-time.After(2 * time.Second):
		t.Fatal("no history change observed")
	}
}

func TestConcurrentAddsSerialize(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.AddHash(ctx, fmt.Sprintf("h%d", i)))
		}(i)
	}
	wg.Wait()
	hashes, _ := s.TrackedHashes(ctx)
	assert.Len(t, hashes, 20)
	queries, _ := s.CapturedQueries(ctx)
	assert.Len(t, queries, 20)
}

func TestCaptureDerivesOperationName(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CaptureQuery(ctx, &apq.CapturedQuery{Hash: "abc", Query: "query GetUser($id: ID!) { user(id: $id) { id } }"}))
	require.NoError(t, s.CaptureQuery(ctx, &apq.CapturedQuery{Hash: "def", Query: "{ broken ", OperationName: "Explicit"}))

	queries, _ := s.CapturedQueries(ctx)
	require.Len(t, queries, 2)
	byHash := map[string]apq.CapturedQuery{}
	for _, q := range queries {
		byHash[q.Hash] = q
	}
	assert.Equal(t, "GetUser", byHash["abc"].OperationName)
	assert.Equal(t, "Explicit", byHash["def"].OperationName, "explicit name wins")
	assert.Equal(t, "{ broken ", byHash["def"].Query, "unbalanced text is still stored")
}

// Два Store поверх одного файла ведут себя как два процесса.
func openShared(t *testing.T, path string) *Store {
	t.Helper()
	kv, err := sqlite.Open(path, sqlite.WithPollInterval(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return New(kv, nil, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestConcurrentAddsAcrossStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	a, b := openShared(t, path), openShared(t, path)
	ctx := context.Background()
	require.NoError(t, a.Init(ctx))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for j, s := range []*Store{a, b} {
			wg.Add(1)
			go func(s *Store, h string) {
				defer wg.Done()
				assert.NoError(t, s.AddHash(ctx, h))
			}(s, fmt.Sprintf("h%d-%d", j, i))
		}
	}
	wg.Wait()

	hashes, err := a.TrackedHashes(ctx)
	require.NoError(t, err)
	assert.Len(t, hashes, 20, "no add is lost")
	queries, _ := b.CapturedQueries(ctx)
	assert.Len(t, queries, 20)
}

func TestWatchConfigSeesOtherStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	server, writer := openShared(t, path), openShared(t, path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, server.Init(ctx))

	ch, err := server.WatchConfig(ctx)
	require.NoError(t, err)
	require.NoError(t, writer.AddHash(ctx, "abc"))
	require.NoError(t, writer.SetEnabled(ctx, false))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-ch:
			if !u.Enabled && len(u.Hashes) == 1 && u.Hashes[0] == "abc" {
				return
			}
		case <-deadline:
			t.Fatal("config change from the other store not observed")
		}
	}
}

func TestModuleActions(t *testing.T) {
	s, _, _ := newTestStore(t)
	hub := NewHub(4, nil)
	hub.Open("tab-1")
	m := NewModule(s, hub, func(context.Context) (any, error) { return map[string]string{"os": "linux"}, nil })
	reg := core.NewRegistry()
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, m))

	resp := reg.Dispatch(ctx, core.Request{Action: core.ActionAddHash, Hash: "abc"})
	assert.False(t, resp.Failed())
	require.NotNil(t, resp.Success)

	resp = reg.Dispatch(ctx, core.Request{Action: core.ActionGetTrackedHashes})
	assert.Equal(t, []string{"abc"}, resp.Hashes)

	off := false
	reg.Dispatch(ctx, core.Request{Action: core.ActionSetEnabled, Enabled: &off})
	resp = reg.Dispatch(ctx, core.Request{Action: core.ActionGetEnabled})
	require.NotNil(t, resp.Enabled)
	assert.False(t, *resp.Enabled)

	resp = reg.Dispatch(ctx, core.Request{Action: core.ActionSetEnabled})
	assert.True(t, resp.Failed())

	resp = reg.Dispatch(ctx, core.Request{Action: core.ActionCaptureQuery, Data: &apq.CapturedQuery{Hash: "abc", Query: "{ a }"}})
	assert.False(t, resp.Failed())

	resp = reg.Dispatch(ctx, core.Request{Action: core.ActionGetCapturedQueries})
	require.Len(t, resp.Queries, 1)
	assert.Equal(t, apq.StatusCaptured, resp.Queries[0].Status)

	resp = reg.Dispatch(ctx, core.Request{Action: core.ActionGetStatus})
	require.NotNil(t, resp.Status)
	assert.Equal(t, 1, resp.Status.Tracked)
	assert.Equal(t, 1, resp.Status.Captured)
	assert.Equal(t, 1, resp.Status.Contexts)
	assert.False(t, resp.Status.Enabled)
	assert.NotNil(t, resp.Status.Host)

	resp = reg.Dispatch(ctx, core.Request{Action: core.ActionClearHashes})
	assert.False(t, resp.Failed())
	resp = reg.Dispatch(ctx, core.Request{Action: core.ActionGetCapturedQueries})
	assert.NotNil(t, resp.Queries)
	assert.Empty(t, resp.Queries)
}
