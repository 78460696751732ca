package browser

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"apqcapture/internal/apq"
	"apqcapture/internal/browsing"
	"apqcapture/internal/core"
	"apqcapture/internal/storage/sqlite"
	"apqcapture/internal/store"
)

const hash = "ecf4edb46db40b5132295c0291d62fb65d6759a9eedfa4d5d612dd5ec54a6b38"

type fixture struct {
	reg   *core.Registry
	store *store.Store
	mgr   *browsing.Manager
	log   *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	kv, err := sqlite.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	hub := store.NewHub(8, log)
	st := store.New(kv, hub, store.WithLogger(log))
	reg := core.NewRegistry()
	require.NoError(t, reg.Register(context.Background(), store.NewModule(st, hub, nil)))
	mgr := browsing.NewManager(hub, reg, browsing.Options{Logger: log})
	t.Cleanup(func() { _ = mgr.CloseAll() })
	return &fixture{reg: reg, store: st, mgr: mgr, log: log}
}

func (f *fixture) watch(t *testing.T, bc *browsing.Context) {
	t.Helper()
	require.False(t, f.reg.Dispatch(context.Background(), core.Request{Action: core.ActionAddHash, Hash: hash}).Failed())
	require.Eventually(t, func() bool { return bc.Interceptor.Snapshot().Watching(hash) }, 2*time.Second, 5*time.Millisecond)
}

func TestRewriteOnlyInvalidatedBodies(t *testing.T) {
	f := newFixture(t)
	bc, err := f.mgr.Open(context.Background())
	require.NoError(t, err)
	f.watch(t, bc)

	first := `{"extensions":{"persistedQuery":{"version":1,"sha256Hash":"` + hash + `"}}}`
	body, ok := rewrite(bc, "https://api.example.com/graphql", first)
	require.True(t, ok)
	assert.Equal(t, apq.SentinelHash, gjson.GetBytes(body, "extensions.persistedQuery.sha256Hash").String())

	retry := `{"query":"{ a }","extensions":{"persistedQuery":{"version":1,"sha256Hash":"` + hash + `"}}}`
	_, ok = rewrite(bc, "https://api.example.com/graphql", retry)
	assert.False(t, ok, "retry with full text is forwarded as is")

	_, ok = rewrite(bc, "https://api.example.com/graphql", "")
	assert.False(t, ok)

	_, ok = rewrite(bc, "https://api.example.com/graphql", "not json")
	assert.False(t, ok)
}

func TestOpenTabRequiresStart(t *testing.T) {
	f := newFixture(t)
	a := NewAdapter(f.mgr, Config{Logger: f.log})
	_, err := a.OpenTab(context.Background(), "about:blank")
	assert.Error(t, err)
	assert.NoError(t, a.Stop(context.Background()))
}

const page = `<!doctype html><html><body><script>
async function call(body) {
  const r = await fetch("/graphql", {method: "POST", headers: {"Content-Type": "application/json"}, body: JSON.stringify(body)});
  return r.json();
}
(async () => {
  const ext = {persistedQuery: {version: 1, sha256Hash: "` + hash + `"}};
  const res = await call({operationName: "Q", variables: {id: 1}, extensions: ext});
  if (res.errors && res.errors[0].message === "PersistedQueryNotFound") {
    await call({operationName: "Q", variables: {id: 1}, extensions: ext, query: "query Q { a }"});
  }
})();
</script></body></html>`

// TestChromeCapture гоняет настоящий Chrome; без него тест пропускается.
func TestChromeCapture(t *testing.T) {
	if testing.Short() {
		t.Skip("chrome test")
	}
	if _, found := launcher.LookPath(); !found {
		t.Skip("chrome not installed")
	}
	f := newFixture(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, page)
	})
	mux.HandleFunc("POST /graphql", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		if gjson.GetBytes(body, "query").Exists() || gjson.GetBytes(body, "extensions.persistedQuery.sha256Hash").String() == hash {
			_, _ = io.WriteString(w, `{"data":{"a":1}}`)
			return
		}
		_, _ = io.WriteString(w, `{"errors":[{"message":"PersistedQueryNotFound"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	require.False(t, f.reg.Dispatch(context.Background(), core.Request{Action: core.ActionAddHash, Hash: hash}).Failed())

	a := NewAdapter(f.mgr, Config{Headless: true, Logger: f.log})
	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(context.Background()) }()

	tab, err := a.OpenTab(context.Background(), "about:blank")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tab.Context.Interceptor.Snapshot().Watching(hash) }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, tab.Page.Navigate(srv.URL+"/"))

	require.Eventually(t, func() bool {
		qs, err := f.store.CapturedQueries(context.Background())
		return err == nil && len(qs) == 1 && qs[0].Status == apq.StatusCaptured
	}, 15*time.Second, 50*time.Millisecond)
}
