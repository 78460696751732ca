package web

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"apqcapture/internal/core"
	"apqcapture/internal/storage"
	"apqcapture/internal/store"
	"apqcapture/internal/transports/common"
)

type fakeProvider struct {
	block bool
}

func (p *fakeProvider) Name() string                   { return "store" }
func (p *fakeProvider) Init(ctx context.Context) error { return nil }
func (p *fakeProvider) Actions() []string {
	return []string{core.ActionGetTrackedHashes, core.ActionAddHash}
}
func (p *fakeProvider) Handle(ctx context.Context, req core.Request) (core.Response, error) {
	if p.block {
		<-ctx.Done()
		return core.Response{}, ctx.Err()
	}
	if req.Action == core.ActionAddHash {
		return core.OK(), nil
	}
	return core.Response{Hashes: []string{"abc"}}, nil
}

type fakeAudit struct {
	mu    sync.Mutex
	audit []storage.AuditEvent
}

func (s *fakeAudit) SaveAudit(ctx context.Context, ev storage.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, ev)
	return nil
}
func (s *fakeAudit) Write(ctx context.Context, ev storage.AuditEvent) error {
	return s.SaveAudit(ctx, ev)
}
func (s *fakeAudit) QueryAudit(ctx context.Context, q storage.AuditQuery) ([]storage.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.AuditEvent(nil), s.audit...), nil
}
func (s *fakeAudit) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func TestHealthEndpoint(t *testing.T) {
	adapter := newTestAdapter(t, false, Config{})
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rr := httptest.NewRecorder()
	adapter.routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestProtectedEndpointRequiresSubject(t *testing.T) {
	adapter := newTestAdapter(t, false, Config{})
	req := httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
	rr := httptest.NewRecorder()
	adapter.routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	assertErrorHasRequestID(t, rr)
}

func TestMessageEndpointAuthorized(t *testing.T) {
	adapter := newTestAdapter(t, false, Config{})

	body := bytes.NewBufferString(`{"action":"getTrackedHashes"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", body)
	req.Header.Set("Authorization", "Bearer u1-token")
	req.Header.Set("X-Request-ID", "abc-123")
	rr := httptest.NewRecorder()
	adapter.routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("expected request id header abc-123, got %q", got)
	}

	var resp core.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Hashes) != 1 || resp.Hashes[0] != "abc" {
		t.Fatalf("unexpected hashes %#v", resp.Hashes)
	}
}

func TestMessageEndpointBearerToken(t *testing.T) {
	sum := sha256.Sum256([]byte("test-token"))
	adapter := newTestAdapter(t, false, Config{Tokens: []TokenEntry{{
		ID:          "t1",
		TokenSHA256: hex.EncodeToString(sum[:]),
		Subject:     "u1",
		Enabled:     true,
	}}})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"action":"addHash","hash":"ecf4edb46db40b5132295c0291d62fb65d6759a9eedfa4d5d612dd5ec54a6b38"}`))
	req.Header.Set("Authorization", "Bearer test-token")
	rr := httptest.NewRecorder()
	adapter.routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if strings.TrimSpace(rr.Body.String()) != `{"success":true}` {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"action":"addHash","hash":"ecf4edb46db40b5132295c0291d62fb65d6759a9eedfa4d5d612dd5ec54a6b38"}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	adapter.routes().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestMessageEndpointUnknownAction(t *testing.T) {
	adapter := newTestAdapter(t, false, Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"action":"explode"}`))
	req.Header.Set("Authorization", "Bearer u1-token")
	rr := httptest.NewRecorder()
	adapter.routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != `{"error":"Unknown action","success":false}` {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestMessageEndpointReadOnlySubject(t *testing.T) {
	adapter := newTestAdapter(t, false, Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"action":"addHash","hash":"ecf4edb46db40b5132295c0291d62fb65d6759a9eedfa4d5d612dd5ec54a6b38"}`))
	req.Header.Set("Authorization", "Bearer viewer-token")
	rr := httptest.NewRecorder()
	adapter.routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestMessageEndpointRejectsUnknownFields(t *testing.T) {
	adapter := newTestAdapter(t, false, Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"action":"addHash","module":"x"}`))
	req.Header.Set("Authorization", "Bearer u1-token")
	rr := httptest.NewRecorder()
	adapter.routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestInvalidRequestIDGetsReplaced(t *testing.T) {
	adapter := newTestAdapter(t, false, Config{})

	body := bytes.NewBufferString(`{"action":"getTrackedHashes"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", body)
	req.Header.Set("Authorization", "Bearer u1-token")
	req.Header.Set("X-Request-ID", "bad id with spaces")
	rr := httptest.NewRecorder()
	adapter.routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-Request-ID"); got == "" || got == "bad id with spaces" {
		t.Fatalf("expected sanitized generated request id, got %q", got)
	}
}

func TestMessageEndpointBodyTooLarge(t *testing.T) {
	adapter := newTestAdapter(t, false, Config{MaxRequestBody: 16})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"action":"addHash","hash":"0123456789abcdef"}`))
	req.Header.Set("Authorization", "Bearer u1-token")
	rr := httptest.NewRecorder()
	adapter.routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413, got %d", rr.Code)
	}
}

func TestMessageEndpointTimeout(t *testing.T) {
	adapter := newTestAdapter(t, true, Config{RequestTimeout: 20 * time.Millisecond})

	body := bytes.NewBufferString(`{"action":"getTrackedHashes"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", body)
	req.Header.Set("Authorization", "Bearer u1-token")
	rr := httptest.NewRecorder()
	adapter.routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected status 504, got %d", rr.Code)
	}
}

func TestContextsEndpoint(t *testing.T) {
	hub := store.NewHub(1, nil)
	hub.Open("tab-1")
	adapter := newAdapterWithDeps(t, false, Config{}, hub)

	req := httptest.NewRequest(http.MethodGet, "/v1/contexts", nil)
	req.Header.Set("Authorization", "Bearer viewer-token")
	rr := httptest.NewRecorder()
	adapter.routes().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp struct {
		Items []store.ContextInfo `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].ID != "tab-1" {
		t.Fatalf("unexpected contexts %#v", resp.Items)
	}
}

func assertErrorHasRequestID(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	var resp struct {
		RequestID string `json:"request_id"`
		ErrorCode string `json:"error_code"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RequestID == "" {
		t.Fatal("expected request_id in error response")
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header in error response")
	}
}

// testToken выдает включенный токен "<subject>-token".
func testToken(subject string) TokenEntry {
	sum := sha256.Sum256([]byte(subject + "-token"))
	return TokenEntry{ID: subject, TokenSHA256: hex.EncodeToString(sum[:]), Subject: subject, Enabled: true}
}

func newTestAdapter(t *testing.T, block bool, cfg Config) *Adapter {
	t.Helper()
	return newAdapterWithDeps(t, block, cfg, nil)
}

func newAdapterWithDeps(t *testing.T, block bool, cfg Config, contexts ContextLister) *Adapter {
	t.Helper()
	registry := core.NewRegistry()
	if err := registry.Register(context.Background(), &fakeProvider{block: block}); err != nil {
		t.Fatalf("register fake provider: %v", err)
	}
	authz := core.NewAllowlistAuthorizer(map[string][]string{"web": {"u1", "viewer"}}, []string{"viewer"})
	audit := &fakeAudit{}
	cfg.Tokens = append(cfg.Tokens, testToken("u1"), testToken("viewer"))
	svc := &common.Service{Source: "web", Registry: registry, Authorizer: authz, AuditSink: audit}
	return NewAdapter(Deps{
		Service:    svc,
		Authorizer: authz,
		Audit:      audit,
		Contexts:   contexts,
		Actions:    registry,
	}, cfg)
}
