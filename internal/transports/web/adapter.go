package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"apqcapture/internal/apq"
	"apqcapture/internal/core"
	"apqcapture/internal/storage"
	"apqcapture/internal/store"
	"apqcapture/internal/transports/common"
)

type contextKey string

const (
	ctxRequestID  contextKey = "request_id"
	ctxSubjectID  contextKey = "subject_id"
	ctxRoles      contextKey = "roles"
	ctxAuthMethod contextKey = "auth_method"
	ctxMessage    contextKey = "message"
)

// Действия, под которыми авторизуются служебные маршруты.
const (
	actionGetMe       = "getMe"
	actionGetAudit    = "getAudit"
	actionGetContexts = "getContexts"
	actionGetActions  = "getActions"
)

// TokenEntry описывает web bearer-токен.
type TokenEntry struct {
	ID          string
	TokenSHA256 string
	Subject     string
	Roles       []string
	Enabled     bool
}

// Config определяет параметры HTTP-транспорта.
type Config struct {
	ListenAddr         string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	RequestTimeout     time.Duration
	MaxRequestBody     int64
	Tokens             []TokenEntry
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
}

// ContextLister отдает реестр контекстов просмотра.
type ContextLister interface {
	Contexts() []store.ContextInfo
}

// ActionLister отдает зарегистрированные действия.
type ActionLister interface {
	Actions() []string
}

// Deps описывает зависимости web transport.
type Deps struct {
	Service    *common.Service
	Authorizer core.Authorizer
	Audit      storage.AuditStore
	Contexts   ContextLister
	Actions    ActionLister
	Logger     *slog.Logger
}

// Adapter реализует HTTP API сообщений-действий поверх net/http.
type Adapter struct {
	deps Deps
	cfg  Config
	log  *slog.Logger

	tokensByHash map[string]TokenEntry
	corsOrigins  map[string]struct{}

	mu     sync.Mutex
	server *http.Server
}

// NewAdapter создает web transport.
func NewAdapter(deps Deps, cfg Config) *Adapter {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.MaxRequestBody <= 0 {
		cfg.MaxRequestBody = 1 << 20
	}
	if len(cfg.CORSAllowedMethods) == 0 {
		cfg.CORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(cfg.CORSAllowedHeaders) == 0 {
		cfg.CORSAllowedHeaders = []string{"Authorization", "Content-Type", "X-Request-ID"}
	}
	if deps.Authorizer == nil {
		deps.Authorizer = core.AllowAll{}
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	tokensByHash := make(map[string]TokenEntry, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		h := strings.ToLower(strings.TrimSpace(token.TokenSHA256))
		if len(h) != 64 {
			continue
		}
		tokensByHash[h] = token
	}

	corsOrigins := make(map[string]struct{}, len(cfg.CORSAllowedOrigins))
	for _, origin := range cfg.CORSAllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		corsOrigins[trimmed] = struct{}{}
	}

	return &Adapter{
		deps:         deps,
		cfg:          cfg,
		log:          log.With("transport", "web"),
		tokensByHash: tokensByHash,
		corsOrigins:  corsOrigins,
	}
}

func (a *Adapter) Name() string { return "web" }

// Start запускает HTTP server и останавливает его при отмене контекста.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.server != nil {
		a.mu.Unlock()
		return errors.New("web transport already started")
	}
	srv := &http.Server{
		Addr:         a.cfg.ListenAddr,
		Handler:      a.routes(),
		ReadTimeout:  a.cfg.ReadTimeout,
		WriteTimeout: a.cfg.WriteTimeout,
	}
	a.server = srv
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		_ = a.Stop(stopCtx)
	}()

	go func() {
		a.log.Info("listening", "addr", a.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("serve failed", "err", err)
			a.writeAudit(context.Background(), "", "web:serve", "error", map[string]string{"error": err.Error()}, "")
		}
	}()
	return nil
}

// Stop завершает HTTP server.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	srv := a.server
	a.server = nil
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type middleware func(http.Handler) http.Handler

func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func (a *Adapter) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /v1/health", http.HandlerFunc(a.handleHealth))

	protected := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}), a.timeoutMiddleware(), a.authSubjectMiddleware())

	mux.Handle("GET /v1/", protected)
	mux.Handle("POST /v1/", protected)

	mux.Handle("GET /v1/me", chain(http.HandlerFunc(a.handleMe),
		a.timeoutMiddleware(),
		a.authSubjectMiddleware(),
		a.authorizeActionMiddleware(actionGetMe),
	))

	mux.Handle("GET /v1/actions", chain(http.HandlerFunc(a.handleActions),
		a.timeoutMiddleware(),
		a.authSubjectMiddleware(),
		a.authorizeActionMiddleware(actionGetActions),
	))

	mux.Handle("POST /v1/messages", chain(http.HandlerFunc(a.handleMessage),
		a.timeoutMiddleware(),
		a.authSubjectMiddleware(),
		a.maxBodyMiddleware(),
		a.decodeMessageMiddleware(),
	))

	mux.Handle("GET /v1/contexts", chain(http.HandlerFunc(a.handleContexts),
		a.timeoutMiddleware(),
		a.authSubjectMiddleware(),
		a.authorizeActionMiddleware(actionGetContexts),
	))

	mux.Handle("GET /v1/audit", chain(http.HandlerFunc(a.handleAudit),
		a.timeoutMiddleware(),
		a.authSubjectMiddleware(),
		a.authorizeActionMiddleware(actionGetAudit),
	))

	return chain(mux, a.requestIDMiddleware(), a.corsMiddleware())
}

func (a *Adapter) requestIDMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := sanitizeRequestID(r.Header.Get("X-Request-ID"))
			if requestID == "" {
				requestID = common.NewRequestID()
			}
			w.Header().Set("X-Request-ID", requestID)
			ctx := context.WithValue(r.Context(), ctxRequestID, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) corsMiddleware() middleware {
	allowMethods := strings.Join(a.cfg.CORSAllowedMethods, ", ")
	allowHeaders := strings.Join(a.cfg.CORSAllowedHeaders, ", ")

	isMethodAllowed := func(method string) bool {
		for _, m := range a.cfg.CORSAllowedMethods {
			if strings.EqualFold(strings.TrimSpace(m), method) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if _, ok := a.corsOrigins[origin]; !ok {
				writeError(w, r, http.StatusForbidden, "cors_denied")
				return
			}

			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", allowMethods)
			w.Header().Set("Access-Control-Allow-Headers", allowHeaders)

			if r.Method == http.MethodOptions {
				preflightMethod := strings.TrimSpace(r.Header.Get("Access-Control-Request-Method"))
				if preflightMethod != "" && !isMethodAllowed(preflightMethod) {
					writeError(w, r, http.StatusForbidden, "cors_method_denied")
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (a *Adapter) timeoutMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), a.cfg.RequestTimeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) authSubjectMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subjectID, roles, authMethod, code := a.resolveSubject(r)
			if code != "" {
				writeError(w, r, http.StatusUnauthorized, code)
				return
			}
			ctx := context.WithValue(r.Context(), ctxSubjectID, subjectID)
			ctx = context.WithValue(ctx, ctxRoles, roles)
			ctx = context.WithValue(ctx, ctxAuthMethod, authMethod)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// resolveSubject находит субъекта по bearer-токену; другие способы
// аутентификации API не принимает.
func (a *Adapter) resolveSubject(r *http.Request) (string, []string, string, string) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return "", nil, "", "auth_required"
	}
	token := strings.TrimSpace(authHeader[7:])
	if token == "" {
		return "", nil, "", "invalid_token"
	}
	sum := sha256.Sum256([]byte(token))
	entry, ok := a.tokensByHash[hex.EncodeToString(sum[:])]
	if !ok || !entry.Enabled || entry.Subject == "" {
		return "", nil, "", "invalid_token"
	}
	return entry.Subject, append([]string(nil), entry.Roles...), "bearer", ""
}

func (a *Adapter) maxBodyMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxRequestBody)
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Adapter) authorizeActionMiddleware(action string) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subjectID := subjectIDFromContext(r.Context())
			if subjectID == "" {
				writeError(w, r, http.StatusUnauthorized, "auth_required")
				return
			}
			if err := a.deps.Authorizer.Authorize(core.Subject{Source: "web", ID: subjectID}, action); err != nil {
				writeError(w, r, http.StatusForbidden, "access_denied")
				a.writeAudit(r.Context(), subjectID, action, "denied", map[string]string{"auth_method": authMethodFromContext(r.Context())}, requestIDFromContext(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// decodeMessageMiddleware разбирает сообщение-действие; авторизация
// выполняется уже в common.Service.
func (a *Adapter) decodeMessageMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			msg, code, statusCode := decodeMessage(r)
			if code != "" {
				writeError(w, r, statusCode, code)
				a.writeAudit(r.Context(), subjectIDFromContext(r.Context()), "web:message", "error", map[string]string{"error_code": code, "auth_method": authMethodFromContext(r.Context())}, requestIDFromContext(r.Context()))
				return
			}
			ctx := context.WithValue(r.Context(), ctxMessage, msg)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func decodeMessage(r *http.Request) (core.Request, string, int) {
	var req core.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if isBodyTooLargeErr(err) {
			return core.Request{}, "payload_too_large", http.StatusRequestEntityTooLarge
		}
		return core.Request{}, "invalid_json", http.StatusBadRequest
	}
	if dec.More() {
		return core.Request{}, "invalid_json", http.StatusBadRequest
	}
	if req.Action == "" {
		return core.Request{}, "bad_command", http.StatusBadRequest
	}
	switch req.Action {
	case core.ActionAddHash, core.ActionRemoveHash:
		if !apq.ValidHash(req.Hash) {
			return core.Request{}, "invalid_hash", http.StatusBadRequest
		}
	}
	return req, "", 0
}

func isBodyTooLargeErr(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

func sanitizeRequestID(v string) string {
	id := strings.TrimSpace(v)
	if id == "" || len(id) > 64 {
		return ""
	}
	for _, ch := range id {
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
			continue
		}
		switch ch {
		case '-', '_', '.', ':':
			continue
		default:
			return ""
		}
	}
	return id
}

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *Adapter) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"request_id":  requestIDFromContext(r.Context()),
		"subject":     subjectIDFromContext(r.Context()),
		"roles":       rolesFromContext(r.Context()),
		"auth_method": authMethodFromContext(r.Context()),
	})
}

func (a *Adapter) handleActions(w http.ResponseWriter, r *http.Request) {
	items := []string{}
	if a.deps.Actions != nil {
		items = a.deps.Actions.Actions()
		sort.Strings(items)
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"request_id": requestIDFromContext(r.Context()),
		"items":      items,
	})
}

// handleMessage выполняет сообщение-действие и отвечает телом протокола:
// {success}, {hashes}, {queries}, {enabled} или {success:false, error}.
func (a *Adapter) handleMessage(w http.ResponseWriter, r *http.Request) {
	subjectID := subjectIDFromContext(r.Context())
	requestID := requestIDFromContext(r.Context())

	msg, ok := r.Context().Value(ctxMessage).(core.Request)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "bad_command")
		return
	}
	if a.deps.Service == nil {
		writeError(w, r, http.StatusServiceUnavailable, "store_unavailable")
		return
	}

	resp, err := a.deps.Service.Execute(r.Context(), subjectID, requestID, msg)
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusOK, resp)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "request_timeout")
	case errors.Is(err, common.ErrAccessDenied):
		writeError(w, r, http.StatusForbidden, "access_denied")
	case errors.Is(err, common.ErrRateLimited):
		writeError(w, r, http.StatusTooManyRequests, "rate_limited")
	case errors.Is(err, core.ErrUnknownAction):
		writeJSON(w, r, http.StatusBadRequest, resp)
	default:
		writeJSON(w, r, http.StatusInternalServerError, resp)
	}
}

func (a *Adapter) handleContexts(w http.ResponseWriter, r *http.Request) {
	items := []store.ContextInfo{}
	if a.deps.Contexts != nil {
		items = a.deps.Contexts.Contexts()
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"request_id": requestIDFromContext(r.Context()),
		"items":      items,
	})
}

func (a *Adapter) handleAudit(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromContext(r.Context())
	subjectID := subjectIDFromContext(r.Context())
	authMethod := authMethodFromContext(r.Context())

	if a.deps.Audit == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit_unavailable")
		return
	}

	q := storage.AuditQuery{
		Subject: r.URL.Query().Get("subject"),
		Limit:   parseLimit(r.URL.Query().Get("limit")),
	}
	if from := r.URL.Query().Get("from"); from != "" {
		ts, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_from")
			return
		}
		q.From = ts
	}
	if to := r.URL.Query().Get("to"); to != "" {
		ts, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_to")
			return
		}
		q.To = ts
	}

	events, err := a.deps.Audit.QueryAudit(r.Context(), q)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			writeError(w, r, http.StatusGatewayTimeout, "request_timeout")
			a.writeAudit(r.Context(), subjectID, actionGetAudit, "error", map[string]string{"error_code": "request_timeout", "auth_method": authMethod}, requestID)
			return
		}
		writeError(w, r, http.StatusInternalServerError, "query_failed")
		a.writeAudit(r.Context(), subjectID, actionGetAudit, "error", map[string]string{"auth_method": authMethod}, requestID)
		return
	}

	type eventDTO struct {
		Subject   string          `json:"subject"`
		Action    string          `json:"action"`
		Source    string          `json:"source"`
		Status    string          `json:"status"`
		RequestID string          `json:"request_id"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		TS        string          `json:"ts"`
	}
	payload := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		payload = append(payload, eventDTO{
			Subject:   ev.Subject,
			Action:    ev.Action,
			Source:    ev.Source,
			Status:    ev.Status,
			RequestID: ev.RequestID,
			Payload:   json.RawMessage(ev.Payload),
			TS:        ev.TS.UTC().Format(time.RFC3339),
		})
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"request_id": requestID,
		"items":      payload,
	})
	a.writeAudit(r.Context(), subjectID, actionGetAudit, "ok", map[string]string{"items": strconv.Itoa(len(payload)), "auth_method": authMethod}, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	v, ok := ctx.Value(ctxRequestID).(string)
	if !ok || v == "" {
		return common.NewRequestID()
	}
	return v
}

func subjectIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxSubjectID).(string)
	return v
}

func rolesFromContext(ctx context.Context) []string {
	v, _ := ctx.Value(ctxRoles).([]string)
	return v
}

func authMethodFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxAuthMethod).(string)
	return v
}

func (a *Adapter) writeAudit(ctx context.Context, subject, action, status string, payload any, requestID string) {
	if a.deps.Audit == nil {
		return
	}
	var rawPayload []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		rawPayload = data
	}
	err := a.deps.Audit.SaveAudit(ctx, storage.AuditEvent{
		Subject:   subject,
		Action:    action,
		Source:    "web",
		Status:    status,
		RequestID: requestID,
		Payload:   rawPayload,
	})
	if err != nil {
		a.log.Warn("audit write failed", "action", action, "err", err)
	}
}

func parseLimit(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 50
	}
	return n
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code string) {
	writeJSON(w, r, statusCode, map[string]string{
		"request_id": requestIDFromContext(r.Context()),
		"error_code": code,
		"message":    errorMessage(code),
	})
}

func errorMessage(code string) string {
	switch code {
	case "auth_required":
		return "authentication is required"
	case "invalid_token":
		return "token is invalid"
	case "access_denied":
		return "access denied"
	case "rate_limited":
		return "too many requests"
	case "payload_too_large":
		return "request payload is too large"
	case "invalid_hash":
		return "hash must be a sha256 hex digest"
	case "request_timeout":
		return "request timeout"
	case "cors_denied", "cors_method_denied":
		return "cors policy denied request"
	default:
		return code
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestIDFromContext(r.Context()))
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
