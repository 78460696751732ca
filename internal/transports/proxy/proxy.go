// Package proxy поднимает HTTP-прокси как контекст просмотра: все вызовы клиентов
// прокси проходят через ядро перехвата одного контекста.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"apqcapture/internal/browsing"
)

// Config определяет параметры прокси.
type Config struct {
	ListenAddr string
	// Upstream задает origin GraphQL-сервера. Пусто: режим forward proxy,
	// клиенты присылают абсолютные URI.
	Upstream        string
	MaxBody         int64
	ShutdownTimeout time.Duration
}

// Adapter реализует core.TransportAdapter.
type Adapter struct {
	mgr      *browsing.Manager
	cfg      Config
	upstream *url.URL
	base     http.RoundTripper
	log      *slog.Logger

	mu     sync.Mutex
	server *http.Server
	bc     *browsing.Context
}

// NewAdapter создает прокси поверх менеджера контекстов.
func NewAdapter(mgr *browsing.Manager, cfg Config, log *slog.Logger) (*Adapter, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8089"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{mgr: mgr, cfg: cfg, log: log.With("transport", "proxy")}
	if cfg.Upstream != "" {
		u, err := url.Parse(cfg.Upstream)
		if err != nil {
			return nil, fmt.Errorf("proxy upstream: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("proxy upstream %q must be absolute", cfg.Upstream)
		}
		a.upstream = u
	}
	return a, nil
}

func (a *Adapter) Name() string { return "proxy" }

// Start открывает контекст просмотра и начинает принимать соединения.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.server != nil {
		a.mu.Unlock()
		return errors.New("proxy transport already started")
	}
	bc, err := a.mgr.Open(ctx)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("open browsing context: %w", err)
	}
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.handler(bc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.server = srv
	a.bc = bc
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		_ = a.Stop(stopCtx)
	}()

	go func() {
		a.log.Info("listening", "addr", a.cfg.ListenAddr, "context", bc.ID, "upstream", a.cfg.Upstream)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("serve failed", "err", err)
		}
	}()
	return nil
}

// Stop закрывает слушатель и контекст просмотра.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	srv, bc := a.server, a.bc
	a.server, a.bc = nil, nil
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if bc != nil {
		err = errors.Join(err, a.mgr.Close(bc.ID))
	}
	return err
}

func (a *Adapter) handler(bc *browsing.Context) http.Handler {
	transport := bc.Transport(a.base)
	if a.cfg.MaxBody > 0 {
		transport.MaxBody = a.cfg.MaxBody
	}
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if a.upstream != nil {
				pr.SetURL(a.upstream)
				pr.SetXForwarded()
				return
			}
			pr.Out.URL = pr.In.URL
			pr.Out.Host = ""
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			a.log.Warn("upstream failed", "url", r.URL.String(), "err", err)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodConnect {
			http.Error(w, "CONNECT is not supported", http.StatusMethodNotAllowed)
			return
		}
		if a.upstream == nil && !r.URL.IsAbs() {
			http.Error(w, "absolute request URI required", http.StatusBadRequest)
			return
		}
		rp.ServeHTTP(w, r)
	})
}
