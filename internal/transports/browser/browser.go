// Package browser открывает контексты просмотра во вкладках Chrome. Каждая вкладка
// получает свой контекст; исходящие запросы страницы перехватываются через
// CDP Fetch и проходят через ядро перехвата этого контекста.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"apqcapture/internal/apq"
	"apqcapture/internal/browsing"
)

// Config задает запуск браузера и стартовые вкладки.
type Config struct {
	// RemoteURL задает WebSocket URL внешнего Chrome. Пусто: запуск локального.
	RemoteURL  string
	Headless   bool
	Stealth    bool
	URLs       []string
	NavTimeout time.Duration
	Logger     *slog.Logger
}

// Tab описывает вкладку с собственным контекстом просмотра.
type Tab struct {
	Page    *rod.Page
	Context *browsing.Context
	URL     string

	router *rod.HijackRouter
}

// Adapter реализует core.TransportAdapter.
type Adapter struct {
	mgr *browsing.Manager
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	lnch    *launcher.Launcher
	browser *rod.Browser
	tabs    []*Tab
}

// NewAdapter создает браузерный транспорт.
func NewAdapter(mgr *browsing.Manager, cfg Config) *Adapter {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{mgr: mgr, cfg: cfg, log: cfg.Logger.With("transport", "browser")}
}

func (a *Adapter) Name() string { return "browser" }

// Start подключается к Chrome и открывает стартовые вкладки.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.browser != nil {
		a.mu.Unlock()
		return errors.New("browser transport already started")
	}
	b, err := a.launch()
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.browser = b
	a.mu.Unlock()

	for _, u := range a.cfg.URLs {
		if _, err := a.OpenTab(ctx, u); err != nil {
			a.log.Warn("tab not opened", "url", u, "err", err)
		}
	}
	return nil
}

func (a *Adapter) launch() (*rod.Browser, error) {
	wsURL := a.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(a.cfg.Headless)
		l = l.Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		a.lnch = l
		a.log.Info("launched local chrome", "url", wsURL, "headless", a.cfg.Headless)
	}
	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if a.lnch != nil {
			a.lnch.Cleanup()
			a.lnch = nil
		}
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

// OpenTab открывает вкладку с новым контекстом просмотра и переходит на pageURL.
// Перехват включается до навигации, поэтому первые запросы страницы тоже видны.
func (a *Adapter) OpenTab(ctx context.Context, pageURL string) (*Tab, error) {
	a.mu.Lock()
	b := a.browser
	a.mu.Unlock()
	if b == nil {
		return nil, errors.New("browser: not started")
	}

	bc, err := a.mgr.Open(ctx)
	if err != nil {
		return nil, err
	}

	var page *rod.Page
	if a.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		_ = a.mgr.Close(bc.ID)
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	router := page.HijackRequests()
	router.MustAdd("*", hijack(bc, a.log.With("context", bc.ID)))
	go router.Run()

	tab := &Tab{Page: page, Context: bc, URL: pageURL, router: router}
	a.mu.Lock()
	a.tabs = append(a.tabs, tab)
	a.mu.Unlock()

	if pageURL != "" {
		navCtx, cancel := context.WithTimeout(ctx, a.cfg.NavTimeout)
		defer cancel()
		if err := page.Context(navCtx).Navigate(pageURL); err != nil {
			return tab, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
		}
		if err := page.Context(navCtx).WaitLoad(); err != nil {
			a.log.Warn("wait load timeout", "url", pageURL, "err", err)
		}
	}
	a.log.Info("tab opened", "url", pageURL, "context", bc.ID)
	return tab, nil
}

// Tabs возвращает открытые вкладки.
func (a *Adapter) Tabs() []*Tab {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Tab(nil), a.tabs...)
}

// Stop закрывает вкладки, их контексты и браузер.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	tabs, b, l := a.tabs, a.browser, a.lnch
	a.tabs, a.browser, a.lnch = nil, nil, nil
	a.mu.Unlock()

	var errs []error
	for _, t := range tabs {
		if err := t.router.Stop(); err != nil {
			errs = append(errs, err)
		}
		_ = t.Page.Close()
		if err := a.mgr.Close(t.Context.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if b != nil {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l != nil {
		l.Cleanup()
	}
	return errors.Join(errs...)
}

func hijack(bc *browsing.Context, log *slog.Logger) func(*rod.Hijack) {
	return func(h *rod.Hijack) {
		body, rewritten := rewrite(bc, h.Request.URL().String(), h.Request.Body())
		if !rewritten {
			h.ContinueRequest(&proto.FetchContinueRequest{})
			return
		}
		log.Debug("request rewritten", "url", h.Request.URL().String())
		h.ContinueRequest(&proto.FetchContinueRequest{PostData: body})
	}
}

// rewrite пропускает тело через ядро и сообщает, нужно ли подменить его в Chrome.
func rewrite(bc *browsing.Context, target, body string) ([]byte, bool) {
	if body == "" {
		return nil, false
	}
	res := bc.Interceptor.Intercept(target, []byte(body))
	if res.Outcome != apq.Invalidated {
		return nil, false
	}
	return res.Body, true
}
