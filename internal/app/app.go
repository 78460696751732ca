package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"apqcapture/internal/browsing"
	"apqcapture/internal/config"
	"apqcapture/internal/core"
	"apqcapture/internal/modules/host"
	"apqcapture/internal/storage"
	"apqcapture/internal/storage/redis"
	"apqcapture/internal/storage/sqlite"
	"apqcapture/internal/store"
	"apqcapture/internal/transports/browser"
	"apqcapture/internal/transports/common"
	"apqcapture/internal/transports/proxy"
	"apqcapture/internal/transports/web"
)

// App агрегирует зависимости: хранилище, рассылку, реестр действий,
// контексты просмотра и транспорты.
type App struct {
	Config     config.Config
	Log        *slog.Logger
	KV         storage.KV
	Audit      storage.AuditStore
	Hub        *store.Hub
	Store      *store.Store
	Registry   *core.Registry
	Contexts   *browsing.Manager
	Transports *core.TransportManager
	Authorizer core.Authorizer
	Limiter    *common.RateLimiter

	closers []func() error
}

// NewApp строит приложение по конфигурации и записывает недостающие
// значения состояния. Транспорты регистрируются, но не запускаются.
func NewApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{Config: cfg, Log: log}
	if err := a.openStorage(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Hub = store.NewHub(cfg.Bridge.Buffer, log.With("component", "hub"))
	a.Store = store.New(a.KV, a.Hub,
		store.WithLogger(log.With("component", "store")),
		store.WithHistoryLimit(cfg.Storage.HistoryLimit),
	)
	a.Registry = core.NewRegistry()
	if err := a.Registry.Register(ctx, store.NewModule(a.Store, a.Hub, host.Probe)); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("register store module: %w", err)
	}

	a.Authorizer = core.NewAllowlistAuthorizer(cfg.Security.AuthAllowlist, cfg.Security.ReadOnly)
	a.Limiter = common.NewRateLimiter(cfg.Web.RateLimit, time.Duration(cfg.Web.RateWindowS)*time.Second)
	a.Contexts = browsing.NewManager(a.Hub, a.Registry, browsing.Options{
		Buffer:  cfg.Bridge.Buffer,
		Grace:   time.Duration(cfg.Bridge.GraceMS) * time.Millisecond,
		MaxBody: cfg.Proxy.MaxBodyBytes,
		Logger:  log,
	})
	a.closers = append(a.closers, a.Contexts.CloseAll)

	a.Transports = core.NewTransportManager()
	if err := a.registerTransports(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	cfg := a.Config.Storage
	switch cfg.Driver {
	case "redis":
		kv, err := redis.Open(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return fmt.Errorf("open redis storage: %w", err)
		}
		a.KV = kv
		a.closers = append(a.closers, kv.Close)
		// Журнал аудита Redis не держит: он остается в локальном SQLite.
		if cfg.SQLitePath != "" {
			db, err := sqlite.Open(cfg.SQLitePath)
			if err != nil {
				return fmt.Errorf("open audit storage: %w", err)
			}
			a.Audit = db
			a.closers = append(a.closers, db.Close)
		}
	default:
		db, err := sqlite.Open(cfg.SQLitePath, sqlite.WithPollInterval(time.Duration(cfg.PollMS)*time.Millisecond))
		if err != nil {
			return fmt.Errorf("open sqlite storage: %w", err)
		}
		a.KV = db
		a.Audit = db
		a.closers = append(a.closers, db.Close)
	}
	return nil
}

// Service возвращает пайплайн сообщений-действий для источника source.
func (a *App) Service(source string) *common.Service {
	svc := &common.Service{
		Source:      source,
		Registry:    a.Registry,
		Authorizer:  a.Authorizer,
		RateLimiter: a.Limiter,
		Logger:      a.Log,
	}
	if w, ok := a.Audit.(storage.AuditWriter); ok {
		svc.AuditSink = w
	}
	return svc
}

func (a *App) registerTransports() error {
	cfg := a.Config
	if cfg.Web.Enabled {
		tokens := make([]web.TokenEntry, 0, len(cfg.Web.Auth.Tokens))
		for _, token := range cfg.Web.Auth.Tokens {
			tokens = append(tokens, web.TokenEntry{
				ID:          token.ID,
				TokenSHA256: token.TokenSHA256,
				Subject:     token.Subject,
				Roles:       token.Roles,
				Enabled:     token.Enabled,
			})
		}
		webAdapter := web.NewAdapter(web.Deps{
			Service:    a.Service("web"),
			Authorizer: a.Authorizer,
			Audit:      a.Audit,
			Contexts:   a.Hub,
			Actions:    a.Registry,
			Logger:     a.Log,
		}, web.Config{
			ListenAddr:         cfg.Web.ListenAddr,
			ReadTimeout:        time.Duration(cfg.Web.ReadTimeoutMS) * time.Millisecond,
			WriteTimeout:       time.Duration(cfg.Web.WriteTimeoutMS) * time.Millisecond,
			RequestTimeout:     time.Duration(cfg.Web.RequestTimeoutMS) * time.Millisecond,
			ShutdownTimeout:    time.Duration(cfg.Web.ShutdownTimeoutS) * time.Second,
			MaxRequestBody:     cfg.Web.MaxBodyBytes,
			Tokens:             tokens,
			CORSAllowedOrigins: cfg.Web.CORS.AllowedOrigins,
			CORSAllowedMethods: cfg.Web.CORS.AllowedMethods,
			CORSAllowedHeaders: cfg.Web.CORS.AllowedHeaders,
		})
		if err := a.Transports.Register(webAdapter); err != nil {
			return fmt.Errorf("register web transport: %w", err)
		}
	}
	if cfg.Proxy.Enabled {
		px, err := proxy.NewAdapter(a.Contexts, proxy.Config{
			ListenAddr: cfg.Proxy.ListenAddr,
			Upstream:   cfg.Proxy.Upstream,
			MaxBody:    cfg.Proxy.MaxBodyBytes,
		}, a.Log)
		if err != nil {
			return fmt.Errorf("proxy transport: %w", err)
		}
		if err := a.Transports.Register(px); err != nil {
			return fmt.Errorf("register proxy transport: %w", err)
		}
	}
	if cfg.Browser.Enabled {
		br := browser.NewAdapter(a.Contexts, browser.Config{
			RemoteURL: cfg.Browser.RemoteURL,
			Headless:  cfg.Browser.Headless,
			Stealth:   cfg.Browser.Stealth,
			URLs:      cfg.Browser.URLs,
			Logger:    a.Log,
		})
		if err := a.Transports.Register(br); err != nil {
			return fmt.Errorf("register browser transport: %w", err)
		}
	}
	return nil
}

// Close высвобождает ресурсы приложения в обратном порядке.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Maintenance выполняет периодическое обслуживание: чистит старый аудит
// и простаивающие бакеты лимитера.
func (a *App) Maintenance(ctx context.Context) error {
	now := time.Now()
	if n := a.Limiter.Prune(now.Add(-time.Hour)); n > 0 {
		a.Log.Debug("rate limiter pruned", "buckets", n)
	}
	if a.Audit == nil || a.Config.Audit.RetentionDays <= 0 {
		return nil
	}
	before := now.AddDate(0, 0, -a.Config.Audit.RetentionDays)
	n, err := a.Audit.PruneAudit(ctx, before)
	if err != nil {
		return fmt.Errorf("prune audit: %w", err)
	}
	if n > 0 {
		a.Log.Info("audit pruned", "rows", n, "before", before)
	}
	return nil
}

// Serve запускает транспорты и планировщик и работает до отмены ctx.
// Изменения настроек, сделанные другими процессами (например, командами
// CLI), рассылаются открытым контекстам.
func (a *App) Serve(ctx context.Context) error {
	updates, err := a.Store.WatchConfig(ctx)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	go func() {
		for u := range updates {
			a.Hub.Broadcast(u)
		}
	}()

	if err := a.Transports.StartAll(ctx); err != nil {
		a.stopTransports()
		return fmt.Errorf("start transports: %w", err)
	}
	defer a.stopTransports()
	a.Log.Info("serving", "transports", a.Transports.Names(), "storage", a.Config.Storage.Driver)

	interval := time.Duration(a.Config.Scheduler.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	sched := core.NewScheduler(interval, a.Log.With("component", "scheduler"))
	sched.Add("maintenance", a.Maintenance)

	sched.Start(ctx)
	return nil
}

func (a *App) stopTransports() {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Transports.StopAll(stopCtx); err != nil {
		a.Log.Warn("stop transports", "err", err)
	}
}
