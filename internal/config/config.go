package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix задает префикс переменных окружения: APQ_STORAGE_DRIVER, APQ_WEB_LISTEN_ADDR и т.д.
const EnvPrefix = "APQ"

// TokenConfig описывает bearer-токен web API.
type TokenConfig struct {
	ID          string   `yaml:"id"`
	TokenSHA256 string   `yaml:"token_sha256"`
	Subject     string   `yaml:"subject"`
	Roles       []string `yaml:"roles"`
	Enabled     bool     `yaml:"enabled"`
}

// Config описывает параметры агента.
type Config struct {
	Agent struct {
		Mode     string `yaml:"mode"`
		LogLevel string `yaml:"log_level" split_words:"true"`
	} `yaml:"agent"`
	Security struct {
		AuthAllowlist map[string][]string `yaml:"auth_allowlist" ignored:"true"`
		ReadOnly      []string            `yaml:"read_only" split_words:"true"`
	} `yaml:"security"`
	Storage struct {
		Driver       string `yaml:"driver"`
		SQLitePath   string `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`
		RedisURL     string `yaml:"redis_url" envconfig:"REDIS_URL"`
		RedisPrefix  string `yaml:"redis_prefix" envconfig:"REDIS_PREFIX"`
		HistoryLimit int    `yaml:"history_limit" split_words:"true"`
		PollMS       int    `yaml:"poll_ms" envconfig:"POLL_MS"`
	} `yaml:"storage"`
	Audit struct {
		RetentionDays int `yaml:"retention_days" split_words:"true"`
	} `yaml:"audit"`
	Scheduler struct {
		IntervalSeconds int `yaml:"interval_seconds" split_words:"true"`
	} `yaml:"scheduler"`
	Bridge struct {
		GraceMS int `yaml:"grace_ms" envconfig:"GRACE_MS"`
		Buffer  int `yaml:"buffer"`
	} `yaml:"bridge"`
	Proxy struct {
		Enabled      bool   `yaml:"enabled"`
		ListenAddr   string `yaml:"listen_addr" split_words:"true"`
		Upstream     string `yaml:"upstream"`
		MaxBodyBytes int64  `yaml:"max_body_bytes" split_words:"true"`
	} `yaml:"proxy"`
	Browser struct {
		Enabled   bool     `yaml:"enabled"`
		RemoteURL string   `yaml:"remote_url" envconfig:"REMOTE_URL"`
		Headless  bool     `yaml:"headless"`
		Stealth   bool     `yaml:"stealth"`
		URLs      []string `yaml:"urls" envconfig:"URLS"`
	} `yaml:"browser"`
	Web struct {
		Enabled          bool   `yaml:"enabled"`
		ListenAddr       string `yaml:"listen_addr" split_words:"true"`
		ReadTimeoutMS    int    `yaml:"read_timeout_ms" envconfig:"READ_TIMEOUT_MS"`
		WriteTimeoutMS   int    `yaml:"write_timeout_ms" envconfig:"WRITE_TIMEOUT_MS"`
		RequestTimeoutMS int    `yaml:"request_timeout_ms" envconfig:"REQUEST_TIMEOUT_MS"`
		ShutdownTimeoutS int    `yaml:"shutdown_timeout_s" envconfig:"SHUTDOWN_TIMEOUT_S"`
		MaxBodyBytes     int64  `yaml:"max_body_bytes" split_words:"true"`
		RateLimit        int    `yaml:"rate_limit" split_words:"true"`
		RateWindowS      int    `yaml:"rate_window_s" envconfig:"RATE_WINDOW_S"`
		Auth             struct {
			Tokens []TokenConfig `yaml:"tokens" ignored:"true"`
		} `yaml:"auth"`
		CORS struct {
			AllowedOrigins []string `yaml:"allowed_origins" split_words:"true"`
			AllowedMethods []string `yaml:"allowed_methods" split_words:"true"`
			AllowedHeaders []string `yaml:"allowed_headers" split_words:"true"`
		} `yaml:"cors"`
	} `yaml:"web"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() Config {
	var cfg Config
	cfg.Agent.Mode = "cli"
	cfg.Agent.LogLevel = "info"
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLitePath = "/var/lib/apqcapture/state.db"
	cfg.Storage.RedisPrefix = "apqcapture:"
	cfg.Storage.HistoryLimit = 50
	cfg.Storage.PollMS = 250
	cfg.Audit.RetentionDays = 30
	cfg.Scheduler.IntervalSeconds = 3600
	cfg.Bridge.GraceMS = 100
	cfg.Bridge.Buffer = 16
	cfg.Proxy.ListenAddr = "127.0.0.1:8089"
	cfg.Proxy.MaxBodyBytes = 1 << 20
	cfg.Browser.Headless = true
	cfg.Browser.Stealth = true
	cfg.Web.ListenAddr = "127.0.0.1:8080"
	cfg.Web.ReadTimeoutMS = 2000
	cfg.Web.WriteTimeoutMS = 5000
	cfg.Web.RequestTimeoutMS = 3000
	cfg.Web.ShutdownTimeoutS = 5
	cfg.Web.MaxBodyBytes = 1 << 20
	cfg.Web.RateLimit = 20
	cfg.Web.RateWindowS = 1
	cfg.Security.AuthAllowlist = map[string][]string{"web": {}, "cli": {"local"}}
	return cfg
}

// Load читает конфиг из файла YAML поверх значений по умолчанию,
// затем применяет переменные окружения APQ_*.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- путь к конфигу задается доверенным оператором/CI.
		if err != nil {
			return cfg, err
		}
		if len(data) == 0 {
			return cfg, errors.New("config file is empty")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("env overrides: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadDotEnv подгружает переменные из файла .env; отсутствие файла не ошибка.
// Уже заданные переменные окружения не перезаписываются.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Validate проверяет согласованность параметров.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for sqlite")
		}
	case "redis":
		if c.Storage.RedisURL == "" {
			return errors.New("storage.redis_url is required for redis")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.HistoryLimit < 0 {
		return errors.New("storage.history_limit must not be negative")
	}
	if c.Storage.PollMS < 0 {
		return errors.New("storage.poll_ms must not be negative")
	}
	if c.Audit.RetentionDays < 0 {
		return errors.New("audit.retention_days must not be negative")
	}
	if c.Bridge.GraceMS < 0 || c.Bridge.Buffer < 0 {
		return errors.New("bridge settings must not be negative")
	}
	return nil
}
