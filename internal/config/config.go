package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultConfigPath   = "config.json"
	DefaultHost         = "0.0.0.0"
	DefaultPort         = 8081
	DefaultOllamaURL    = "http://localhost:11434"
	DefaultModel        = "llama3.1:70b"
	DefaultOrigin       = "http://localhost:3005"
	DefaultRedirectURI  = "http://localhost:8081/auth/callback"
	DefaultProfileURL   = "https://graph.microsoft.com/v1.0/me"
	DefaultGraphScope   = "https://graph.microsoft.com/User.Read"
	DefaultSQLiteDSN    = "data/usage.db"
	DefaultDatabaseType = "sqlite3"
)

// Config represents runtime configuration for the gateway.
type Config struct {
	Server     ServerConfig              `json:"server"`
	Ollama     OllamaConfig              `json:"ollama"`
	Identity   IdentityConfig            `json:"identity"`
	Database   string                    `json:"database"`
	Databases  map[string]DatabaseConfig `json:"databases"`
	Redis      RedisConfig               `json:"redis"`
	Dispatcher DispatcherConfig          `json:"dispatcher"`
	RateLimit  RateLimitConfig           `json:"rate_limit"`
	Log        LogConfig                 `json:"log"`
}

type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	Admins         []string `json:"admins"`
}

type OllamaConfig struct {
	BaseURL              string `json:"base_url"`
	DefaultModel         string `json:"default_model"`
	TimeoutSeconds       int    `json:"timeout_seconds"`
	ModelsTimeoutSeconds int    `json:"models_timeout_seconds"`
	ModelCacheSeconds    int    `json:"model_cache_seconds"`
}

type IdentityConfig struct {
	TenantID     string   `json:"tenant_id"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	RedirectURI  string   `json:"redirect_uri"`
	Authority    string   `json:"authority"`
	Scopes       []string `json:"scopes"`
	ProfileURL   string   `json:"profile_url"`
	// ValidationTimeoutSeconds bounds each profile lookup against the identity provider.
	ValidationTimeoutSeconds int `json:"validation_timeout_seconds"`
	CacheTTLSeconds          int `json:"cache_ttl_seconds"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

type DispatcherConfig struct {
	MinWorkers         int `json:"min_workers"`
	MaxWorkers         int `json:"max_workers"`
	QueueSize          int `json:"queue_size"`
	IdleTimeoutSeconds int `json:"idle_timeout_seconds"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	Burst             int `json:"burst"`
}

type LogConfig struct {
	Level string `json:"level"`
	Dev   bool   `json:"dev"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           DefaultHost,
			Port:           DefaultPort,
			AllowedOrigins: []string{DefaultOrigin},
		},
		Ollama: OllamaConfig{
			BaseURL:              DefaultOllamaURL,
			DefaultModel:         DefaultModel,
			TimeoutSeconds:       300,
			ModelsTimeoutSeconds: 10,
			ModelCacheSeconds:    60,
		},
		Identity: IdentityConfig{
			RedirectURI:              DefaultRedirectURI,
			Scopes:                   []string{DefaultGraphScope},
			ProfileURL:               DefaultProfileURL,
			ValidationTimeoutSeconds: 10,
			CacheTTLSeconds:          300,
		},
		Database: DefaultDatabaseType,
		Databases: map[string]DatabaseConfig{
			DefaultDatabaseType: {DSN: DefaultSQLiteDSN},
		},
		Dispatcher: DispatcherConfig{
			MinWorkers:         2,
			MaxWorkers:         8,
			QueueSize:          64,
			IdleTimeoutSeconds: 60,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			Burst:             10,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file is not an error; an explicitly named one is.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = DefaultConfigPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := Default()
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(absPath))
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	str("HOST", &c.Server.Host)
	num("PORT", &c.Server.Port)
	str("OLLAMA_BASE_URL", &c.Ollama.BaseURL)
	str("DEFAULT_MODEL", &c.Ollama.DefaultModel)
	str("AZURE_CLIENT_ID", &c.Identity.ClientID)
	str("AZURE_CLIENT_SECRET", &c.Identity.ClientSecret)
	str("AZURE_TENANT_ID", &c.Identity.TenantID)
	str("REDIRECT_URI", &c.Identity.RedirectURI)
	str("LOG_LEVEL", &c.Log.Level)
	str("CHATGATE_DB", &c.Database)
	str("REDIS_HOST", &c.Redis.Host)
	num("REDIS_PORT", &c.Redis.Port)

	if v, ok := lookup("ALLOWED_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("ADMIN_USERS"); ok && strings.TrimSpace(v) != "" {
		c.Server.Admins = splitList(v)
	}
	if v, ok := lookup("DATABASE_PATH"); ok && strings.TrimSpace(v) != "" {
		if c.Databases == nil {
			c.Databases = map[string]DatabaseConfig{}
		}
		db := c.Databases["sqlite3"]
		db.DSN = strings.TrimSpace(v)
		c.Databases["sqlite3"] = db
	}
}

// Validate checks the values that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.Ollama.BaseURL) == "" {
		return errors.New("ollama base_url must be configured")
	}
	if strings.TrimSpace(c.Ollama.DefaultModel) == "" {
		return errors.New("ollama default_model must be configured")
	}
	if _, ok := c.Databases[c.Database]; !ok {
		return fmt.Errorf("database config for %s not found", c.Database)
	}
	if c.Dispatcher.MaxWorkers > 0 && c.Dispatcher.MinWorkers > c.Dispatcher.MaxWorkers {
		return fmt.Errorf("dispatcher min_workers (%d) exceeds max_workers (%d)",
			c.Dispatcher.MinWorkers, c.Dispatcher.MaxWorkers)
	}
	return nil
}

func (c *Config) resolvePaths(baseDir string) {
	db, ok := c.Databases["sqlite3"]
	if !ok || db.DSN == "" || db.DSN == ":memory:" || strings.HasPrefix(db.DSN, "file:") {
		return
	}
	if !filepath.IsAbs(db.DSN) {
		db.DSN = filepath.Join(baseDir, db.DSN)
		c.Databases["sqlite3"] = db
	}
}

// Addr is the listen address of the gateway.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

func (o OllamaConfig) Timeout() time.Duration {
	return seconds(o.TimeoutSeconds, 300)
}

func (o OllamaConfig) ModelsTimeout() time.Duration {
	return seconds(o.ModelsTimeoutSeconds, 10)
}

func (o OllamaConfig) ModelCacheTTL() time.Duration {
	if o.ModelCacheSeconds < 0 {
		return 0
	}
	return seconds(o.ModelCacheSeconds, 60)
}

func (i IdentityConfig) ValidationTimeout() time.Duration {
	return seconds(i.ValidationTimeoutSeconds, 10)
}

func (i IdentityConfig) CacheTTL() time.Duration {
	if i.CacheTTLSeconds < 0 {
		return 0
	}
	return seconds(i.CacheTTLSeconds, 300)
}

func (d DispatcherConfig) IdleTimeout() time.Duration {
	return seconds(d.IdleTimeoutSeconds, 60)
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
