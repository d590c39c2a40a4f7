package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every server-level option once defaults, files, and env have been merged.
type Config struct {
	Server ServerConfig `koanf:"server"`

	// ManifestSource records the manifest file that contributed the worker
	// version and manifest, if any. It is excluded from koanf so the value only
	// reflects runtime discovery rather than static input documents.
	ManifestSource string `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Admin     AdminConfig     `koanf:"admin"`
	Worker    WorkerConfig    `koanf:"worker"`
	Offline   OfflineConfig   `koanf:"offline"`
	Templates TemplatesConfig `koanf:"templates"`
	Cache     CacheConfig     `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// AdminConfig places the health, explain, and metrics routes.
type AdminConfig struct {
	Prefix string `koanf:"prefix"`
}

// WorkerConfig describes the cache generation and how requests are answered.
type WorkerConfig struct {
	Version             string        `koanf:"version"`
	Prefix              string        `koanf:"prefix"`
	Manifest            []string      `koanf:"manifest"`
	ManifestFile        string        `koanf:"manifestFile"`
	ShellPath           string        `koanf:"shellPath"`
	Origin              string        `koanf:"origin"`
	SkipWaiting         bool          `koanf:"skipWaiting"`
	InstallConcurrency  int           `koanf:"installConcurrency"`
	FetchTimeout        string        `koanf:"fetchTimeout"`
	RespectCacheControl bool          `koanf:"respectCacheControl"`
	Routes              []RouteConfig `koanf:"routes"`
}

// RouteConfig binds a CEL predicate over the intercepted request to a fetch strategy.
type RouteConfig struct {
	Name     string `koanf:"name"`
	Match    string `koanf:"match"`
	Strategy string `koanf:"strategy"`
}

// OfflineConfig controls the page rendered when a navigation fails and no shell is cached.
type OfflineConfig struct {
	Body         string `koanf:"body"`
	TemplateFile string `koanf:"templateFile"`
	ContentType  string `koanf:"contentType"`
}

// TemplatesConfig captures the template sandbox root.
type TemplatesConfig struct {
	TemplatesFolder     string   `koanf:"templatesFolder"`
	TemplatesAllowEnv   bool     `koanf:"templatesAllowEnv"`
	TemplatesAllowedEnv []string `koanf:"templatesAllowedEnv"`
}

// CacheConfig selects the storage backend that holds cache generations.
type CacheConfig struct {
	Backend   string           `koanf:"backend"`
	Namespace string           `koanf:"namespace"`
	Redis     RedisCacheConfig `koanf:"redis"`
}

type RedisCacheConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// Strategy names accepted by route rules.
const (
	StrategyCacheFirst           = "cacheFirst"
	StrategyNetworkFirst         = "networkFirst"
	StrategyStaleWhileRevalidate = "staleWhileRevalidate"
)

// DefaultManifest lists the shell URLs precached by every new generation.
func DefaultManifest() []string {
	return []string{
		"/",
		"/login",
		"/signup",
		"/index.html",
		"/manifest.json",
		"/assets/7_remove_bg.png",
		"/assets/5_remove_bg.png",
		"/assets/1_rem_bg.png",
		"/assets/2_remove_bg.png",
		"/assets/3_remove_bg.png",
	}
}

// FetchTimeoutDuration parses the configured origin timeout. Empty or "0" means no timeout.
func (w WorkerConfig) FetchTimeoutDuration() (time.Duration, error) {
	raw := strings.TrimSpace(w.FetchTimeout)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: server.worker.fetchTimeout invalid: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: server.worker.fetchTimeout negative: %s", raw)
	}
	return d, nil
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port < 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if prefix := c.Server.Admin.Prefix; prefix != "" && !strings.HasPrefix(prefix, "/") {
		return fmt.Errorf("config: server.admin.prefix must start with /: %s", prefix)
	}
	if err := c.Server.Worker.validate(); err != nil {
		return err
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	return nil
}

func (w WorkerConfig) validate() error {
	if strings.TrimSpace(w.Version) == "" {
		return errors.New("config: server.worker.version required")
	}
	if len(w.Manifest) == 0 {
		return errors.New("config: server.worker.manifest requires at least one path")
	}
	for i, path := range w.Manifest {
		if !strings.HasPrefix(strings.TrimSpace(path), "/") {
			return fmt.Errorf("config: server.worker.manifest[%d] must be an absolute path: %q", i, path)
		}
	}
	if !strings.HasPrefix(w.ShellPath, "/") {
		return fmt.Errorf("config: server.worker.shellPath must be an absolute path: %q", w.ShellPath)
	}
	origin, err := url.Parse(strings.TrimSpace(w.Origin))
	if err != nil {
		return fmt.Errorf("config: server.worker.origin invalid: %w", err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" || origin.Host == "" {
		return fmt.Errorf("config: server.worker.origin must be an absolute http(s) URL: %q", w.Origin)
	}
	if w.InstallConcurrency < 0 {
		return fmt.Errorf("config: server.worker.installConcurrency invalid: %d", w.InstallConcurrency)
	}
	if _, err := w.FetchTimeoutDuration(); err != nil {
		return err
	}
	for i, route := range w.Routes {
		if strings.TrimSpace(route.Match) == "" {
			return fmt.Errorf("config: server.worker.routes[%d] match required", i)
		}
		switch route.Strategy {
		case StrategyCacheFirst, StrategyNetworkFirst, StrategyStaleWhileRevalidate:
		default:
			return fmt.Errorf("config: server.worker.routes[%d] strategy unsupported: %s", i, route.Strategy)
		}
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Admin: AdminConfig{
				Prefix: "/_shellcache",
			},
			Worker: WorkerConfig{
				Version:            "v1",
				Prefix:             "urban-iq-",
				Manifest:           DefaultManifest(),
				ShellPath:          "/index.html",
				Origin:             "http://localhost:5174",
				SkipWaiting:        true,
				InstallConcurrency: 4,
			},
			Offline: OfflineConfig{
				ContentType: "text/html; charset=utf-8",
			},
			Cache: CacheConfig{
				Backend:   "memory",
				Namespace: "shellcache",
			},
		},
	}
}
