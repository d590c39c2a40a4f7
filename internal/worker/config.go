package worker

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/shellcache/internal/config"
)

// DefaultPrefix prefixes the version to form the cache generation name.
const DefaultPrefix = "urban-iq-"

// Config is the worker's immutable view of its cache generation. A new value
// (and a new Worker) is built for every version; nothing reads package state.
type Config struct {
	Version             string
	Prefix              string
	Manifest            []string
	ShellPath           string
	Origin              *url.URL
	SkipWaiting         bool
	InstallConcurrency  int
	FetchTimeout        time.Duration
	RespectCacheControl bool
	Routes              []config.RouteConfig
}

// CacheName is the generation this worker owns.
func (c Config) CacheName() string {
	return c.Prefix + c.Version
}

// Validate checks the invariants the lifecycle relies on.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Version) == "" {
		return errors.New("worker: version required")
	}
	if len(c.Manifest) == 0 {
		return errors.New("worker: manifest requires at least one path")
	}
	for _, path := range c.Manifest {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("worker: manifest path %q must be absolute", path)
		}
	}
	if !strings.HasPrefix(c.ShellPath, "/") {
		return fmt.Errorf("worker: shell path %q must be absolute", c.ShellPath)
	}
	if c.Origin == nil || c.Origin.Host == "" || (c.Origin.Scheme != "http" && c.Origin.Scheme != "https") {
		return errors.New("worker: origin must be an absolute http(s) URL")
	}
	return nil
}

// FromConfig converts the loaded worker section into a Config.
func FromConfig(wc config.WorkerConfig) (Config, error) {
	origin, err := url.Parse(strings.TrimSpace(wc.Origin))
	if err != nil {
		return Config{}, fmt.Errorf("worker: parse origin: %w", err)
	}
	origin = &url.URL{Scheme: origin.Scheme, Host: origin.Host}
	timeout, err := wc.FetchTimeoutDuration()
	if err != nil {
		return Config{}, err
	}
	prefix := wc.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	cfg := Config{
		Version:             strings.TrimSpace(wc.Version),
		Prefix:              prefix,
		Manifest:            append([]string(nil), wc.Manifest...),
		ShellPath:           wc.ShellPath,
		Origin:              origin,
		SkipWaiting:         wc.SkipWaiting,
		InstallConcurrency:  wc.InstallConcurrency,
		FetchTimeout:        timeout,
		RespectCacheControl: wc.RespectCacheControl,
		Routes:              append([]config.RouteConfig(nil), wc.Routes...),
	}
	if cfg.InstallConcurrency <= 0 {
		cfg.InstallConcurrency = 4
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
