package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot. When a manifest file is configured its
// version and manifest replace the inline values before validation.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.logging.correlationheader":     "server.logging.correlationHeader",
			"server.worker.manifestfile":           "server.worker.manifestFile",
			"server.worker.shellpath":              "server.worker.shellPath",
			"server.worker.skipwaiting":            "server.worker.skipWaiting",
			"server.worker.installconcurrency":     "server.worker.installConcurrency",
			"server.worker.fetchtimeout":           "server.worker.fetchTimeout",
			"server.worker.respectcachecontrol":    "server.worker.respectCacheControl",
			"server.offline.templatefile":          "server.offline.templateFile",
			"server.offline.contenttype":           "server.offline.contentType",
			"server.templates.templatesfolder":     "server.templates.templatesFolder",
			"server.templates.templatesallowenv":   "server.templates.templatesAllowEnv",
			"server.templates.templatesallowedenv": "server.templates.templatesAllowedEnv",
			"server.cache.redis.tls.cafile":        "server.cache.redis.tls.caFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Server.Worker.Manifest = normalizeManifest(cfg.Server.Worker.Manifest)

	if path := strings.TrimSpace(cfg.Server.Worker.ManifestFile); path != "" {
		doc, err := LoadManifest(ctx, path)
		if err != nil {
			return Config{}, err
		}
		cfg.Server.Worker = doc.Apply(cfg.Server.Worker)
		cfg.ManifestSource = path
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	manifest := make([]any, 0, len(cfg.Server.Worker.Manifest))
	for _, path := range cfg.Server.Worker.Manifest {
		manifest = append(manifest, path)
	}
	allowedEnv := make([]any, 0, len(cfg.Server.Templates.TemplatesAllowedEnv))
	for _, name := range cfg.Server.Templates.TemplatesAllowedEnv {
		allowedEnv = append(allowedEnv, name)
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"admin": map[string]any{
				"prefix": cfg.Server.Admin.Prefix,
			},
			"worker": map[string]any{
				"version":             cfg.Server.Worker.Version,
				"prefix":              cfg.Server.Worker.Prefix,
				"manifest":            manifest,
				"manifestFile":        cfg.Server.Worker.ManifestFile,
				"shellPath":           cfg.Server.Worker.ShellPath,
				"origin":              cfg.Server.Worker.Origin,
				"skipWaiting":         cfg.Server.Worker.SkipWaiting,
				"installConcurrency":  cfg.Server.Worker.InstallConcurrency,
				"fetchTimeout":        cfg.Server.Worker.FetchTimeout,
				"respectCacheControl": cfg.Server.Worker.RespectCacheControl,
			},
			"offline": map[string]any{
				"body":         cfg.Server.Offline.Body,
				"templateFile": cfg.Server.Offline.TemplateFile,
				"contentType":  cfg.Server.Offline.ContentType,
			},
			"templates": map[string]any{
				"templatesFolder":     cfg.Server.Templates.TemplatesFolder,
				"templatesAllowEnv":   cfg.Server.Templates.TemplatesAllowEnv,
				"templatesAllowedEnv": allowedEnv,
			},
			"cache": map[string]any{
				"backend":   cfg.Server.Cache.Backend,
				"namespace": cfg.Server.Cache.Namespace,
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
			},
		},
	}
}

// normalizeManifest trims entries and drops blanks and duplicates while keeping order.
func normalizeManifest(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, path := range in {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
