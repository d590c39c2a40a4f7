package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ManifestDocument is the content of a manifest file: the cache version and
// the shell URLs precached at install time. Bumping Version is the only way to
// retire every previously cached asset.
type ManifestDocument struct {
	Version   string   `koanf:"version"`
	Manifest  []string `koanf:"manifest"`
	ShellPath string   `koanf:"shellPath"`
}

// Apply overlays the document on top of the worker config. Empty fields keep
// the existing values.
func (d ManifestDocument) Apply(w WorkerConfig) WorkerConfig {
	if v := strings.TrimSpace(d.Version); v != "" {
		w.Version = v
	}
	if manifest := normalizeManifest(d.Manifest); len(manifest) > 0 {
		w.Manifest = manifest
	}
	if shell := strings.TrimSpace(d.ShellPath); shell != "" {
		w.ShellPath = shell
	}
	return w
}

// LoadManifest parses a YAML, JSON, or TOML manifest file.
func LoadManifest(ctx context.Context, path string) (ManifestDocument, error) {
	select {
	case <-ctx.Done():
		return ManifestDocument{}, ctx.Err()
	default:
	}
	if err := ensureFileExists(path); err != nil {
		return ManifestDocument{}, err
	}
	parser, err := parserFor(path)
	if err != nil {
		return ManifestDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return ManifestDocument{}, fmt.Errorf("config: load manifest from %s: %w", path, err)
	}
	var doc ManifestDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return ManifestDocument{}, fmt.Errorf("config: decode manifest from %s: %w", path, err)
	}
	doc.Manifest = normalizeManifest(doc.Manifest)
	if strings.TrimSpace(doc.Version) == "" {
		return ManifestDocument{}, fmt.Errorf("config: manifest %s: version required", path)
	}
	return doc, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: manifest file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: manifest file %s: expected a file, found directory", path)
	}
	return nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported manifest file extension %s", ext)
	}
}
