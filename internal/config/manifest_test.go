package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadManifestFormats(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		contents string
	}{
		{name: "yaml", file: "manifest.yaml", contents: "version: v2\nmanifest:\n  - /\n  - /login\n"},
		{name: "json", file: "manifest.json", contents: `{"version": "v2", "manifest": ["/", "/login"]}`},
		{name: "toml", file: "manifest.toml", contents: "version = \"v2\"\nmanifest = [\"/\", \"/login\"]\n"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tc.file)
			require.NoError(t, os.WriteFile(path, []byte(tc.contents), 0o600))
			doc, err := LoadManifest(context.Background(), path)
			require.NoError(t, err)
			require.Equal(t, "v2", doc.Version)
			require.Equal(t, []string{"/", "/login"}, doc.Manifest)
		})
	}
}

func TestLoadManifestErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadManifest(context.Background(), filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	_, err = LoadManifest(context.Background(), dir)
	require.ErrorContains(t, err, "found directory")

	unsupported := filepath.Join(dir, "manifest.ini")
	require.NoError(t, os.WriteFile(unsupported, []byte("version=v1"), 0o600))
	_, err = LoadManifest(context.Background(), unsupported)
	require.ErrorContains(t, err, "unsupported manifest file extension")

	versionless := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(versionless, []byte("manifest:\n  - /\n"), 0o600))
	_, err = LoadManifest(context.Background(), versionless)
	require.ErrorContains(t, err, "version required")
}

func TestManifestDocumentApply(t *testing.T) {
	base := DefaultConfig().Server.Worker

	applied := ManifestDocument{Version: "v9"}.Apply(base)
	require.Equal(t, "v9", applied.Version)
	require.Equal(t, base.Manifest, applied.Manifest)
	require.Equal(t, base.ShellPath, applied.ShellPath)

	applied = ManifestDocument{Version: "v9", Manifest: []string{" /a ", "", "/a", "/b"}, ShellPath: "/shell.html"}.Apply(base)
	require.Equal(t, []string{"/a", "/b"}, applied.Manifest)
	require.Equal(t, "/shell.html", applied.ShellPath)
}
