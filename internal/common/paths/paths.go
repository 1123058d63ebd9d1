// Package paths resolves the on-disk layout of the cmux data directory.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// EnvTestRoot overrides the data directory, primarily for tests.
const EnvTestRoot = "CMUX_TEST_ROOT"

// Root returns the cmux data directory, ~/.cmux by default.
// CMUX_TEST_ROOT takes precedence when set.
func Root() (string, error) {
	if override := os.Getenv(EnvTestRoot); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cmux"), nil
}

// HistoryDir returns the directory holding per-workspace JSONL history files.
func HistoryDir(root string) string {
	return filepath.Join(root, "history")
}

// PartialDir returns the directory holding per-workspace partial messages.
func PartialDir(root string) string {
	return filepath.Join(root, "partial")
}

// ConfigFile returns the path of the project/workspace registry.
func ConfigFile(root string) string {
	return filepath.Join(root, "config.json")
}

// ExtensionMetadataFile returns the path of the UI metadata sidecar.
func ExtensionMetadataFile(root string) string {
	return filepath.Join(root, "extensionMetadata.json")
}

// ExtensionMetadataDB returns the path of the SQLite metadata variant.
func ExtensionMetadataDB(root string) string {
	return filepath.Join(root, "extensionMetadata.db")
}

// SecretsFile returns the path of the provider secrets file.
func SecretsFile(root string) string {
	return filepath.Join(root, "secrets.toml")
}

// ModesFile returns the path of the optional tool-policy mode overrides.
func ModesFile(root string) string {
	return filepath.Join(root, "modes.yaml")
}

// ExpandHome expands a leading ~/ to the user's home directory.
// Paths without the prefix are returned unchanged.
func ExpandHome(path string) (string, error) {
	if path == "~" {
		return os.UserHomeDir()
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// EnsureDir creates dir (and parents) when missing.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
