package provider

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/cmux/cmux/internal/common/logger"
)

// envKeyAliases maps provider names to the conventional environment
// variables consulted when the secrets file has no entry.
var envKeyAliases = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
}

type secretsFile struct {
	Providers map[string]string `toml:"providers"`
}

// Secrets reads and writes provider API keys. Keys live in a TOML file
// under the cmux root with a [providers] table; environment variables
// act as a fallback so CI and one-off runs need no file.
type Secrets struct {
	path   string
	logger *logger.Logger

	mu sync.Mutex
}

// NewSecrets points the store at path. The file may not exist yet.
func NewSecrets(path string, log *logger.Logger) *Secrets {
	return &Secrets{path: path, logger: log.WithComponent("secrets")}
}

// APIKey returns the key for a provider, or "" when none is
// configured. File entries win over environment variables.
func (s *Secrets) APIKey(providerName string) string {
	s.mu.Lock()
	file := s.load()
	s.mu.Unlock()

	if key := strings.TrimSpace(file.Providers[providerName]); key != "" {
		return key
	}
	envName, ok := envKeyAliases[providerName]
	if !ok {
		envName = strings.ToUpper(providerName) + "_API_KEY"
	}
	return strings.TrimSpace(os.Getenv(envName))
}

// SetAPIKey stores or replaces the key for a provider. An empty key
// removes the entry. The file is rewritten atomically.
func (s *Secrets) SetAPIKey(providerName, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := s.load()
	if file.Providers == nil {
		file.Providers = make(map[string]string)
	}
	if key == "" {
		delete(file.Providers, providerName)
	} else {
		file.Providers[providerName] = key
	}
	return s.write(file)
}

// Configured lists the provider names with a usable key, from either
// the file or the environment.
func (s *Secrets) Configured(providerNames []string) map[string]bool {
	out := make(map[string]bool, len(providerNames))
	for _, name := range providerNames {
		out[name] = s.APIKey(name) != ""
	}
	return out
}

func (s *Secrets) load() secretsFile {
	var file secretsFile
	data, err := os.ReadFile(s.path)
	if err != nil {
		return file
	}
	if err := toml.Unmarshal(data, &file); err != nil {
		s.logger.WithError(err).Warn("ignoring malformed secrets file")
		return secretsFile{}
	}
	return file
}

func (s *Secrets) write(file secretsFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".secrets-*")
	if err != nil {
		return fmt.Errorf("creating temp secrets: %w", err)
	}
	tmpName := tmp.Name()
	if err := toml.NewEncoder(tmp).Encode(file); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("encoding secrets: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp secrets: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("restricting secrets permissions: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing secrets: %w", err)
	}
	return nil
}
