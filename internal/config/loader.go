package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file, expanding ${ENV_VAR}
// references and layering the result over Defaults().
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", absPath)
	}

	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Hub.MaxConcurrent <= 0 {
		return fmt.Errorf("hub.max_concurrent must be positive")
	}
	if c.Hub.AcquireTimeout <= 0 {
		return fmt.Errorf("hub.acquire_timeout must be positive")
	}
	if c.Hub.DefaultTimeout <= 0 {
		return fmt.Errorf("hub.default_timeout must be positive")
	}
	if c.Hub.MaxTimeout < c.Hub.DefaultTimeout {
		return fmt.Errorf("hub.max_timeout must be >= hub.default_timeout")
	}
	if c.Plugins.MaxArtifactBytes <= 0 {
		return fmt.Errorf("plugins.max_artifact_bytes must be positive")
	}
	if len(c.Plugins.AllowedExtensions) == 0 {
		return fmt.Errorf("plugins.allowed_extensions must not be empty")
	}
	for _, ext := range c.Plugins.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("plugins.allowed_extensions entry %q must start with a dot", ext)
		}
	}
	if c.Interpreter.MaxExprBytes <= 0 || c.Interpreter.MaxDepth <= 0 {
		return fmt.Errorf("interpreter limits must be positive")
	}
	if c.Memory.MaxFragments <= 0 || c.Memory.EmbeddingDim <= 0 {
		return fmt.Errorf("memory.max_fragments and memory.embedding_dim must be positive")
	}
	for name, h := range c.Handlers {
		if !h.Enabled {
			continue
		}
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("handlers: empty handler name")
		}
		if h.Entrypoint == "" {
			return fmt.Errorf("handlers.%s: entrypoint is required", name)
		}
	}
	return nil
}

// AllowlistManifest is the on-disk allowlist format: an ordered set of
// hex-encoded content hashes.
type AllowlistManifest struct {
	Version     int      `yaml:"version"`
	GeneratedAt string   `yaml:"generated_at,omitempty"`
	Hashes      []string `yaml:"hashes"`
}

// ResolveAllowlist merges inline allowed_hashes with the allowlist file, if
// configured. Order is preserved: inline hashes first, then file hashes.
func (c *Config) ResolveAllowlist() ([]string, error) {
	hashes := append([]string(nil), c.Plugins.AllowedHashes...)

	if c.Plugins.AllowlistFile != "" {
		data, err := os.ReadFile(c.Plugins.AllowlistFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read allowlist file: %w", err)
		}
		var manifest AllowlistManifest
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("failed to parse allowlist file: %w", err)
		}
		if manifest.Version != 1 {
			return nil, fmt.Errorf("unsupported allowlist version: %d", manifest.Version)
		}
		hashes = append(hashes, manifest.Hashes...)
	}

	seen := make(map[string]struct{}, len(hashes))
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out, nil
}

// WriteAllowlist writes an allowlist manifest with restrictive permissions.
func WriteAllowlist(path string, hashes []string) error {
	manifest := AllowlistManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      hashes,
	}
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal allowlist: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write allowlist: %w", err)
	}
	return nil
}
