package config

import "time"

// Config represents the complete experthub configuration.
type Config struct {
	Service     ServiceConfig          `yaml:"service"`
	State       StateConfig            `yaml:"state"`
	Hub         HubConfig              `yaml:"hub"`
	Plugins     PluginsConfig          `yaml:"plugins"`
	Interpreter InterpreterConfig      `yaml:"interpreter"`
	Models      ModelsConfig           `yaml:"models"`
	Memory      MemoryConfig           `yaml:"memory"`
	Handlers    map[string]HandlerConf `yaml:"handlers,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StateConfig defines where the shared state database lives.
type StateConfig struct {
	Path string `yaml:"path"`
}

// HubConfig bounds the dispatch hub.
type HubConfig struct {
	// MaxConcurrent is the governor's permit count.
	MaxConcurrent int `yaml:"max_concurrent"`
	// AcquireTimeout is how long a dispatch may wait for a permit before
	// failing fast with Overloaded.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	// DefaultTimeout applies when a request carries no timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// MaxTimeout caps caller-supplied timeouts.
	MaxTimeout time.Duration `yaml:"max_timeout"`
}

// PluginsConfig defines the artifact loading and verification policy.
type PluginsConfig struct {
	Dir               string   `yaml:"dir"`
	QuarantineDir     string   `yaml:"quarantine_dir"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	MaxArtifactBytes  int64    `yaml:"max_artifact_bytes"`
	// Verify gates allowlist checking. Disabling it is a development-only
	// mode; every admitted artifact is annotated with a warning.
	Verify          bool          `yaml:"verify"`
	AllowedHashes   []string      `yaml:"allowed_hashes,omitempty"`
	AllowlistFile   string        `yaml:"allowlist_file,omitempty"`
	RegisterTimeout time.Duration `yaml:"register_timeout"`
	WatchInterval   time.Duration `yaml:"watch_interval"`
}

// InterpreterConfig bounds the embedded expression sandbox.
type InterpreterConfig struct {
	MaxExprBytes int `yaml:"max_expr_bytes"`
	MaxDepth     int `yaml:"max_depth"`
}

// ModelsConfig defines where model artifacts live.
type ModelsConfig struct {
	Dir          string `yaml:"dir"`
	DefaultModel string `yaml:"default_model,omitempty"`
}

// MemoryConfig bounds the shared state store.
type MemoryConfig struct {
	MaxFragments  int `yaml:"max_fragments"`
	EmbeddingDim  int `yaml:"embedding_dim"`
	MaxValueBytes int `yaml:"max_value_bytes"`
}

// HandlerConf declares a statically configured subprocess handler.
type HandlerConf struct {
	Enabled      bool     `yaml:"enabled"`
	Entrypoint   string   `yaml:"entrypoint"`
	Args         []string `yaml:"args,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// Defaults returns a Config with conservative defaults applied.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "experthub",
			LogLevel: "INFO",
		},
		State: StateConfig{
			Path: "data/experthub.db",
		},
		Hub: HubConfig{
			MaxConcurrent:  8,
			AcquireTimeout: 5 * time.Second,
			DefaultTimeout: 30 * time.Second,
			MaxTimeout:     5 * time.Minute,
		},
		Plugins: PluginsConfig{
			Dir:               "plugins",
			QuarantineDir:     "plugins/quarantine",
			AllowedExtensions: []string{".plugin"},
			MaxArtifactBytes:  10 << 20,
			Verify:            true,
			RegisterTimeout:   10 * time.Second,
			WatchInterval:     2 * time.Second,
		},
		Interpreter: InterpreterConfig{
			MaxExprBytes: 4096,
			MaxDepth:     32,
		},
		Models: ModelsConfig{
			Dir: "models",
		},
		Memory: MemoryConfig{
			MaxFragments:  10_000,
			EmbeddingDim:  64,
			MaxValueBytes: 1 << 20,
		},
	}
}
