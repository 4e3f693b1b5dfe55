package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// mechanisms maps every accepted spelling of a sandbox mechanism to its
// canonical name. The sandbox package owns their meaning; config only
// checks spelling and ordering rules.
var mechanisms = map[string]string{
	"":              "auto",
	"auto":          "auto",
	"bwrap":         "bwrap",
	"bubblewrap":    "bwrap",
	"flatpak-spawn": "flatpak-spawn",
	"flatpak":       "flatpak-spawn",
	"namespaces":    "namespaces",
	"userns":        "namespaces",
	"seccomp":       "seccomp",
	"disabled":      "disabled",
	"none":          "disabled",
	"not-sandboxed": "disabled",
}

// MechanismName returns the canonical name for a configured sandbox
// mechanism, ignoring case and surrounding space
func MechanismName(name string) (string, bool) {
	canonical, ok := mechanisms[strings.ToLower(strings.TrimSpace(name))]
	return canonical, ok
}

// Config holds all runtime configuration.
type Config struct {
	Sandbox  SandboxConfig
	Session  SessionConfig
	Registry RegistryConfig
	Logging  LogConfig
	Metrics  MetricsConfig
}

// SandboxConfig controls how decoder processes are isolated.
type SandboxConfig struct {
	Selector          string        `envconfig:"IMGJAIL_SANDBOX" default:"auto"`
	Fallback          []string      `envconfig:"IMGJAIL_SANDBOX_FALLBACK" default:"bwrap,flatpak-spawn,namespaces,seccomp"`
	BwrapPath         string        `envconfig:"IMGJAIL_BWRAP" default:"bwrap"`
	FlatpakSpawnPath  string        `envconfig:"IMGJAIL_FLATPAK_SPAWN" default:"flatpak-spawn"`
	MemoryLimit       int64         `envconfig:"IMGJAIL_MEMORY_LIMIT" default:"0"`
	SpawnRate         float64       `envconfig:"IMGJAIL_SPAWN_RATE" default:"50"`
	SpawnBurst        int           `envconfig:"IMGJAIL_SPAWN_BURST" default:"16"`
	CrashThreshold    uint32        `envconfig:"IMGJAIL_CRASH_THRESHOLD" default:"5"`
	QuarantineTimeout time.Duration `envconfig:"IMGJAIL_QUARANTINE_TIMEOUT" default:"30s"`
	StartupTimeout    time.Duration `envconfig:"IMGJAIL_STARTUP_TIMEOUT" default:"10s"`
	TerminateGrace    time.Duration `envconfig:"IMGJAIL_TERMINATE_GRACE" default:"3s"`
}

// SessionConfig bounds the protocol exchange with a worker.
type SessionConfig struct {
	RequestTimeout  time.Duration `envconfig:"IMGJAIL_REQUEST_TIMEOUT" default:"60s"`
	MaxMessageBytes int           `envconfig:"IMGJAIL_MAX_MESSAGE_BYTES" default:"1048576"`
	MaxFrameBytes   uint64        `envconfig:"IMGJAIL_MAX_FRAME_BYTES" default:"4294967296"`
}

// RegistryConfig lists where decoder registrations are discovered.
// An empty list means the XDG data directories.
type RegistryConfig struct {
	DataDirs []string `envconfig:"IMGJAIL_DATA_DIRS"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"IMGJAIL_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"IMGJAIL_LOG_DEV" default:"false"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled   bool   `envconfig:"IMGJAIL_METRICS_ENABLED" default:"true"`
	Namespace string `envconfig:"IMGJAIL_METRICS_NAMESPACE" default:"imgjail"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			Selector:          "auto",
			Fallback:          []string{"bwrap", "flatpak-spawn", "namespaces", "seccomp"},
			BwrapPath:         "bwrap",
			FlatpakSpawnPath:  "flatpak-spawn",
			SpawnRate:         50,
			SpawnBurst:        16,
			CrashThreshold:    5,
			QuarantineTimeout: 30 * time.Second,
			StartupTimeout:    10 * time.Second,
			TerminateGrace:    3 * time.Second,
		},
		Session: SessionConfig{
			RequestTimeout:  60 * time.Second,
			MaxMessageBytes: 1 << 20,
			MaxFrameBytes:   4 << 30,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "imgjail",
		},
	}
}

// Validate checks the cross-field rules envconfig cannot express.
func (c *Config) Validate() error {
	var errs []error

	if _, ok := MechanismName(c.Sandbox.Selector); !ok {
		errs = append(errs, fmt.Errorf("unknown sandbox selector %q", c.Sandbox.Selector))
	}
	if len(c.Sandbox.Fallback) == 0 {
		errs = append(errs, errors.New("sandbox fallback chain is empty"))
	}
	for _, name := range c.Sandbox.Fallback {
		canonical, ok := MechanismName(name)
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("unknown sandbox mechanism %q in fallback chain", name))
		case canonical == "disabled" || canonical == "auto":
			errs = append(errs, fmt.Errorf("sandbox fallback chain must not contain %q", name))
		}
	}
	if c.Sandbox.StartupTimeout <= 0 {
		errs = append(errs, errors.New("startup timeout must be positive"))
	}
	if c.Sandbox.TerminateGrace < 0 {
		errs = append(errs, errors.New("terminate grace must not be negative"))
	}
	if c.Session.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	if c.Session.MaxMessageBytes < 4096 {
		errs = append(errs, fmt.Errorf("max message bytes %d is below 4096", c.Session.MaxMessageBytes))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
