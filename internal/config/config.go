// Package config loads engine configuration from a YAML file: which
// environment to converge, where state lives, how the provider plugin is
// found, and how aggressively to apply.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type StateBackend string

const (
	StateFile   StateBackend = "file"
	StateSQLite StateBackend = "sqlite"
	StateGCS    StateBackend = "gcs"
)

type Config struct {
	// Environment names the target environment; its constants feed the
	// env() expression.
	Environment string         `yaml:"environment"`
	Constants   map[string]any `yaml:"constants"`

	State    State    `yaml:"state"`
	Provider Provider `yaml:"provider"`
	Apply    Apply    `yaml:"apply"`

	LogLevel string `yaml:"log_level"`
}

type State struct {
	Backend StateBackend `yaml:"backend"`

	// Path is the file path for the file backend, or the database path for
	// sqlite.
	Path string `yaml:"path"`

	// Bucket and Object locate the gcs backend's state document.
	Bucket string `yaml:"bucket"`
	Object string `yaml:"object"`
}

type Provider struct {
	// Dir is the directory holding provider plugin binaries.
	Dir string `yaml:"dir"`

	// Name is the plugin binary name inside Dir.
	Name string `yaml:"name"`
}

type Apply struct {
	Parallelism int      `yaml:"parallelism"`
	CallTimeout Duration `yaml:"call_timeout"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// Duration parses YAML strings like "90s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("durations are strings like \"30s\": %w", err)
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func Default() Config {
	return Config{
		Environment: "default",
		State: State{
			Backend: StateFile,
			Path:    "alluvium.state.json",
		},
		Apply: Apply{
			Parallelism: 4,
			CallTimeout: Duration(time.Minute),
			MaxAttempts: 5,
		},
		LogLevel: "info",
	}
}

// Load reads the YAML config at path, layered over the defaults. A missing
// file is not an error; the defaults apply as-is.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

func (c Config) validate() error {
	switch c.State.Backend {
	case StateFile, StateSQLite:
		if c.State.Path == "" {
			return fmt.Errorf("state backend %q needs a path", c.State.Backend)
		}
	case StateGCS:
		if c.State.Bucket == "" || c.State.Object == "" {
			return fmt.Errorf("state backend gcs needs a bucket and an object")
		}
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}

	if c.Apply.Parallelism < 1 {
		return fmt.Errorf("apply parallelism must be at least 1, got %d", c.Apply.Parallelism)
	}
	if c.Apply.MaxAttempts < 1 {
		return fmt.Errorf("apply max_attempts must be at least 1, got %d", c.Apply.MaxAttempts)
	}

	return nil
}
