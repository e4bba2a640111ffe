// Package config loads the YAML configuration file and applies defaults
// and validation.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvToken is the environment variable that overrides the configured
// bearer token, so credentials can stay out of the config file.
const EnvToken = "CLAWSYNC_TOKEN"

// Duration wraps time.Duration so YAML values like "20s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full clawsync configuration.
type Config struct {
	API          APIConfig          `yaml:"api"`
	Store        StoreConfig        `yaml:"store"`
	Engine       EngineConfig       `yaml:"engine"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
}

// APIConfig configures the remote backend connection.
type APIConfig struct {
	// BaseURL is the backend root, e.g. "https://api.clawapp.dev".
	BaseURL string `yaml:"base_url"`

	// HealthPath is probed for connectivity; any HTTP response counts as
	// online.
	HealthPath string `yaml:"health_path"`

	// Token is the bearer token. CLAWSYNC_TOKEN overrides it when set.
	Token string `yaml:"token,omitempty"`

	// RequestTimeout bounds a single dispatch attempt.
	RequestTimeout Duration `yaml:"request_timeout"`
}

// StoreConfig configures the durable transaction log.
type StoreConfig struct {
	// Path is the SQLite database file location.
	Path string `yaml:"path"`
}

// EngineConfig configures retry and concurrency policy.
type EngineConfig struct {
	// BackoffBase is the first retry delay; subsequent delays double.
	BackoffBase Duration `yaml:"backoff_base"`

	// BackoffCap bounds any single retry delay.
	BackoffCap Duration `yaml:"backoff_cap"`

	// MaxAttempts is the dispatch budget per transaction, first attempt
	// included.
	MaxAttempts int `yaml:"max_attempts"`

	// Concurrency caps simultaneous dispatches across distinct entities.
	Concurrency int `yaml:"concurrency"`
}

// ConnectivityConfig configures the reachability monitor.
type ConnectivityConfig struct {
	// ProbeInterval is how often the health endpoint is checked.
	ProbeInterval Duration `yaml:"probe_interval"`
}

// Default returns the configuration used when no file is present. The API
// base URL has no default; it must come from the file.
func Default() Config {
	return Config{
		API: APIConfig{
			HealthPath:     "/health",
			RequestTimeout: Duration(20 * time.Second),
		},
		Store: StoreConfig{
			Path: defaultStorePath(),
		},
		Engine: EngineConfig{
			BackoffBase: Duration(2 * time.Second),
			BackoffCap:  Duration(30 * time.Second),
			MaxAttempts: 5,
			Concurrency: 4,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: Duration(15 * time.Second),
		},
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "clawsync.db"
	}
	return filepath.Join(home, ".clawsync", "queue.db")
}

// Load reads the YAML file at path, layered over defaults. An empty path
// returns the defaults. CLAWSYNC_TOKEN, when set, replaces the configured
// token either way.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if token := os.Getenv(EnvToken); token != "" {
		cfg.API.Token = token
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	var errs []error

	if c.API.BaseURL != "" {
		u, err := url.Parse(c.API.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("api.base_url %q is not an absolute URL", c.API.BaseURL))
		}
	}
	if c.API.RequestTimeout <= 0 {
		errs = append(errs, errors.New("api.request_timeout must be positive"))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path must not be empty"))
	}
	if c.Engine.BackoffBase <= 0 {
		errs = append(errs, errors.New("engine.backoff_base must be positive"))
	}
	if c.Engine.BackoffCap < c.Engine.BackoffBase {
		errs = append(errs, errors.New("engine.backoff_cap must be at least engine.backoff_base"))
	}
	if c.Engine.MaxAttempts < 1 {
		errs = append(errs, errors.New("engine.max_attempts must be at least 1"))
	}
	if c.Engine.Concurrency < 1 {
		errs = append(errs, errors.New("engine.concurrency must be at least 1"))
	}
	if c.Connectivity.ProbeInterval <= 0 {
		errs = append(errs, errors.New("connectivity.probe_interval must be positive"))
	}

	return errors.Join(errs...)
}

// HealthURL joins the base URL and health path for the connectivity probe.
func (c Config) HealthURL() string {
	return c.API.BaseURL + c.API.HealthPath
}
