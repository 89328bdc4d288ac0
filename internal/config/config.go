// Package config loads the engine configuration from YAML, applying
// defaults for everything left unset.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load for unset fields.
const (
	DefaultListenAddr     = ":8080"
	DefaultDatabasePath   = "hookline.db"
	DefaultBusyTimeoutMs  = 5000
	DefaultWorkers        = 8
	DefaultQueueDepth     = 256
	DefaultSweepInterval  = 15 * time.Second
	DefaultSweepBatch     = 100
	DefaultJanitorPeriod  = 10 * time.Minute
	DefaultEventTTL       = 7 * 24 * time.Hour
	DefaultEntityTTL      = 24 * time.Hour
	DefaultFingerprintTTL = time.Hour

	DefaultExternalURL     = "http://localhost:9090"
	DefaultExternalTimeout = 30 * time.Second
)

// Config is the full engine configuration.
type Config struct {
	ListenAddr string   `yaml:"listen_addr"`
	Database   Database `yaml:"database"`
	Engine     Engine   `yaml:"engine"`
	TTL        TTL      `yaml:"ttl"`
	SeedFile   string   `yaml:"seed_file"`
	External   External `yaml:"external"`
}

// External holds the sidecar bridge settings for the classifier,
// generator, tool and notification collaborators.
type External struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Database holds the SQLite settings.
type Database struct {
	Path          string `yaml:"path"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
}

// Engine holds concurrency and background-loop settings.
type Engine struct {
	Workers       int           `yaml:"workers"`
	QueueDepth    int           `yaml:"queue_depth"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepBatch    int           `yaml:"sweep_batch"`
	JanitorPeriod time.Duration `yaml:"janitor_period"`
}

// TTL holds the retention windows for the expiring stores.
type TTL struct {
	Event       time.Duration `yaml:"event"`
	Entity      time.Duration `yaml:"entity"`
	Fingerprint time.Duration `yaml:"fingerprint"`
}

// Load reads a YAML config file, fills in defaults and validates the
// result. An empty path yields the pure-default configuration.
func Load(path string) (*Config, error) {
	conf := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, conf); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	conf.applyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Database.BusyTimeoutMs <= 0 {
		c.Database.BusyTimeoutMs = DefaultBusyTimeoutMs
	}
	if c.Engine.Workers <= 0 {
		c.Engine.Workers = DefaultWorkers
	}
	if c.Engine.QueueDepth <= 0 {
		c.Engine.QueueDepth = DefaultQueueDepth
	}
	if c.Engine.SweepInterval <= 0 {
		c.Engine.SweepInterval = DefaultSweepInterval
	}
	if c.Engine.SweepBatch <= 0 {
		c.Engine.SweepBatch = DefaultSweepBatch
	}
	if c.Engine.JanitorPeriod <= 0 {
		c.Engine.JanitorPeriod = DefaultJanitorPeriod
	}
	if c.TTL.Event <= 0 {
		c.TTL.Event = DefaultEventTTL
	}
	if c.TTL.Entity <= 0 {
		c.TTL.Entity = DefaultEntityTTL
	}
	if c.TTL.Fingerprint <= 0 {
		c.TTL.Fingerprint = DefaultFingerprintTTL
	}
	if c.External.BaseURL == "" {
		c.External.BaseURL = DefaultExternalURL
	}
	if c.External.Timeout <= 0 {
		c.External.Timeout = DefaultExternalTimeout
	}
}

// Validate collects every problem in the configuration and reports them
// together.
func (c *Config) Validate() error {
	var errs []string

	if c.Engine.Workers > 1024 {
		errs = append(errs, "engine.workers: unreasonably large")
	}
	// A fingerprint outliving its cached entities would return entity IDs
	// whose bodies are already gone, so the dedup window must never
	// exceed the entity retention window.
	if c.TTL.Fingerprint > c.TTL.Entity {
		errs = append(errs, fmt.Sprintf(
			"ttl.fingerprint (%s) must not exceed ttl.entity (%s)",
			c.TTL.Fingerprint, c.TTL.Entity))
	}
	if c.TTL.Event < time.Minute {
		errs = append(errs, "ttl.event: below one minute defeats event dedup")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
