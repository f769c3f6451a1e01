package dispatch

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config defines the configuration for a bus.
type Config struct {
	// MaxPerShard caps handlers per dispatcher shard. Zero keeps a
	// single shard (capacity MaxMethods); a positive value enables the
	// expander, partitioning handlers across shards of at most this
	// size. Clamped to [1, MaxMethods] when set.
	MaxPerShard int `json:"maxPerShard" yaml:"maxPerShard" koanf:"max_per_shard" env:"MAX_PER_SHARD"`

	// WorkerCount is the number of worker goroutines an async bus runs.
	WorkerCount int `json:"workerCount" yaml:"workerCount" koanf:"worker_count" env:"WORKER_COUNT"`

	// QueueCapacity bounds the async event queue. Posting to a full
	// queue blocks until a worker drains it.
	QueueCapacity int `json:"queueCapacity" yaml:"queueCapacity" koanf:"queue_capacity" env:"QUEUE_CAPACITY"`

	// IdleSleepMillis is how long an idle worker waits on the queue
	// before re-checking for shutdown.
	IdleSleepMillis int `json:"idleSleepMillis" yaml:"idleSleepMillis" koanf:"idle_sleep_millis" env:"IDLE_SLEEP_MILLIS"`

	// ManualManagement disables worker parking; workers poll the queue
	// without blocking until stopped.
	ManualManagement bool `json:"manualManagement" yaml:"manualManagement" koanf:"manual_management" env:"MANUAL_MANAGEMENT"`
}

// DefaultConfig returns the configuration a bus runs with when the
// caller provides none.
func DefaultConfig() *Config {
	return &Config{
		MaxPerShard:     0,
		WorkerCount:     2,
		QueueCapacity:   1024,
		IdleSleepMillis: 1000,
	}
}

// Validate checks the configuration for values the bus cannot run with.
func (c *Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("%w: workerCount must be >= 1, got %d", ErrInvalidConfig, c.WorkerCount)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("%w: queueCapacity must be >= 1, got %d", ErrInvalidConfig, c.QueueCapacity)
	}
	if c.MaxPerShard < 0 || c.MaxPerShard > MaxMethods {
		return fmt.Errorf("%w: maxPerShard must be in [0, %d], got %d", ErrInvalidConfig, MaxMethods, c.MaxPerShard)
	}
	if c.IdleSleepMillis < 1 {
		return fmt.Errorf("%w: idleSleepMillis must be >= 1, got %d", ErrInvalidConfig, c.IdleSleepMillis)
	}
	return nil
}

// idleSleepDelay returns the idle wait as a duration.
func (c *Config) idleSleepDelay() time.Duration {
	return time.Duration(c.IdleSleepMillis) * time.Millisecond
}

// envPrefix is the prefix for environment variable overrides.
const envPrefix = "DISPATCH_"

// LoadConfig layers configuration from defaults, an optional YAML file,
// and DISPATCH_-prefixed environment variables, in that order. A missing
// file is not an error; the defaults and environment still apply.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(*DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			// DISPATCH_WORKER_COUNT -> worker_count
			return strings.ToLower(strings.TrimPrefix(key, envPrefix)), value
		},
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading config from environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
