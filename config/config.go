// Package config reads the configuration of the bpmd host from YAML. Defaults
// come from struct tags and the result is validated before use.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/cschleiden/go-bpm/engine"
	"github.com/cschleiden/go-bpm/scheduler"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

type Config struct {
	// Processes is the directory holding the process definitions.
	Processes string `yaml:"processes" validate:"required"`

	Log       LogConfig       `yaml:"log"`
	Backend   BackendConfig   `yaml:"backend"`
	Lock      LockConfig      `yaml:"lock"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Engine    EngineConfig    `yaml:"engine"`
	Cache     CacheConfig     `yaml:"cache"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type LogConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"text" validate:"oneof=text json"`
}

type BackendConfig struct {
	Type string `yaml:"type" default:"sqlite" validate:"oneof=memory sqlite bolt"`

	// Path is the database file of the sqlite and bolt backends.
	Path string `yaml:"path" default:"bpm.db" validate:"required_unless=Type memory"`

	JobLeaseTimeout time.Duration `yaml:"jobLeaseTimeout" default:"1m" validate:"gte=1s"`
}

type LockConfig struct {
	Type string `yaml:"type" default:"local" validate:"oneof=local redis"`

	Addr     string `yaml:"addr" default:"localhost:6379" validate:"required_if=Type redis,omitempty,hostname_port"`
	Password string `yaml:"password"`

	Timeout    time.Duration `yaml:"timeout" default:"250ms" validate:"gt=0"`
	Expiration time.Duration `yaml:"expiration" default:"1m" validate:"gtfield=Timeout"`
}

type SchedulerConfig struct {
	Pollers              int           `yaml:"pollers" default:"2" validate:"gte=1"`
	MaxParallelJobs      int64         `yaml:"maxParallelJobs" validate:"gte=0"`
	PollingInterval      time.Duration `yaml:"pollingInterval" default:"200ms" validate:"gt=0"`
	MaxRetries           int           `yaml:"maxRetries" default:"5" validate:"gte=0"`
	RetryInitialInterval time.Duration `yaml:"retryInitialInterval" default:"1s" validate:"gt=0"`
	RetryMaxInterval     time.Duration `yaml:"retryMaxInterval" default:"1m" validate:"gtefield=RetryInitialInterval"`
	LockRetryDelay       time.Duration `yaml:"lockRetryDelay" default:"100ms" validate:"gt=0"`
}

type EngineConfig struct {
	ExecutionBudget      time.Duration `yaml:"executionBudget" default:"500ms" validate:"gt=0"`
	VolatileInvokeChecks bool          `yaml:"volatileInvokeChecks"`
}

type CacheConfig struct {
	Size int           `yaml:"size" default:"128" validate:"gte=1"`
	TTL  time.Duration `yaml:"ttl" default:"10m" validate:"gt=0"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	Pretty  bool `yaml:"pretty" default:"true"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return c, nil
}

// Parse applies defaults, then the YAML document, then validates.
func Parse(r io.Reader) (*Config, error) {
	c := &Config{}
	if err := defaults.Set(c); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config validation failed: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed validation (rule: %s)", fe.Namespace(), fe.Tag()))
	}

	return fmt.Errorf("config validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}

	return level
}

func (s SchedulerConfig) Options() []scheduler.Option {
	return []scheduler.Option{
		scheduler.WithPollers(s.Pollers),
		scheduler.WithMaxParallelJobs(s.MaxParallelJobs),
		scheduler.WithPollingInterval(s.PollingInterval),
		scheduler.WithMaxRetries(s.MaxRetries),
		scheduler.WithRetryInterval(s.RetryInitialInterval, s.RetryMaxInterval),
		scheduler.WithLockRetryDelay(s.LockRetryDelay),
	}
}

func (c *Config) EngineOptions() []engine.Option {
	opts := []engine.Option{
		engine.WithExecutionBudget(c.Engine.ExecutionBudget),
		engine.WithLockTimeout(c.Lock.Timeout),
		engine.WithSchedulerOptions(c.Scheduler.Options()...),
	}

	if c.Engine.VolatileInvokeChecks {
		opts = append(opts, engine.WithVolatileInvokeChecks())
	}

	return opts
}
