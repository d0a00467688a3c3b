package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"retrykit/pkg/retry"
)

// ErrUnknownPolicy is returned by Policy for a preset that is not defined.
var ErrUnknownPolicy = errors.New("unknown retry policy")

// Config holds application configuration values.
type Config struct {
	Env string `validate:"required,oneof=dev prod"`
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
	Retry    PolicySpec
	Policies map[string]PolicySpec `validate:"dive"`
	SQLite   struct {
		Path string `validate:"required"`
	}
	Postgres struct {
		DSN string
	}
	Demo struct {
		HTTPAddr string `validate:"required"`
	}
}

// PolicySpec is the serialized form of a retry policy. Durations use
// time.ParseDuration syntax.
type PolicySpec struct {
	MaxAttempts  int      `yaml:"max_attempts" validate:"min=-1,ne=0"`
	InitialDelay Duration `yaml:"initial_delay" validate:"min=0"`
	MaxDelay     Duration `yaml:"max_delay" validate:"min=0"`
	Multiplier   float64  `yaml:"multiplier" validate:"gte=1"`
	JitterMin    Duration `yaml:"jitter_min" validate:"min=0"`
	JitterMax    Duration `yaml:"jitter_max" validate:"min=0,gtefield=JitterMin"`
	CarryJitter  bool     `yaml:"carry_jitter"`
}

// Duration is a time.Duration that unmarshals from a YAML duration string.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// RetryConfig converts s into an engine configuration. Hooks, logger
// and sleeper are left for the caller to set.
func (s PolicySpec) RetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  s.MaxAttempts,
		InitialDelay: time.Duration(s.InitialDelay),
		MaxDelay:     time.Duration(s.MaxDelay),
		Multiplier:   s.Multiplier,
		Jitter:       retry.RangeJitter(time.Duration(s.JitterMin), time.Duration(s.JitterMax)),
		CarryJitter:  s.CarryJitter,
	}
}

// Policy returns the preset called name, or the environment default when
// name is empty.
func (c Config) Policy(name string) (retry.Config, error) {
	if name == "" {
		return c.Retry.RetryConfig(), nil
	}
	spec, ok := c.Policies[name]
	if !ok {
		return retry.Config{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return spec.RetryConfig(), nil
}

type presetFile struct {
	Policies map[string]PolicySpec `yaml:"policies"`
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	c.Env = getenv("ENV", "prod")
	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = os.Getenv("LOG_FILE")
	c.SQLite.Path = getenv("SQLITE_PATH", "data/retrydemo.db")
	c.Postgres.DSN = os.Getenv("POSTGRES_DSN")
	c.Demo.HTTPAddr = getenv("DEMO_HTTP_ADDR", "127.0.0.1:0")

	var err error
	if c.Retry, err = retryFromEnv(); err != nil {
		return Config{}, err
	}
	if path := os.Getenv("RETRY_POLICY_FILE"); path != "" {
		if c.Policies, err = LoadPolicies(path); err != nil {
			return Config{}, err
		}
	}

	if err := validate.Struct(c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadPolicies reads named presets from a YAML file of the form
//
//	policies:
//	  http:
//	    max_attempts: 4
//	    initial_delay: 200ms
func LoadPolicies(path string) (map[string]PolicySpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var f presetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	for name, spec := range f.Policies {
		if spec.Multiplier == 0 {
			spec.Multiplier = 1
		}
		if spec.MaxAttempts == 0 {
			spec.MaxAttempts = retry.Unlimited
		}
		f.Policies[name] = spec
	}
	return f.Policies, nil
}

func retryFromEnv() (PolicySpec, error) {
	var s PolicySpec
	var err error
	if s.MaxAttempts, err = getenvInt("RETRY_MAX_ATTEMPTS", 3); err != nil {
		return s, err
	}
	if s.Multiplier, err = getenvFloat("RETRY_MULTIPLIER", 2); err != nil {
		return s, err
	}
	durations := []struct {
		key string
		def time.Duration
		dst *Duration
	}{
		{"RETRY_INITIAL_DELAY", 100 * time.Millisecond, &s.InitialDelay},
		{"RETRY_MAX_DELAY", 5 * time.Second, &s.MaxDelay},
		{"RETRY_JITTER_MIN", 0, &s.JitterMin},
		{"RETRY_JITTER_MAX", 0, &s.JitterMax},
	}
	for _, d := range durations {
		v, err := getenvDuration(d.key, d.def)
		if err != nil {
			return s, err
		}
		*d.dst = Duration(v)
	}
	return s, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

func getenvFloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return f, nil
}

func getenvDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}
