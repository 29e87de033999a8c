// Package config loads the gateway configuration.
//
// Precedence: defaults, then the YAML file, then FLOWGATE_* environment
// variables.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("flowgate.yaml").
//	    Load()
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultEnvPrefix = "FLOWGATE"

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Remote  RemoteConfig  `yaml:"remote" env:"REMOTE"`
	Events  EventsConfig  `yaml:"events" env:"EVENTS"`
	Engine  EngineConfig  `yaml:"engine" env:"ENGINE"`
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
	Log     LogConfig     `yaml:"log" env:"LOG"`
	// Definitions are YAML workflow definition files. Relative paths are
	// resolved against the directory of the config file.
	Definitions []string `yaml:"definitions" env:"DEFINITIONS"`
}

type RemoteConfig struct {
	// URL of the durable-execution cluster. Empty means embedded only.
	URL            string        `yaml:"url" env:"URL"`
	ProbeInterval  time.Duration `yaml:"probe_interval" env:"PROBE_INTERVAL"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout" env:"PROBE_TIMEOUT"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

type EventsConfig struct {
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
	Stream    string `yaml:"stream" env:"STREAM"`
}

type EngineConfig struct {
	// TickInterval of the execution-timeout sweep; 0 disables it.
	TickInterval time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	PageSize     int           `yaml:"page_size" env:"PAGE_SIZE"`
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `yaml:"addr" env:"ADDR"`
}

type LogConfig struct {
	// debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// text or json
	Format string `yaml:"format" env:"FORMAT"`
}

func Default() *Config {
	return &Config{
		Remote: RemoteConfig{
			ProbeInterval:  10 * time.Second,
			ProbeTimeout:   2 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Events: EventsConfig{
			Stream: "flowgate:events",
		},
		Engine: EngineConfig{
			TickInterval: 250 * time.Millisecond,
			PageSize:     20,
		},
		Metrics: MetricsConfig{
			Namespace: "flowgate",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Loader builds a Config.
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithLookupEnv replaces os.LookupEnv.
func (l *Loader) WithLookupEnv(lookup func(string) (string, bool)) *Loader {
	l.lookupEnv = lookup
	return l
}

func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", l.configPath, err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("loading config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}

	base := filepath.Dir(l.configPath)
	for i, path := range cfg.Definitions {
		if !filepath.IsAbs(path) {
			cfg.Definitions[i] = filepath.Join(base, path)
		}
	}
	return nil
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, key); err != nil {
				return err
			}
			continue
		}

		value, ok := l.lookupEnv(key)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice of %s", field.Type().Elem())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			invalid("remote.url %q must be an http(s) url", c.Remote.URL)
		}
	}
	if c.Remote.ProbeInterval <= 0 {
		invalid("remote.probe_interval must be positive")
	}
	if c.Remote.ProbeTimeout <= 0 {
		invalid("remote.probe_timeout must be positive")
	}
	if c.Remote.RequestTimeout <= 0 {
		invalid("remote.request_timeout must be positive")
	}
	if c.Engine.TickInterval < 0 {
		invalid("engine.tick_interval must not be negative")
	}
	if c.Engine.PageSize < 1 || c.Engine.PageSize > 100 {
		invalid("engine.page_size must be between 1 and 100")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		invalid("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		invalid("log.format %q is not text or json", c.Log.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
}
