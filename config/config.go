// Package config loads the YAML configuration for the arrivals
// service.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables overriding the corresponding config fields.
const (
	EnvStaticURL   = "ARRIVALS_STATIC_URL"
	EnvRealtimeURL = "ARRIVALS_REALTIME_URL"
	EnvPostgres    = "ARRIVALS_POSTGRES"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// A time.Duration written as a string ("30s", "2h") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", value.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type StaticConfig struct {
	URL     string            `yaml:"url" validate:"omitempty,url"`
	File    string            `yaml:"file"`
	Headers map[string]string `yaml:"headers"`

	// If set, downloads are cached on disk in this file.
	CacheFile string   `yaml:"cacheFile"`
	CacheTTL  Duration `yaml:"cacheTTL" validate:"gte=0"`
}

type RealtimeConfig struct {
	URL     string            `yaml:"url" validate:"omitempty,url"`
	Headers map[string]string `yaml:"headers"`
	Timeout Duration          `yaml:"timeout" validate:"gt=0"`
	MaxSize int               `yaml:"maxSize" validate:"gt=0"`

	// Probed for reachability. Defaults to URL.
	HealthURL     string   `yaml:"healthURL" validate:"omitempty,url"`
	HealthTimeout Duration `yaml:"healthTimeout" validate:"gt=0"`
}

type ConnectionConfig struct {
	CheckPeriod      Duration `yaml:"checkPeriod" validate:"gt=0"`
	WorkPeriod       Duration `yaml:"workPeriod" validate:"gt=0"`
	FailureThreshold int      `yaml:"failureThreshold" validate:"gte=1"`
}

type HistoryConfig struct {
	Alpha       float64  `yaml:"alpha" validate:"gt=0,lt=1"`
	MaxAge      Duration `yaml:"maxAge" validate:"gt=0"`
	MaxSamples  int      `yaml:"maxSamples" validate:"gte=1"`
	SampleScale float64  `yaml:"sampleScale" validate:"gt=0"`
}

type PredictionConfig struct {
	MinConfidence float64 `yaml:"minConfidence" validate:"gte=0,lte=1"`
}

type StorageConfig struct {
	Backend   string `yaml:"backend" validate:"oneof=memory sqlite postgres"`
	Directory string `yaml:"directory"`
	Postgres  string `yaml:"postgres" validate:"required_if=Backend postgres"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr" validate:"required"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type Config struct {
	Static     StaticConfig     `yaml:"static"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Connection ConnectionConfig `yaml:"connection"`
	History    HistoryConfig    `yaml:"history"`
	Prediction PredictionConfig `yaml:"prediction"`
	Storage    StorageConfig    `yaml:"storage"`
	Server     ServerConfig     `yaml:"server"`
}

func Default() Config {
	return Config{
		Static: StaticConfig{
			CacheTTL: Duration(24 * time.Hour),
		},
		Realtime: RealtimeConfig{
			Timeout:       Duration(30 * time.Second),
			MaxSize:       1 << 20,
			HealthTimeout: Duration(5 * time.Second),
		},
		Connection: ConnectionConfig{
			CheckPeriod:      Duration(15 * time.Second),
			WorkPeriod:       Duration(30 * time.Second),
			FailureThreshold: 2,
		},
		History: HistoryConfig{
			Alpha:       0.3,
			MaxAge:      Duration(2 * time.Hour),
			MaxSamples:  20,
			SampleScale: 3,
		},
		Prediction: PredictionConfig{
			MinConfidence: 0.5,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// Loads config from a YAML file on top of the defaults, then applies
// environment overrides. An empty path skips the file. The result is
// not validated, since callers may still override fields from flags.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		cfg, err = Parse(data)
		if err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()

	return cfg, nil
}

// Parses YAML on top of the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) ApplyEnv() {
	if v, ok := os.LookupEnv(EnvStaticURL); ok && v != "" {
		c.Static.URL = v
	}
	if v, ok := os.LookupEnv(EnvRealtimeURL); ok && v != "" {
		c.Realtime.URL = v
	}
	if v, ok := os.LookupEnv(EnvPostgres); ok && v != "" {
		c.Storage.Postgres = v
	}
}

// URL to probe for realtime feed health.
func (c *Config) HealthURL() string {
	if c.Realtime.HealthURL != "" {
		return c.Realtime.HealthURL
	}
	return c.Realtime.URL
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Static.URL == "" && c.Static.File == "" {
		return fmt.Errorf("invalid config: one of static.url and static.file is required")
	}
	if c.Static.URL != "" && c.Static.File != "" {
		return fmt.Errorf("invalid config: static.url and static.file are mutually exclusive")
	}
	return nil
}
