// Package config loads server and device configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// PLAYSYNC_* environment variables. Command-line flags are applied last by
// the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/playsync/internal/dispatch"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "PLAYSYNC_"

// Analytics sink names.
const (
	SinkNone  = "none"
	SinkHTTP  = "http"
	SinkRedis = "redis"
	SinkKafka = "kafka"
)

// ServerConfig configures `playsync serve`.
type ServerConfig struct {
	Addr          string          `yaml:"addr" env:"ADDR"`
	Database      string          `yaml:"database" env:"DB"`
	JWTSecret     string          `yaml:"jwt_secret" env:"JWT_SECRET"`
	AbandonAfter  time.Duration   `yaml:"abandon_after" env:"ABANDON_AFTER"`
	SweepSchedule string          `yaml:"sweep_schedule" env:"SWEEP_SCHEDULE"`
	MaxBodyBytes  int64           `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	TraceEndpoint string          `yaml:"trace_endpoint" env:"TRACE_ENDPOINT"`
	Analytics     AnalyticsConfig `yaml:"analytics" envPrefix:"ANALYTICS_"`
}

// AnalyticsConfig selects where aggregate deltas are published.
type AnalyticsConfig struct {
	Sink         string        `yaml:"sink" env:"SINK"`
	URL          string        `yaml:"url" env:"URL"`
	Token        string        `yaml:"token" env:"TOKEN"`
	RedisAddr    string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	Stream       string        `yaml:"stream" env:"STREAM"`
	MaxLen       int64         `yaml:"max_len" env:"MAX_LEN"`
	KafkaBrokers []string      `yaml:"kafka_brokers" env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string        `yaml:"kafka_topic" env:"KAFKA_TOPIC"`
	QueueSize    int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DeviceConfig configures the device-side commands.
type DeviceConfig struct {
	Database      string          `yaml:"database" env:"DB"`
	Endpoint      string          `yaml:"endpoint" env:"ENDPOINT"`
	DeviceID      string          `yaml:"device_id" env:"DEVICE_ID"`
	Token         string          `yaml:"token" env:"TOKEN"`
	TraceEndpoint string          `yaml:"trace_endpoint" env:"TRACE_ENDPOINT"`
	Dispatch      dispatch.Config `yaml:"dispatch" envPrefix:"DISPATCH_"`
}

// DefaultServer returns the server defaults.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Addr:          ":8080",
		Database:      "playsync-server.db",
		AbandonAfter:  30 * time.Minute,
		SweepSchedule: "@every 1m",
		MaxBodyBytes:  4 << 20,
		Analytics: AnalyticsConfig{
			Sink:       SinkNone,
			Stream:     "playsync:analytics",
			MaxLen:     100000,
			KafkaTopic: "playsync.analytics",
			QueueSize:  1024,
			Timeout:    5 * time.Second,
		},
	}
}

// DefaultDevice returns the device defaults.
func DefaultDevice() DeviceConfig {
	return DeviceConfig{
		Database: "playsync-device.db",
		Endpoint: "http://localhost:8080",
		Dispatch: dispatch.DefaultConfig(),
	}
}

// LoadServer reads path (optional) and the environment over the defaults.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServer()
	if err := load(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, cfg.Validate()
}

// LoadDevice reads path (optional) and the environment over the defaults.
func LoadDevice(path string) (DeviceConfig, error) {
	cfg := DefaultDevice()
	if err := load(path, &cfg); err != nil {
		return DeviceConfig{}, err
	}
	return cfg, cfg.Validate()
}

func load(path string, cfg any) error {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// Validate reports the first unusable setting.
func (c ServerConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("server addr is required")
	}
	if c.Database == "" {
		return errors.New("server database is required")
	}
	if c.AbandonAfter <= 0 {
		return fmt.Errorf("abandon_after must be positive, got %s", c.AbandonAfter)
	}
	return c.Analytics.Validate()
}

// Validate checks that the selected sink has what it needs.
func (a AnalyticsConfig) Validate() error {
	switch a.Sink {
	case "", SinkNone:
		return nil
	case SinkHTTP:
		if a.URL == "" {
			return errors.New("analytics url is required for the http sink")
		}
	case SinkRedis:
		if a.RedisAddr == "" {
			return errors.New("analytics redis_addr is required for the redis sink")
		}
	case SinkKafka:
		if len(a.KafkaBrokers) == 0 || a.KafkaTopic == "" {
			return errors.New("analytics kafka_brokers and kafka_topic are required for the kafka sink")
		}
	default:
		return fmt.Errorf("unknown analytics sink %q", a.Sink)
	}
	return nil
}

// Validate reports the first unusable setting.
func (c DeviceConfig) Validate() error {
	if c.Database == "" {
		return errors.New("device database is required")
	}
	if c.Dispatch.BatchSize < 0 {
		return fmt.Errorf("batch_size must not be negative, got %d", c.Dispatch.BatchSize)
	}
	if c.Dispatch.Backoff.Jitter < 0 || c.Dispatch.Backoff.Jitter > 1 {
		return fmt.Errorf("backoff jitter must be within [0, 1], got %v", c.Dispatch.Backoff.Jitter)
	}
	return nil
}
