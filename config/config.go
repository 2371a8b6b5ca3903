package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gwc-sys/wildlife-tracking-Client-side/metrics"
	"github.com/gwc-sys/wildlife-tracking-Client-side/store"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

const (
	BackendMemory = "memory"
	BackendMQTT   = "mqtt"
	BackendRedis  = "redis"
)

// Config of the monitor, read from the environment and an optional .env file
type Config struct {
	Backend   string `env:"BACKEND,default=memory"` // memory, mqtt or redis
	HTTPAddr  string `env:"HTTP_ADDR,default=:8080"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"` // json or console

	// DeviceID is observed at startup when set
	DeviceID string `env:"DEVICE_ID"`

	Window          int           `env:"TIMELINE_WINDOW,default=50"`
	RetryInitial    time.Duration `env:"RETRY_INITIAL,default=500ms"`
	RetryMax        time.Duration `env:"RETRY_MAX,default=30s"`
	MinMoveMeters   float64       `env:"MIN_MOVE_METERS,default=10"`
	SpeedUnit       string        `env:"SPEED_UNIT,default=kmh"`
	MillisThreshold float64       `env:"MILLIS_THRESHOLD,default=1e12"` // raw timestamps at or above are milliseconds

	// ArchiveDSN enables the postgres session archive
	ArchiveDSN string `env:"ARCHIVE_DSN"`

	MQTT  store.MQTTConfig  `env:",prefix=MQTT_"`
	Redis store.RedisConfig `env:",prefix=REDIS_"`
}

// Load reads .env (when present) and the process environment
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch strings.ToLower(c.Backend) {
	case BackendMemory, BackendMQTT, BackendRedis:
	default:
		return fmt.Errorf("unknown BACKEND %q", c.Backend)
	}
	if _, err := metrics.ParseSpeedUnit(c.SpeedUnit); err != nil {
		return err
	}
	if c.Window <= 0 {
		return fmt.Errorf("TIMELINE_WINDOW must be positive, got %d", c.Window)
	}
	if c.MillisThreshold <= 0 {
		return fmt.Errorf("MILLIS_THRESHOLD must be positive, got %g", c.MillisThreshold)
	}
	return nil
}

// OpenStore connects the configured backend. The returned function releases it.
func (c Config) OpenStore(ctx context.Context) (store.Backend, func(), error) {
	switch strings.ToLower(c.Backend) {
	case BackendMQTT:
		m := store.NewMQTT(c.MQTT)
		if err := m.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return m, func() { m.Disconnect(context.Background()) }, nil
	case BackendRedis:
		r, err := store.NewRedis(ctx, c.Redis)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	default:
		return store.NewMemory(), func() {}, nil
	}
}
