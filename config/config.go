// Package config loads bridge settings from an optional file and
// WASMBRIDGE_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-bridge/capability"
	"github.com/wippyai/wasm-bridge/connection"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/lifecycle"
	"github.com/wippyai/wasm-bridge/metrics"
	"github.com/wippyai/wasm-bridge/payload"
)

// EnvPrefix prefixes every environment override, e.g. WASMBRIDGE_LOG_LEVEL.
const EnvPrefix = "WASMBRIDGE"

var validate = validator.New()

type Config struct {
	Payload Payload `mapstructure:"payload"`
	Runtime Runtime `mapstructure:"runtime"`
	Log     Log     `mapstructure:"log"`
	Metrics Metrics `mapstructure:"metrics"`
	Network Network `mapstructure:"network"`
}

type Payload struct {
	// Dir holds the chunk files and manifest written by pack.
	Dir       string `mapstructure:"dir" validate:"required"`
	ChunkSize int    `mapstructure:"chunk_size" validate:"gt=0"`
}

type Runtime struct {
	// MemoryLimitPages caps guest memory in 64KiB pages. Zero keeps the
	// wazero default.
	MemoryLimitPages uint32  `mapstructure:"memory_limit_pages" validate:"lte=65536"`
	CPURateLimit     float64 `mapstructure:"cpu_rate_limit" validate:"gt=0,lte=1"`
}

type Log struct {
	Level         string `mapstructure:"level" validate:"oneof=debug info warn error"`
	MaxGuestLevel string `mapstructure:"max_guest_level" validate:"oneof=error warn info debug trace"`
	Development   bool   `mapstructure:"development"`
}

type Metrics struct {
	// Listen is the /metrics address. Empty disables the endpoint.
	Listen string `mapstructure:"listen" validate:"omitempty,hostname_port"`
}

type Network struct {
	DialTimeout     time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`
	BreakerFailures uint32        `mapstructure:"breaker_failures" validate:"gt=0"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown" validate:"gt=0"`
}

func setDefaults(v *viper.Viper) {
	dialer := connection.DefaultDialerConfig()

	v.SetDefault("payload.dir", "guest")
	v.SetDefault("payload.chunk_size", payload.DefaultChunkSize)
	v.SetDefault("runtime.memory_limit_pages", 0)
	v.SetDefault("runtime.cpu_rate_limit", 1.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_guest_level", capability.LevelInfo.String())
	v.SetDefault("log.development", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("network.dial_timeout", dialer.DialTimeout)
	v.SetDefault("network.breaker_failures", dialer.BreakerFailures)
	v.SetDefault("network.breaker_cooldown", dialer.BreakerCooldown)
}

// New returns a viper instance with defaults and environment binding set up.
// Callers may bind flags onto it before Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (if not empty) into v, unmarshals and validates.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "read config "+path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "invalid config")
	}
	return nil
}

// ZapLevel returns the host log level. Validation guarantees it parses.
func (c *Config) ZapLevel() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// GuestLevel returns the maximum level passed to the guest's init export.
func (c *Config) GuestLevel() capability.LogLevel {
	lvl, err := capability.ParseLogLevel(c.Log.MaxGuestLevel)
	if err != nil {
		return capability.LevelInfo
	}
	return lvl
}

// Logger builds the host logger. Output goes to stderr so stdout stays
// free for JSON-RPC responses.
func (c *Config) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(c.ZapLevel())
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// Capabilities returns the default host capabilities with the configured
// CPU rate limit and a dialer reporting to m. m may be nil.
func (c *Config) Capabilities(logger *zap.Logger, m *metrics.Metrics) capability.Capabilities {
	caps := capability.Default(logger)
	caps.CPURateLimit = c.Runtime.CPURateLimit
	caps.Connect = connection.NewDialer(&connection.DialerConfig{
		DialTimeout:     c.Network.DialTimeout,
		BreakerFailures: c.Network.BreakerFailures,
		BreakerCooldown: c.Network.BreakerCooldown,
	}, m, logger)
	return caps
}

// LifecycleOptions assembles controller options around caps.
func (c *Config) LifecycleOptions(caps capability.Capabilities, logger *zap.Logger, m *metrics.Metrics) lifecycle.Options {
	return lifecycle.Options{
		Capabilities:     caps,
		Logger:           logger,
		Metrics:          m,
		MemoryLimitPages: c.Runtime.MemoryLimitPages,
		MaxLogLevel:      c.GuestLevel(),
	}
}
