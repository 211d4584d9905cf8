package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Client  ClientConfig  `mapstructure:"client"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type ClientConfig struct {
	Addr     string `mapstructure:"addr"`
	Database string `mapstructure:"database"`
	Protocol string `mapstructure:"protocol"` // wire definition name, "" = V1

	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	QueryTimeout     time.Duration `mapstructure:"query_timeout"` // 0 = no timeout
	MaxFrameSize     uint32        `mapstructure:"max_frame_size"`

	RateLimit        float64 `mapstructure:"rate_limit"` // queries per second, 0 = unlimited
	RateBurst        int     `mapstructure:"rate_burst"`
	CompileCacheSize int     `mapstructure:"compile_cache_size"` // 0 = no cache
}

type ServerConfig struct {
	Addr           string `mapstructure:"addr"`
	DataPath       string `mapstructure:"data_path"` // sqlite file, ":memory:" for tests
	Protocol       string `mapstructure:"protocol"`
	MaxConnections int    `mapstructure:"max_connections"` // 0 = unlimited, used with ants
	EvalWorkers    int    `mapstructure:"eval_workers"`
	MaxFrameSize   uint32 `mapstructure:"max_frame_size"`
	DefaultDB      string `mapstructure:"default_db"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	AddSource bool   `mapstructure:"add_source"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			Addr:             "127.0.0.1:28015",
			Database:         "test",
			DialTimeout:      5 * time.Second,
			HandshakeTimeout: 5 * time.Second,
			MaxFrameSize:     64 * 1024 * 1024,
			CompileCacheSize: 256,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:28015",
			DataPath:        "./data/reql.db",
			MaxConnections:  1024,
			EvalWorkers:     max(runtime.NumCPU()*4, 256),
			MaxFrameSize:    64 * 1024 * 1024,
			DefaultDB:       "test",
			ShutdownTimeout: 3 * time.Second,
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9090",
		},
	}
}

// Load reads configuration from an optional file at path and from
// environment variables named PREFIX_SECTION_KEY, e.g. REQL_CLIENT_ADDR.
// Values not set anywhere keep their DefaultConfig value.
func Load(path, prefix string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if prefix != "" {
		v.SetEnvPrefix(strings.TrimSuffix(prefix, "_"))
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AutomaticEnv only resolves keys viper knows about, so every key gets a
// default.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("client.addr", d.Client.Addr)
	v.SetDefault("client.database", d.Client.Database)
	v.SetDefault("client.protocol", d.Client.Protocol)
	v.SetDefault("client.dial_timeout", d.Client.DialTimeout)
	v.SetDefault("client.handshake_timeout", d.Client.HandshakeTimeout)
	v.SetDefault("client.query_timeout", d.Client.QueryTimeout)
	v.SetDefault("client.max_frame_size", d.Client.MaxFrameSize)
	v.SetDefault("client.rate_limit", d.Client.RateLimit)
	v.SetDefault("client.rate_burst", d.Client.RateBurst)
	v.SetDefault("client.compile_cache_size", d.Client.CompileCacheSize)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.data_path", d.Server.DataPath)
	v.SetDefault("server.protocol", d.Server.Protocol)
	v.SetDefault("server.max_connections", d.Server.MaxConnections)
	v.SetDefault("server.eval_workers", d.Server.EvalWorkers)
	v.SetDefault("server.max_frame_size", d.Server.MaxFrameSize)
	v.SetDefault("server.default_db", d.Server.DefaultDB)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.add_source", d.Log.AddSource)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Client.Addr == "" {
		errs = append(errs, errors.New("client.addr is required"))
	}
	if c.Client.DialTimeout < 0 || c.Client.HandshakeTimeout < 0 || c.Client.QueryTimeout < 0 {
		errs = append(errs, errors.New("client timeouts must not be negative"))
	}
	if c.Client.RateLimit < 0 {
		errs = append(errs, errors.New("client.rate_limit must not be negative"))
	}
	if c.Client.CompileCacheSize < 0 {
		errs = append(errs, errors.New("client.compile_cache_size must not be negative"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.EvalWorkers <= 0 {
		errs = append(errs, errors.New("server.eval_workers must be positive"))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	return errors.Join(errs...)
}
