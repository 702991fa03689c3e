package config

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/0xReLogic/carina-origin/internal/responder"
)

// EnvPrefix is prepended to every environment override, e.g. ORIGIN_LISTEN_PORT.
const EnvPrefix = "ORIGIN"

// Config holds the origin server settings
type Config struct {
	ListenPort string                    `mapstructure:"listen_port"`
	Logging    LoggingConfig             `mapstructure:"logging"`
	Server     ServerConfig              `mapstructure:"server"`
	Metrics    MetricsConfig             `mapstructure:"metrics"`
	Tracing    TracingConfig             `mapstructure:"tracing"`
	TLS        TLSConfig                 `mapstructure:"tls"`
	RateLimit  RateLimitConfig           `mapstructure:"rate_limit"`
	Responses  map[string]ResponseConfig `mapstructure:"responses"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig carries the listener safety limits.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
}

// MetricsConfig configures the Prometheus listener. An empty address
// disables it.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Endpoint    string `mapstructure:"endpoint"`
}

type TLSConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CertDir           string `mapstructure:"cert_dir"`
	RequireClientCert bool   `mapstructure:"require_client_cert"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `mapstructure:"requests_per_second"`
	BurstSize         int `mapstructure:"burst_size"`
}

// ResponseConfig overrides the canned response for one method.
type ResponseConfig struct {
	Status  int               `mapstructure:"status"`
	Headers map[string]string `mapstructure:"headers"`
	Body    string            `mapstructure:"body"`
}

// Loader wraps a dedicated viper instance so tests and the binary never
// share global state.
type Loader struct {
	v *viper.Viper
}

// NewLoader registers defaults, environment overrides and, when flags is
// non-nil, binds the command line flags.
func NewLoader(flags *pflag.FlagSet) (*Loader, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if f := flags.Lookup("port"); f != nil {
			if err := v.BindPFlag("listen_port", f); err != nil {
				return nil, fmt.Errorf("bind port flag: %w", err)
			}
		}
		if f := flags.Lookup("log-level"); f != nil {
			if err := v.BindPFlag("logging.level", f); err != nil {
				return nil, fmt.Errorf("bind log-level flag: %w", err)
			}
		}
	}
	return &Loader{v: v}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_port", "8000")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.environment", "production")
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_body_bytes", int64(10<<20))
	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "carina-origin")
	v.SetDefault("tracing.endpoint", "http://localhost:4318")
	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.cert_dir", "certs")
	v.SetDefault("tls.require_client_cert", false)
	v.SetDefault("rate_limit.requests_per_second", 0)
	v.SetDefault("rate_limit.burst_size", 0)
}

// Load reads the configuration file at path (if any) and returns the
// validated result. An empty path means defaults plus environment.
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
		l.v.SetConfigType("yaml")
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch re-reads the config file whenever it changes and hands the new
// result to onChange. Decode or validation failures go to onError and the
// previous configuration stays in effect.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Validate checks ranges and builds the response table once to surface
// bad canned responses at load time.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.ListenPort)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid listen_port %q", c.ListenPort)
	}
	if c.Server.MaxBodyBytes < 0 {
		return errors.New("server.max_body_bytes must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"read_header_timeout": c.Server.ReadHeaderTimeout,
		"read_timeout":        c.Server.ReadTimeout,
		"write_timeout":       c.Server.WriteTimeout,
		"idle_timeout":        c.Server.IdleTimeout,
		"shutdown_timeout":    c.Server.ShutdownTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("server.%s must not be negative", name)
		}
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.BurstSize < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return errors.New("tracing.endpoint is required when tracing is enabled")
	}
	if _, err := c.ResponseTable(); err != nil {
		return fmt.Errorf("responses: %w", err)
	}
	return nil
}

// ResponseTable returns the default canned table overlaid with any
// configured overrides.
func (c *Config) ResponseTable() (responder.Table, error) {
	if len(c.Responses) == 0 {
		return responder.DefaultTable(), nil
	}
	entries := make(map[string]responder.Response, len(c.Responses))
	for method, rc := range c.Responses {
		h := make(http.Header, len(rc.Headers))
		for k, v := range rc.Headers {
			h.Set(k, v)
		}
		entries[method] = responder.Response{Status: rc.Status, Headers: h, Body: rc.Body}
	}
	overrides, err := responder.NewTable(entries)
	if err != nil {
		return responder.Table{}, err
	}
	return responder.DefaultTable().Merge(overrides), nil
}
