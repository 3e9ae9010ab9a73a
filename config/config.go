package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Sandbox   SandboxConfig       `mapstructure:"sandbox"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Metrics   MetricsConfig       `mapstructure:"metrics"`
	Languages map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport      string  `mapstructure:"transport"`
	HTTPPort       int     `mapstructure:"http_port"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// SandboxConfig holds the execution policy
type SandboxConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	InitTimeout      time.Duration `mapstructure:"init_timeout"`
	InitRetryBackoff time.Duration `mapstructure:"init_retry_backoff"`
	ReclaimGrace     time.Duration `mapstructure:"reclaim_grace"`
	Preload          []string      `mapstructure:"preload"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode        string   `mapstructure:"mode"`
	Level       string   `mapstructure:"level"`
	Service     string   `mapstructure:"service"`
	OutputPaths []string `mapstructure:"output_paths"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Language holds the runtime configuration of one supported language
type Language struct {
	Backend     string   `mapstructure:"backend"`
	Command     string   `mapstructure:"command"`
	Args        []string `mapstructure:"args"`
	Environment []string `mapstructure:"environment"`
}

// Transport names
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Backend names
const (
	BackendProcess     = "process"
	BackendInterpreter = "interpreter"
)

// EnvPrefix is the prefix of environment variable overrides
const EnvPrefix = "CODERUN"

// New loads configuration from config.yaml in the working directory or
// ./config, falling back to defaults when no file exists
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from path, or searches the default locations
// when path is empty, and validates it
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", TransportHTTP)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.rate_limit_rps", 10.0)
	v.SetDefault("server.rate_limit_burst", 20)

	v.SetDefault("sandbox.timeout", 30*time.Second)
	v.SetDefault("sandbox.init_timeout", 60*time.Second)
	v.SetDefault("sandbox.init_retry_backoff", 5*time.Second)
	v.SetDefault("sandbox.reclaim_grace", 2*time.Second)
	v.SetDefault("sandbox.preload", []string{})

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.service", "coderun")
	v.SetDefault("logging.output_paths", []string{"stderr"})

	v.SetDefault("metrics.enabled", true)

	// JavaScript runs in a disposable node process per submission
	v.SetDefault("languages.javascript.backend", BackendProcess)
	v.SetDefault("languages.javascript.command", "node")
	v.SetDefault("languages.javascript.args", []string{"--max-old-space-size=256"})

	// Python runs in one shared interpreter kept warm between submissions
	v.SetDefault("languages.python.backend", BackendInterpreter)
	v.SetDefault("languages.python.command", "python3")
	v.SetDefault("languages.python.args", []string{"-u"})
	v.SetDefault("languages.python.environment", []string{"PYTHONIOENCODING=utf-8"})
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != TransportStdio && c.Server.Transport != TransportHTTP {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == TransportHTTP && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Server.RateLimitRPS < 0 {
		return fmt.Errorf("server.rate_limit_rps must not be negative, got: %g", c.Server.RateLimitRPS)
	}

	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive, got: %s", c.Sandbox.Timeout)
	}

	if c.Sandbox.InitTimeout <= 0 {
		return fmt.Errorf("sandbox.init_timeout must be positive, got: %s", c.Sandbox.InitTimeout)
	}

	if c.Sandbox.InitRetryBackoff < 0 || c.Sandbox.ReclaimGrace < 0 {
		return fmt.Errorf("sandbox.init_retry_backoff and sandbox.reclaim_grace must not be negative")
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Logging.Service == "" {
		return fmt.Errorf("logging.service must not be empty")
	}

	if len(c.Logging.OutputPaths) == 0 {
		return fmt.Errorf("logging.output_paths must not be empty")
	}

	// The stdio transport owns stdout.
	if c.Server.Transport == TransportStdio && slices.Contains(c.Logging.OutputPaths, "stdout") {
		return fmt.Errorf("logging.output_paths must not include stdout with the stdio transport")
	}

	if len(c.Languages) == 0 {
		return fmt.Errorf("at least one language must be configured")
	}

	for _, name := range c.LanguageNames() {
		lang := c.Languages[name]
		if lang.Backend != BackendProcess && lang.Backend != BackendInterpreter {
			return fmt.Errorf("invalid languages.%s.backend: %s, must be '%s' or '%s'", name, lang.Backend, BackendProcess, BackendInterpreter)
		}
		if lang.Command == "" {
			return fmt.Errorf("languages.%s.command must not be empty", name)
		}
		for _, kv := range lang.Environment {
			if !strings.Contains(kv, "=") {
				return fmt.Errorf("invalid languages.%s.environment entry: %q, must be KEY=VALUE", name, kv)
			}
		}
	}

	for _, name := range c.Sandbox.Preload {
		if _, ok := c.Languages[name]; !ok {
			return fmt.Errorf("sandbox.preload references unknown language: %s", name)
		}
	}

	return nil
}

// LanguageNames returns the configured language identifiers in order
func (c *Config) LanguageNames() []string {
	names := make([]string, 0, len(c.Languages))
	for name := range c.Languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
