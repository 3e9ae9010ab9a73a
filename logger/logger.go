package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/coderun/config"
)

// DefaultServiceName is attached to production entries unless overridden.
const DefaultServiceName = "coderun"

type options struct {
	service     string
	outputPaths []string
}

// Option customizes a logger built by New.
type Option func(*options)

// WithServiceName sets the service field of production entries. An empty
// name drops the field.
func WithServiceName(name string) Option {
	return func(o *options) {
		o.service = name
	}
}

// WithOutputPaths sets where entries are written, as zap sink URLs or file
// paths. Empty keeps the default of stderr.
func WithOutputPaths(paths ...string) Option {
	return func(o *options) {
		if len(paths) > 0 {
			o.outputPaths = append([]string(nil), paths...)
		}
	}
}

// NewFromConfig creates the application logger from cfg.Logging
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level,
		WithServiceName(cfg.Logging.Service),
		WithOutputPaths(cfg.Logging.OutputPaths...))
}

// New creates a new logger instance based on configuration
func New(mode, level string, opts ...Option) (*zap.Logger, error) {
	// stdout belongs to the stdio MCP transport.
	o := options{service: DefaultServiceName, outputPaths: []string{"stderr"}}
	for _, opt := range opts {
		opt(&o)
	}

	var cfg zap.Config
	var zapOpts []zap.Option

	switch mode {
	case "development":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if o.service != "" {
			zapOpts = append(zapOpts, zap.Fields(zap.String("service", o.service)))
		}
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.OutputPaths = o.outputPaths

	return cfg.Build(zapOpts...)
}
