package pool

import (
	"time"

	"github.com/embeddedsocial/pipeline/config"
)

// Option configures database connection settings.
type Option func(*Options)

// Options holds connection configuration.
type Options struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration

	PreferSimpleProtocol   bool
	SkipDefaultTransaction bool

	TraceConfig config.ConfigurationDatabaseTracing
}

func defaultOptions() *Options {
	return &Options{
		PreferSimpleProtocol:   true,
		SkipDefaultTransaction: true,
	}
}

// WithMaxOpen caps open connections. Zero means unlimited.
func WithMaxOpen(maxOpen int) Option {
	return func(o *Options) {
		o.MaxOpen = maxOpen
	}
}

func WithMaxIdle(maxIdle int) Option {
	return func(o *Options) {
		o.MaxIdle = maxIdle
	}
}

func WithMaxLifetime(maxLifetime time.Duration) Option {
	return func(o *Options) {
		o.MaxLifetime = maxLifetime
	}
}

func WithPreferSimpleProtocol(preferSimpleProtocol bool) Option {
	return func(o *Options) {
		o.PreferSimpleProtocol = preferSimpleProtocol
	}
}

func WithSkipDefaultTransaction(skipDefaultTransaction bool) Option {
	return func(o *Options) {
		o.SkipDefaultTransaction = skipDefaultTransaction
	}
}

// WithTraceConfig controls query logging.
func WithTraceConfig(traceConfig config.ConfigurationDatabaseTracing) Option {
	return func(o *Options) {
		o.TraceConfig = traceConfig
	}
}

// OptionsFromConfig maps database configuration onto pool options.
func OptionsFromConfig(cfg config.ConfigurationDatabase) []Option {
	if cfg == nil {
		return nil
	}

	opts := []Option{
		WithMaxOpen(cfg.GetMaxOpenConnections()),
		WithMaxIdle(cfg.GetMaxIdleConnections()),
		WithMaxLifetime(cfg.GetMaxConnectionLifeTimeInSeconds()),
		WithPreferSimpleProtocol(cfg.PreferSimpleProtocol()),
		WithSkipDefaultTransaction(cfg.SkipDefaultTransaction()),
	}
	if tc, ok := cfg.(config.ConfigurationDatabaseTracing); ok {
		opts = append(opts, WithTraceConfig(tc))
	}
	return opts
}
