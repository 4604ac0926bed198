package datastore

import (
	"github.com/embeddedsocial/pipeline/config"
	"github.com/embeddedsocial/pipeline/datastore/pool"
)

// Option configures a Store.
type Option func(*Options)

// Options holds the connections a Store opens.
type Options struct {
	DSNMap      map[string]bool
	PoolOptions []pool.Option
	Migrate     bool
}

// WithConnection adds dsn, marked read only or writable.
func WithConnection(dsn string, readOnly bool) Option {
	return func(o *Options) {
		if o.DSNMap == nil {
			o.DSNMap = make(map[string]bool)
		}

		o.DSNMap[dsn] = readOnly
	}
}

// WithConnections adds every dsn in dsns.
func WithConnections(dsns map[string]bool) Option {
	return func(o *Options) {
		for k, v := range dsns {
			WithConnection(k, v)(o)
		}
	}
}

// WithPoolOptions sets the options applied to every connection.
func WithPoolOptions(poolOptions ...pool.Option) Option {
	return func(o *Options) {
		o.PoolOptions = poolOptions
	}
}

// WithMigration creates or updates the tables when the store opens.
func WithMigration(migrate bool) Option {
	return func(o *Options) {
		o.Migrate = migrate
	}
}

// OptionsFromConfig opens the configured primary databases as writable.
func OptionsFromConfig(cfg config.ConfigurationDatabase) []Option {
	opts := []Option{
		WithPoolOptions(pool.OptionsFromConfig(cfg)...),
		WithMigration(cfg.DoDatabaseMigrate()),
	}
	for _, dsn := range cfg.GetDatabasePrimaryHostURL() {
		opts = append(opts, WithConnection(dsn, false))
	}
	return opts
}
