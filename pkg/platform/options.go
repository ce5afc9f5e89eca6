package platform

import (
	"database/sql"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/txn2/inimatic-relay/pkg/session"
	"github.com/txn2/inimatic-relay/pkg/storage"
)

// Options configures the platform.
type Options struct {
	// Config is the relay configuration.
	Config *Config

	// Logger (optional, defaults to slog.Default()).
	Logger *slog.Logger

	// Database connection (optional, will be opened from config for the postgres provider).
	DB *sql.DB

	// SessionStore (optional, will be created from config if not provided).
	SessionStore session.Store

	// StorageProvider (optional, will be created from config if not provided).
	StorageProvider storage.Provider

	// Registry receives the relay metrics (optional, a fresh registry is
	// created when metrics are enabled).
	Registry *prometheus.Registry
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithDB sets the database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithSessionStore sets the session store.
func WithSessionStore(store session.Store) Option {
	return func(o *Options) {
		o.SessionStore = store
	}
}

// WithStorageProvider sets the storage provider.
func WithStorageProvider(provider storage.Provider) Option {
	return func(o *Options) {
		o.StorageProvider = provider
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *Options) {
		o.Registry = reg
	}
}
