package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/txn2/inimatic-relay/pkg/bridge"
	"github.com/txn2/inimatic-relay/pkg/database/migrate"
	"github.com/txn2/inimatic-relay/pkg/distribute"
	"github.com/txn2/inimatic-relay/pkg/health"
	"github.com/txn2/inimatic-relay/pkg/hub"
	"github.com/txn2/inimatic-relay/pkg/ingest"
	"github.com/txn2/inimatic-relay/pkg/metrics"
	"github.com/txn2/inimatic-relay/pkg/relay"
	"github.com/txn2/inimatic-relay/pkg/session"
	"github.com/txn2/inimatic-relay/pkg/session/postgres"
	redisstore "github.com/txn2/inimatic-relay/pkg/session/redis"
	"github.com/txn2/inimatic-relay/pkg/socket"
	"github.com/txn2/inimatic-relay/pkg/storage"
	"github.com/txn2/inimatic-relay/pkg/storage/local"
	s3storage "github.com/txn2/inimatic-relay/pkg/storage/s3"
	"github.com/txn2/inimatic-relay/pkg/webtoken"
)

// cleaner is implemented by stores that expire records from a background routine.
type cleaner interface {
	StartCleanupRoutine(interval time.Duration)
}

// Platform is the main relay facade. It owns every component and their
// startup and shutdown order.
type Platform struct {
	config    *Config
	logger    *slog.Logger
	lifecycle *Lifecycle
	stopped   bool

	// Persistence
	db      *sql.DB
	ownsDB  bool
	store   session.Store
	storage storage.Provider

	// Observability
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	health   *health.Checker

	// Relay
	hub         *hub.Hub
	ingest      *ingest.Engine
	distributor *distribute.Distributor
	relay       *relay.Service
	socket      *socket.Server

	// Hub bridge
	signer *webtoken.Signer
	bridge *bridge.Bridge
}

// New creates a new platform instance.
func New(opts ...Option) (*Platform, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	p := &Platform{
		config:    options.Config,
		logger:    options.Logger,
		lifecycle: NewLifecycle(),
	}

	if err := p.initializeComponents(options); err != nil {
		_ = p.closeResources()
		return nil, fmt.Errorf("initializing components: %w", err)
	}

	return p, nil
}

// initializeComponents initializes all platform components.
func (p *Platform) initializeComponents(opts *Options) error {
	p.initMetrics(opts)
	if err := p.initStore(opts); err != nil {
		return err
	}
	if err := p.initStorage(opts); err != nil {
		return err
	}
	p.initRelay()
	if err := p.initBridge(); err != nil {
		return err
	}
	p.initLifecycle()
	return nil
}

func (p *Platform) initMetrics(opts *Options) {
	if !p.config.Metrics.Enabled {
		return
	}
	p.registry = opts.Registry
	if p.registry == nil {
		p.registry = prometheus.NewRegistry()
		p.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	p.metrics = metrics.NewMetrics(p.registry)
}

// initStore creates the session store.
func (p *Platform) initStore(opts *Options) error {
	if opts.SessionStore != nil {
		p.store = opts.SessionStore
		return nil
	}

	cfg := p.config.Session
	switch cfg.Provider {
	case StoreMemory:
		p.store = session.NewMemoryStore(cfg.TTL)
	case StoreRedis:
		store, err := redisstore.NewFromURL(cfg.Redis.URL, redisstore.Config{
			TTL:       cfg.TTL,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fmt.Errorf("creating redis session store: %w", err)
		}
		p.store = store
	case StorePostgres:
		db, err := p.openDB(opts)
		if err != nil {
			return err
		}
		if err := migrate.Run(db); err != nil {
			return fmt.Errorf("migrating session database: %w", err)
		}
		p.store = postgres.New(db, postgres.Config{TTL: cfg.TTL})
	default:
		return fmt.Errorf("unknown session provider: %s", cfg.Provider)
	}

	p.logger.Info("session store ready", "provider", cfg.Provider, "ttl", cfg.TTL)
	return nil
}

func (p *Platform) openDB(opts *Options) (*sql.DB, error) {
	if opts.DB != nil {
		p.db = opts.DB
		return p.db, nil
	}
	db, err := sql.Open("postgres", p.config.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(p.config.Database.MaxOpenConns)
	p.db, p.ownsDB = db, true
	return db, nil
}

// initStorage creates the provider that holds uploaded files.
func (p *Platform) initStorage(opts *Options) error {
	if opts.StorageProvider != nil {
		p.storage = opts.StorageProvider
		return nil
	}

	switch p.config.Storage.Provider {
	case StorageMemory:
		p.storage = storage.NewMemoryProvider()
	case StorageLocal:
		provider, err := local.New(p.config.Storage.Dir)
		if err != nil {
			return fmt.Errorf("creating local storage: %w", err)
		}
		p.storage = provider
		p.logger.Info("file storage ready", "dir", provider.Dir())
	case StorageS3:
		s3cfg := p.config.Storage.S3
		provider, err := s3storage.NewFromConfig(context.Background(), s3storage.Config{
			Region:         s3cfg.Region,
			Endpoint:       s3cfg.Endpoint,
			AccessKeyID:    s3cfg.AccessKeyID,
			SecretKey:      s3cfg.SecretAccessKey,
			Bucket:         s3cfg.Bucket,
			Prefix:         s3cfg.Prefix,
			UsePathStyle:   s3cfg.UsePathStyle,
			ConnectionName: "relay-uploads",
		})
		if err != nil {
			return fmt.Errorf("creating s3 storage: %w", err)
		}
		p.storage = provider
		p.logger.Info("file storage ready", "bucket", provider.Bucket(), "prefix", s3cfg.Prefix)
	default:
		return fmt.Errorf("unknown storage provider: %s", p.config.Storage.Provider)
	}
	return nil
}

// initRelay wires the session protocol onto the socket transport.
func (p *Platform) initRelay() {
	p.hub = hub.New(p.logger)
	p.ingest = ingest.New(p.storage, ingest.Config{
		IdleTimeout: p.config.Upload.IdleTimeout,
		Logger:      p.logger,
		Metrics:     p.metrics,
	})
	p.distributor = distribute.New(p.storage, distribute.Config{
		ChunkSize: p.config.Upload.ChunkSize,
		Logger:    p.logger,
		Metrics:   p.metrics,
	})
	p.relay = relay.New(relay.Config{
		Store:       p.store,
		Hub:         p.hub,
		Ingest:      p.ingest,
		Distributor: p.distributor,
		Storage:     p.storage,
		Logger:      p.logger,
		Metrics:     p.metrics,
	})

	mux := socket.NewMux()
	p.socket = socket.NewServer(mux, socket.Config{
		PingInterval:   p.config.Server.PingInterval,
		PingTimeout:    p.config.Server.PingTimeout,
		OriginPatterns: p.config.Server.OriginPatterns,
		ReadLimit:      p.config.Server.ReadLimit,
		Logger:         p.logger,
		Metrics:        p.metrics,
	})
	p.relay.Register(mux, p.socket)

	p.health = health.NewChecker()
	p.health.AddCheck("session_store", p.store.Ping)
}

// initBridge creates the hub bridge when enabled.
func (p *Platform) initBridge() error {
	if p.config.Token.Secret != "" {
		signer, err := webtoken.NewSigner(p.config.Token.Secret, p.config.Token.TTL)
		if err != nil {
			return fmt.Errorf("creating token signer: %w", err)
		}
		p.signer = signer
	}

	if !p.config.Bridge.Enabled {
		return nil
	}
	b, err := bridge.New(bridge.Config{
		BaseURL:      p.config.Bridge.BaseURL,
		Token:        p.config.Bridge.Token,
		AllowedBases: p.config.Bridge.AllowedBases,
		Verifier:     p.signer,
		Logger:       p.logger,
	})
	if err != nil {
		return fmt.Errorf("creating hub bridge: %w", err)
	}
	p.bridge = b
	return nil
}

// initLifecycle registers startup and shutdown steps. Shutdown runs in
// reverse: readiness drains, sockets close and end their sessions, pending
// uploads are dropped, then the stores are released.
func (p *Platform) initLifecycle() {
	if p.ownsDB {
		p.lifecycle.RegisterCloser("database", p.db)
	}
	p.lifecycle.RegisterCloser("storage", p.storage)
	p.lifecycle.Append(Hook{
		Name: "session store",
		OnStart: func(context.Context) error {
			if c, ok := p.store.(cleaner); ok {
				c.StartCleanupRoutine(p.config.Session.CleanupInterval)
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return p.store.Close()
		},
	})
	p.lifecycle.RegisterCloser("ingest", p.ingest)
	p.lifecycle.RegisterCloser("socket server", p.socket)
	p.lifecycle.Append(Hook{
		Name: "readiness",
		OnStart: func(context.Context) error {
			p.health.SetReady()
			return nil
		},
		OnStop: func(context.Context) error {
			p.health.SetDraining()
			return nil
		},
	})
}

// Start starts the platform.
func (p *Platform) Start(ctx context.Context) error {
	return p.lifecycle.Start(ctx)
}

// Stop stops the platform. A stopped platform cannot be restarted.
func (p *Platform) Stop(ctx context.Context) error {
	if !p.lifecycle.IsStarted() {
		return nil
	}
	p.stopped = true
	return p.lifecycle.Stop(ctx)
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config {
	return p.config
}

// Logger returns the platform logger.
func (p *Platform) Logger() *slog.Logger {
	return p.logger
}

// SessionStore returns the session store.
func (p *Platform) SessionStore() session.Store {
	return p.store
}

// StorageProvider returns the storage provider.
func (p *Platform) StorageProvider() storage.Provider {
	return p.storage
}

// Relay returns the session protocol service.
func (p *Platform) Relay() *relay.Service {
	return p.relay
}

// Socket returns the WebSocket server.
func (p *Platform) Socket() *socket.Server {
	return p.socket
}

// Health returns the readiness checker.
func (p *Platform) Health() *health.Checker {
	return p.health
}

// Bridge returns the hub bridge, or nil when disabled.
func (p *Platform) Bridge() *bridge.Bridge {
	return p.bridge
}

// Signer returns the web session token signer, or nil without a secret.
func (p *Platform) Signer() *webtoken.Signer {
	return p.signer
}

// MetricsHandler returns the Prometheus handler, or nil when metrics are disabled.
func (p *Platform) MetricsHandler() http.Handler {
	if p.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// closeResource closes a resource and appends any error.
func closeResource(errs *[]error, closer Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		*errs = append(*errs, err)
	}
}

// Close stops the platform if it is running, otherwise releases whatever
// New acquired.
func (p *Platform) Close() error {
	if p.lifecycle.IsStarted() {
		return p.Stop(context.Background())
	}
	if p.stopped {
		return nil
	}
	p.stopped = true
	return p.closeResources()
}

func (p *Platform) closeResources() error {
	var errs []error
	if p.socket != nil {
		closeResource(&errs, p.socket)
	}
	if p.ingest != nil {
		closeResource(&errs, p.ingest)
	}
	if p.store != nil {
		closeResource(&errs, p.store)
	}
	if p.storage != nil {
		closeResource(&errs, p.storage)
	}
	if p.ownsDB {
		closeResource(&errs, p.db)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing platform: %w", errors.Join(errs...))
	}
	return nil
}
