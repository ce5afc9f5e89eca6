package platform

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/inimatic-relay/pkg/session"
	"github.com/txn2/inimatic-relay/pkg/storage"
	"github.com/txn2/inimatic-relay/pkg/storage/local"
	s3storage "github.com/txn2/inimatic-relay/pkg/storage/s3"
)

const platTestSecret = "platform-test-secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryConfig returns a config that needs no external services.
func memoryConfig() *Config {
	cfg := &Config{
		Session: SessionConfig{Provider: StoreMemory},
		Storage: StorageConfig{Provider: StorageMemory},
		Metrics: MetricsConfig{Enabled: true},
	}
	applyDefaults(cfg)
	return cfg
}

func newTestPlatform(t *testing.T, cfg *Config, opts ...Option) *Platform {
	t.Helper()
	opts = append([]Option{WithConfig(cfg), WithLogger(discardLogger())}, opts...)
	p, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config is required")
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.Session.Provider = "etcd"

	_, err := New(WithConfig(cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session.provider")
}

func TestNew_MemoryProviders(t *testing.T) {
	p := newTestPlatform(t, memoryConfig())

	assert.IsType(t, &session.MemoryStore{}, p.SessionStore())
	assert.IsType(t, &storage.MemoryProvider{}, p.StorageProvider())
	assert.NotNil(t, p.Relay())
	assert.NotNil(t, p.Socket())
	assert.NotNil(t, p.MetricsHandler())
	assert.Nil(t, p.Bridge(), "bridge is off by default")
	assert.Nil(t, p.Signer(), "no secret, no signer")
	assert.Same(t, p.config, p.Config())
}

func TestNew_LocalStorage(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage = StorageConfig{Provider: StorageLocal, Dir: t.TempDir()}

	p := newTestPlatform(t, cfg)
	provider, ok := p.StorageProvider().(*local.Provider)
	require.True(t, ok)
	assert.Equal(t, cfg.Storage.Dir, provider.Dir())
}

func TestNew_S3Storage(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage = StorageConfig{
		Provider: StorageS3,
		S3: S3StorageConfig{
			Bucket:          "relay-uploads",
			Prefix:          "transfers",
			Region:          "us-east-1",
			Endpoint:        "http://127.0.0.1:9000",
			AccessKeyID:     "minio",
			SecretAccessKey: "minio123",
			UsePathStyle:    true,
		},
	}

	p := newTestPlatform(t, cfg)
	provider, ok := p.StorageProvider().(*s3storage.Adapter)
	require.True(t, ok)
	assert.Equal(t, "s3", provider.Name())
	assert.Equal(t, "relay-uploads", provider.Bucket())
}

func TestNew_RedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.Session.Provider = StoreRedis
	cfg.Session.Redis.URL = "redis://" + mr.Addr()

	p := newTestPlatform(t, cfg)
	require.NoError(t, p.Start(context.Background()))

	failures := p.Health().Check(context.Background())
	assert.Empty(t, failures)

	mr.Close()
	failures = p.Health().Check(context.Background())
	assert.Contains(t, failures, "session_store")
}

func TestNew_PostgresMigrationFailure(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	cfg := memoryConfig()
	cfg.Session.Provider = StorePostgres
	cfg.Database.DSN = "postgres://unused"

	_, err = New(WithConfig(cfg), WithLogger(discardLogger()), WithDB(db))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrating session database")
}

func TestNew_InjectedComponents(t *testing.T) {
	store := session.NewMemoryStore(time.Minute)
	provider := storage.NewMemoryProvider()
	reg := prometheus.NewRegistry()

	p := newTestPlatform(t, memoryConfig(),
		WithSessionStore(store),
		WithStorageProvider(provider),
		WithRegistry(reg),
	)

	assert.Same(t, store, p.SessionStore())
	assert.Same(t, provider, p.StorageProvider())

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families, "relay metrics register on the injected registry")
}

func TestNew_MetricsDisabled(t *testing.T) {
	cfg := memoryConfig()
	cfg.Metrics.Enabled = false

	p := newTestPlatform(t, cfg)
	assert.Nil(t, p.MetricsHandler())
}

func TestNew_BridgeWithVerifier(t *testing.T) {
	cfg := memoryConfig()
	cfg.Bridge.Enabled = true
	cfg.Token.Secret = platTestSecret

	p := newTestPlatform(t, cfg)
	require.NotNil(t, p.Bridge())
	require.NotNil(t, p.Signer())

	w := httptest.NewRecorder()
	p.Bridge().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/subnet/nodes", http.NoBody))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNew_BridgeBadURL(t *testing.T) {
	cfg := memoryConfig()
	cfg.Bridge.Enabled = true
	cfg.Bridge.AllowedBases = []string{"not a url"}

	_, err := New(WithConfig(cfg), WithLogger(discardLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hub bridge")
}

func TestPlatform_StartStop(t *testing.T) {
	p := newTestPlatform(t, memoryConfig())
	ctx := context.Background()

	assert.Equal(t, "starting", p.Health().State())

	require.NoError(t, p.Start(ctx))
	assert.True(t, p.Health().IsReady())

	require.NoError(t, p.Stop(ctx))
	assert.Equal(t, "draining", p.Health().State())

	assert.NoError(t, p.Stop(ctx), "stopping twice is a no-op")
	assert.NoError(t, p.Close(), "closing after stop is a no-op")
}

func TestPlatform_CloseWithoutStart(t *testing.T) {
	p, err := New(WithConfig(memoryConfig()), WithLogger(discardLogger()))
	require.NoError(t, err)
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
}

func TestPlatform_MetricsHandler(t *testing.T) {
	p := newTestPlatform(t, memoryConfig())

	w := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
