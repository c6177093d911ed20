package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pavetrack/opskit/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opskit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":9090", cfg.GRPCListen)
	assert.Equal(t, int64(50<<20), cfg.Cache.MaxSize)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 1000, cfg.Log.Capacity)
	assert.True(t, cfg.Performance.DefaultObservers)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
environment: production
grpc_listen: ":7000"
log:
  capacity: 200
  ship_endpoint: "http://logs.internal/ingest"
  signing_key: "k"
cache:
  max_size: 1048576
  default_ttl: 30s
  responses: true
  methods: ["/jobs.Scheduler/ListCrews"]
performance:
  slow_threshold: 250ms
  default_observers: false
tracing:
  enabled: true
  sampling_rate: 0.5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, ":7000", cfg.GRPCListen)
	assert.Equal(t, ":9091", cfg.HTTPListen, "unset keys keep defaults")
	assert.Equal(t, 200, cfg.Log.Capacity)
	assert.Equal(t, int64(1<<20), cfg.Cache.MaxSize)
	assert.Equal(t, 30*time.Second, cfg.Cache.DefaultTTL)
	assert.Equal(t, time.Minute, cfg.Cache.CleanupInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Performance.SlowThreshold)
	assert.False(t, cfg.Performance.DefaultObservers)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, 0.5, cfg.Tracing.SamplingRate)
	assert.Equal(t, 512, cfg.Tracing.MaxExportBatch)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "grpc_listen: \":7000\"\n")
	t.Setenv("OPSKIT_GRPC_LISTEN", ":7100")
	t.Setenv("OPSKIT_ENV", "production")
	t.Setenv("OPSKIT_CACHE_MAX_SIZE", "4096")
	t.Setenv("OPSKIT_TRACING_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7100", cfg.GRPCListen)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, int64(4096), cfg.Cache.MaxSize)
	assert.True(t, cfg.Tracing.Enabled)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = Load(writeConfig(t, "environment: [unterminated"))
	assert.ErrorContains(t, err, "parse yaml")

	_, err = Load(writeConfig(t, "environment: staging\n"))
	assert.ErrorContains(t, err, "environment must be")

	t.Setenv("OPSKIT_CACHE_MAX_SIZE", "lots")
	_, err = Load("")
	assert.ErrorContains(t, err, "OPSKIT_CACHE_MAX_SIZE")
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.GRPCListen = ""
	cfg.Cache.MaxSize = -1
	cfg.Tracing.SamplingRate = 2

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "grpc_listen")
	assert.Contains(t, err.Error(), "cache.max_size")
	assert.Contains(t, err.Error(), "sampling_rate")
}

func TestConfig_Kit(t *testing.T) {
	cfg := Default()
	cfg.Environment = "production"
	cfg.Cache.Responses = true
	cfg.Log.ShipEndpoint = "http://logs.internal/ingest"

	kit, err := cfg.Kit()
	require.NoError(t, err)

	assert.Equal(t, logger.Production, kit.Environment)
	assert.NotNil(t, kit.Shipper)
	assert.True(t, kit.CacheResponses)
	assert.Equal(t, cfg.Cache.MaxSize, kit.Cache.MaxSize)
	assert.Equal(t, cfg.Performance.SkipMethods, kit.SkipMethods)
	assert.Equal(t, "opskit", kit.MetricsNamespace)
}

func TestConfig_ShipperBreaker(t *testing.T) {
	cfg := Default()
	cfg.Log.ShipEndpoint = "http://logs.internal/ingest"
	assert.Equal(t, uint32(5), cfg.Log.BreakerFailures)

	shipper, err := cfg.Shipper()
	require.NoError(t, err)

	hs, ok := shipper.(*logger.HTTPShipper)
	require.True(t, ok)
	assert.Equal(t, "closed", hs.BreakerState())
}

func TestConfig_ShipperOptional(t *testing.T) {
	shipper, err := Default().Shipper()
	require.NoError(t, err)
	assert.Nil(t, shipper)
}
