package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, dir, name string, data map[string]any) string {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	if name == "" {
		name = "cfg.json"
	}
	path := filepath.Join(dir, name)
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func Test_parseJson_SourcesAndPrecedence(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })
	t.Setenv("DOCCATALOG_CONFIG", "")

	dir := t.TempDir()
	full := writeTempJSON(t, dir, "full.json", map[string]any{
		"endpoint_addr_http":             "www.example:8081",
		"endpoint_addr_grpc":             "www.example:9000",
		"database_dsn":                   "postgres://db",
		"secret_key":                     "my_secret_key",
		"access_token_validity_duration": "2m",
		"s3_root_user":                   "user",
		"s3_root_password":               "password",
		"s3_bucket":                      "bucket",
		"s3_region":                      "region",
		"s3_base_endpoint":               "base_endpoint",
		"s3_insecure":                    true,
		"object_store_backend":           "minio",
		"staging_dir":                    "/tmp/stage",
		"max_upload_size":                "64MiB",
		"presign_ttl":                    "10m",
		"backoff_initial_delay":          "500ms",
		"backoff_ceiling":                "12h",
		"max_parallel_puts":              4,
		"log_level":                      "warn",
		"otlp_endpoint":                  "http://collector:4318",
		"cors_allowed_origins":           []string{"https://catalog.example"},
	})

	t.Run("loads from json", func(t *testing.T) {
		os.Args = []string{"testbin", "-config", full}
		cfg := &Config{}
		parseJson(cfg)
		assert.Equal(t, "www.example:8081", cfg.EndpointAddrHTTP)
		assert.Equal(t, "www.example:9000", cfg.EndpointAddrGRPC)
		assert.Equal(t, "postgres://db", cfg.DatabaseDSN)
		assert.Equal(t, "my_secret_key", cfg.SecretKey)
		assert.Equal(t, 2*time.Minute, cfg.AccessTokenValidityDuration)
		assert.Equal(t, "user", cfg.S3RootUser)
		assert.Equal(t, "password", cfg.S3RootPassword)
		assert.Equal(t, "bucket", cfg.S3Bucket)
		assert.Equal(t, "region", cfg.S3Region)
		assert.Equal(t, "base_endpoint", cfg.S3BaseEndpoint)
		assert.True(t, cfg.S3Insecure)
		assert.Equal(t, "minio", cfg.ObjectStoreBackend)
		assert.Equal(t, "/tmp/stage", cfg.StagingDir)
		assert.Equal(t, "64MiB", cfg.MaxUploadSize)
		assert.Equal(t, 10*time.Minute, cfg.PresignTTL)
		assert.Equal(t, 500*time.Millisecond, cfg.BackoffInitialDelay)
		assert.Equal(t, 12*time.Hour, cfg.BackoffCeiling)
		assert.Equal(t, 4, cfg.MaxParallelPuts)
		assert.Equal(t, "warn", cfg.LogLevel)
		assert.Equal(t, "http://collector:4318", cfg.OTLPEndpoint)
		assert.Equal(t, []string{"https://catalog.example"}, cfg.CORSAllowedOrigins)
	})

	t.Run("partial file keeps other values", func(t *testing.T) {
		partial := writeTempJSON(t, dir, "partial.json", map[string]any{
			"s3_bucket":       "only-bucket",
			"backoff_ceiling": 3600000000000,
		})
		os.Args = []string{"testbin", "-c", partial}
		var cfg Config
		cfg.LoadDefaults()
		parseJson(&cfg)
		assert.Equal(t, "only-bucket", cfg.S3Bucket)
		assert.Equal(t, time.Hour, cfg.BackoffCeiling)
		assert.Equal(t, ":8080", cfg.EndpointAddrHTTP)
		assert.Equal(t, time.Second, cfg.BackoffInitialDelay)
		assert.False(t, cfg.S3Insecure)
	})

	t.Run("environment variable names the file", func(t *testing.T) {
		t.Setenv("DOCCATALOG_CONFIG", full)
		os.Args = []string{"testbin"}
		cfg := &Config{}
		parseJson(cfg)
		assert.Equal(t, "bucket", cfg.S3Bucket)
	})

	t.Run("no config and no flags → no changes", func(t *testing.T) {
		os.Args = []string{"testbin"}
		cfg := &Config{
			EndpointAddrHTTP: "defaults:1234",
			S3Bucket:         "s3bucket",
			BackoffCeiling:   time.Hour,
		}
		parseJson(cfg)
		assert.Equal(t, "defaults:1234", cfg.EndpointAddrHTTP)
		assert.Equal(t, "s3bucket", cfg.S3Bucket)
		assert.Equal(t, time.Hour, cfg.BackoffCeiling)
	})

	t.Run("invalid JSON → panics", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`{ this is not valid json`), 0o600))
		os.Args = []string{"testbin", "-config", bad}
		cfg := &Config{}
		require.Panics(t, func() { parseJson(cfg) })
	})

	t.Run("missing file → panics", func(t *testing.T) {
		os.Args = []string{"testbin", "-config", filepath.Join(dir, "nope.json")}
		require.Panics(t, func() { parseJson(&Config{}) })
	})
}
