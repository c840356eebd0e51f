package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/doccatalog/internal/flagx"
	"github.com/dmitrijs2005/doccatalog/internal/timex"
)

// JsonConfig is the on-disk shape of the configuration file. Interval
// fields use timex.Duration so both "1s" and integer nanoseconds parse.
// Fields missing from the file leave the current Config value untouched.
type JsonConfig struct {
	EndpointAddrHTTP            *string         `json:"endpoint_addr_http"`
	EndpointAddrGRPC            *string         `json:"endpoint_addr_grpc"`
	DatabaseDSN                 *string         `json:"database_dsn"`
	SecretKey                   *string         `json:"secret_key"`
	AccessTokenValidityDuration *timex.Duration `json:"access_token_validity_duration"`
	S3RootUser                  *string         `json:"s3_root_user"`
	S3RootPassword              *string         `json:"s3_root_password"`
	S3Bucket                    *string         `json:"s3_bucket"`
	S3Region                    *string         `json:"s3_region"`
	S3BaseEndpoint              *string         `json:"s3_base_endpoint"`
	S3Insecure                  *bool           `json:"s3_insecure"`
	ObjectStoreBackend          *string         `json:"object_store_backend"`
	StagingDir                  *string         `json:"staging_dir"`
	MaxUploadSize               *string         `json:"max_upload_size"`
	PresignTTL                  *timex.Duration `json:"presign_ttl"`
	BackoffInitialDelay         *timex.Duration `json:"backoff_initial_delay"`
	BackoffCeiling              *timex.Duration `json:"backoff_ceiling"`
	MaxParallelPuts             *int            `json:"max_parallel_puts"`
	LogLevel                    *string         `json:"log_level"`
	OTLPEndpoint                *string         `json:"otlp_endpoint"`
	CORSAllowedOrigins          []string        `json:"cors_allowed_origins"`
}

// parseJson overlays values from the JSON file named by -c/-config (or
// $DOCCATALOG_CONFIG) onto config. Nothing happens when no file is named.
// An unreadable file or invalid JSON panics: the server cannot start with a
// configuration it was told to use but cannot read.
func parseJson(config *Config) {
	path := flagx.ConfigFile()
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(data, c); err != nil {
		panic(err)
	}

	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.ObjectStoreBackend, c.ObjectStoreBackend)
	setString(&config.StagingDir, c.StagingDir)
	setString(&config.MaxUploadSize, c.MaxUploadSize)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.OTLPEndpoint, c.OTLPEndpoint)

	if c.AccessTokenValidityDuration != nil {
		config.AccessTokenValidityDuration = c.AccessTokenValidityDuration.Duration
	}
	if c.PresignTTL != nil {
		config.PresignTTL = c.PresignTTL.Duration
	}
	if c.BackoffInitialDelay != nil {
		config.BackoffInitialDelay = c.BackoffInitialDelay.Duration
	}
	if c.BackoffCeiling != nil {
		config.BackoffCeiling = c.BackoffCeiling.Duration
	}
	if c.S3Insecure != nil {
		config.S3Insecure = *c.S3Insecure
	}
	if c.MaxParallelPuts != nil {
		config.MaxParallelPuts = *c.MaxParallelPuts
	}
	if c.CORSAllowedOrigins != nil {
		config.CORSAllowedOrigins = c.CORSAllowedOrigins
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
