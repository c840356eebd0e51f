package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/dmitrijs2005/doccatalog/internal/flagx"
)

var knownFlags = []string{
	"-a", "-grpc", "-d", "-s", "-t", "-u", "-p", "-b", "-g", "-e",
	"-s3-insecure", "-backend", "-staging-dir", "-max-upload-size", "-presign-ttl",
	"-backoff-initial", "-backoff-ceiling", "-max-parallel-puts",
	"-log-level", "-otlp-endpoint", "-cors-origins",
}

// parseFlags populates server Config fields from command-line flags.
//
// Supported flags:
//
//	-a string                 HTTP bind address (e.g., ":8080")
//	-grpc string              gRPC health bind address (e.g., ":50051")
//	-d string                 PostgreSQL DSN
//	-s string                 JWT HMAC secret key
//	-t int                    access token validity, minutes
//	-u string                 S3 root user
//	-p string                 S3 root password
//	-b string                 S3 bucket name
//	-g string                 S3 region
//	-e string                 S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-s3-insecure              plain http for an endpoint without a scheme
//	-backend string           object store backend: s3 or minio
//	-staging-dir string       local staging directory
//	-max-upload-size string   multipart request limit (e.g., "32MiB")
//	-presign-ttl duration     presigned URL lifetime
//	-backoff-initial duration first retry delay of an upload batch
//	-backoff-ceiling duration cumulative backoff after which a batch gives up
//	-max-parallel-puts int    concurrent puts per round
//	-log-level string         debug, info, warn, error
//	-otlp-endpoint string     OTLP/HTTP trace collector URL
//	-cors-origins string      comma-separated allowed origins
//
// os.Args is first narrowed to these flags with flagx.FilterArgs so the
// JSON config flags (-c/-config) do not collide.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], knownFlags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)
	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "address and port to run HTTP server")
	fs.StringVar(&config.EndpointAddrGRPC, "grpc", config.EndpointAddrGRPC, "address and port to run gRPC health server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	accessTokenValidityDuration := fs.Int("t", int(config.AccessTokenValidityDuration.Minutes()), "access_token_validity_duration (in minutes)")
	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")
	fs.BoolVar(&config.S3Insecure, "s3-insecure", config.S3Insecure, "use http when the S3 endpoint has no scheme")
	fs.StringVar(&config.ObjectStoreBackend, "backend", config.ObjectStoreBackend, "object store backend (s3|minio)")
	fs.StringVar(&config.StagingDir, "staging-dir", config.StagingDir, "local staging directory")
	fs.StringVar(&config.MaxUploadSize, "max-upload-size", config.MaxUploadSize, "maximum multipart request size")
	fs.DurationVar(&config.PresignTTL, "presign-ttl", config.PresignTTL, "presigned URL lifetime")
	fs.DurationVar(&config.BackoffInitialDelay, "backoff-initial", config.BackoffInitialDelay, "initial retry delay")
	fs.DurationVar(&config.BackoffCeiling, "backoff-ceiling", config.BackoffCeiling, "cumulative backoff ceiling")
	fs.IntVar(&config.MaxParallelPuts, "max-parallel-puts", config.MaxParallelPuts, "concurrent puts per round")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level")
	fs.StringVar(&config.OTLPEndpoint, "otlp-endpoint", config.OTLPEndpoint, "OTLP/HTTP trace endpoint")
	origins := fs.String("cors-origins", strings.Join(config.CORSAllowedOrigins, ","), "allowed CORS origins")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.AccessTokenValidityDuration = time.Duration(*accessTokenValidityDuration) * time.Minute
	config.CORSAllowedOrigins = splitList(*origins)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
