package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds configuration for the master build server.
type ServerConfig struct {
	Addr         string        // Listen address (default ":8080")
	LogLevel     string        // Log level: debug, info, warn, error
	LogFormat    string        // Log format: text, json
	DBPath       string        // SQLite database path (default ~/.masterbuild/master.db, ":memory:" for testing)
	ProjectsFile string        // YAML file declaring master projects
	PollInterval time.Duration // Watcher sleep between passes
	PoolSize     int           // Concurrent watchers
	SaveRetries  int           // Attempts to persist an attempt record
	StagingDir   string        // Local directory for staged file parameters
	PublicURL    string        // Base URL sub-builds download file parameters from

	MinIO     MinIOConfig
	Buildkite BuildkiteConfig
	NATS      NATSConfig

	MetricsEnabled bool
}

// MinIOConfig selects S3-compatible file parameter staging. Empty Endpoint means
// files are staged under StagingDir.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Validate reports missing or malformed settings.
func (c MinIOConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.Endpoint) == "":
		return fmt.Errorf("minio: endpoint is required")
	case strings.Contains(c.Endpoint, "://"):
		return fmt.Errorf("minio: endpoint must not include scheme: %q", c.Endpoint)
	case strings.TrimSpace(c.Bucket) == "":
		return fmt.Errorf("minio: bucket is required")
	}
	return nil
}

// BuildkiteConfig selects the Buildkite host. Empty Token means the in-process host.
type BuildkiteConfig struct {
	Org   string
	Token string
}

// NATSConfig enables event publication when URL is set.
type NATSConfig struct {
	URL     string
	Subject string
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		LogLevel:     "info",
		LogFormat:    "text",
		PollInterval: 7 * time.Second,
		PoolSize:     25,
		SaveRetries:  5,
		NATS:         NATSConfig{Subject: "masterbuild.events"},
		MinIO:        MinIOConfig{Bucket: "master-build-files"},
	}
}

// ApplyEnv overrides fields from MASTER_* environment variables. Unparseable
// numeric values are ignored.
func (c *ServerConfig) ApplyEnv() {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("MASTER_ADDR", &c.Addr)
	str("MASTER_LOG_LEVEL", &c.LogLevel)
	str("MASTER_LOG_FORMAT", &c.LogFormat)
	str("MASTER_DB", &c.DBPath)
	str("MASTER_PROJECTS_FILE", &c.ProjectsFile)
	str("MASTER_STAGING_DIR", &c.StagingDir)
	str("MASTER_PUBLIC_URL", &c.PublicURL)
	str("MASTER_MINIO_ENDPOINT", &c.MinIO.Endpoint)
	str("MASTER_MINIO_ACCESS_KEY", &c.MinIO.AccessKey)
	str("MASTER_MINIO_SECRET_KEY", &c.MinIO.SecretKey)
	str("MASTER_MINIO_BUCKET", &c.MinIO.Bucket)
	str("MASTER_MINIO_REGION", &c.MinIO.Region)
	str("MASTER_BUILDKITE_ORG", &c.Buildkite.Org)
	str("MASTER_BUILDKITE_TOKEN", &c.Buildkite.Token)
	str("MASTER_NATS_URL", &c.NATS.URL)
	str("MASTER_NATS_SUBJECT", &c.NATS.Subject)

	if v, err := time.ParseDuration(os.Getenv("MASTER_POLL_INTERVAL")); err == nil && v > 0 {
		c.PollInterval = v
	}
	if v, err := strconv.Atoi(os.Getenv("MASTER_POOL_SIZE")); err == nil && v > 0 {
		c.PoolSize = v
	}
	if v, err := strconv.Atoi(os.Getenv("MASTER_SAVE_RETRIES")); err == nil && v > 0 {
		c.SaveRetries = v
	}
	if v, err := strconv.ParseBool(os.Getenv("MASTER_MINIO_SSL")); err == nil {
		c.MinIO.UseSSL = v
	}
	if v, err := strconv.ParseBool(os.Getenv("MASTER_METRICS")); err == nil {
		c.MetricsEnabled = v
	}
}
