// Package config loads Aurora's control-plane configuration from the
// process environment, one environment variable per setting.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-driven setting the control plane reads
// once at startup.
type Config struct {
	// DataDir is DATABASE_URL stripped of its bolt:// scheme, if any: the
	// control plane persists to an embedded BoltDB file, so the
	// operator-facing env var still reads DATABASE_URL even though it
	// ultimately names a directory/file path rather than a DSN.
	DataDir string

	RedisHost string
	RedisPort int

	TrafficIntervalSeconds int
	DDNSIntervalSeconds    int

	SSHConnectionTimeout time.Duration

	FileStoragePath        string
	TaskOutputStorageDays  int

	// ArtifactsDir is the root under which per-plan stdout transcripts are
	// written (<root>/<server>/artifacts/<ident>/stdout), not itself an
	// env var named in spec.md §6 — derived from FILE_STORAGE_PATH so the
	// control plane only needs the one storage-root env var operators set.
	ArtifactsDir string

	PubSubPrefix         string
	PubSubStopword       string
	PubSubTimeoutSeconds int
	PubSubSleepSeconds   float64

	SecretKey string

	EnableSentry bool
	Environment  string
	SentryDSN    string

	DNSServer string

	ListenAddr string
}

// Load reads Config from the environment, applying defaults suitable
// for a single-node development deployment.
func Load() (*Config, error) {
	c := &Config{
		DataDir:                strings.TrimPrefix(getEnv("DATABASE_URL", "bolt:///var/lib/aurora"), "bolt://"),
		RedisHost:              getEnv("REDIS_HOST", "localhost"),
		RedisPort:              getEnvInt("REDIS_PORT", 6379),
		TrafficIntervalSeconds: getEnvInt("TRAFFIC_INTERVAL_SECONDS", 60),
		DDNSIntervalSeconds:    getEnvInt("DDNS_INTERVAL_SECONDS", 300),
		FileStoragePath:        getEnv("FILE_STORAGE_PATH", "/var/lib/aurora/files"),
		TaskOutputStorageDays:  getEnvInt("TASK_OUTPUT_STORAGE_DAYS", 1),
		PubSubPrefix:           getEnv("PUBSUB_PREFIX", "aurora"),
		PubSubStopword:         getEnv("PUBSUB_STOPWORD", "STOP"),
		PubSubTimeoutSeconds:   getEnvInt("PUBSUB_TIMEOUT_SECONDS", 60),
		SecretKey:              os.Getenv("SECRET_KEY"),
		EnableSentry:           getEnvBool("ENABLE_SENTRY", false),
		Environment:            getEnv("ENVIRONMENT", "production"),
		SentryDSN:              os.Getenv("SENTRY_DSN"),
		DNSServer:              os.Getenv("DNS_SERVER"),
		ListenAddr:             getEnv("LISTEN_ADDR", ":8000"),
	}
	c.ArtifactsDir = filepath.Join(c.FileStoragePath, "..", "ansible-compat", "priv_data_dirs")

	sshTimeout := getEnvInt("SSH_CONNECTION_TIMEOUT", 10)
	c.SSHConnectionTimeout = time.Duration(sshTimeout) * time.Second

	sleepSeconds := getEnv("PUBSUB_SLEEP_SECONDS", "0.1")
	f, err := strconv.ParseFloat(sleepSeconds, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid PUBSUB_SLEEP_SECONDS: %w", err)
	}
	c.PubSubSleepSeconds = f

	if c.SecretKey == "" {
		return nil, fmt.Errorf("SECRET_KEY must be set")
	}

	return c, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
