package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Provider names accepted in PROVIDER.
const (
	providerEBS     = "ebs"
	providerLibvirt = "libvirt"
	providerMemory  = "memory"
)

type agentConfig struct {
	Host          string
	Port          string
	Provider      string
	ClusterID     uuid.UUID
	VolumeTimeout time.Duration
	PollInterval  time.Duration
	DBPath        string
	MaxConcurrent int
	TLSCertFile   string
	TLSKeyFile    string
	LogLevel      string
	LogFormat     string
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, v)
	}
	return d, nil
}

// loadConfig reads the agent configuration from the environment.
func loadConfig() (*agentConfig, error) {
	cfg := &agentConfig{
		Host:        getEnv("HOST", "0.0.0.0"),
		Port:        getEnv("PORT", "8080"),
		Provider:    strings.ToLower(getEnv("PROVIDER", providerEBS)),
		DBPath:      getEnv("DB_PATH", "/var/lib/cloud-volume-agent/operations.db"),
		TLSCertFile: os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:  os.Getenv("TLS_KEY_FILE"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
	}

	switch cfg.Provider {
	case providerEBS, providerLibvirt, providerMemory:
	default:
		return nil, fmt.Errorf("unknown PROVIDER %q", cfg.Provider)
	}

	clusterID := os.Getenv("CLUSTER_ID")
	switch {
	case clusterID != "":
		id, err := uuid.Parse(clusterID)
		if err != nil {
			return nil, fmt.Errorf("invalid CLUSTER_ID %q: %w", clusterID, err)
		}
		cfg.ClusterID = id
	case cfg.Provider == providerMemory:
		cfg.ClusterID = uuid.New()
	default:
		return nil, fmt.Errorf("CLUSTER_ID is required for provider %s", cfg.Provider)
	}

	var err error
	if cfg.VolumeTimeout, err = getDuration("VOLUME_TIMEOUT", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getDuration("POLL_INTERVAL", time.Second); err != nil {
		return nil, err
	}

	cfg.MaxConcurrent = 2
	if v := os.Getenv("MAX_CONCURRENT_OPERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid MAX_CONCURRENT_OPERATIONS %q", v)
		}
		cfg.MaxConcurrent = n
	}

	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	return cfg, nil
}

// initLogging configures the standard logrus logger.
func initLogging(level, format string) error {
	l, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	logrus.SetLevel(l)

	switch strings.ToLower(format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q", format)
	}
	return nil
}
