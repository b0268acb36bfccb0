package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/BackupAgent/internal/env"
	"github.com/httprunner/BackupAgent/internal/manifest"
)

// Environment variable names understood by the agent.
const (
	EnvBackupLocation = "BACKUP_LOCATION"
	EnvManifestPath   = "DEVICE_MANIFEST_PATH"
	EnvPollInterval   = "POLL_INTERVAL"
	EnvDBPath         = "BACKUP_DB_PATH"
	EnvSchedule       = "BACKUP_SCHEDULE"
	EnvHTTPAddr       = "HTTP_ADDR"
	EnvLogFile        = "LOG_FILE"
	EnvLogLevel       = "LOG_LEVEL"
	EnvUSBSysfsRoot   = "USB_SYSFS_ROOT"
	EnvAPIRateLimit   = "API_RATE_LIMIT"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultHTTPAddr     = ":8080"
	defaultBackupDir    = "PhoneBackups"
	defaultAPIRateLimit = 60
)

// Settings is the resolved runtime configuration.
type Settings struct {
	BackupLocation string
	ManifestPath   string
	PollInterval   time.Duration
	DBPath         string
	Schedule       string
	HTTPAddr       string
	LogFile        string
	LogLevel       string
	USBSysfsRoot   string
	// APIRateLimit is mutating API requests per client per minute.
	APIRateLimit   int
}

// Load resolves Settings from the environment (after .env loading).
func Load() Settings {
	return Settings{
		BackupLocation: String(EnvBackupLocation, defaultBackupLocation()),
		ManifestPath:   String(EnvManifestPath, manifest.DefaultPath),
		PollInterval:   Duration(EnvPollInterval, defaultPollInterval),
		DBPath:         String(EnvDBPath, ""),
		Schedule:       String(EnvSchedule, ""),
		HTTPAddr:       String(EnvHTTPAddr, defaultHTTPAddr),
		LogFile:        String(EnvLogFile, ""),
		LogLevel:       String(EnvLogLevel, "info"),
		USBSysfsRoot:   String(EnvUSBSysfsRoot, ""),
		APIRateLimit:   Int(EnvAPIRateLimit, defaultAPIRateLimit),
	}
}

func defaultBackupLocation() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, defaultBackupDir)
	}
	return defaultBackupDir
}

var ensureOnce sync.Once

func lookup(key string) string {
	ensureOnce.Do(func() {
		_ = env.Ensure()
	})
	return strings.TrimSpace(os.Getenv(key))
}

// String returns the trimmed environment variable or fallback when unset.
func String(key, fallback string) string {
	if val := lookup(key); val != "" {
		return val
	}
	return fallback
}

// Duration parses a positive duration or returns fallback.
func Duration(key string, fallback time.Duration) time.Duration {
	if parsed, err := time.ParseDuration(lookup(key)); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}

// Int returns an integer environment variable or fallback when invalid.
func Int(key string, fallback int) int {
	if parsed, err := strconv.Atoi(lookup(key)); err == nil {
		return parsed
	}
	return fallback
}

