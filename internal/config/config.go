package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const minEvalTimeoutMS = 500

// Config holds all configuration for the tab hibernator.
type Config struct {
	// CDP connection settings
	CDPAddress    string
	CDPPort       int
	EvalTimeoutMS int
	EventBuffer   int

	// Status API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Logging
	LogLevel string
	LogFile  string

	// Journal; an empty dir disables it.
	JournalDir   string
	JournalMaxMB int

	NTFYEndpoint string

	// Browser launch
	LaunchBrowser      bool
	BrowserBinary      string
	ProfileDir         string
	StartupWindowsPath string
}

// Load reads configuration from environment variables and an optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:         getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:            getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		EvalTimeoutMS:      getEnvIntOrDefault("HIBERNATOR_EVAL_TIMEOUT_MS", 3000),
		EventBuffer:        getEnvIntOrDefault("HIBERNATOR_EVENT_BUFFER", 256),
		BindAddr:           getEnvOrDefault("HIBERNATOR_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:     splitList(getEnvOrDefault("HIBERNATOR_PORT_CANDIDATES", "127.0.0.1:8191,127.0.0.1:8192")),
		PortAutoFallback:   getEnvBoolOrDefault("HIBERNATOR_PORT_AUTO_FALLBACK", true),
		LogLevel:           strings.ToLower(getEnvOrDefault("HIBERNATOR_LOG_LEVEL", "info")),
		LogFile:            getEnvOrDefault("HIBERNATOR_LOG_FILE", "logs/tab_hibernator.log"),
		JournalDir:         getEnvAllowEmpty("HIBERNATOR_JOURNAL_DIR", "./hibernation_journal"),
		JournalMaxMB:       getEnvIntOrDefault("HIBERNATOR_JOURNAL_MAX_MB", 50),
		NTFYEndpoint:       getEnvOrDefault("HIBERNATOR_NTFY_ENDPOINT", ""),
		LaunchBrowser:      getEnvBoolOrDefault("HIBERNATOR_LAUNCH_BROWSER", false),
		BrowserBinary:      getEnvOrDefault("HIBERNATOR_BROWSER_BIN", ""),
		ProfileDir:         getEnvOrDefault("HIBERNATOR_PROFILE_DIR", "./browser_profile"),
		StartupWindowsPath: getEnvOrDefault("HIBERNATOR_STARTUP_WINDOWS", "./config/startup_windows.yaml"),
	}
	if cfg.EvalTimeoutMS < minEvalTimeoutMS {
		cfg.EvalTimeoutMS = minEvalTimeoutMS
	}
	if cfg.EventBuffer < 1 {
		cfg.EventBuffer = 1
	}
	if cfg.CDPPort <= 0 || cfg.CDPPort > 65535 {
		return nil, fmt.Errorf("CHROMIUM_CDP_PORT out of range: %d", cfg.CDPPort)
	}
	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func (c *Config) EvalTimeout() time.Duration {
	return time.Duration(c.EvalTimeoutMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvAllowEmpty treats a variable set to "" as an explicit value.
func getEnvAllowEmpty(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(val)
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
