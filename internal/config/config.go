package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// SyncConfig holds settings for the imapsync runner and failure detection.
type SyncConfig struct {
	// Bin is the imapsync binary to invoke; resolved via PATH when relative.
	Bin string
	// KillGrace bounds how long a cancelled process may linger after the
	// termination signal before it is force-killed.
	KillGrace time.Duration
	// FailurePatterns are advisory log substrings marking a run failed even
	// on exit 0. Empty by default; exit codes stay authoritative.
	FailurePatterns []string
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// Config holds all runtime configuration for the daemon.
type Config struct {
	Server ServerConfig
	Sync   SyncConfig
	Bark   BarkConfig

	Mode          string // http, mcp or both
	StateDir      string
	LogLevel      string
	NetInterface  string // interface sampled for the dashboard; empty picks the first
	UseUTC        bool
	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "0.0.0.0:7080"
	defaultLogLevel      = "info"
	defaultBin           = "imapsync"
	defaultKillGrace     = 5 * time.Second
	defaultShutdownGrace = 5 * time.Second
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvList(key string) []string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Parse builds the configuration from command line flags and environment
// variables. Priority: CLI flags > environment > .env file > defaults.
func Parse() (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "imapsyncd", ".env"))
	}
	_ = godotenv.Load(envFiles...) // optional

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("IMAPSYNCD_ADDR", defaultAddr),
			AuthToken: getEnvString("IMAPSYNCD_AUTH_TOKEN", ""),
		},
		Sync: SyncConfig{
			Bin:             getEnvString("IMAPSYNCD_IMAPSYNC_BIN", defaultBin),
			KillGrace:       getEnvDuration("IMAPSYNCD_KILL_GRACE", defaultKillGrace),
			FailurePatterns: getEnvList("IMAPSYNCD_FAILURE_PATTERNS"),
		},
		Bark: BarkConfig{
			URL:     getEnvString("IMAPSYNCD_BARK_URL", ""),
			Enabled: getEnvBool("IMAPSYNCD_BARK_ENABLED", false),
		},
		Mode:          getEnvString("IMAPSYNCD_MODE", "http"),
		StateDir:      getEnvString("IMAPSYNCD_STATE_DIR", ""),
		LogLevel:      getEnvString("IMAPSYNCD_LOG_LEVEL", defaultLogLevel),
		NetInterface:  getEnvString("IMAPSYNCD_NET_IFACE", ""),
		UseUTC:        getEnvBool("IMAPSYNCD_USE_UTC", false),
		ShutdownGrace: getEnvDuration("IMAPSYNCD_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	var addr, logLevel, stateDir, bin, mode string
	var useUTC bool
	var shutdownGrace time.Duration

	flag.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	flag.StringVar(&stateDir, "state-dir", "", "Directory holding the project database")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&bin, "imapsync-bin", "", "Path to the imapsync binary")
	flag.StringVar(&mode, "mode", "", "Serving mode: http, mcp or both")
	flag.BoolVar(&useUTC, "use-utc", false, "Evaluate cron schedules in UTC instead of local time")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	flag.Parse()

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if bin != "" {
		cfg.Sync.Bin = bin
	}
	if mode != "" {
		cfg.Mode = mode
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	switch cfg.Mode {
	case "http", "mcp", "both":
	default:
		return nil, fmt.Errorf("invalid mode %q (want http, mcp or both)", cfg.Mode)
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Sync.KillGrace <= 0 {
		cfg.Sync.KillGrace = defaultKillGrace
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}

	return cfg, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "imapsyncd")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
