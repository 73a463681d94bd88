package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	Addr         string `envconfig:"ADDR" default:":8000"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// Codespace directory settings
	DirectoryURL     string `envconfig:"DIRECTORY_URL" default:"https://api.github.com"`
	DirectoryTimeout string `envconfig:"DIRECTORY_TIMEOUT" default:"10s"`

	// Bridge session settings
	RPCGracePeriod string `envconfig:"RPC_GRACE_PERIOD" default:"30s"`
	TraceHistory   int    `envconfig:"TRACE_HISTORY" default:"100"`
	DebugTrace     bool   `envconfig:"DEBUG_TRACE" default:"false"`

	// Audit log settings
	AuditRetention string `envconfig:"AUDIT_RETENTION" default:"720h"`
}

var Cfg Settings

func Load() {
	// A .env file is optional; real deployments set variables directly.
	_ = godotenv.Load()
	if err := envconfig.Process("MCODE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// Database returns the SQLite path, defaulting to mcode.db under DataPath.
func (s Settings) Database() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.DataPath, "mcode.db")
}

// GracePeriod returns the parsed RPC grace period. Values that do not
// parse or are non-positive fall back to 30s.
func (s Settings) GracePeriod() time.Duration {
	d, err := time.ParseDuration(s.RPCGracePeriod)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// DirectoryRequestTimeout returns the parsed directory HTTP timeout,
// falling back to 10s.
func (s Settings) DirectoryRequestTimeout() time.Duration {
	d, err := time.ParseDuration(s.DirectoryTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// AuditRetentionPeriod returns the parsed retention window for bridge
// audit records, falling back to 30 days.
func (s Settings) AuditRetentionPeriod() time.Duration {
	d, err := time.ParseDuration(s.AuditRetention)
	if err != nil || d <= 0 {
		return 720 * time.Hour
	}
	return d
}

// TraceHistorySize returns the trace ring capacity, falling back to 100
// when unset or non-positive.
func (s Settings) TraceHistorySize() int {
	if s.TraceHistory <= 0 {
		return 100
	}
	return s.TraceHistory
}
