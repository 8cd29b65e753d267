package config

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Transfer backends.
const (
	BackendWebSocket = "websocket"
	BackendMinio     = "minio"
)

// Config holds all environment-based configuration for fieldsync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Queue database. Defaults to ~/.fieldsync/queue.db.
	StatePath string `env:"FIELDSYNC_STATE_PATH"`

	// Queue limits and upload tuning.
	QueueMaxBytes      int64         `env:"QUEUE_MAX_BYTES" envDefault:"104857600"`
	ChunkSize          int           `env:"CHUNK_SIZE" envDefault:"524288"`
	MaxRetries         int           `env:"MAX_RETRIES" envDefault:"5"`
	EvictionPolicy     string        `env:"EVICTION_POLICY" envDefault:"oldest"`
	UploadConcurrency  int           `env:"UPLOAD_CONCURRENCY" envDefault:"3"`
	UploadPollInterval time.Duration `env:"UPLOAD_POLL_INTERVAL" envDefault:"30s"`
	TransferTimeout    time.Duration `env:"TRANSFER_TIMEOUT" envDefault:"60s"`

	// Transfer backend: websocket or minio.
	TransferBackend string `env:"TRANSFER_BACKEND" envDefault:"websocket"`
	TransferURL     string `env:"TRANSFER_URL"`
	TransferToken   string `env:"TRANSFER_TOKEN"`

	// Object storage (required when TRANSFER_BACKEND=minio)
	MinioEndpoint  string `env:"MINIO_ENDPOINT"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"true"`
	MinioRegion    string `env:"MINIO_REGION"`

	// Record service. Record sync and the conflict tools are off when
	// RecordsURL is empty.
	RecordsURL        string        `env:"RECORDS_URL"`
	RecordsToken      string        `env:"RECORDS_TOKEN"`
	ConflictRetention time.Duration `env:"CONFLICT_RETENTION" envDefault:"720h"`

	// Directory capture apps drop media into. The watcher is off when empty.
	InboxDir string `env:"INBOX_DIR"`

	// MCP and operational HTTP server
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`
	MCPToken      string `env:"MCP_TOKEN"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "fieldsync"
		}

		cfg.DeviceName = hostname
	}

	cfg.TransferBackend = strings.ToLower(strings.TrimSpace(cfg.TransferBackend))
	cfg.EvictionPolicy = strings.ToLower(strings.TrimSpace(cfg.EvictionPolicy))

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath != "" {
		p, err := expandPath(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path: %w", err)
		}

		cfg.StatePath = p
	}

	if cfg.InboxDir != "" {
		p, err := expandPath(cfg.InboxDir)
		if err != nil {
			return nil, fmt.Errorf("resolving inbox dir: %w", err)
		}

		cfg.InboxDir = p
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.QueueMaxBytes <= 0 {
		return fmt.Errorf("QUEUE_MAX_BYTES must be positive")
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive")
	}

	if c.MaxRetries <= 0 {
		return fmt.Errorf("MAX_RETRIES must be positive")
	}

	if c.UploadConcurrency <= 0 {
		return fmt.Errorf("UPLOAD_CONCURRENCY must be positive")
	}

	if c.UploadPollInterval <= 0 || c.TransferTimeout <= 0 {
		return fmt.Errorf("UPLOAD_POLL_INTERVAL and TRANSFER_TIMEOUT must be positive")
	}

	switch c.EvictionPolicy {
	case "oldest", "priority":
	default:
		return fmt.Errorf("EVICTION_POLICY must be oldest or priority, got %q", c.EvictionPolicy)
	}

	if c.LogLevel != "" {
		var l slog.Level
		if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
			return fmt.Errorf("LOG_LEVEL %q is not a level", c.LogLevel)
		}
	}

	switch c.TransferBackend {
	case BackendWebSocket:
		if c.TransferURL == "" {
			return fmt.Errorf("TRANSFER_URL is required for the websocket backend")
		}

		if !strings.HasPrefix(c.TransferURL, "ws://") && !strings.HasPrefix(c.TransferURL, "wss://") {
			return fmt.Errorf("TRANSFER_URL must be a ws:// or wss:// URL")
		}
	case BackendMinio:
		if c.MinioEndpoint == "" || c.MinioBucket == "" {
			return fmt.Errorf("MINIO_ENDPOINT and MINIO_BUCKET are required for the minio backend")
		}

		if c.MinioAccessKey == "" || c.MinioSecretKey == "" {
			return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required for the minio backend")
		}
	default:
		return fmt.Errorf("TRANSFER_BACKEND must be websocket or minio, got %q", c.TransferBackend)
	}

	if c.RecordsURL != "" && !strings.HasPrefix(c.RecordsURL, "http://") && !strings.HasPrefix(c.RecordsURL, "https://") {
		return fmt.Errorf("RECORDS_URL must be an http:// or https:// URL")
	}

	if c.EnableMCP && c.MCPListenAddr == "" {
		return fmt.Errorf("MCP_LISTEN_ADDR is required when MCP is enabled")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// RecordSyncEnabled reports whether a record service is configured.
func (c *Config) RecordSyncEnabled() bool {
	return c.RecordsURL != ""
}

// expandPath resolves a leading ~ and makes the path absolute.
func expandPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}

		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}

	return filepath.Abs(p)
}
