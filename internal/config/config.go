package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Import      ImportConfig              `json:"import"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Log         LogConfig                 `json:"log"`
}

type BasicConfig struct {
	ServerAddress     string   `json:"server_address"`
	DatabaseDriver    string   `json:"database_driver"`
	FileBaseDir       string   `json:"file_base_dir"`
	MinWorkers        int      `json:"min_workers"`
	MaxWorkers        int      `json:"max_workers"`
	QueueSize         int      `json:"queue_size"`
	WorkerIdleTimeout int      `json:"worker_idle_timeout"` // minutes
	TempFileTTL       int      `json:"temp_file_ttl"`       // minutes
	TempCleanInterval int      `json:"temp_clean_interval"` // minutes
	ReadTimeout       int      `json:"read_timeout"`        // seconds
	WriteTimeout      int      `json:"write_timeout"`       // seconds
	AllowedOrigins    []string `json:"allowed_origins"`
	UploadsPerMinute  int      `json:"uploads_per_minute"`
}

// ImportConfig holds the limits applied to uploaded chat histories.
type ImportConfig struct {
	MaxUploadBytes   int64    `json:"max_upload_bytes"`
	AllowedExtension []string `json:"allowed_extensions"`
	AllowedMIMETypes []string `json:"allowed_mime_types"`
	TimeoutSeconds   int      `json:"timeout_seconds"`
	WriteRetries     int      `json:"write_retries"`
	UnmatchedSenders string   `json:"unmatched_senders"`
	LockTTLSeconds   int      `json:"lock_ttl_seconds"`
	KeyEnv           string   `json:"key_env"`
	PreviousKeyEnv   string   `json:"previous_key_env"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type LogConfig struct {
	Level      string `json:"level"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

const (
	DefaultMaxUploadBytes = 50 << 20
	DefaultKeyEnv         = "CHATIMPORT_FILE_KEY"

	UnmatchedFallback = "fallback"
	UnmatchedReject   = "reject"
)

// Load reads configuration from the provided path (defaults to config.json),
// fills defaults and applies environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	ApplyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// relative paths are anchored at the config file, not the working directory
	for name, db := range cfg.Databases {
		if isSQLite(name) && db.DSN != "" && db.DSN != ":memory:" && !strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}
	if !filepath.IsAbs(cfg.BasicConfig.FileBaseDir) {
		cfg.BasicConfig.FileBaseDir = filepath.Join(filepath.Dir(absPath), cfg.BasicConfig.FileBaseDir)
	}
	if cfg.Log.Path != "" && !filepath.IsAbs(cfg.Log.Path) {
		cfg.Log.Path = filepath.Join(filepath.Dir(absPath), cfg.Log.Path)
	}
	return &cfg, nil
}

// ApplyDefaults fills every zero value with the service default.
func ApplyDefaults(cfg *Config) {
	b := &cfg.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.DatabaseDriver == "" {
		b.DatabaseDriver = "sqlite3"
	}
	if b.FileBaseDir == "" {
		b.FileBaseDir = "./data/uploads"
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 1
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = max(b.MinWorkers, 4)
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 5
	}
	if b.TempFileTTL <= 0 {
		b.TempFileTTL = 60
	}
	if b.TempCleanInterval <= 0 {
		b.TempCleanInterval = 15
	}
	if b.ReadTimeout <= 0 {
		b.ReadTimeout = 30
	}
	if b.WriteTimeout <= 0 {
		b.WriteTimeout = 330
	}
	if b.UploadsPerMinute <= 0 {
		b.UploadsPerMinute = 20
	}

	im := &cfg.Import
	if im.MaxUploadBytes <= 0 {
		im.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if len(im.AllowedExtension) == 0 {
		im.AllowedExtension = []string{".csv"}
	}
	if len(im.AllowedMIMETypes) == 0 {
		im.AllowedMIMETypes = []string{"text/csv", "application/csv", "text/plain"}
	}
	if im.TimeoutSeconds <= 0 {
		im.TimeoutSeconds = 300
	}
	if im.WriteRetries <= 0 {
		im.WriteRetries = 3
	}
	if im.UnmatchedSenders == "" {
		im.UnmatchedSenders = UnmatchedFallback
	}
	if im.LockTTLSeconds <= 0 {
		im.LockTTLSeconds = 600
	}
	if im.KeyEnv == "" {
		im.KeyEnv = DefaultKeyEnv
	}

	if cfg.Databases == nil {
		cfg.Databases = make(map[string]DatabaseConfig)
	}
	if _, ok := cfg.Databases["sqlite3"]; !ok {
		cfg.Databases["sqlite3"] = DatabaseConfig{DSN: "./data/chatimport.db"}
	}
	if mysqlCfg, ok := cfg.Databases["mysql"]; ok && mysqlCfg.Params == "" {
		mysqlCfg.Params = "charset=utf8mb4&parseTime=true&loc=UTC"
		cfg.Databases["mysql"] = mysqlCfg
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "127.0.0.1"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if _, ok := c.Databases[c.BasicConfig.DatabaseDriver]; !ok {
		return fmt.Errorf("database config for %s not found", c.BasicConfig.DatabaseDriver)
	}
	switch c.Import.UnmatchedSenders {
	case UnmatchedFallback, UnmatchedReject:
	default:
		return fmt.Errorf("import.unmatched_senders must be %q or %q", UnmatchedFallback, UnmatchedReject)
	}
	for _, ext := range c.Import.AllowedExtension {
		if !strings.HasPrefix(ext, ".") {
			return errors.New("import.allowed_extensions entries must start with a dot")
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("CHATIMPORT_SERVER_ADDRESS"); ok && v != "" {
		cfg.BasicConfig.ServerAddress = v
	}
	if v, ok := os.LookupEnv("CHATIMPORT_DB"); ok && v != "" {
		cfg.BasicConfig.DatabaseDriver = v
	}
	if v, ok := os.LookupEnv("CHATIMPORT_DB_PASSWORD"); ok {
		if db, exists := cfg.Databases["mysql"]; exists {
			db.Password = v
			cfg.Databases["mysql"] = db
		}
	}
	if v, ok := os.LookupEnv("CHATIMPORT_REDIS_ADDR"); ok && v != "" {
		if host, portStr, err := net.SplitHostPort(v); err == nil {
			if port, err := strconv.Atoi(portStr); err == nil {
				cfg.Redis.Host = host
				cfg.Redis.Port = port
				cfg.Redis.Enabled = true
			}
		}
	}
	if v, ok := os.LookupEnv("CHATIMPORT_REDIS_PASSWORD"); ok {
		cfg.Redis.Password = v
	}
	if v, ok := os.LookupEnv("CHATIMPORT_LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = v
	}
}

func isSQLite(driver string) bool {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}
