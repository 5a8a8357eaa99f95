// Package config provides configuration management for taskstream.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for taskstream.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Tasks       TasksConfig       `mapstructure:"tasks"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Runner      RunnerConfig      `mapstructure:"runner"`
	Attachments AttachmentsConfig `mapstructure:"attachments"`
	MCP         MCPConfig         `mapstructure:"mcp"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ReadTimeout     int    `mapstructure:"readTimeout"`     // in seconds
	WriteTimeout    int    `mapstructure:"writeTimeout"`    // in seconds; 0 disables (required for SSE)
	ShutdownTimeout int    `mapstructure:"shutdownTimeout"` // in seconds
}

// AuthConfig holds bearer-token authentication configuration.
type AuthConfig struct {
	// Token is the bearer token all API requests must carry.
	Token string `mapstructure:"token"`
	// Disabled turns off authentication entirely (development only).
	Disabled bool `mapstructure:"disabled"`
}

// TasksConfig holds task lifecycle configuration.
type TasksConfig struct {
	MaxConcurrent          int `mapstructure:"maxConcurrent"`          // executions admitted at once
	AcquireTimeoutMs       int `mapstructure:"acquireTimeoutMs"`       // admission wait before rate-limited
	ListenerBuffer         int `mapstructure:"listenerBuffer"`         // per-listener queue capacity
	CleanupMaxAgeHours     int `mapstructure:"cleanupMaxAgeHours"`     // terminal tasks older than this are deleted
	CleanupIntervalMinutes int `mapstructure:"cleanupIntervalMinutes"` // cleaner period
	SaveDebounceMs         int `mapstructure:"saveDebounceMs"`         // snapshot debounce window
}

// StorageConfig holds file persistence locations.
type StorageConfig struct {
	EventsDir string `mapstructure:"eventsDir"` // per-task JSONL event logs
	TasksFile string `mapstructure:"tasksFile"` // snapshot of all task metadata
}

// RunnerConfig holds agent subprocess pool configuration.
type RunnerConfig struct {
	Binary                     string `mapstructure:"binary"`  // agent CLI binary
	Model                      string `mapstructure:"model"`   // optional --model override
	WorkDir                    string `mapstructure:"workDir"` // working directory for runners
	PoolSize                   int    `mapstructure:"poolSize"`
	MinGeneric                 int    `mapstructure:"minGeneric"`
	IdleTTLMinutes             int    `mapstructure:"idleTtlMinutes"`
	MaintenanceIntervalSeconds int    `mapstructure:"maintenanceIntervalSeconds"`
}

// AttachmentsConfig holds upload validation configuration.
type AttachmentsConfig struct {
	Dir               string   `mapstructure:"dir"`
	MaxSizeBytes      int64    `mapstructure:"maxSizeBytes"`
	AllowedExtensions []string `mapstructure:"allowedExtensions"`
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ShutdownTimeoutDuration returns the graceful shutdown budget as a time.Duration.
func (s *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// AcquireTimeout returns the admission wait as a time.Duration.
func (t *TasksConfig) AcquireTimeout() time.Duration {
	return time.Duration(t.AcquireTimeoutMs) * time.Millisecond
}

// SaveDebounce returns the snapshot debounce window as a time.Duration.
func (t *TasksConfig) SaveDebounce() time.Duration {
	return time.Duration(t.SaveDebounceMs) * time.Millisecond
}

// CleanupMaxAge returns the terminal-task retention as a time.Duration.
func (t *TasksConfig) CleanupMaxAge() time.Duration {
	return time.Duration(t.CleanupMaxAgeHours) * time.Hour
}

// CleanupInterval returns the cleaner period as a time.Duration.
func (t *TasksConfig) CleanupInterval() time.Duration {
	return time.Duration(t.CleanupIntervalMinutes) * time.Minute
}

// IdleTTL returns the runner idle time-to-live as a time.Duration.
func (r *RunnerConfig) IdleTTL() time.Duration {
	return time.Duration(r.IdleTTLMinutes) * time.Minute
}

// MaintenanceInterval returns the pool maintenance period as a time.Duration.
func (r *RunnerConfig) MaintenanceInterval() time.Duration {
	return time.Duration(r.MaintenanceIntervalSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("TASKSTREAM_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // SSE streams never time out on write
	v.SetDefault("server.shutdownTimeout", 30)

	// Auth defaults - token must be supplied unless auth is disabled
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.disabled", false)

	// Task lifecycle defaults
	v.SetDefault("tasks.maxConcurrent", 5)
	v.SetDefault("tasks.acquireTimeoutMs", 30000)
	v.SetDefault("tasks.listenerBuffer", 256)
	v.SetDefault("tasks.cleanupMaxAgeHours", 24)
	v.SetDefault("tasks.cleanupIntervalMinutes", 60)
	v.SetDefault("tasks.saveDebounceMs", 500)

	// Storage defaults
	v.SetDefault("storage.eventsDir", "./data/events")
	v.SetDefault("storage.tasksFile", "./data/tasks.json")

	// Runner pool defaults
	v.SetDefault("runner.binary", "claude")
	v.SetDefault("runner.model", "")
	v.SetDefault("runner.workDir", "")
	v.SetDefault("runner.poolSize", 3)
	v.SetDefault("runner.minGeneric", 1)
	v.SetDefault("runner.idleTtlMinutes", 5)
	v.SetDefault("runner.maintenanceIntervalSeconds", 30)

	// Attachment defaults
	v.SetDefault("attachments.dir", "./data/attachments")
	v.SetDefault("attachments.maxSizeBytes", int64(10*1024*1024))
	v.SetDefault("attachments.allowedExtensions", []string{
		"png", "jpg", "jpeg", "gif", "pdf", "txt", "md", "csv", "json", "log", "patch", "diff",
	})

	// MCP defaults
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 8391)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "taskstream")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TASKSTREAM_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/taskstream/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("TASKSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("server.readTimeout", "TASKSTREAM_SERVER_READ_TIMEOUT")
	_ = v.BindEnv("server.writeTimeout", "TASKSTREAM_SERVER_WRITE_TIMEOUT")
	_ = v.BindEnv("server.shutdownTimeout", "TASKSTREAM_SERVER_SHUTDOWN_TIMEOUT")
	_ = v.BindEnv("tasks.maxConcurrent", "TASKSTREAM_TASKS_MAX_CONCURRENT")
	_ = v.BindEnv("tasks.acquireTimeoutMs", "TASKSTREAM_TASKS_ACQUIRE_TIMEOUT_MS")
	_ = v.BindEnv("tasks.listenerBuffer", "TASKSTREAM_TASKS_LISTENER_BUFFER")
	_ = v.BindEnv("tasks.cleanupMaxAgeHours", "TASKSTREAM_TASKS_CLEANUP_MAX_AGE_HOURS")
	_ = v.BindEnv("tasks.cleanupIntervalMinutes", "TASKSTREAM_TASKS_CLEANUP_INTERVAL_MINUTES")
	_ = v.BindEnv("tasks.saveDebounceMs", "TASKSTREAM_TASKS_SAVE_DEBOUNCE_MS")
	_ = v.BindEnv("storage.eventsDir", "TASKSTREAM_STORAGE_EVENTS_DIR")
	_ = v.BindEnv("storage.tasksFile", "TASKSTREAM_STORAGE_TASKS_FILE")
	_ = v.BindEnv("runner.workDir", "TASKSTREAM_RUNNER_WORK_DIR")
	_ = v.BindEnv("runner.poolSize", "TASKSTREAM_RUNNER_POOL_SIZE")
	_ = v.BindEnv("runner.minGeneric", "TASKSTREAM_RUNNER_MIN_GENERIC")
	_ = v.BindEnv("runner.idleTtlMinutes", "TASKSTREAM_RUNNER_IDLE_TTL_MINUTES")
	_ = v.BindEnv("runner.maintenanceIntervalSeconds", "TASKSTREAM_RUNNER_MAINTENANCE_INTERVAL_SECONDS")
	_ = v.BindEnv("attachments.maxSizeBytes", "TASKSTREAM_ATTACHMENTS_MAX_SIZE_BYTES")
	_ = v.BindEnv("attachments.allowedExtensions", "TASKSTREAM_ATTACHMENTS_ALLOWED_EXTENSIONS")
	_ = v.BindEnv("nats.clientId", "TASKSTREAM_NATS_CLIENT_ID")
	_ = v.BindEnv("nats.maxReconnects", "TASKSTREAM_NATS_MAX_RECONNECTS")
	_ = v.BindEnv("logging.outputPath", "TASKSTREAM_LOGGING_OUTPUT_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskstream/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdownTimeout must be positive")
	}

	if !cfg.Auth.Disabled && cfg.Auth.Token == "" {
		errs = append(errs, "auth.token is required (or set auth.disabled for development)")
	}

	if cfg.Tasks.MaxConcurrent <= 0 {
		errs = append(errs, "tasks.maxConcurrent must be positive")
	}
	if cfg.Tasks.ListenerBuffer <= 0 {
		errs = append(errs, "tasks.listenerBuffer must be positive")
	}
	if cfg.Tasks.AcquireTimeoutMs < 0 {
		errs = append(errs, "tasks.acquireTimeoutMs must not be negative")
	}
	if cfg.Tasks.SaveDebounceMs < 0 {
		errs = append(errs, "tasks.saveDebounceMs must not be negative")
	}

	if cfg.Storage.EventsDir == "" {
		errs = append(errs, "storage.eventsDir is required")
	}
	if cfg.Storage.TasksFile == "" {
		errs = append(errs, "storage.tasksFile is required")
	}

	if cfg.Runner.Binary == "" {
		errs = append(errs, "runner.binary is required")
	}
	if cfg.Runner.PoolSize <= 0 {
		errs = append(errs, "runner.poolSize must be positive")
	}
	if cfg.Runner.MinGeneric < 0 || cfg.Runner.MinGeneric > cfg.Runner.PoolSize {
		errs = append(errs, "runner.minGeneric must be between 0 and runner.poolSize")
	}

	if cfg.Attachments.MaxSizeBytes <= 0 {
		errs = append(errs, "attachments.maxSizeBytes must be positive")
	}

	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
