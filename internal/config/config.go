// Package config handles application configuration loading from YAML files and environment variables.
package config

import (
	"errors"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	contextutils "fieldsync/internal/utils"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the environment variable that points at the YAML config file
const ConfigFileEnv = "FIELDSYNC_CONFIG_FILE"

// Config holds all configuration for the sync agent, the ingest service and the admin CLI
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server" yaml:"server"`

	// Database configuration
	Database DatabaseConfig `json:"database" yaml:"database"`

	// Sync engine configuration
	Sync SyncConfig `json:"sync" yaml:"sync"`

	// Device authentication
	Auth AuthConfig `json:"auth" yaml:"auth"`

	// Local log file rotation
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// OpenTelemetry Configuration
	OpenTelemetry OpenTelemetryConfig `json:"open_telemetry" yaml:"open_telemetry"`

	// Internal fields
	IsTest bool `json:"is_test" yaml:"is_test"`
}

// ServerConfig represents the HTTP listeners of the agent and the ingest service
type ServerConfig struct {
	AgentAddr   string   `json:"agent_addr" yaml:"agent_addr"`
	IngestPort  string   `json:"ingest_port" yaml:"ingest_port"`
	Debug       bool     `json:"debug" yaml:"debug"`
	LogLevel    string   `json:"log_level" yaml:"log_level"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins"`
	// PublicURL prefixes the file URLs the ingest service hands back; empty yields relative URLs
	PublicURL string `json:"public_url" yaml:"public_url"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	// Path is the SQLite file backing the on-device durable store
	Path string `json:"path" yaml:"path"`
	// IngestURL is the PostgreSQL DSN used by the ingest service
	IngestURL       string        `json:"ingest_url" yaml:"ingest_url"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`       // Ingest pool only; the local store always uses a single connection
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`       // Maximum number of idle connections in the pool
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"` // Maximum amount of time a connection may be reused
	BusyTimeout     time.Duration `json:"busy_timeout" yaml:"busy_timeout"`           // SQLite busy handler timeout
}

// SyncConfig controls the sync queue and orchestrator policy
type SyncConfig struct {
	RemoteBaseURL     string        `json:"remote_base_url" yaml:"remote_base_url"`
	SubmitTimeout     time.Duration `json:"submit_timeout" yaml:"submit_timeout"`
	UploadTimeout     time.Duration `json:"upload_timeout" yaml:"upload_timeout"`
	BatchSize         int           `json:"batch_size" yaml:"batch_size"`
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	DrainInterval     time.Duration `json:"drain_interval" yaml:"drain_interval"`
	BackoffBase       time.Duration `json:"backoff_base" yaml:"backoff_base"`
	BackoffMax        time.Duration `json:"backoff_max" yaml:"backoff_max"`
	DegradedThreshold int           `json:"degraded_threshold" yaml:"degraded_threshold"`
	MaxHistory        int           `json:"max_history" yaml:"max_history"`
	StartPaused       bool          `json:"start_paused" yaml:"start_paused"`
}

// AuthConfig holds the device bearer token and, for the ingest service, the signing secret
type AuthConfig struct {
	DeviceToken string        `json:"device_token" yaml:"device_token"`
	TokenSecret string        `json:"token_secret" yaml:"token_secret"`
	TokenIssuer string        `json:"token_issuer" yaml:"token_issuer"`
	TokenTTL    time.Duration `json:"token_ttl" yaml:"token_ttl"`
}

// LoggingConfig configures the rotating log file written on the device
type LoggingConfig struct {
	FilePath   string `json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// OpenTelemetryConfig holds all OpenTelemetry-related configuration
type OpenTelemetryConfig struct {
	Endpoint       string            `json:"endpoint" yaml:"endpoint"`               // Default: "localhost:4317"
	Protocol       string            `json:"protocol" yaml:"protocol"`               // "grpc" or "http", default: "grpc"
	Insecure       bool              `json:"insecure" yaml:"insecure"`               // Default: true (for localhost)
	Headers        map[string]string `json:"headers" yaml:"headers"`                 // For authenticated endpoints
	ServiceName    string            `json:"service_name" yaml:"service_name"`       // Default: "fieldsync-agent" or "fieldsync-ingest"
	ServiceVersion string            `json:"service_version" yaml:"service_version"` // From version package
	EnableTracing  bool              `json:"enable_tracing" yaml:"enable_tracing"`
	EnableMetrics  bool              `json:"enable_metrics" yaml:"enable_metrics"`
	EnableLogging  bool              `json:"enable_logging" yaml:"enable_logging"`
	UseAutoSDK     bool              `json:"use_auto_sdk" yaml:"use_auto_sdk"`
	SamplingRate   float64           `json:"sampling_rate" yaml:"sampling_rate"` // Default: 1.0 (100%)
}

// NewConfig loads configuration from YAML file first, then overrides with environment variables
func NewConfig() (result0 *Config, err error) {
	// A local .env is optional; only a malformed one is an error
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "failed to load .env: %w", err)
	}

	config, err := loadConfigWithOverrides()
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "failed to load config: %w", err)
	}

	config.overrideFromEnv()
	config.applyDefaults()

	return config, nil
}

// Default returns a configuration populated only with defaults
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// applyDefaults fills zero values with the package defaults
func (c *Config) applyDefaults() {
	if c.Server.AgentAddr == "" {
		c.Server.AgentAddr = DefaultAgentAddr
	}
	if c.Server.IngestPort == "" {
		c.Server.IngestPort = DefaultIngestPort
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = DatabaseConnMaxLifetime
	}
	if c.Database.BusyTimeout <= 0 {
		c.Database.BusyTimeout = DatabaseBusyTimeout
	}
	if c.Sync.SubmitTimeout <= 0 {
		c.Sync.SubmitTimeout = DefaultSubmitTimeout
	}
	if c.Sync.UploadTimeout <= 0 {
		c.Sync.UploadTimeout = DefaultUploadTimeout
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = DefaultBatchSize
	}
	if c.Sync.MaxAttempts <= 0 {
		c.Sync.MaxAttempts = DefaultMaxAttempts
	}
	if c.Sync.DrainInterval <= 0 {
		c.Sync.DrainInterval = DefaultDrainInterval
	}
	if c.Sync.BackoffBase <= 0 {
		c.Sync.BackoffBase = DefaultBackoffBase
	}
	if c.Sync.BackoffMax <= 0 {
		c.Sync.BackoffMax = DefaultBackoffMax
	}
	if c.Sync.DegradedThreshold <= 0 {
		c.Sync.DegradedThreshold = DefaultDegradedThreshold
	}
	if c.Sync.MaxHistory <= 0 {
		c.Sync.MaxHistory = DefaultMaxHistory
	}
	if c.Auth.TokenIssuer == "" {
		c.Auth.TokenIssuer = DefaultTokenIssuer
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.OpenTelemetry.Protocol == "" {
		c.OpenTelemetry.Protocol = "grpc"
	}
	if c.OpenTelemetry.SamplingRate <= 0 {
		c.OpenTelemetry.SamplingRate = 1.0
	}
}

// overrideFromEnv overrides config values with environment variables using reflection
func (c *Config) overrideFromEnv() {
	overrideStructFromEnvWithPrefix(c, "")
}

var durationType = reflect.TypeOf(time.Duration(0))

// overrideStructFromEnvWithPrefix recursively overrides struct fields with environment variables.
// The variable name is the upper-cased yaml tag path, e.g. sync.max_attempts -> SYNC_MAX_ATTEMPTS.
func overrideStructFromEnvWithPrefix(v interface{}, prefix string) {
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return
	}

	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		if !field.CanSet() {
			continue
		}

		yamlTag := fieldType.Tag.Get("yaml")
		if yamlTag == "" || yamlTag == "-" {
			continue
		}

		envKey := strings.ToUpper(strings.ReplaceAll(yamlTag, "-", "_"))
		if prefix != "" {
			envKey = prefix + "_" + envKey
		}

		// Durations are int64 underneath but are written as "30s" in env and yaml
		if field.Type() == durationType {
			if envVal := os.Getenv(envKey); envVal != "" {
				if d, err := time.ParseDuration(envVal); err == nil {
					field.SetInt(int64(d))
				}
			}
			continue
		}

		switch field.Kind() {
		case reflect.String:
			if envVal := os.Getenv(envKey); envVal != "" {
				field.SetString(envVal)
			}
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if envVal := os.Getenv(envKey); envVal != "" {
				if intVal, err := strconv.ParseInt(envVal, 10, 64); err == nil {
					field.SetInt(intVal)
				}
			}
		case reflect.Float32, reflect.Float64:
			if envVal := os.Getenv(envKey); envVal != "" {
				if floatVal, err := strconv.ParseFloat(envVal, 64); err == nil {
					field.SetFloat(floatVal)
				}
			}
		case reflect.Bool:
			if envVal := os.Getenv(envKey); envVal != "" {
				if boolVal, err := strconv.ParseBool(envVal); err == nil {
					field.SetBool(boolVal)
				}
			}
		case reflect.Slice:
			if envVal := os.Getenv(envKey); envVal != "" {
				if field.Type().Elem().Kind() == reflect.String {
					field.Set(reflect.ValueOf(strings.Split(envVal, ",")))
				}
			}
		case reflect.Struct:
			if field.CanAddr() {
				overrideStructFromEnvWithPrefix(field.Addr().Interface(), envKey)
			}
		}
	}
}

// loadConfigWithOverrides loads the config file named by FIELDSYNC_CONFIG_FILE, falling back to ./config.yaml.
// A missing default file is not an error: the agent can run on defaults plus environment.
func loadConfigWithOverrides() (result0 *Config, err error) {
	if envPath := os.Getenv(ConfigFileEnv); envPath != "" {
		config, err := loadConfigFromFile(envPath)
		if err != nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "failed to load config from %s: %w", envPath, err)
		}
		return config, nil
	}

	config, err := loadConfigFromFile("config.yaml")
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	return config, err
}

// loadConfigFromFile loads configuration from a specific file
func loadConfigFromFile(path string) (result0 *Config, err error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(yamlFile, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
