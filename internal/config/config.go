// Package config provides configuration management for randomness-lab.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Environment constants define the application runtime environments.
const (
	EnvironmentDevelopment = "dev"
	EnvironmentProduction  = "prod"

	defaultAPIAddr           = "127.0.0.1:8080"
	defaultMetricsBind       = "127.0.0.1:9100"
	defaultGRPCBind          = "127.0.0.1:9090"
	defaultRetryAfterSeconds = 1
	defaultRateLimitRPS      = 5
	defaultRateLimitBurst    = 10
	defaultMaxAnalyzeBits    = 1 << 20
	defaultGRPCPollInterval  = time.Second

	defaultSamples         = 500
	defaultMaxSamples      = 100_000
	defaultProgressEvery   = 10
	defaultMaxActive       = 8
	defaultResultTTL       = time.Hour
	defaultCleanupInterval = 10 * time.Minute

	defaultCommandTimeout    = 5 * time.Second
	defaultSerialBaud        = 115200
	defaultSerialReadTimeout = 2 * time.Second
	defaultMQTTTopic         = "timestamps/channel/#"
	defaultMQTTBufferSize    = 4096
	defaultMQTTWait          = 5 * time.Second
	defaultMQTTRetries       = 5
)

// API contains the HTTP API server configuration.
type API struct {
	Addr           string `json:"addr"`             // Bind address (loopback unless AllowPublic)
	AllowPublic    bool   `json:"allow_public"`     // Permit non-loopback bind addresses
	RetryAfterSec  int    `json:"retry_after_sec"`  // Retry-After value for 503 responses
	RateLimitRPS   int    `json:"rate_limit_rps"`   // Token refill rate for mutating endpoints
	RateLimitBurst int    `json:"rate_limit_burst"` // Token bucket capacity
	MaxAnalyzeBits int    `json:"max_analyze_bits"` // Largest bit string accepted by /analyze
	TLS            TLS    `json:"tls"`
}

// TLS holds server-side TLS settings shared by the API, metrics and gRPC servers.
type TLS struct {
	Enabled    bool   `json:"enabled"`
	CertFile   string `json:"cert_file"`
	KeyFile    string `json:"key_file"`
	CAFile     string `json:"ca_file"`     // CA for client certificate verification (optional)
	ClientAuth string `json:"client_auth"` // "none", "request", "require" or "verify"
}

// Metrics contains Prometheus metrics server configuration.
type Metrics struct {
	Bind    string `json:"bind"`
	Enabled bool   `json:"enabled"`
	TLS     TLS    `json:"tls"`
}

// GRPC contains gRPC health server configuration.
type GRPC struct {
	Enabled      bool          `json:"enabled"`
	Bind         string        `json:"bind"`
	PollInterval time.Duration `json:"poll_interval"` // How often health follows API readiness
	TLS          TLS           `json:"tls"`
}

// Tasks contains task runner limits.
type Tasks struct {
	DefaultSamples  int           `json:"default_samples"`
	MaxSamples      int           `json:"max_samples"`
	ProgressEvery   int           `json:"progress_every"`
	MaxActive       int           `json:"max_active"`
	ResultTTL       time.Duration `json:"result_ttl"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// MQTT contains configuration for the MQTT sample source.
type MQTT struct {
	BrokerURL      string        `json:"broker_url"` // Empty disables the mqtt source
	ClientID       string        `json:"client_id"`
	Topics         []string      `json:"topics"`
	QoS            byte          `json:"qos"`
	Username       string        `json:"username"`
	Password       string        `json:"-"`
	TLSCAFile      string        `json:"tls_ca_file"`
	ConnectRetries int           `json:"connect_retries"`
	BufferSize     int           `json:"buffer_size"`
	Wait           time.Duration `json:"wait"` // Max wait for a buffered sample
}

// Sources contains settings for the sample generators.
type Sources struct {
	Seed              uint64        `json:"seed"`    // Zero picks a random seed
	Command           []string      `json:"command"` // Generator argv; empty disables command and mix
	CommandDir        string        `json:"command_dir"`
	CommandTimeout    time.Duration `json:"command_timeout"`
	SerialDevice      string        `json:"serial_device"` // Empty disables the serial source
	SerialBaud        int           `json:"serial_baud"`
	SerialReadTimeout time.Duration `json:"serial_read_timeout"`
	MQTT              MQTT          `json:"mqtt"`
}

// Config holds the complete application configuration.
type Config struct {
	API         API     `json:"api"`
	Metrics     Metrics `json:"metrics"`
	GRPC        GRPC    `json:"grpc"`
	Tasks       Tasks   `json:"tasks"`
	Sources     Sources `json:"sources"`
	Environment string  `json:"environment"` // "dev" or "prod"
	LogLevel    string  `json:"log_level"`   // zap level name; empty keeps the environment default
}

// Load reads configuration from environment variables and returns a validated Config.
// It applies defaults first, then overrides with environment variables.
func Load() (Config, error) {
	configuration := Config{
		API: API{
			Addr:           defaultAPIAddr,
			RetryAfterSec:  defaultRetryAfterSeconds,
			RateLimitRPS:   defaultRateLimitRPS,
			RateLimitBurst: defaultRateLimitBurst,
			MaxAnalyzeBits: defaultMaxAnalyzeBits,
		},
		Metrics: Metrics{
			Bind:    defaultMetricsBind,
			Enabled: true,
		},
		GRPC: GRPC{
			Enabled:      false,
			Bind:         defaultGRPCBind,
			PollInterval: defaultGRPCPollInterval,
		},
		Tasks: Tasks{
			DefaultSamples:  defaultSamples,
			MaxSamples:      defaultMaxSamples,
			ProgressEvery:   defaultProgressEvery,
			MaxActive:       defaultMaxActive,
			ResultTTL:       defaultResultTTL,
			CleanupInterval: defaultCleanupInterval,
		},
		Sources: Sources{
			CommandTimeout:    defaultCommandTimeout,
			SerialBaud:        defaultSerialBaud,
			SerialReadTimeout: defaultSerialReadTimeout,
			MQTT: MQTT{
				Topics:         []string{defaultMQTTTopic},
				ConnectRetries: defaultMQTTRetries,
				BufferSize:     defaultMQTTBufferSize,
				Wait:           defaultMQTTWait,
			},
		},
		Environment: EnvironmentDevelopment,
	}

	appliers := []func(*Config) error{
		applyAPIEnvVars,
		applyMetricsEnvVars,
		applyGRPCEnvVars,
		applyTaskEnvVars,
		applySourceEnvVars,
		applyMQTTEnvVars,
		applyEnvironmentEnvVars,
	}
	for _, apply := range appliers {
		if err := apply(&configuration); err != nil {
			return configuration, err
		}
	}

	if err := validate(&configuration); err != nil {
		return configuration, err
	}

	return configuration, nil
}

// applyAPIEnvVars reads HTTP API server environment variables.
func applyAPIEnvVars(configuration *Config) error {
	configuration.API.Addr = GetEnvDefault("API_ADDR", configuration.API.Addr)
	configuration.API.AllowPublic = ParseBoolEnv("ALLOW_PUBLIC_HTTP", configuration.API.AllowPublic)
	configuration.API.RetryAfterSec = ParsePositiveEnvInt("API_RETRY_AFTER_SEC", configuration.API.RetryAfterSec)
	configuration.API.RateLimitRPS = ParsePositiveEnvInt("API_RATE_LIMIT_RPS", configuration.API.RateLimitRPS)
	configuration.API.RateLimitBurst = ParsePositiveEnvInt("API_RATE_LIMIT_BURST", configuration.API.RateLimitBurst)
	configuration.API.MaxAnalyzeBits = ParsePositiveEnvInt("API_MAX_ANALYZE_BITS", configuration.API.MaxAnalyzeBits)
	configuration.API.TLS = tlsFromEnv("API", configuration.API.TLS)
	return nil
}

// applyMetricsEnvVars reads Prometheus metrics server environment variables.
func applyMetricsEnvVars(configuration *Config) error {
	configuration.Metrics.Bind = GetEnvDefault("METRICS_BIND", configuration.Metrics.Bind)
	configuration.Metrics.Enabled = ParseBoolEnv("METRICS_ENABLED", configuration.Metrics.Enabled)
	configuration.Metrics.TLS = tlsFromEnv("METRICS", configuration.Metrics.TLS)
	return nil
}

// applyGRPCEnvVars reads gRPC health server environment variables.
func applyGRPCEnvVars(configuration *Config) error {
	configuration.GRPC.Enabled = ParseBoolEnv("GRPC_ENABLED", configuration.GRPC.Enabled)
	configuration.GRPC.Bind = GetEnvDefault("GRPC_BIND", configuration.GRPC.Bind)
	configuration.GRPC.PollInterval = ParseDurationEnv("GRPC_HEALTH_POLL_INTERVAL", configuration.GRPC.PollInterval)
	configuration.GRPC.TLS = tlsFromEnv("GRPC", configuration.GRPC.TLS)
	return nil
}

// tlsFromEnv reads <PREFIX>_TLS_* variables. Certificate paths fall back to
// the shared TLS_CERT_FILE, TLS_KEY_FILE and TLS_CA_FILE variables.
func tlsFromEnv(prefix string, current TLS) TLS {
	current.Enabled = ParseBoolEnv(prefix+"_TLS_ENABLED", current.Enabled)
	current.CertFile = GetEnvDefault(prefix+"_TLS_CERT_FILE", GetEnvDefault("TLS_CERT_FILE", current.CertFile))
	current.KeyFile = GetEnvDefault(prefix+"_TLS_KEY_FILE", GetEnvDefault("TLS_KEY_FILE", current.KeyFile))
	current.CAFile = GetEnvDefault(prefix+"_TLS_CA_FILE", GetEnvDefault("TLS_CA_FILE", current.CAFile))
	current.ClientAuth = strings.ToLower(GetEnvDefault(prefix+"_TLS_CLIENT_AUTH", "none"))
	return current
}

// applyTaskEnvVars reads task runner limits. TASK_DEFAULT_SAMPLES above
// TASK_MAX_SAMPLES is lowered to the maximum.
func applyTaskEnvVars(configuration *Config) error {
	tasks := &configuration.Tasks
	tasks.DefaultSamples = ParsePositiveEnvInt("TASK_DEFAULT_SAMPLES", tasks.DefaultSamples)
	tasks.MaxSamples = ParsePositiveEnvInt("TASK_MAX_SAMPLES", tasks.MaxSamples)
	tasks.ProgressEvery = ParsePositiveEnvInt("TASK_PROGRESS_EVERY", tasks.ProgressEvery)
	tasks.MaxActive = ParsePositiveEnvInt("TASK_MAX_ACTIVE", tasks.MaxActive)
	tasks.ResultTTL = ParseDurationEnv("TASK_RESULT_TTL", tasks.ResultTTL)
	tasks.CleanupInterval = ParseDurationEnv("TASK_CLEANUP_INTERVAL", tasks.CleanupInterval)

	if tasks.DefaultSamples > tasks.MaxSamples {
		zap.S().Warnf("config: TASK_DEFAULT_SAMPLES (%d) above max (%d), adjusting to max",
			tasks.DefaultSamples, tasks.MaxSamples)
		tasks.DefaultSamples = tasks.MaxSamples
	}
	return nil
}

// applySourceEnvVars reads generator settings. SOURCE_COMMAND is split on
// whitespace into an argv.
func applySourceEnvVars(configuration *Config) error {
	sources := &configuration.Sources

	if v := GetEnvDefault("SOURCE_SEED", ""); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: SOURCE_SEED must be an unsigned integer, got %q", v)
		}
		sources.Seed = seed
	}

	if v := GetEnvDefault("SOURCE_COMMAND", ""); v != "" {
		sources.Command = strings.Fields(v)
	}
	sources.CommandDir = GetEnvDefault("SOURCE_COMMAND_DIR", sources.CommandDir)
	sources.CommandTimeout = ParseDurationEnv("SOURCE_COMMAND_TIMEOUT", sources.CommandTimeout)

	sources.SerialDevice = GetEnvDefault("SOURCE_SERIAL_DEVICE", sources.SerialDevice)
	sources.SerialBaud = ParsePositiveEnvInt("SOURCE_SERIAL_BAUD", sources.SerialBaud)
	sources.SerialReadTimeout = ParseDurationEnv("SOURCE_SERIAL_READ_TIMEOUT", sources.SerialReadTimeout)
	return nil
}

// applyMQTTEnvVars reads MQTT source environment variables.
// MQTT_TOPICS is comma-separated and MQTT_QOS is clamped to 0 or 1.
func applyMQTTEnvVars(configuration *Config) error {
	mqtt := &configuration.Sources.MQTT

	mqtt.BrokerURL = GetEnvDefault("MQTT_BROKER_URL", mqtt.BrokerURL)
	mqtt.ClientID = GetEnvDefault("MQTT_CLIENT_ID", mqtt.ClientID)

	if v := os.Getenv("MQTT_TOPICS"); v != "" {
		var cleanTopics []string
		for _, topic := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(topic); trimmed != "" {
				cleanTopics = append(cleanTopics, trimmed)
			}
		}
		if len(cleanTopics) > 0 {
			mqtt.Topics = cleanTopics
		}
	}

	if v := GetEnvDefault("MQTT_QOS", ""); v != "" {
		qos, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("config: MQTT_QOS must be a number (0 or 1)")
		}
		mqtt.QoS = byte(min(max(qos, 0), 1))
	}

	mqtt.Username = GetEnvDefault("MQTT_USERNAME", mqtt.Username)
	mqtt.Password = GetEnvDefault("MQTT_PASSWORD", mqtt.Password)

	if passwordFile := os.Getenv("MQTT_PASSWORD_FILE"); passwordFile != "" {
		passwordBytes, err := readSecretFile(passwordFile)
		if err != nil {
			return fmt.Errorf("config: failed to read MQTT_PASSWORD_FILE: %w", err)
		}
		mqtt.Password = strings.TrimSpace(string(passwordBytes))
	}

	mqtt.TLSCAFile = GetEnvDefault("MQTT_TLS_CA_FILE", mqtt.TLSCAFile)
	mqtt.ConnectRetries = ParsePositiveEnvInt("MQTT_CONNECT_RETRIES", mqtt.ConnectRetries)
	mqtt.BufferSize = ParsePositiveEnvInt("MQTT_BUFFER_SIZE", mqtt.BufferSize)
	mqtt.Wait = ParseDurationEnv("MQTT_SAMPLE_WAIT", mqtt.Wait)
	return nil
}

func readSecretFile(path string) ([]byte, error) {
	absPath, err := sanitizeAbsolutePath(path)
	if err != nil {
		return nil, err
	}
	return readFileWithinRoot(absPath)
}

func sanitizeAbsolutePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("config: empty file path")
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("config: resolve path %q: %w", path, err)
	}
	return abs, nil
}

func readFileWithinRoot(absPath string) ([]byte, error) {
	f, err := os.OpenInRoot(filepath.Dir(absPath), filepath.Base(absPath))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			zap.S().Warnf("config: error closing file: %v", err)
		}
	}()
	return io.ReadAll(f)
}

// applyEnvironmentEnvVars normalizes ENVIRONMENT into "dev" or "prod" and
// reads LOG_LEVEL.
func applyEnvironmentEnvVars(configuration *Config) error {
	if v := GetEnvDefault("ENVIRONMENT", ""); v != "" {
		switch strings.ToLower(v) {
		case "dev", "development":
			configuration.Environment = EnvironmentDevelopment
		case "prod", "production":
			configuration.Environment = EnvironmentProduction
		default:
			return errors.New("config: ENVIRONMENT must be 'dev' or 'prod'")
		}
	}

	configuration.LogLevel = strings.ToLower(GetEnvDefault("LOG_LEVEL", configuration.LogLevel))
	return nil
}

var validClientAuthModes = map[string]bool{
	"none":    true,
	"request": true,
	"require": true,
	"verify":  true,
}

// validateTLS checks one server's TLS block; prefix names its variables.
func validateTLS(prefix string, cfg TLS) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.CertFile == "" {
		return fmt.Errorf("config: %s_TLS_CERT_FILE is required when %s_TLS_ENABLED=true", prefix, prefix)
	}
	if cfg.KeyFile == "" {
		return fmt.Errorf("config: %s_TLS_KEY_FILE is required when %s_TLS_ENABLED=true", prefix, prefix)
	}
	if !validClientAuthModes[cfg.ClientAuth] {
		return fmt.Errorf("config: %s_TLS_CLIENT_AUTH must be 'none', 'request', 'require', or 'verify', got %q", prefix, cfg.ClientAuth)
	}
	if cfg.ClientAuth == "verify" && cfg.CAFile == "" {
		return fmt.Errorf("config: %s_TLS_CA_FILE is required when %s_TLS_CLIENT_AUTH=verify", prefix, prefix)
	}
	return nil
}

// validate checks that the configuration is consistent.
func validate(configuration *Config) error {
	if configuration.Environment != EnvironmentDevelopment && configuration.Environment != EnvironmentProduction {
		return errors.New("config: environment must be 'dev' or 'prod'")
	}

	if configuration.API.Addr == "" {
		return errors.New("config: API_ADDR is required")
	}
	if err := validateTLS("API", configuration.API.TLS); err != nil {
		return err
	}
	if configuration.API.AllowPublic && !configuration.API.TLS.Enabled {
		if configuration.IsProduction() {
			return errors.New("config: SECURITY: TLS is required when ALLOW_PUBLIC_HTTP=true in production mode")
		}
		zap.S().Warn("config: running public HTTP without TLS in development mode")
	}

	if configuration.Metrics.Enabled {
		if err := validateTLS("METRICS", configuration.Metrics.TLS); err != nil {
			return err
		}
	}
	if configuration.GRPC.Enabled {
		if err := validateTLS("GRPC", configuration.GRPC.TLS); err != nil {
			return err
		}
	}

	if configuration.Sources.MQTT.BrokerURL != "" && len(configuration.Sources.MQTT.Topics) == 0 {
		return errors.New("config: MQTT_TOPICS is required when MQTT_BROKER_URL is set")
	}

	return nil
}

// IsProduction returns true if the application is running in production mode.
func (cfg *Config) IsProduction() bool {
	return cfg.Environment == EnvironmentProduction
}

// IsDevelopment returns true if the application is running in development mode.
func (cfg *Config) IsDevelopment() bool {
	return cfg.Environment == EnvironmentDevelopment
}

// String returns a human-readable representation of the configuration.
// Secrets are omitted.
func (cfg *Config) String() string {
	return "Config{" +
		"Environment=" + cfg.Environment +
		", API.Addr=" + cfg.API.Addr +
		", Command=" + strings.Join(cfg.Sources.Command, " ") +
		", Serial=" + cfg.Sources.SerialDevice +
		", MQTT.BrokerURL=" + cfg.Sources.MQTT.BrokerURL +
		"}"
}

// cleanEnvValue removes inline comments and trims whitespace from environment variable values.
// This handles systemd EnvironmentFile format where inline comments are included in the value.
// Example: "127.0.0.1:8080 # bind address" becomes "127.0.0.1:8080"
func cleanEnvValue(value string) string {
	cleaned := strings.TrimSpace(value)
	if idx := strings.Index(cleaned, "#"); idx >= 0 {
		cleaned = strings.TrimSpace(cleaned[:idx])
	}
	return cleaned
}

// GetEnvDefault retrieves an environment variable or returns a fallback value.
// Empty or whitespace-only values are treated as unset.
// Inline comments (e.g., "value # comment") are stripped.
func GetEnvDefault(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		if cleaned := cleanEnvValue(value); cleaned != "" {
			return cleaned
		}
	}
	return fallback
}

// ParsePositiveEnvInt reads an integer environment variable with validation.
// Returns the fallback if the variable is unset, invalid, or non-positive.
func ParsePositiveEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	cleaned := cleanEnvValue(value)
	if cleaned == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(cleaned)
	if err != nil {
		zap.S().Warnf("config: %s invalid (%q), using fallback %d", key, value, fallback)
		return fallback
	}
	if parsed <= 0 {
		zap.S().Warnf("config: %s non-positive (%d), using fallback %d", key, parsed, fallback)
		return fallback
	}
	return parsed
}

// ParseDurationEnv reads a duration environment variable with validation.
// Values must include a unit suffix (e.g., "500ms", "30s", "5m").
// Returns the fallback if the variable is unset, invalid, or negative.
func ParseDurationEnv(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	cleaned := cleanEnvValue(value)
	if cleaned == "" {
		return fallback
	}
	if !strings.ContainsFunc(cleaned, func(r rune) bool {
		return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
	}) {
		zap.S().Warnf("config: %s missing duration unit (%q), using fallback %s", key, value, fallback)
		return fallback
	}
	parsed, err := time.ParseDuration(cleaned)
	if err != nil {
		zap.S().Warnf("config: %s invalid (%q), using fallback %s", key, value, fallback)
		return fallback
	}
	if parsed < 0 {
		zap.S().Warnf("config: %s negative (%s), using fallback %s", key, parsed, fallback)
		return fallback
	}
	return parsed
}

// ParseBoolEnv interprets typical boolean environment values (true/false, 1/0, yes/no).
// Inline comments (e.g., "true # enable feature") are stripped.
func ParseBoolEnv(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	cleaned := cleanEnvValue(value)
	if cleaned == "" {
		return fallback
	}
	switch strings.ToLower(cleaned) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		zap.S().Warnf("config: %s has unrecognised boolean value %q, using fallback %v", key, value, fallback)
		return fallback
	}
}
