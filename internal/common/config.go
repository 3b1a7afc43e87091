package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Storage  StorageConfig
	Pipeline PipelineConfig
	Router   RouterConfig
	Cloud    CloudConfig
	Retry    RetryConfig
	Workers  WorkerConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	// DSN is a postgres URL, or a sqlite path when Driver is "sqlite".
	Driver           string
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr string
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	// BaseURL is an afs location, e.g. "file:///var/lib/docpipe" or
	// "s3://docpipe-raw". Content refs are URLs beneath it.
	BaseURL string
}

// PipelineConfig holds step-executor configuration
type PipelineConfig struct {
	Pdftoppm        string
	DPI             int
	MaxPages        int
	OCRLanguages    string
	TextLayerChars  int
	PageParallelism int
	StepTimeout     time.Duration
}

// RouterConfig holds confidence-router policy.
type RouterConfig struct {
	Threshold float64
	// FieldThreshold judges field-extraction confidence; regex extraction
	// scores lower than OCR by construction, so it gets its own bar.
	FieldThreshold float64
	Percentile     float64 // 0 means "use the minimum"
	// CloudTiers lists the value tiers for which a paid cloud call is justified.
	CloudTiers []string
	// PolicyFile optionally overlays the above from YAML.
	PolicyFile string
}

// CloudConfig holds cloud OCR adapter configuration
type CloudConfig struct {
	Provider       string
	Endpoint       string
	APIKey         string
	SecondaryURL   string
	SecondaryKey   string
	RatePerSecond  float64
	Burst          int
	RequestTimeout time.Duration
}

// RetryConfig holds backoff and attempt caps
type RetryConfig struct {
	BackoffBase   time.Duration
	BackoffFactor float64
	BackoffCap    time.Duration
	MaxAttempts   int
}

// WorkerConfig holds the processing pool configuration
type WorkerConfig struct {
	Count       int
	QueueSize   int
	LeaseTTL    time.Duration
	TaskTimeout time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:           getEnv("DB_DRIVER", "postgres"),
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			Addr: getEnv("HTTP_ADDR", ":8080"),
		},
		Storage: StorageConfig{
			BaseURL: getEnv("STORAGE_BASE_URL", "file:///var/lib/docpipe"),
		},
		Pipeline: PipelineConfig{
			Pdftoppm:        getEnv("PDFTOPPM_BIN", "pdftoppm"),
			DPI:             getEnvAsInt("RENDER_DPI", 300),
			MaxPages:        getEnvAsInt("MAX_PAGES", 0),
			OCRLanguages:    getEnv("OCR_LANGUAGES", "eng"),
			TextLayerChars:  getEnvAsInt("TEXT_LAYER_MIN_CHARS", 50),
			PageParallelism: getEnvAsInt("PAGE_PARALLELISM", 4),
			StepTimeout:     getEnvAsDuration("STEP_TIMEOUT", 5*time.Minute),
		},
		Router: RouterConfig{
			Threshold:      getEnvAsFloat64("OCR_CONF_THRESHOLD", 0.85),
			FieldThreshold: getEnvAsFloat64("FIELD_CONF_THRESHOLD", 0.65),
			Percentile:     getEnvAsFloat64("OCR_CONF_PERCENTILE", 0),
			CloudTiers:     SplitList(getEnv("CLOUD_TIERS", "standard,high")),
			PolicyFile:     getEnv("ROUTER_POLICY_FILE", ""),
		},
		Cloud: CloudConfig{
			Provider:       getEnv("CLOUD_OCR_PROVIDER", "textract"),
			Endpoint:       getEnv("CLOUD_OCR_ENDPOINT", ""),
			APIKey:         getEnv("CLOUD_OCR_API_KEY", ""),
			SecondaryURL:   getEnv("CLOUD_OCR_SECONDARY_ENDPOINT", ""),
			SecondaryKey:   getEnv("CLOUD_OCR_SECONDARY_API_KEY", ""),
			RatePerSecond:  getEnvAsFloat64("CLOUD_OCR_RATE", 2),
			Burst:          getEnvAsInt("CLOUD_OCR_BURST", 4),
			RequestTimeout: getEnvAsDuration("CLOUD_OCR_TIMEOUT", 90*time.Second),
		},
		Retry: RetryConfig{
			BackoffBase:   getEnvAsDuration("RETRY_BACKOFF_BASE", time.Second),
			BackoffFactor: getEnvAsFloat64("RETRY_BACKOFF_FACTOR", 2),
			BackoffCap:    getEnvAsDuration("RETRY_BACKOFF_CAP", 60*time.Second),
			MaxAttempts:   getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
		},
		Workers: WorkerConfig{
			Count:       getEnvAsInt("WORKER_COUNT", 4),
			QueueSize:   getEnvAsInt("QUEUE_SIZE", 256),
			LeaseTTL:    getEnvAsDuration("LEASE_TTL", 10*time.Minute),
			TaskTimeout: getEnvAsDuration("TASK_TIMEOUT", 15*time.Minute),
		},
	}
}

// RouterPolicy is the YAML overlay shape for RouterConfig.PolicyFile.
type RouterPolicy struct {
	Threshold      float64  `yaml:"threshold"`
	FieldThreshold float64  `yaml:"field_threshold"`
	Percentile     float64  `yaml:"percentile"`
	CloudTiers     []string `yaml:"cloud_tiers"`
}

// ApplyPolicyFile overlays router policy from the configured YAML file, if any.
// Operators tune thresholds and tier mapping without a redeploy.
func (c *Config) ApplyPolicyFile() error {
	if c.Router.PolicyFile == "" {
		return nil
	}
	raw, err := os.ReadFile(c.Router.PolicyFile)
	if err != nil {
		return fmt.Errorf("read router policy: %w", err)
	}
	var p RouterPolicy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("parse router policy: %w", err)
	}
	if p.Threshold > 0 {
		c.Router.Threshold = p.Threshold
	}
	if p.FieldThreshold > 0 {
		c.Router.FieldThreshold = p.FieldThreshold
	}
	if p.Percentile > 0 {
		c.Router.Percentile = p.Percentile
	}
	if len(p.CloudTiers) > 0 {
		c.Router.CloudTiers = p.CloudTiers
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// SplitList splits a comma-separated env value, dropping empties.
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Server.Addr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Router.Threshold <= 0 || c.Router.Threshold > 1 {
		return NewAppError("CONFIG_ERROR", "OCR_CONF_THRESHOLD must be in (0,1]", ErrInvalidInput)
	}
	if c.Router.FieldThreshold <= 0 || c.Router.FieldThreshold > 1 {
		return NewAppError("CONFIG_ERROR", "FIELD_CONF_THRESHOLD must be in (0,1]", ErrInvalidInput)
	}
	return nil
}
