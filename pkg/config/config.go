package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Environment  string
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Typesense    TypesenseConfig
	OpenAI       OpenAIConfig
	OTEL         OTELConfig
	Analysis     AnalysisConfig
	Adapters     AdapterConfig
	Feedback     FeedbackConfig
	Notification NotificationConfig
	Risk         RiskConfig
	Patients     PatientSourceConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectRetries  int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// TypesenseConfig holds Typesense configuration
type TypesenseConfig struct {
	Enabled    bool
	URL        string
	APIKey     string
	Collection string
}

// OpenAIConfig holds OpenAI configuration
type OpenAIConfig struct {
	APIKey         string
	Model          string
	BaseURL        string
	RateLimitRPM   int
	RateLimitBurst int
	MaxTokens      int
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// AnalysisConfig holds orchestration settings
type AnalysisConfig struct {
	CacheTTL            time.Duration
	Timeout             time.Duration
	EvidenceBudgetShare float64
	EvidenceLimit       int
	CacheKeyPrefix      string
	SweepInterval       time.Duration
}

// AdapterConfig holds specialty adapter registry settings
type AdapterConfig struct {
	CatalogPath      string
	MaxLoaded        int
	CompositionLimit int
}

// FeedbackConfig holds online feedback learning settings
type FeedbackConfig struct {
	LearningRate  float64
	WeightFloor   float64
	QueueSize     int
	MaxBuckets    int
	MaxSources    int
	ResultHistory int
}

// NotificationConfig holds notification dispatch settings
type NotificationConfig struct {
	Enabled              bool
	MaxRetries           int
	InitialBackoff       time.Duration
	QueueSize            int
	WebhookURL           string
	WebhookSecret        string
	WebhookTimeout       time.Duration
	WhatsAppToken        string
	WhatsAppPhoneID      string
	WhatsAppRecipient    string
	EventBusEnabled      bool
	LogChannelEnabled    bool
	MinSeverityWhatsApp  string
	DeliveryTotalTimeout time.Duration
}

// PatientSourceConfig holds settings for the normalized clinical data source
type PatientSourceConfig struct {
	// Backend is "file" or "postgres"
	Backend   string
	BundleDir string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			AllowedOrigins:  getEnvAsList("ALLOWED_ORIGINS", []string{"*"}),
			ShutdownTimeout: getEnvAsSeconds("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvAsBool("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "clinical_analysis"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),

			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnectRetries:  getEnvAsInt("DB_CONNECT_RETRIES", 4),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Typesense: TypesenseConfig{
			Enabled:    getEnvAsBool("TYPESENSE_ENABLED", false),
			URL:        getEnv("TYPESENSE_URL", "http://localhost:8108"),
			APIKey:     getEnv("TYPESENSE_API_KEY", "xyz"),
			Collection: getEnv("TYPESENSE_COLLECTION", "passages"),
		},
		OpenAI: OpenAIConfig{
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			Model:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			RateLimitRPM:   getEnvAsInt("OPENAI_RATE_LIMIT_RPM", 60),
			RateLimitBurst: getEnvAsInt("OPENAI_RATE_LIMIT_BURST", 5),
			MaxTokens:      getEnvAsInt("OPENAI_MAX_OUTPUT_TOKENS", 900),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "clinical-analysis"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
		Analysis: AnalysisConfig{
			CacheTTL:            getEnvAsSeconds("CACHE_TTL_SECONDS", 300*time.Second),
			Timeout:             getEnvAsSeconds("ANALYSIS_TIMEOUT_SECONDS", 30*time.Second),
			EvidenceBudgetShare: getEnvAsFloat("ANALYSIS_EVIDENCE_BUDGET_SHARE", 0.3),
			EvidenceLimit:       getEnvAsInt("EVIDENCE_LIMIT", 8),
			CacheKeyPrefix:      getEnv("CACHE_KEY_PREFIX", "analysis:"),
			SweepInterval:       getEnvAsSeconds("CACHE_SWEEP_INTERVAL_SECONDS", 60*time.Second),
		},
		Adapters: AdapterConfig{
			CatalogPath:      getEnv("ADAPTER_CATALOG_PATH", ""),
			MaxLoaded:        getEnvAsInt("MAX_LOADED_ADAPTERS", 4),
			CompositionLimit: getEnvAsInt("ADAPTER_COMPOSITION_LIMIT", 3),
		},
		Feedback: FeedbackConfig{
			LearningRate:  getEnvAsFloat("FEEDBACK_LEARNING_RATE", 0.1),
			WeightFloor:   getEnvAsFloat("FEEDBACK_WEIGHT_FLOOR", 0),
			QueueSize:     getEnvAsInt("FEEDBACK_QUEUE_SIZE", 256),
			MaxBuckets:    getEnvAsInt("FEEDBACK_MAX_BUCKETS", 512),
			MaxSources:    getEnvAsInt("FEEDBACK_MAX_SOURCES", 2048),
			ResultHistory: getEnvAsInt("FEEDBACK_RESULT_HISTORY", 4096),
		},
		Notification: NotificationConfig{
			Enabled:              getEnvAsBool("NOTIFICATION_ENABLED", true),
			MaxRetries:           getEnvAsInt("NOTIFICATION_MAX_RETRIES", 3),
			InitialBackoff:       getEnvAsDuration("NOTIFICATION_INITIAL_BACKOFF", 200*time.Millisecond),
			QueueSize:            getEnvAsInt("NOTIFICATION_QUEUE_SIZE", 128),
			WebhookURL:           getEnv("NOTIFICATION_WEBHOOK_URL", ""),
			WebhookSecret:        getEnv("NOTIFICATION_WEBHOOK_SECRET", ""),
			WebhookTimeout:       getEnvAsDuration("NOTIFICATION_WEBHOOK_TIMEOUT", 5*time.Second),
			WhatsAppToken:        getEnv("WHATSAPP_ACCESS_TOKEN", ""),
			WhatsAppPhoneID:      getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
			WhatsAppRecipient:    getEnv("WHATSAPP_RECIPIENT", ""),
			EventBusEnabled:      getEnvAsBool("NOTIFICATION_EVENT_BUS_ENABLED", true),
			LogChannelEnabled:    getEnvAsBool("NOTIFICATION_LOG_ENABLED", true),
			MinSeverityWhatsApp:  getEnv("NOTIFICATION_WHATSAPP_MIN_SEVERITY", "high"),
			DeliveryTotalTimeout: getEnvAsDuration("NOTIFICATION_DELIVERY_TIMEOUT", 30*time.Second),
		},
		Risk: DefaultRiskConfig(),
		Patients: PatientSourceConfig{
			Backend:   getEnv("PATIENT_SOURCE", "file"),
			BundleDir: getEnv("PATIENT_BUNDLE_DIR", "./data/patients"),
		},
	}

	cfg.Risk.PolypharmacyThreshold = getEnvAsInt("POLYPHARMACY_THRESHOLD", cfg.Risk.PolypharmacyThreshold)
	cfg.Risk.ThresholdFromEnv = os.Getenv("POLYPHARMACY_THRESHOLD") != ""
	cfg.Risk.RulesPath = getEnv("RISK_RULES_PATH", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.Analysis.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL_SECONDS must be positive")
	}
	if c.Analysis.Timeout <= 0 {
		return fmt.Errorf("ANALYSIS_TIMEOUT_SECONDS must be positive")
	}
	if c.Analysis.EvidenceBudgetShare <= 0 || c.Analysis.EvidenceBudgetShare >= 1 {
		return fmt.Errorf("ANALYSIS_EVIDENCE_BUDGET_SHARE must be in (0,1), got %v", c.Analysis.EvidenceBudgetShare)
	}
	if c.Adapters.MaxLoaded < 1 {
		return fmt.Errorf("MAX_LOADED_ADAPTERS must be at least 1")
	}
	if c.Adapters.CompositionLimit < 1 {
		return fmt.Errorf("ADAPTER_COMPOSITION_LIMIT must be at least 1")
	}
	if c.Feedback.LearningRate <= 0 {
		return fmt.Errorf("FEEDBACK_LEARNING_RATE must be positive")
	}
	if c.Feedback.WeightFloor < 0 {
		return fmt.Errorf("FEEDBACK_WEIGHT_FLOOR must be non-negative")
	}
	if c.Risk.PolypharmacyThreshold < 1 {
		return fmt.Errorf("POLYPHARMACY_THRESHOLD must be at least 1")
	}
	switch c.Patients.Backend {
	case "file":
	case "postgres":
		if !c.Database.Enabled {
			return fmt.Errorf("PATIENT_SOURCE=postgres requires DB_ENABLED")
		}
	default:
		return fmt.Errorf("PATIENT_SOURCE must be file or postgres, got %q", c.Patients.Backend)
	}
	if c.Notification.MaxRetries < 0 {
		return fmt.Errorf("NOTIFICATION_MAX_RETRIES must be non-negative")
	}
	return nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

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

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvAsSeconds reads an integer or fractional number of seconds.
func getEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
