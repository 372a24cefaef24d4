package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database    DatabaseConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	HTTP        HTTPConfig
	Aggregation AggregationConfig
	Forecast    ForecastConfig
	Targets     TargetsConfig
	Warmup      WarmupConfig
	Log         LogConfig
}

type DatabaseConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	DBName        string
	SSLMode       string
	MigrationsDir string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Enabled   bool
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type KafkaConfig struct {
	Enabled           bool
	Brokers           []string
	TopicInvalidation string
	ConsumerGroup     string
	BatchSize         int
	FlushInterval     time.Duration
}

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type AggregationConfig struct {
	PageSize     int
	MaxPages     int
	FetchTimeout time.Duration
	CacheTTL     time.Duration
	// decimal places per domain, e.g. emissions -> 1
	Precision map[string]int
}

type ForecastConfig struct {
	ServiceURL          string
	ModelTimeout        time.Duration
	Cycle               string
	HistoryMonths       int
	StaleTTL            time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
}

type TargetsConfig struct {
	DefaultTargetYear             int
	DefaultAnnualReductionPercent float64
	BaselineLookbackYears         int
}

type WarmupConfig struct {
	// org:domain pairs whose forecasts are refreshed every cycle
	Targets []string
}

type LogConfig struct {
	Level string
}

var domains = []string{"emissions", "energy", "water", "waste"}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	precision := make(map[string]int, len(domains))
	for _, d := range domains {
		precision[d] = getEnvAsInt("PRECISION_"+strings.ToUpper(d), 1)
	}

	config := &Config{
		Database: DatabaseConfig{
			Host:          getEnv("DB_HOST", "localhost"),
			Port:          getEnvAsInt("DB_PORT", 5432),
			User:          getEnv("DB_USER", "footprint_user"),
			Password:      getEnv("DB_PASSWORD", "footprint_pass"),
			DBName:        getEnv("DB_NAME", "footprint_db"),
			SSLMode:       getEnv("DB_SSLMODE", "disable"),
			MigrationsDir: getEnv("DB_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			Enabled:   getEnvAsBool("REDIS_ENABLED", true),
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "footprint"),
		},
		Kafka: KafkaConfig{
			Enabled:           getEnvAsBool("KAFKA_ENABLED", true),
			Brokers:           getEnvAsList("KAFKA_BROKERS", []string{"localhost:9092"}),
			TopicInvalidation: getEnv("KAFKA_TOPIC_INVALIDATION", "footprint.metrics.landed"),
			ConsumerGroup:     getEnv("KAFKA_CONSUMER_GROUP", "footprint-engine"),
			BatchSize:         getEnvAsInt("KAFKA_BATCH_SIZE", 100),
			FlushInterval:     getEnvAsDuration("KAFKA_FLUSH_INTERVAL", 2*time.Second),
		},
		HTTP: HTTPConfig{
			Addr:            getEnv("HTTP_ADDR", ":8080"),
			ReadTimeout:     getEnvAsDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvAsDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Aggregation: AggregationConfig{
			PageSize:     getEnvAsInt("AGGREGATION_PAGE_SIZE", 1000),
			MaxPages:     getEnvAsInt("AGGREGATION_MAX_PAGES", 500),
			FetchTimeout: getEnvAsDuration("AGGREGATION_FETCH_TIMEOUT", 30*time.Second),
			CacheTTL:     getEnvAsDuration("AGGREGATION_CACHE_TTL", 5*time.Minute),
			Precision:    precision,
		},
		Forecast: ForecastConfig{
			ServiceURL:          getEnv("FORECAST_SERVICE_URL", ""),
			ModelTimeout:        getEnvAsDuration("FORECAST_MODEL_TIMEOUT", 2*time.Second),
			Cycle:               getEnv("FORECAST_CYCLE", "daily"),
			HistoryMonths:       getEnvAsInt("FORECAST_HISTORY_MONTHS", 24),
			StaleTTL:            getEnvAsDuration("FORECAST_STALE_TTL", 7*24*time.Hour),
			BreakerMaxFailures:  getEnvAsInt("FORECAST_BREAKER_MAX_FAILURES", 3),
			BreakerResetTimeout: getEnvAsDuration("FORECAST_BREAKER_RESET_TIMEOUT", 30*time.Second),
		},
		Targets: TargetsConfig{
			DefaultTargetYear:             getEnvAsInt("TARGET_DEFAULT_YEAR", 2030),
			DefaultAnnualReductionPercent: getEnvAsFloat("TARGET_DEFAULT_ANNUAL_REDUCTION", 4.2),
			BaselineLookbackYears:         getEnvAsInt("TARGET_BASELINE_LOOKBACK_YEARS", 5),
		},
		Warmup: WarmupConfig{
			Targets: getEnvAsList("WARMUP_TARGETS", nil),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings no component can run with
func (c *Config) Validate() error {
	var errs []error
	if c.Aggregation.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("AGGREGATION_PAGE_SIZE must be positive, got %d", c.Aggregation.PageSize))
	}
	if c.Aggregation.MaxPages <= 0 {
		errs = append(errs, fmt.Errorf("AGGREGATION_MAX_PAGES must be positive, got %d", c.Aggregation.MaxPages))
	}
	for d, p := range c.Aggregation.Precision {
		if p < 0 || p > 6 {
			errs = append(errs, fmt.Errorf("PRECISION_%s must be between 0 and 6, got %d", strings.ToUpper(d), p))
		}
	}
	if c.Forecast.Cycle != "daily" && c.Forecast.Cycle != "weekly" {
		errs = append(errs, fmt.Errorf("FORECAST_CYCLE must be daily or weekly, got %q", c.Forecast.Cycle))
	}
	if c.Forecast.ModelTimeout <= 0 {
		errs = append(errs, errors.New("FORECAST_MODEL_TIMEOUT must be positive"))
	}
	if c.Targets.DefaultAnnualReductionPercent <= 0 || c.Targets.DefaultAnnualReductionPercent >= 100 {
		errs = append(errs, fmt.Errorf("TARGET_DEFAULT_ANNUAL_REDUCTION must be in (0, 100), got %v",
			c.Targets.DefaultAnnualReductionPercent))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when Kafka is enabled"))
	}
	for _, t := range c.Warmup.Targets {
		if _, _, ok := SplitWarmupTarget(t); !ok {
			errs = append(errs, fmt.Errorf("WARMUP_TARGETS entry %q must be org:domain", t))
		}
	}
	return errors.Join(errs...)
}

// SplitWarmupTarget parses an org:domain pair
func SplitWarmupTarget(s string) (org, domain string, ok bool) {
	org, domain, ok = strings.Cut(s, ":")
	if !ok || org == "" || domain == "" {
		return "", "", false
	}
	return org, domain, true
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
