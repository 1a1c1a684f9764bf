package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration
type Config struct {
	ServiceName  string
	HTTPPort     int
	Database     DatabaseConfig
	RabbitMQ     RabbitMQConfig
	Irradiance   IrradianceConfig
	Verification VerificationConfig
	Ingest       IngestConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and routing settings.
// Event publishing is disabled when URL is empty.
type RabbitMQConfig struct {
	URL              string
	CreditExchange   string
	CreditRoutingKey string
}

// IrradianceConfig holds NASA POWER gateway settings
type IrradianceConfig struct {
	BaseURL        string
	TimeoutSeconds int
	MaxRetries     int
	RetryBackoffMS int
	RateLimitRPS   float64
	CachePrecision int
}

// VerificationConfig holds thresholds for the decision policy
type VerificationConfig struct {
	CorrelationThreshold float64
	ExcessTolerance      float64
	MinHourlySamples     int
	EmissionFactorKgKWh  float64
}

// IngestConfig holds reading ingestion settings
type IngestConfig struct {
	TimestampToleranceMinutes int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "dmrv-engine"),
		HTTPPort:    getEnvAsInt("HTTP_PORT", 8080),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			CreditExchange:   getEnv("RABBITMQ_CREDIT_EXCHANGE", "dmrv.credit.events.exchange"),
			CreditRoutingKey: getEnv("RABBITMQ_CREDIT_ROUTING_KEY", "credit.updated"),
		},
		Irradiance: IrradianceConfig{
			BaseURL:        getEnv("NASA_POWER_BASE_URL", "https://power.larc.nasa.gov/api/temporal/hourly/point"),
			TimeoutSeconds: getEnvAsInt("NASA_POWER_TIMEOUT_SECONDS", 30),
			MaxRetries:     getEnvAsInt("NASA_POWER_MAX_RETRIES", 3),
			RetryBackoffMS: getEnvAsInt("NASA_POWER_RETRY_BACKOFF_MS", 500),
			RateLimitRPS:   getEnvAsFloat("NASA_POWER_RATE_LIMIT_RPS", 2.0),
			CachePrecision: getEnvAsInt("IRRADIANCE_CACHE_PRECISION", 2),
		},
		Verification: VerificationConfig{
			CorrelationThreshold: getEnvAsFloat("VERIFY_CORRELATION_THRESHOLD", 0.90),
			ExcessTolerance:      getEnvAsFloat("VERIFY_EXCESS_TOLERANCE", 1.05),
			MinHourlySamples:     getEnvAsInt("VERIFY_MIN_HOURLY_SAMPLES", 3),
			EmissionFactorKgKWh:  getEnvAsFloat("EMISSION_FACTOR_KG_PER_KWH", 1.2),
		},
		Ingest: IngestConfig{
			TimestampToleranceMinutes: getEnvAsInt("INGEST_TIMESTAMP_TOLERANCE_MINUTES", 10080),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.Verification.CorrelationThreshold <= 0 || cfg.Verification.CorrelationThreshold > 1 {
		return nil, fmt.Errorf("VERIFY_CORRELATION_THRESHOLD must be in (0, 1], got %f", cfg.Verification.CorrelationThreshold)
	}
	if cfg.Verification.ExcessTolerance < 1 {
		return nil, fmt.Errorf("VERIFY_EXCESS_TOLERANCE must be >= 1, got %f", cfg.Verification.ExcessTolerance)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
