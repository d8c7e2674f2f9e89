package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server         ServerConfig         `json:"server"`
	Redis          RedisConfig          `json:"redis"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Monitor        MonitorConfig        `json:"monitor"`
	Alerting       AlertingConfig       `json:"alerting"`
	Logging        LoggingConfig        `json:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
	Enabled  bool   `json:"enabled"`
}

// CircuitBreakerConfig contains process-wide circuit breaker defaults
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`
	SuccessThreshold int           `json:"success_threshold"`
}

// MonitorConfig contains health monitor configuration
type MonitorConfig struct {
	DefaultInterval     time.Duration `json:"default_interval"`
	DefaultTimeout      time.Duration `json:"default_timeout"`
	SystemCheckInterval time.Duration `json:"system_check_interval"`
	MaxErrorRate        float64       `json:"max_error_rate"`
	MaxResponseTime     time.Duration `json:"max_response_time"`
	MaxCPUPercent       float64       `json:"max_cpu_percent"`
	MaxMemoryMB         float64       `json:"max_memory_mb"`
}

// AlertingConfig contains alert routing configuration
type AlertingConfig struct {
	RateLimit     int           `json:"rate_limit"`
	ResetInterval time.Duration `json:"reset_interval"`
	WebhookURL    string        `json:"webhook_url"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
			Enabled:  getEnvBool("REDIS_ENABLED", false),
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: getEnvInt("CB_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  getEnvDuration("CB_RECOVERY_TIMEOUT", 60*time.Second),
			HalfOpenMaxCalls: getEnvInt("CB_HALF_OPEN_MAX_CALLS", 3),
			SuccessThreshold: getEnvInt("CB_SUCCESS_THRESHOLD", 2),
		},
		Monitor: MonitorConfig{
			DefaultInterval:     getEnvDuration("MONITOR_INTERVAL", 30*time.Second),
			DefaultTimeout:      getEnvDuration("MONITOR_TIMEOUT", 10*time.Second),
			SystemCheckInterval: getEnvDuration("MONITOR_SYSTEM_CHECK_INTERVAL", 30*time.Second),
			MaxErrorRate:        getEnvFloat("MONITOR_MAX_ERROR_RATE", 0.5),
			MaxResponseTime:     getEnvDuration("MONITOR_MAX_RESPONSE_TIME", 5*time.Second),
			MaxCPUPercent:       getEnvFloat("MONITOR_MAX_CPU_PERCENT", 90.0),
			MaxMemoryMB:         getEnvFloat("MONITOR_MAX_MEMORY_MB", 1024.0),
		},
		Alerting: AlertingConfig{
			RateLimit:     getEnvInt("ALERT_RATE_LIMIT", 100),
			ResetInterval: getEnvDuration("ALERT_RESET_INTERVAL", time.Hour),
			WebhookURL:    getEnvString("ALERT_WEBHOOK_URL", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit breaker failure threshold must be positive")
	}
	if c.CircuitBreaker.SuccessThreshold <= 0 {
		return fmt.Errorf("circuit breaker success threshold must be positive")
	}
	if c.CircuitBreaker.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("circuit breaker half-open max calls must be positive")
	}
	if c.Monitor.DefaultInterval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}
	return nil
}

// RedisAddr returns the Redis connection address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
