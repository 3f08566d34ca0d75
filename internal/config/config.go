package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database  DatabaseConfig
	Rabbit    RabbitConfig
	HTTP      HTTPConfig
	Processor ProcessorConfig
	Sweep     SweepConfig
	Plan      PlanConfig
	LogLevel  string
}

type DatabaseConfig struct {
	// Driver is postgres, mysql or memory.
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RabbitConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	VHost    string
	Queue    string
	Prefetch int
}

type HTTPConfig struct {
	Addr string
}

type ProcessorConfig struct {
	Workers   int
	QueueSize int
	// AutoProcessWithdrawals settles withdrawal requests as they arrive.
	AutoProcessWithdrawals bool
}

type SweepConfig struct {
	Interval  time.Duration
	BatchSize int
}

type PlanConfig struct {
	// File is an optional JSON plan replacing the built-in one.
	File     string
	Timezone string
}

// Load reads the configuration from the environment, after merging a .env
// file from the working directory when there is one.
func Load() *Config {
	_ = godotenv.Load()

	driver := strings.ToLower(getenv("DB_DRIVER", "postgres"))
	defaultPort := 5432
	if driver == "mysql" {
		defaultPort = 3306
	}

	return &Config{
		Database: DatabaseConfig{
			Driver:   driver,
			Host:     getenv("DB_HOST", "localhost"),
			Port:     intFromEnv("DB_PORT", defaultPort),
			User:     getenv("DB_USER", getenv("DB_USERNAME", "settlement")),
			Password: getenv("DB_PASSWORD", "settlement"),
			DBName:   getenv("DB_NAME", getenv("DB_DATABASE", "settlement")),
			SSLMode:  getenv("DB_SSLMODE", "disable"),
		},
		Rabbit: RabbitConfig{
			Enabled:  boolFromEnv("RABBITMQ_ENABLED", true),
			Host:     getenv("RABBITMQ_HOST", "localhost"),
			Port:     intFromEnv("RABBITMQ_PORT", 5672),
			User:     getenv("RABBITMQ_USER", "guest"),
			Password: getenv("RABBITMQ_PASSWORD", "guest"),
			VHost:    getenv("RABBITMQ_VHOST", "/"),
			Queue:    getenv("RABBITMQ_QUEUE", "settlement_events"),
			Prefetch: intFromEnv("RABBITMQ_PREFETCH", 50),
		},
		HTTP: HTTPConfig{
			Addr: getenv("HTTP_ADDR", ":8080"),
		},
		Processor: ProcessorConfig{
			Workers:                clamp(intFromEnv("PROCESSOR_WORKERS", 8), 1, 64),
			QueueSize:              intFromEnv("PROCESSOR_QUEUE_SIZE", 100),
			AutoProcessWithdrawals: boolFromEnv("WITHDRAWAL_AUTO_PROCESS", true),
		},
		Sweep: SweepConfig{
			Interval:  time.Duration(intFromEnv("SWEEP_INTERVAL_SECONDS", 300)) * time.Second,
			BatchSize: intFromEnv("SWEEP_BATCH_SIZE", 500),
		},
		Plan: PlanConfig{
			File:     getenv("PLAN_FILE", ""),
			Timezone: getenv("PLAN_TIMEZONE", ""),
		},
		LogLevel: getenv("LOG_LEVEL", "info"),
	}
}

func getenv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return def
}

func intFromEnv(key string, def int) int {
	val := getenv(key, "")
	if val == "" {
		return def
	}

	if parsed, err := strconv.Atoi(val); err == nil {
		return parsed
	}

	return def
}

func boolFromEnv(key string, def bool) bool {
	val := getenv(key, "")
	if val == "" {
		return def
	}

	if parsed, err := strconv.ParseBool(val); err == nil {
		return parsed
	}

	return def
}

func clamp(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
