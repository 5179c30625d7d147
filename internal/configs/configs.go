/*
Package configs is responsible for loading and parsing the application's configuration settings.

Settings come from environment variables, optionally layered over a config file named by
CONFIG_FILE. Every optional backend (Postgres, S3, NATS, Redis) is disabled when its
settings are left empty, except where the production environment requires it.
*/
package configs

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig contains all configuration parameters required for the application to run.
type AppConfig struct {
	// General Server Settings
	Environment string
	Port        int
	LogLevel    string

	// Security Settings
	AllowedOrigins []string
	JWTSecret      string

	// Broker Settings
	RetentionEvents int
	RetentionAge    time.Duration
	SubscriberQueue int
	RoomIdleTimeout time.Duration
	TypingWindow    time.Duration

	// S3 Storage Settings
	S3BucketName      string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string

	// Database Settings
	DatabaseDSN string

	// Mirror Settings
	NATSURL  string
	RedisURL string
}

// IsDevelopment reports whether the server runs in the development environment.
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// StorageEnabled reports whether attachment storage is configured.
func (c *AppConfig) StorageEnabled() bool {
	return c.S3BucketName != "" && c.S3Endpoint != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("RETENTION_EVENTS", 1024)
	v.SetDefault("RETENTION_AGE", "1h")
	v.SetDefault("SUBSCRIBER_QUEUE", 256)
	v.SetDefault("ROOM_IDLE_TIMEOUT", "30m")
	v.SetDefault("TYPING_WINDOW", "3s")
}

// LoadConfig reads and validates the application configuration.
// It returns a pointer to the AppConfig struct and any error encountered.
func LoadConfig() (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	cfg := &AppConfig{
		Environment:       v.GetString("ENVIRONMENT"),
		Port:              v.GetInt("PORT"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		JWTSecret:         v.GetString("JWT_SECRET"),
		RetentionEvents:   v.GetInt("RETENTION_EVENTS"),
		RetentionAge:      v.GetDuration("RETENTION_AGE"),
		SubscriberQueue:   v.GetInt("SUBSCRIBER_QUEUE"),
		RoomIdleTimeout:   v.GetDuration("ROOM_IDLE_TIMEOUT"),
		TypingWindow:      v.GetDuration("TYPING_WINDOW"),
		S3BucketName:      v.GetString("S3_BUCKET_NAME"),
		S3Endpoint:        v.GetString("S3_ENDPOINT"),
		S3AccessKeyID:     v.GetString("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: v.GetString("S3_SECRET_ACCESS_KEY"),
		DatabaseDSN:       v.GetString("DATABASE_URL"),
		NATSURL:           v.GetString("NATS_URL"),
		RedisURL:          v.GetString("REDIS_URL"),
	}

	for _, origin := range strings.Split(v.GetString("ALLOWED_ORIGINS"), ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, trimmed)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *AppConfig) validate() error {
	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("port number %d is outside the recommended range (%d-%d) to avoid privileged ports", c.Port, 1024, 65535)
	}

	if c.RetentionEvents < 1 {
		return fmt.Errorf("RETENTION_EVENTS must be positive, got %d", c.RetentionEvents)
	}
	if c.RetentionAge < 0 {
		return fmt.Errorf("RETENTION_AGE must not be negative, got %s", c.RetentionAge)
	}
	if c.SubscriberQueue < 1 {
		return fmt.Errorf("SUBSCRIBER_QUEUE must be positive, got %d", c.SubscriberQueue)
	}
	if c.TypingWindow <= 0 {
		return fmt.Errorf("TYPING_WINDOW must be positive, got %s", c.TypingWindow)
	}

	if c.JWTSecret == "" {
		if !c.IsDevelopment() {
			return fmt.Errorf("JWT_SECRET environment variable is required in %s environment for security", c.Environment)
		}
		c.JWTSecret = "your_default_insecure_secret_key_change_me"
	}

	if c.S3BucketName != "" || c.S3Endpoint != "" {
		if c.S3BucketName == "" || c.S3Endpoint == "" || c.S3AccessKeyID == "" || c.S3SecretAccessKey == "" {
			return fmt.Errorf("S3_BUCKET_NAME, S3_ENDPOINT, S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
		}
	}

	if c.DatabaseDSN == "" && !c.IsDevelopment() {
		return fmt.Errorf("DATABASE_URL environment variable is required in %s environment", c.Environment)
	}

	return nil
}
