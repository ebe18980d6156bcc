package config

import (
	"errors"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

type MySQLConfig struct {
	User     string
	Password string
	Host     string
	Port     string
	Database string
}

type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
}

type Config struct {
	Port      string
	MySQL     MySQLConfig
	RedisAddr string
	RabbitURL string
	Razorpay  RazorpayConfig
	Jobs      JobsConfig
}

type JobsConfig struct {
	ReconcileInterval time.Duration
	ReconcileLookback time.Duration
	ReconcileBatch    int
	RetryInterval     time.Duration
	RetryBatch        int
	MaxWebhookRetries int
}

// Load resolves the whole configuration once at startup. Payment gateway
// credentials are required: a service that cannot verify signatures must not
// come up at all.
func Load() (*Config, error) {
	cfg := &Config{
		Port: getenv("PORT", "8080"),
		MySQL: MySQLConfig{
			User:     os.Getenv("MYSQL_USER"),
			Password: os.Getenv("MYSQL_PASSWORD"),
			Host:     getenv("MYSQL_HOST", "localhost"),
			Port:     getenv("MYSQL_PORT", "3306"),
			Database: getenv("MYSQL_DATABASE", "jewellery"),
		},
		RedisAddr: getenv("REDIS_HOST", "localhost") + ":6379",
		RabbitURL: os.Getenv("RABBITMQ_URL"),
		Razorpay: RazorpayConfig{
			KeyID:         os.Getenv("RAZORPAY_KEY_ID"),
			KeySecret:     os.Getenv("RAZORPAY_KEY_SECRET"),
			WebhookSecret: os.Getenv("RAZORPAY_WEBHOOK_SECRET"),
		},
		Jobs: JobsConfig{
			ReconcileInterval: 5 * time.Minute,
			ReconcileLookback: 24 * time.Hour,
			ReconcileBatch:    100,
			RetryInterval:     time.Minute,
			RetryBatch:        50,
			MaxWebhookRetries: 5,
		},
	}

	if cfg.Razorpay.KeyID == "" || cfg.Razorpay.KeySecret == "" {
		return nil, errors.New("config: RAZORPAY_KEY_ID and RAZORPAY_KEY_SECRET are required")
	}
	if cfg.Razorpay.WebhookSecret == "" {
		return nil, errors.New("config: RAZORPAY_WEBHOOK_SECRET is required")
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
