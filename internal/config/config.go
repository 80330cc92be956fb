package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the gateway and supporting services.
type Config struct {
	ListenAddr string
	MySQLDSN   string

	AuthBaseURL string

	ChatAPIKey  string
	ChatBaseURL string

	TaskQueueAPIKey  string
	TaskQueueBaseURL string

	PredictionAPIKey  string
	PredictionBaseURL string

	DirectAPIKey  string
	DirectBaseURL string

	RequestTimeout    time.Duration
	PollInterval      time.Duration
	PollMaxAttempts   int
	RateWindow        time.Duration
	RateMaxRequests   int
	FreeAdvancedDaily int
	RetentionCeiling  int

	PaymentWebhookSecret string

	TelegramBotToken    string
	TelegramAdminChatID int64

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		AuthBaseURL:         getEnv("AUTH_BASE_URL", ""),
		ChatBaseURL:         getEnv("CHAT_BASE_URL", "https://api.openai.com"),
		TaskQueueBaseURL:    getEnv("TASKQUEUE_BASE_URL", ""),
		PredictionBaseURL:   getEnv("PREDICTION_BASE_URL", "https://api.replicate.com"),
		DirectBaseURL:       getEnv("DIRECT_BASE_URL", ""),
		RequestTimeout:      time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 60)),
		PollInterval:        time.Second * time.Duration(getInt("POLL_INTERVAL_SECONDS", 2)),
		PollMaxAttempts:     getInt("POLL_MAX_ATTEMPTS", 30),
		RateWindow:          time.Second * time.Duration(getInt("RATE_WINDOW_SECONDS", 10)),
		RateMaxRequests:     getInt("RATE_MAX_REQUESTS", 10),
		FreeAdvancedDaily:   getInt("FREE_ADVANCED_DAILY", 3),
		RetentionCeiling:    getInt("RETENTION_CEILING", 50),
		TelegramAdminChatID: getInt64("TELEGRAM_ADMIN_CHAT_ID", 0),
		S3Endpoint:          getEnv("S3_ENDPOINT", ""),
		S3Region:            os.Getenv("S3_REGION"),
		S3AccessKey:         os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:         os.Getenv("S3_SECRET_KEY"),
		S3Bucket:            os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:     os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:      getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:            getEnv("S3_PREFIX", "generations"),
	}

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.ChatAPIKey = os.Getenv("CHAT_API_KEY")
	cfg.TaskQueueAPIKey = os.Getenv("TASKQUEUE_API_KEY")
	cfg.PredictionAPIKey = os.Getenv("PREDICTION_API_KEY")
	cfg.DirectAPIKey = os.Getenv("DIRECT_API_KEY")
	cfg.PaymentWebhookSecret = os.Getenv("PAYMENT_WEBHOOK_SECRET")
	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")

	var missing []string
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.AuthBaseURL == "" {
		missing = append(missing, "AUTH_BASE_URL")
	}
	if cfg.ChatAPIKey == "" {
		missing = append(missing, "CHAT_API_KEY")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	// No env file is fine; everything may come from the environment.
	return nil
}
