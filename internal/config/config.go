package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	EnvProduction = "production"

	PolicyFail        = "fail"
	PolicyPlaceholder = "placeholder"
)

type Config struct {
	Port        string
	Environment string `validate:"required"`
	LogLevel    string `validate:"oneof=trace debug info warn warning error fatal panic"`

	DataDir             string `validate:"required"`
	DatabasePath        string `validate:"required"`
	StorageFallbackDirs []string
	GCSBucket           string
	MaxUploadBytes      int64 `validate:"gt=0"`

	BaseURL     string
	ShareSecret string
	ShareTTL    time.Duration `validate:"gt=0"`

	OpenAIAPIKey         string
	OpenAIBaseURL        string        `validate:"required,url"`
	OpenAIModel          string        `validate:"required"`
	OpenAIRequestTimeout time.Duration `validate:"gt=0"`

	PollInterval    time.Duration `validate:"gte=0"`
	MaxPollAttempts int           `validate:"gt=0"`
	TaskTimeout     time.Duration `validate:"gt=0"`

	GenerationCost       int `validate:"gte=0"`
	UploadReward         int `validate:"gte=0"`
	CoinGatingEnabled    bool
	RefundOnFailure      bool
	MissingContentPolicy string `validate:"oneof=fail placeholder"`
	SingleFlight         bool

	AsyncJobs   bool
	WorkerCount int `validate:"gt=0"`
	QueueSize   int `validate:"gt=0"`

	AllowTestIdentity bool
	TestUserCoins     int `validate:"gte=0"`
}

func LoadConfig() (Config, error) {
	cfg := Config{}

	cfg.Port = envOrDefault("PORT", "8080")
	cfg.Environment = strings.ToLower(envOrDefault("ENVIRONMENT", "development"))
	cfg.LogLevel = strings.ToLower(envOrDefault("LOG_LEVEL", "info"))

	cfg.DataDir = envOrDefault("DATA_DIR", "data")
	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return Config{}, fmt.Errorf("resolve data dir: %w", err)
	}
	cfg.DataDir = absDataDir
	cfg.DatabasePath = envOrDefault("DATABASE_PATH", filepath.Join(cfg.DataDir, "app.db"))
	cfg.StorageFallbackDirs = splitList(envOrDefault("STORAGE_FALLBACK_DIRS", "uploads"))
	cfg.GCSBucket = os.Getenv("GCS_BUCKET")

	maxUploadMB, err := parseIntEnv("MAX_UPLOAD_MB", 50)
	if err != nil {
		return Config{}, fmt.Errorf("parse MAX_UPLOAD_MB: %w", err)
	}
	cfg.MaxUploadBytes = maxUploadMB * 1024 * 1024

	cfg.BaseURL = envOrDefault("BASE_URL", fmt.Sprintf("http://localhost:%s", cfg.Port))
	cfg.ShareSecret = envOrDefault("SHARE_SECRET", "change-me")
	shareTTLSeconds, err := parseIntEnv("SHARE_TTL_SECONDS", 86400)
	if err != nil {
		return Config{}, fmt.Errorf("parse SHARE_TTL_SECONDS: %w", err)
	}
	cfg.ShareTTL = time.Duration(shareTTLSeconds) * time.Second

	cfg.OpenAIAPIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	cfg.OpenAIBaseURL = strings.TrimRight(envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/")
	cfg.OpenAIModel = envOrDefault("OPENAI_MODEL", "gpt-4o")
	if cfg.OpenAIRequestTimeout, err = parseDurationEnv("OPENAI_REQUEST_TIMEOUT", 2*time.Minute); err != nil {
		return Config{}, fmt.Errorf("parse OPENAI_REQUEST_TIMEOUT: %w", err)
	}

	if cfg.PollInterval, err = parseDurationEnv("AI_POLL_INTERVAL", 10*time.Second); err != nil {
		return Config{}, fmt.Errorf("parse AI_POLL_INTERVAL: %w", err)
	}
	maxPollAttempts, err := parseIntEnv("AI_MAX_POLL_ATTEMPTS", 30)
	if err != nil {
		return Config{}, fmt.Errorf("parse AI_MAX_POLL_ATTEMPTS: %w", err)
	}
	cfg.MaxPollAttempts = int(maxPollAttempts)
	if cfg.TaskTimeout, err = parseDurationEnv("AI_TASK_TIMEOUT", 15*time.Minute); err != nil {
		return Config{}, fmt.Errorf("parse AI_TASK_TIMEOUT: %w", err)
	}

	cost, err := parseIntEnv("AI_GENERATION_COST", 2)
	if err != nil {
		return Config{}, fmt.Errorf("parse AI_GENERATION_COST: %w", err)
	}
	cfg.GenerationCost = int(cost)
	reward, err := parseIntEnv("UPLOAD_REWARD", 1)
	if err != nil {
		return Config{}, fmt.Errorf("parse UPLOAD_REWARD: %w", err)
	}
	cfg.UploadReward = int(reward)
	if cfg.CoinGatingEnabled, err = parseBoolEnv("COIN_GATING_ENABLED", true); err != nil {
		return Config{}, fmt.Errorf("parse COIN_GATING_ENABLED: %w", err)
	}
	if cfg.RefundOnFailure, err = parseBoolEnv("REFUND_ON_FAILURE", false); err != nil {
		return Config{}, fmt.Errorf("parse REFUND_ON_FAILURE: %w", err)
	}
	cfg.MissingContentPolicy = strings.ToLower(envOrDefault("MISSING_CONTENT_POLICY", PolicyFail))
	if cfg.SingleFlight, err = parseBoolEnv("AI_SINGLE_FLIGHT", false); err != nil {
		return Config{}, fmt.Errorf("parse AI_SINGLE_FLIGHT: %w", err)
	}

	if cfg.AsyncJobs, err = parseBoolEnv("AI_ASYNC", true); err != nil {
		return Config{}, fmt.Errorf("parse AI_ASYNC: %w", err)
	}
	workers, err := parseIntEnv("AI_WORKERS", 4)
	if err != nil {
		return Config{}, fmt.Errorf("parse AI_WORKERS: %w", err)
	}
	cfg.WorkerCount = int(workers)
	queueSize, err := parseIntEnv("AI_QUEUE_SIZE", 64)
	if err != nil {
		return Config{}, fmt.Errorf("parse AI_QUEUE_SIZE: %w", err)
	}
	cfg.QueueSize = int(queueSize)

	if cfg.AllowTestIdentity, err = parseBoolEnv("ALLOW_TEST_IDENTITY", false); err != nil {
		return Config{}, fmt.Errorf("parse ALLOW_TEST_IDENTITY: %w", err)
	}
	testCoins, err := parseIntEnv("TEST_USER_COINS", 100)
	if err != nil {
		return Config{}, fmt.Errorf("parse TEST_USER_COINS: %w", err)
	}
	cfg.TestUserCoins = int(testCoins)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.AllowTestIdentity && c.Environment == EnvProduction {
		return fmt.Errorf("invalid config: ALLOW_TEST_IDENTITY cannot be enabled in production")
	}
	return nil
}

// AIConfigured reports whether the AI backend credentials are present.
func (c Config) AIConfigured() bool {
	return strings.TrimSpace(c.OpenAIAPIKey) != ""
}

// TestIdentityEnabled reports whether anonymous requests may fall back to the
// default test user.
func (c Config) TestIdentityEnabled() bool {
	return c.AllowTestIdentity && c.Environment != EnvProduction
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func parseIntEnv(key string, fallback int64) (int64, error) {
	value := envOrDefault(key, "")
	if value == "" {
		return fallback, nil
	}

	num, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	return num, nil
}

func parseBoolEnv(key string, fallback bool) (bool, error) {
	value := envOrDefault(key, "")
	if value == "" {
		return fallback, nil
	}
	return strconv.ParseBool(value)
}

// parseDurationEnv accepts Go duration strings ("10s") or a bare number of seconds.
func parseDurationEnv(key string, fallback time.Duration) (time.Duration, error) {
	value := envOrDefault(key, "")
	if value == "" {
		return fallback, nil
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(value)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
