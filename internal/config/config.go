package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the grading service.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	JWTSecret   string

	ScorerBaseURL             string
	ScorerTimeout             time.Duration
	ScorerMaxAttempts         int
	ScorerBaseDelay           time.Duration
	ScorerComputeExplanations bool

	GradingBatchConcurrency int
	GradingLockTTL          time.Duration
	GradingHealthPreflight  bool
	GradingHealthChecks     int
	GradingHealthDelay      time.Duration
	GradingSubmitRateLimit  int
	GradingSubmitRateWindow time.Duration
	EventsChannel           string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Grader")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("scorer.base_url", "http://localhost:8001")
	v.SetDefault("scorer.timeout", "30s")
	v.SetDefault("scorer.max_attempts", 3)
	v.SetDefault("scorer.base_delay", "1s")
	v.SetDefault("scorer.compute_explanations", true)
	v.SetDefault("grading.batch_concurrency", 1)
	v.SetDefault("grading.lock_ttl", "2m")
	v.SetDefault("grading.health_preflight", true)
	v.SetDefault("grading.health_checks", 3)
	v.SetDefault("grading.health_check_delay", "250ms")
	v.SetDefault("grading.submit_rate_limit", 20)
	v.SetDefault("grading.submit_rate_window", "1m")
	v.SetDefault("events.channel", "gema:grading")

	durations := map[string]time.Duration{}
	for _, key := range []string{"scorer.timeout", "scorer.base_delay", "grading.lock_ttl", "grading.health_check_delay", "grading.submit_rate_window"} {
		parsed, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed < 0 {
			return Config{}, fmt.Errorf("invalid %s: must not be negative", key)
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:     v.GetString("app.name"),
		AppEnv:      v.GetString("app.env"),
		AppPort:     v.GetString("app.port"),
		DatabaseURL: v.GetString("database.url"),
		RedisURL:    v.GetString("redis.url"),
		NATSURL:     v.GetString("nats.url"),
		JWTSecret:   v.GetString("jwt.secret"),

		ScorerBaseURL:             strings.TrimSpace(v.GetString("scorer.base_url")),
		ScorerTimeout:             durations["scorer.timeout"],
		ScorerMaxAttempts:         v.GetInt("scorer.max_attempts"),
		ScorerBaseDelay:           durations["scorer.base_delay"],
		ScorerComputeExplanations: v.GetBool("scorer.compute_explanations"),

		GradingBatchConcurrency: v.GetInt("grading.batch_concurrency"),
		GradingLockTTL:          durations["grading.lock_ttl"],
		GradingHealthPreflight:  v.GetBool("grading.health_preflight"),
		GradingHealthChecks:     v.GetInt("grading.health_checks"),
		GradingHealthDelay:      durations["grading.health_check_delay"],
		GradingSubmitRateLimit:  v.GetInt("grading.submit_rate_limit"),
		GradingSubmitRateWindow: durations["grading.submit_rate_window"],
		EventsChannel:           strings.TrimSpace(v.GetString("events.channel")),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.ScorerBaseURL == "" {
		return Config{}, fmt.Errorf("scorer base url must be provided")
	}

	if cfg.ScorerMaxAttempts <= 0 {
		cfg.ScorerMaxAttempts = 3
	}

	if cfg.GradingHealthChecks <= 0 {
		cfg.GradingHealthChecks = 1
	}

	if cfg.GradingBatchConcurrency <= 0 {
		cfg.GradingBatchConcurrency = 1
	}

	return cfg, nil
}
