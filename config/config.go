// Package config loads service configuration from an optional YAML file and
// environment variables. Environment variables take precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Push providers.
const (
	ProviderMock = "mock"
	ProviderExpo = "expo"
	ProviderFCM  = "fcm"
)

// Config holds service configuration.
type Config struct {
	Port         int    `koanf:"port"`
	LocalStorage string `koanf:"local_storage"`  // Token files on disk instead of the bucket
	Bucket       string `koanf:"storage_bucket"` // Cloud Storage bucket for push tokens
	TokenSalt    string `koanf:"token_salt"`

	RedisAddr   string `koanf:"redis_addr"` // Empty runs on the in-memory store
	RedisPrefix string `koanf:"redis_prefix"`

	PushProvider    string `koanf:"push_provider"`
	ExpoEndpoint    string `koanf:"expo_endpoint"`
	ExpoAccessToken string `koanf:"expo_access_token"`
	FCMProjectID    string `koanf:"fcm_project_id"`

	MaxAlertRadiusKm float64       `koanf:"max_alert_radius_km"`
	DeliveryAttempts int           `koanf:"delivery_attempts"`
	RetryDelay       time.Duration `koanf:"retry_delay"`
	MaxRetryDelay    time.Duration `koanf:"max_retry_delay"`
	Concurrency      int           `koanf:"delivery_concurrency"`

	SweepMinAge time.Duration `koanf:"sweep_min_age"`
	SweepMaxAge time.Duration `koanf:"sweep_max_age"`

	RateLimit float64 `koanf:"rate_limit"` // Requests per second per client IP
	RateBurst int     `koanf:"rate_burst"`
}

// Configuration validation errors.
var (
	ErrInvalidPort         = errors.New("PORT must be a valid integer")
	ErrInvalidNumber       = errors.New("value must be a valid number")
	ErrInvalidDuration     = errors.New("value must be a valid duration")
	ErrUnknownProvider     = errors.New("PUSH_PROVIDER must be one of mock, expo, fcm")
	ErrMissingFCMProjectID = errors.New("FCM_PROJECT_ID is required for the fcm provider")
	ErrMissingStorage      = errors.New("STORAGE_BUCKET, LOCAL_STORAGE or REDIS_ADDR is required for push tokens")
	ErrInvalidSweepWindow  = errors.New("SWEEP_MIN_AGE must be shorter than SWEEP_MAX_AGE")
	ErrInvalidRadius       = errors.New("MAX_ALERT_RADIUS_KM must be positive")
)

// Default values for non-secret configuration.
const (
	DefaultPort             = 8080
	DefaultRedisPrefix      = "nearby:"
	DefaultPushProvider     = ProviderMock
	DefaultExpoEndpoint     = "https://exp.host/--/api/v2/push/send"
	DefaultMaxAlertRadiusKm = 50.0
	DefaultDeliveryAttempts = 3
	DefaultRetryDelay       = time.Second
	DefaultMaxRetryDelay    = 4 * time.Second
	DefaultConcurrency      = 8
	DefaultSweepMinAge      = 2 * time.Minute
	DefaultSweepMaxAge      = 24 * time.Hour
	DefaultRateLimit        = 10.0
	DefaultRateBurst        = 20
)

// Load reads configuration from environment variables and an optional config file.
// It returns the config and every validation error found (empty if valid).
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var errs []error

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("load config file %s: %w", configFilePath, err)}
		}
	}

	intVal := func(env, key string, def int) int {
		v, err := envInt(env, k, key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	floatVal := func(env, key string, def float64) float64 {
		v, err := envFloat(env, k, key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	durVal := func(env, key string, def time.Duration) time.Duration {
		v, err := envDuration(env, k, key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	port, err := envInt("PORT", k, "port", DefaultPort)
	if err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidPort, err))
	}

	cfg := &Config{
		Port:             port,
		LocalStorage:     envString("LOCAL_STORAGE", k, "local_storage", ""),
		Bucket:           envString("STORAGE_BUCKET", k, "storage_bucket", ""),
		TokenSalt:        envString("TOKEN_SALT", k, "token_salt", ""),
		RedisAddr:        envString("REDIS_ADDR", k, "redis_addr", ""),
		RedisPrefix:      envString("REDIS_PREFIX", k, "redis_prefix", DefaultRedisPrefix),
		PushProvider:     envString("PUSH_PROVIDER", k, "push_provider", DefaultPushProvider),
		ExpoEndpoint:     envString("EXPO_ENDPOINT", k, "expo_endpoint", DefaultExpoEndpoint),
		ExpoAccessToken:  envString("EXPO_ACCESS_TOKEN", k, "expo_access_token", ""),
		FCMProjectID:     envString("FCM_PROJECT_ID", k, "fcm_project_id", ""),
		MaxAlertRadiusKm: floatVal("MAX_ALERT_RADIUS_KM", "max_alert_radius_km", DefaultMaxAlertRadiusKm),
		DeliveryAttempts: intVal("DELIVERY_ATTEMPTS", "delivery_attempts", DefaultDeliveryAttempts),
		RetryDelay:       durVal("RETRY_DELAY", "retry_delay", DefaultRetryDelay),
		MaxRetryDelay:    durVal("MAX_RETRY_DELAY", "max_retry_delay", DefaultMaxRetryDelay),
		Concurrency:      intVal("DELIVERY_CONCURRENCY", "delivery_concurrency", DefaultConcurrency),
		SweepMinAge:      durVal("SWEEP_MIN_AGE", "sweep_min_age", DefaultSweepMinAge),
		SweepMaxAge:      durVal("SWEEP_MAX_AGE", "sweep_max_age", DefaultSweepMaxAge),
		RateLimit:        floatVal("RATE_LIMIT", "rate_limit", DefaultRateLimit),
		RateBurst:        intVal("RATE_BURST", "rate_burst", DefaultRateBurst),
	}

	// Without a bucket, tokens live in Redis when it is configured and in
	// local files otherwise.
	if cfg.Bucket == "" && cfg.LocalStorage == "" && cfg.RedisAddr == "" {
		cfg.LocalStorage = "./data"
	}

	return cfg, append(errs, cfg.Validate()...)
}

// Validate reports every invalid setting.
func (c *Config) Validate() []error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}
	switch c.PushProvider {
	case ProviderMock, ProviderExpo:
	case ProviderFCM:
		if c.FCMProjectID == "" {
			errs = append(errs, ErrMissingFCMProjectID)
		}
	default:
		errs = append(errs, ErrUnknownProvider)
	}
	if c.Bucket == "" && c.LocalStorage == "" && c.RedisAddr == "" {
		errs = append(errs, ErrMissingStorage)
	}
	if c.SweepMinAge >= c.SweepMaxAge {
		errs = append(errs, ErrInvalidSweepWindow)
	}
	if c.MaxAlertRadiusKm <= 0 {
		errs = append(errs, ErrInvalidRadius)
	}
	return errs
}

// LogSummary returns non-secret settings for startup logging.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                strconv.Itoa(c.Port),
		"storage_bucket":      c.Bucket,
		"local_storage":       c.LocalStorage,
		"redis_addr":          c.RedisAddr,
		"push_provider":       c.PushProvider,
		"expo_access_token":   maskSecret(c.ExpoAccessToken),
		"max_alert_radius_km": strconv.FormatFloat(c.MaxAlertRadiusKm, 'f', -1, 64),
		"delivery_attempts":   strconv.Itoa(c.DeliveryAttempts),
		"sweep_window":        c.SweepMinAge.String() + "-" + c.SweepMaxAge.String(),
	}
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****"
}

// envString returns the environment variable if set, otherwise the koanf
// value, otherwise def.
func envString(env string, k *koanf.Koanf, key, def string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	if v := k.String(key); v != "" {
		return v
	}
	return def
}

func envInt(env string, k *koanf.Koanf, key string, def int) (int, error) {
	if v := os.Getenv(env); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return def, fmt.Errorf("%s: %w", env, ErrInvalidNumber)
		}
		return n, nil
	}
	if k.Exists(key) {
		return k.Int(key), nil
	}
	return def, nil
}

func envFloat(env string, k *koanf.Koanf, key string, def float64) (float64, error) {
	if v := os.Getenv(env); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return def, fmt.Errorf("%s: %w", env, ErrInvalidNumber)
		}
		return f, nil
	}
	if k.Exists(key) {
		return k.Float64(key), nil
	}
	return def, nil
}

func envDuration(env string, k *koanf.Koanf, key string, def time.Duration) (time.Duration, error) {
	if v := os.Getenv(env); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return def, fmt.Errorf("%s: %w", env, ErrInvalidDuration)
		}
		return d, nil
	}
	if k.Exists(key) {
		d, err := time.ParseDuration(k.String(key))
		if err != nil {
			return def, fmt.Errorf("%s: %w", key, ErrInvalidDuration)
		}
		return d, nil
	}
	return def, nil
}
