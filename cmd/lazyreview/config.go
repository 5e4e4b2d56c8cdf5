package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "LAZYREVIEW"

type config struct {
	Addr                string
	BackendURL          string
	PublicHosts         []string
	URLSigningSecret    string
	EnableDatadog       bool
	StorageBucketRegion map[string]string
	HitRadius           float64
	LogLevel            string

	StatusAttempts   int
	StatusRetryDelay time.Duration
	PollAttempts     int
	PollDelay        time.Duration
	FetchAttempts    int
	FetchRetryDelay  time.Duration

	RedisURL      string
	RedisUsername string
	RedisPassword string
	RedisTLS      bool
	DraftTTL      time.Duration
	DraftSecret   string

	SendgridAPIKey string
	MailFromEmail  string
	MailFromName   string
}

// loadConfig reads the environment, after loading the optional dotenv file. Variables already set win over the file.
func loadConfig(envFile string) (*viper.Viper, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("fail to load '%s': %w", envFile, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("fail to stat '%s': %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetTypeByDefaultValue(true)
	v.SetDefault("addr", ":8080")
	v.SetDefault("backend_url", "")
	v.SetDefault("public_hosts", "")
	v.SetDefault("url_signing_secret", "")
	v.SetDefault("enable_datadog", false)
	v.SetDefault("storage_bucket_region", "")
	v.SetDefault("hit_radius", 12.0)
	v.SetDefault("log_level", "info")
	v.SetDefault("status_attempts", 2)
	v.SetDefault("status_retry_delay", 250*time.Millisecond)
	v.SetDefault("poll_attempts", 3)
	v.SetDefault("poll_delay", 250*time.Millisecond)
	v.SetDefault("fetch_attempts", 2)
	v.SetDefault("fetch_retry_delay", 300*time.Millisecond)
	v.SetDefault("redis_url", "")
	v.SetDefault("redis_username", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_tls", false)
	v.SetDefault("draft_ttl", 7*24*time.Hour)
	v.SetDefault("draft_secret", "")
	v.SetDefault("sendgrid_api_key", "")
	v.SetDefault("mail_from_email", "")
	v.SetDefault("mail_from_name", "Lazyreview")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return v, nil
}

func parseConfig(v *viper.Viper) (config, error) {
	cfg := config{
		Addr:             v.GetString("addr"),
		BackendURL:       v.GetString("backend_url"),
		URLSigningSecret: v.GetString("url_signing_secret"),
		EnableDatadog:    v.GetBool("enable_datadog"),
		HitRadius:        v.GetFloat64("hit_radius"),
		LogLevel:         v.GetString("log_level"),
		StatusAttempts:   v.GetInt("status_attempts"),
		StatusRetryDelay: v.GetDuration("status_retry_delay"),
		PollAttempts:     v.GetInt("poll_attempts"),
		PollDelay:        v.GetDuration("poll_delay"),
		FetchAttempts:    v.GetInt("fetch_attempts"),
		FetchRetryDelay:  v.GetDuration("fetch_retry_delay"),
		RedisURL:         v.GetString("redis_url"),
		RedisUsername:    v.GetString("redis_username"),
		RedisPassword:    v.GetString("redis_password"),
		RedisTLS:         v.GetBool("redis_tls"),
		DraftTTL:         v.GetDuration("draft_ttl"),
		DraftSecret:      v.GetString("draft_secret"),
		SendgridAPIKey:   v.GetString("sendgrid_api_key"),
		MailFromEmail:    v.GetString("mail_from_email"),
		MailFromName:     v.GetString("mail_from_name"),
	}
	if cfg.BackendURL == "" {
		return cfg, fmt.Errorf("environment variable '%s_BACKEND_URL' can't be empty", envPrefix)
	}

	for _, host := range strings.Split(v.GetString("public_hosts"), ",") {
		if host = strings.TrimSpace(host); host != "" {
			cfg.PublicHosts = append(cfg.PublicHosts, host)
		}
	}

	if raw := v.GetString("storage_bucket_region"); raw != "" {
		storageBucketRegion, err := parseStorageBucketRegion(raw)
		if err != nil {
			return cfg, fmt.Errorf(
				"fail to parse the environment variable '%s_STORAGE_BUCKET_REGION' payload: %w", envPrefix, err,
			)
		}
		cfg.StorageBucketRegion = storageBucketRegion
	}
	return cfg, nil
}

func parseStorageBucketRegion(payload string) (map[string]string, error) {
	result := make(map[string]string)
	for _, segment := range strings.Split(payload, ";") {
		fragments := strings.Split(segment, ":")
		if len(fragments) != 2 {
			return nil, errors.New("invalid payload")
		}

		region := strings.TrimSpace(fragments[0])
		for _, bucket := range strings.Split(fragments[1], ",") {
			if bucket = strings.TrimSpace(bucket); bucket != "" {
				result[bucket] = region
			}
		}
	}
	if len(result) == 0 {
		return nil, errors.New("expected at least one bucket")
	}
	return result, nil
}
