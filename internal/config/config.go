package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhilroshan/callendar/internal/calendar"
	"github.com/spf13/viper"
)

const (
	envPrefix               = "CALLENDAR"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabaseDriver   = "sqlite"
	defaultDatabaseDSN      = "callendar.db"
	defaultLogLevel         = "info"
	defaultGoogleTokenURL   = "https://oauth2.googleapis.com/token"
	defaultSchedule         = "*/5 * * * *"
	defaultCallTimeout      = 20 * time.Second
	defaultMaxParallelUsers = 1
	defaultLockTTL          = 10 * time.Minute
	defaultCallsPerSecond   = 1.0
	defaultSessionIssuer    = "tauth"
	defaultCookieName       = "app_session"
)

// AppConfig captures runtime configuration for the alerting service.
type AppConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabaseDSN    string
	LogLevel       string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleTokenURL     string

	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioFromNumber     string
	TwilioCallsPerSecond float64

	Lookahead        time.Duration
	DisplayWindow    time.Duration
	Schedule         string
	CallTimeout      time.Duration
	MaxParallelUsers int

	RedisURL   string
	LockTTL    time.Duration
	CronSecret string

	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("google.token_url", defaultGoogleTokenURL)
	configViper.SetDefault("twilio.calls_per_second", defaultCallsPerSecond)
	configViper.SetDefault("alerts.lookahead", calendar.DefaultLookahead)
	configViper.SetDefault("alerts.display_window", calendar.DefaultDisplayWindow)
	configViper.SetDefault("alerts.schedule", defaultSchedule)
	configViper.SetDefault("alerts.call_timeout", defaultCallTimeout)
	configViper.SetDefault("alerts.max_parallel_users", defaultMaxParallelUsers)
	configViper.SetDefault("cycle.lock_ttl", defaultLockTTL)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{
		"google.client_id",
		"google.client_secret",
		"twilio.account_sid",
		"twilio.auth_token",
		"twilio.from_number",
		"redis.url",
		"cron.secret",
		"session.signing_secret",
	} {
		_ = configViper.BindEnv(key)
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    strings.TrimSpace(configViper.GetString("http.address")),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    strings.TrimSpace(configViper.GetString("database.dsn")),
		LogLevel:       configViper.GetString("log.level"),

		GoogleClientID:     strings.TrimSpace(configViper.GetString("google.client_id")),
		GoogleClientSecret: strings.TrimSpace(configViper.GetString("google.client_secret")),
		GoogleTokenURL:     strings.TrimSpace(configViper.GetString("google.token_url")),

		TwilioAccountSID:     strings.TrimSpace(configViper.GetString("twilio.account_sid")),
		TwilioAuthToken:      strings.TrimSpace(configViper.GetString("twilio.auth_token")),
		TwilioFromNumber:     strings.TrimSpace(configViper.GetString("twilio.from_number")),
		TwilioCallsPerSecond: configViper.GetFloat64("twilio.calls_per_second"),

		Lookahead:        configViper.GetDuration("alerts.lookahead"),
		DisplayWindow:    configViper.GetDuration("alerts.display_window"),
		Schedule:         strings.TrimSpace(configViper.GetString("alerts.schedule")),
		CallTimeout:      configViper.GetDuration("alerts.call_timeout"),
		MaxParallelUsers: configViper.GetInt("alerts.max_parallel_users"),

		RedisURL:   strings.TrimSpace(configViper.GetString("redis.url")),
		LockTTL:    configViper.GetDuration("cycle.lock_ttl"),
		CronSecret: strings.TrimSpace(configViper.GetString("cron.secret")),

		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        strings.TrimSpace(configViper.GetString("session.issuer")),
		SessionCookieName:    strings.TrimSpace(configViper.GetString("session.cookie_name")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// TwilioConfigured reports whether every notification provider setting is present.
func (c AppConfig) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Lookahead <= 0 {
		return fmt.Errorf("alerts.lookahead must be positive")
	}
	if c.DisplayWindow < c.Lookahead {
		return fmt.Errorf("alerts.display_window must not be shorter than alerts.lookahead")
	}
	if c.Schedule == "" {
		return fmt.Errorf("alerts.schedule is required")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("alerts.call_timeout must be positive")
	}
	if c.MaxParallelUsers < 1 {
		return fmt.Errorf("alerts.max_parallel_users must be at least 1")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("cycle.lock_ttl must be positive")
	}
	if c.GoogleTokenURL == "" {
		return fmt.Errorf("google.token_url is required")
	}
	return nil
}
