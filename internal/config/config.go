package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "CYBOTRACK"
	defaultHTTPAddress     = "127.0.0.1:8080"
	defaultDatabasePath    = "cybotrack.db"
	defaultLogLevel        = "info"
	defaultTokenTTLMinutes = 60
	defaultSyncInterval    = 30
	defaultSyncBatchSize   = 100
)

// AppConfig captures runtime configuration for every cybotrack command.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string
	SigningSecret  string
	TokenTTL       time.Duration
	Sync           SyncConfig
}

// SyncConfig configures the device-side sync loop. An empty RemoteURL disables it.
type SyncConfig struct {
	RemoteURL      string
	UserEmail      string
	Password       string
	Interval       time.Duration
	BatchSize      int
	PruneSucceeded bool
}

// Enabled reports whether a hub is configured.
func (s SyncConfig) Enabled() bool {
	return s.RemoteURL != ""
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("sync.interval_seconds", defaultSyncInterval)
	configViper.SetDefault("sync.batch_size", defaultSyncBatchSize)
	configViper.SetDefault("sync.prune_succeeded", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    strings.TrimSpace(configViper.GetString("http.address")),
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:   strings.TrimSpace(configViper.GetString("database.path")),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		Sync: SyncConfig{
			RemoteURL:      strings.TrimRight(strings.TrimSpace(configViper.GetString("sync.remote_url")), "/"),
			UserEmail:      strings.TrimSpace(configViper.GetString("sync.user_email")),
			Password:       configViper.GetString("sync.password"),
			Interval:       time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
			BatchSize:      configViper.GetInt("sync.batch_size"),
			PruneSucceeded: configViper.GetBool("sync.prune_succeeded"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if !c.Sync.Enabled() {
		return nil
	}
	parsed, err := url.Parse(c.Sync.RemoteURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("sync.remote_url must be an absolute http(s) url")
	}
	if c.Sync.UserEmail == "" {
		return fmt.Errorf("sync.user_email is required when sync.remote_url is set")
	}
	if c.Sync.Password == "" {
		return fmt.Errorf("sync.password is required when sync.remote_url is set")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	return nil
}

// splitList accepts both list values and a single comma separated env string.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
