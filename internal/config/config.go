package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "CODESTREAK"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabaseDSN       = "codestreak.db"
	defaultLogLevel          = "info"
	defaultLogEncoding       = "json"
	defaultAuthIssuer        = "codestreak-auth"
	defaultSummaryTTL        = 2 * time.Minute
	defaultHeartbeatInterval = 15 * time.Second
	defaultRealtimeBuffer    = 16
	defaultRolloverGrace     = 30 * time.Second
)

// AppConfig captures runtime configuration for the API server and jobs.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	DatabaseDriver    string
	DatabaseDSN       string
	LogLevel          string
	LogEncoding       string
	AuthSigningSecret string
	AuthIssuer        string
	AuthAudience      string
	RedisAddress      string
	RedisPassword     string
	RedisDB           int
	SummaryTTL        time.Duration
	RulesFile         string
	HeartbeatInterval time.Duration
	RealtimeBuffer    int
	RolloverEnabled   bool
	RolloverGrace     time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper
// instance. CODESTREAK_DATABASE_DSN overrides database.dsn and so on.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("cache.summary_ttl", defaultSummaryTTL)
	configViper.SetDefault("scoring.rules_file", "")
	configViper.SetDefault("realtime.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("realtime.buffer_size", defaultRealtimeBuffer)
	configViper.SetDefault("rollover.enabled", true)
	configViper.SetDefault("rollover.grace", defaultRolloverGrace)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		LogEncoding:       configViper.GetString("log.encoding"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthAudience:      configViper.GetString("auth.audience"),
		RedisAddress:      configViper.GetString("redis.address"),
		RedisPassword:     configViper.GetString("redis.password"),
		RedisDB:           configViper.GetInt("redis.db"),
		SummaryTTL:        configViper.GetDuration("cache.summary_ttl"),
		RulesFile:         configViper.GetString("scoring.rules_file"),
		HeartbeatInterval: configViper.GetDuration("realtime.heartbeat_interval"),
		RealtimeBuffer:    configViper.GetInt("realtime.buffer_size"),
		RolloverEnabled:   configViper.GetBool("rollover.enabled"),
		RolloverGrace:     configViper.GetDuration("rollover.grace"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadStorage parses only what offline jobs need: no signing secret required.
func LoadStorage(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LogLevel:       configViper.GetString("log.level"),
		LogEncoding:    configViper.GetString("log.encoding"),
		RedisAddress:   configViper.GetString("redis.address"),
		RedisPassword:  configViper.GetString("redis.password"),
		RedisDB:        configViper.GetInt("redis.db"),
		SummaryTTL:     configViper.GetDuration("cache.summary_ttl"),
		RulesFile:      configViper.GetString("scoring.rules_file"),
	}
	if err := cfg.validateStorage(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_interval must be positive")
	}
	if c.RealtimeBuffer <= 0 {
		return fmt.Errorf("realtime.buffer_size must be positive")
	}
	if c.RolloverEnabled && c.RolloverGrace <= 0 {
		return fmt.Errorf("rollover.grace must be positive")
	}
	return c.validateStorage()
}

func (c AppConfig) validateStorage() error {
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.SummaryTTL <= 0 {
		return fmt.Errorf("cache.summary_ttl must be positive")
	}
	return nil
}
