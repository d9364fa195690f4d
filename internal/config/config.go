// Package config provides configuration loading and validation for the
// Cat-Emails core engine: scheduler timing, rate limits, database
// connection, classifier endpoints, OAuth client settings, and the
// per-category blocked-action policy.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Defaults mirror spec.md's stated defaults and ranges.
const (
	DefaultPort           = 8080
	DefaultLogLevel       = "info"
	DefaultScanInterval   = 300 * time.Second
	DefaultLookbackHours  = 2
	MinLookbackHours      = 1
	MaxLookbackHours      = 168
	DefaultMinInterval    = 5 * time.Minute
	DefaultMaxRecent      = 50
	DefaultRequestTimeout = 30 * time.Second
	DefaultPipelineTimeout = 10 * time.Minute
	DefaultShutdownTimeout = 30 * time.Second
)

// Config is the effective configuration for the engine. No environment
// variable is read inside the pipeline itself; every value here is
// injected at construction (spec.md §6.5).
type Config struct {
	Environment string `mapstructure:"environment"`
	Port        int    `mapstructure:"port" validate:"min=1024,max=65535"`
	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	Database DatabaseConfig `mapstructure:"database" validate:"required"`

	ScanInterval   time.Duration `mapstructure:"scan_interval"`
	LookbackHours  int           `mapstructure:"lookback_hours" validate:"min=1,max=168"`
	MinInterval    time.Duration `mapstructure:"min_interval"`
	MaxRecent      int           `mapstructure:"max_recent" validate:"min=1,max=1000"`
	PipelineTimeout time.Duration `mapstructure:"pipeline_timeout"`

	APIKey string `mapstructure:"api_key"`

	Classifier ClassifierConfig `mapstructure:"classifier"`
	OAuth      OAuthConfig      `mapstructure:"oauth"`

	// BlockedCategoryAction and DefaultBlockedAction are validated and
	// reported by GET /api/config, but the pipeline does not read them: the
	// archive-vs-delete choice for a blocked category comes from the
	// Policy's BlockedCategories map, with delete for a category that has
	// no entry there.
	BlockedCategoryAction map[string]string `mapstructure:"blocked_category_action"`
	DefaultBlockedAction  string            `mapstructure:"default_blocked_action" validate:"omitempty,oneof=delete archive"`

	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds the Postgres connection settings for the Audit
// Store.
type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
	Name     string `mapstructure:"name" validate:"required"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, sslMode)
}

// ClassifierConfig holds the primary/secondary classifier endpoint URLs;
// the Classifier implementation itself is an external collaborator
// (spec.md §1) — only its addressing lives here.
type ClassifierConfig struct {
	PrimaryEndpoint   string        `mapstructure:"primary_endpoint"`
	SecondaryEndpoint string        `mapstructure:"secondary_endpoint"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// OAuthConfig holds per-provider OAuth client settings plus the signing key
// for the oauth_state handshake tokens (SPEC_FULL.md §4.I).
type OAuthConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`
	StateSignKey string   `mapstructure:"state_sign_key" validate:"required,min=16"`
}

// Load reads configuration from config.<environment>.yaml under configPath,
// overlays CATEMAILS_-prefixed environment variables, applies defaults, and
// validates the result.
func Load(configPath string, environment string) (*Config, error) {
	v := viper.New()

	v.SetDefault("port", DefaultPort)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("scan_interval", DefaultScanInterval)
	v.SetDefault("lookback_hours", DefaultLookbackHours)
	v.SetDefault("min_interval", DefaultMinInterval)
	v.SetDefault("max_recent", DefaultMaxRecent)
	v.SetDefault("pipeline_timeout", DefaultPipelineTimeout)
	v.SetDefault("request_timeout", DefaultRequestTimeout)
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("default_blocked_action", "delete")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetConfigName(fmt.Sprintf("config.%s", environment))
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvPrefix("CATEMAILS")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overlaySecrets(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Environment = environment

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// overlaySecrets applies secret-bearing environment variables on top of
// whatever the config file set, so secrets never need to live on disk.
func overlaySecrets(v *viper.Viper) {
	if dbPass := os.Getenv("CATEMAILS_DB_PASSWORD"); dbPass != "" {
		v.Set("database.password", dbPass)
	}
	if apiKey := os.Getenv("CATEMAILS_API_KEY"); apiKey != "" {
		v.Set("api_key", apiKey)
	}
	if oauthSecret := os.Getenv("CATEMAILS_OAUTH_CLIENT_SECRET"); oauthSecret != "" {
		v.Set("oauth.client_secret", oauthSecret)
	}
	if signKey := os.Getenv("CATEMAILS_OAUTH_STATE_KEY"); signKey != "" {
		v.Set("oauth.state_sign_key", signKey)
	}
}

var validate = validator.New()

// Validate runs struct-tag validation plus the cross-field checks the tags
// can't express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	for category, action := range c.BlockedCategoryAction {
		if action != string(ActionDelete) && action != string(ActionArchive) {
			return fmt.Errorf("blocked_category_action[%s]: invalid action %q", category, action)
		}
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("scan_interval must be positive")
	}
	if c.MinInterval <= 0 {
		return fmt.Errorf("min_interval must be positive")
	}
	return nil
}

// Action constants mirrored here to avoid an import cycle with models for
// the two string literals used in validation above.
const (
	ActionDelete  = "delete"
	ActionArchive = "archive"
)
