// Package config loads program settings the way
// original_source/src/configuration.rs does: a base YAML file, overlaid by
// an environment-specific YAML file, overlaid by environment variables
// prefixed APP_ with a double-underscore nesting separator (so
// APP_APPLICATION__PORT=5001 sets Config.Application.Port). The teacher
// template (github.com/brandur/passages-signup) loads a flat struct with
// joeshaw/envdecode, which has no notion of nested keys or a separate
// "__"-delimited override layer, so that library can't carry this
// requirement -- viper is the standard Go equivalent of the Rust `config`
// crate's layered File+Environment sources used by the original, and is
// used here instead (see DESIGN.md).
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/brandur/newsletter/db"
)

var validate = validator.New()

// Environment is the running environment of the program.
type Environment string

const (
	EnvironmentLocal      Environment = "local"
	EnvironmentProduction Environment = "production"
)

// ParseEnvironment parses the APP_ENVIRONMENT value, defaulting to local.
func ParseEnvironment(s string) (Environment, error) {
	if s == "" {
		return EnvironmentLocal, nil
	}

	switch Environment(strings.ToLower(s)) {
	case EnvironmentLocal:
		return EnvironmentLocal, nil
	case EnvironmentProduction:
		return EnvironmentProduction, nil
	default:
		return "", xerrors.Errorf("%q is not a supported environment, use either %q or %q", s, EnvironmentLocal, EnvironmentProduction)
	}
}

// DatabaseSettings is the `database.*` configuration block.
type DatabaseSettings struct {
	Username     string `mapstructure:"username" validate:"required"`
	Password     string `mapstructure:"password" validate:"required"`
	Host         string `mapstructure:"host" validate:"required"`
	Port         int    `mapstructure:"port" validate:"required"`
	DatabaseName string `mapstructure:"database_name" validate:"required"`
	RequireSSL   bool   `mapstructure:"require_ssl"`
}

// ApplicationSettings is the `application.*` configuration block.
type ApplicationSettings struct {
	Host            string `mapstructure:"host" validate:"required"`
	Port            int    `mapstructure:"port" validate:"required"`
	BaseURL         string `mapstructure:"base_url" validate:"required,url"`
	MaintenanceMode bool   `mapstructure:"maintenance_mode"`
}

// Address returns the host:port pair Start should bind to.
func (a ApplicationSettings) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// DSN builds a postgres:// connection string for these settings, delegating
// to db.Settings so the sslmode rule lives in exactly one place.
func (d DatabaseSettings) DSN() string {
	return db.Settings{
		Username:     d.Username,
		Password:     d.Password,
		Host:         d.Host,
		Port:         d.Port,
		DatabaseName: d.DatabaseName,
		RequireSSL:   d.RequireSSL,
	}.DSN()
}

// EmailClientSettings is the `email_client.*` configuration block.
type EmailClientSettings struct {
	BaseURL             string `mapstructure:"base_url" validate:"required,url"`
	SenderEmail         string `mapstructure:"sender_email" validate:"required,email"`
	AuthorizationToken  string `mapstructure:"authorization_token" validate:"required"`
	TimeoutMS           int    `mapstructure:"timeout_ms" validate:"required"`
}

// Config is the fully assembled program configuration.
type Config struct {
	Database    DatabaseSettings    `mapstructure:"database" validate:"required"`
	Application ApplicationSettings `mapstructure:"application" validate:"required"`
	EmailClient EmailClientSettings `mapstructure:"email_client" validate:"required"`
	RedisURI    string              `mapstructure:"redis_uri" validate:"required"`
	Environment Environment         `mapstructure:"-" validate:"required"`
}

// Load reads config/base.yaml, overlays config/<environment>.yaml (where
// environment comes from APP_ENVIRONMENT, defaulting to "local"), and
// finally overlays environment variables of the form
// APP_<SECTION>__<KEY>=value. configDir defaults to "./config" when empty.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = "config"
	}

	environment, err := ParseEnvironment(viperEnvironment())
	if err != nil {
		return nil, xerrors.Errorf("error determining environment: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	v.SetConfigName("base")
	v.AddConfigPath(configDir)
	if err := v.ReadInConfig(); err != nil {
		return nil, xerrors.Errorf("error reading base config: %w", err)
	}

	overlay := viper.New()
	overlay.SetConfigType("yaml")
	overlay.SetConfigName(string(environment))
	overlay.AddConfigPath(configDir)
	if err := overlay.ReadInConfig(); err != nil {
		return nil, xerrors.Errorf("error reading %s config: %w", environment, err)
	}
	if err := v.MergeConfigMap(overlay.AllSettings()); err != nil {
		return nil, xerrors.Errorf("error merging %s config: %w", environment, err)
	}

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	// viper only picks up an env override for a key it already knows about
	// (from the YAML files or an explicit BindEnv), so bind every leaf key
	// this program cares about up front.
	for _, key := range []string{
		"database.username", "database.password", "database.host",
		"database.port", "database.database_name", "database.require_ssl",
		"application.host", "application.port", "application.base_url", "application.maintenance_mode",
		"email_client.base_url", "email_client.sender_email",
		"email_client.authorization_token", "email_client.timeout_ms",
		"redis_uri",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, xerrors.Errorf("error binding env for %q: %w", key, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, xerrors.Errorf("error unmarshaling config: %w", err)
	}
	config.Environment = environment

	if err := validate.Struct(&config); err != nil {
		return nil, xerrors.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvironmentProduction
}

func viperEnvironment() string {
	return strings.TrimSpace(os.Getenv("APP_ENVIRONMENT"))
}
