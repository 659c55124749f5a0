package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "FEDBRIDGE"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "fedbridge.db"
	defaultLogLevel        = "info"
	defaultExternalTable   = "users"
	defaultProviderID      = "legacy-postgres"
	defaultMaxConns        = 10
	defaultIssuerURL       = "http://localhost:8080"
	defaultAccessTokenTTL  = 300
	defaultRefreshTokenTTL = 1800
	defaultBridgeClientID  = "legacy-bridge"
	defaultRequiredScope   = "bridge-legacy-auth"
	tokenEndpointPath      = "/oauth/token"
)

// AppConfig captures runtime configuration for the service.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	External     ExternalConfig
	Issuer       IssuerConfig
	Bridge       BridgeConfig
	Clients      []ClientConfig
}

// ExternalConfig describes the legacy relational store. An empty DatabaseURL disables federation.
type ExternalConfig struct {
	DatabaseURL   string
	Username      string
	Password      string
	Table         string
	ImportEnabled bool
	ProviderID    string
	MaxConns      int32
	CacheTTL      time.Duration
}

// Enabled reports whether an external store was configured.
func (c ExternalConfig) Enabled() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

// IssuerConfig configures the embedded token endpoint.
type IssuerConfig struct {
	Enabled                bool
	URL                    string
	SigningKeyPath         string
	AccessTokenTTL         time.Duration
	RefreshTokenTTL        time.Duration
	DefaultRequiredActions []string
}

// BridgeConfig configures the legacy login endpoint.
type BridgeConfig struct {
	ClientID      string
	RequiredScope string
	TokenEndpoint string
	JWKSURL       string
	Timeout       time.Duration
}

// ClientConfig is one OAuth client entry.
type ClientConfig struct {
	ID                 string   `mapstructure:"id"`
	Enabled            bool     `mapstructure:"enabled"`
	DirectAccessGrants bool     `mapstructure:"direct_access_grants"`
	Scopes             []string `mapstructure:"scopes"`
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("external.database_url", "")
	configViper.SetDefault("external.username", "")
	configViper.SetDefault("external.password", "")
	configViper.SetDefault("external.table", defaultExternalTable)
	configViper.SetDefault("external.import_enabled", true)
	configViper.SetDefault("external.provider_id", defaultProviderID)
	configViper.SetDefault("external.max_conns", defaultMaxConns)
	configViper.SetDefault("external.cache_ttl_seconds", 0)

	configViper.SetDefault("issuer.enabled", true)
	configViper.SetDefault("issuer.url", defaultIssuerURL)
	configViper.SetDefault("issuer.signing_key_path", "")
	configViper.SetDefault("issuer.access_token_ttl_seconds", defaultAccessTokenTTL)
	configViper.SetDefault("issuer.refresh_token_ttl_seconds", defaultRefreshTokenTTL)
	configViper.SetDefault("issuer.default_required_actions", []string{"VERIFY_EMAIL"})

	configViper.SetDefault("bridge.client_id", "")
	configViper.SetDefault("bridge.required_scope", defaultRequiredScope)
	configViper.SetDefault("bridge.token_endpoint", "")
	configViper.SetDefault("bridge.jwks_url", "")
	configViper.SetDefault("bridge.timeout_seconds", 0)
	_ = configViper.BindEnv("bridge.client_id", envPrefix+"_BRIDGE_CLIENT_ID", "KC_SPI_BRIDGE_CLIENT_ID")
	_ = configViper.BindEnv("bridge.required_scope", envPrefix+"_BRIDGE_REQUIRED_SCOPE", "KC_SPI_BRIDGE_REQUIRED_SCOPE")

	configViper.SetDefault("clients", []map[string]any{{
		"id":                   defaultBridgeClientID,
		"enabled":              true,
		"direct_access_grants": true,
		"scopes":               []string{"openid", "email", "profile", defaultRequiredScope},
	}})
}

// LoadDotEnv loads environment files when they exist. Variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  strings.TrimSpace(configViper.GetString("http.address")),
		DatabasePath: strings.TrimSpace(configViper.GetString("database.path")),
		LogLevel:     configViper.GetString("log.level"),
		External: ExternalConfig{
			DatabaseURL:   strings.TrimSpace(configViper.GetString("external.database_url")),
			Username:      configViper.GetString("external.username"),
			Password:      configViper.GetString("external.password"),
			Table:         strings.TrimSpace(configViper.GetString("external.table")),
			ImportEnabled: configViper.GetBool("external.import_enabled"),
			ProviderID:    strings.TrimSpace(configViper.GetString("external.provider_id")),
			MaxConns:      configViper.GetInt32("external.max_conns"),
			CacheTTL:      seconds(configViper.GetInt("external.cache_ttl_seconds")),
		},
		Issuer: IssuerConfig{
			Enabled:                configViper.GetBool("issuer.enabled"),
			URL:                    strings.TrimRight(strings.TrimSpace(configViper.GetString("issuer.url")), "/"),
			SigningKeyPath:         strings.TrimSpace(configViper.GetString("issuer.signing_key_path")),
			AccessTokenTTL:         seconds(configViper.GetInt("issuer.access_token_ttl_seconds")),
			RefreshTokenTTL:        seconds(configViper.GetInt("issuer.refresh_token_ttl_seconds")),
			DefaultRequiredActions: configViper.GetStringSlice("issuer.default_required_actions"),
		},
		Bridge: BridgeConfig{
			ClientID:      strings.TrimSpace(configViper.GetString("bridge.client_id")),
			RequiredScope: strings.TrimSpace(configViper.GetString("bridge.required_scope")),
			TokenEndpoint: strings.TrimSpace(configViper.GetString("bridge.token_endpoint")),
			JWKSURL:       strings.TrimSpace(configViper.GetString("bridge.jwks_url")),
			Timeout:       seconds(configViper.GetInt("bridge.timeout_seconds")),
		},
	}
	if err := configViper.UnmarshalKey("clients", &cfg.Clients); err != nil {
		return AppConfig{}, fmt.Errorf("clients: %w", err)
	}
	if cfg.Bridge.TokenEndpoint == "" {
		cfg.Bridge.TokenEndpoint = localTokenEndpoint(cfg.HTTPAddress)
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Issuer.Enabled {
		if c.Issuer.URL == "" {
			return fmt.Errorf("issuer.url is required when the issuer is enabled")
		}
		if c.Issuer.AccessTokenTTL <= 0 {
			return fmt.Errorf("issuer.access_token_ttl_seconds must be positive")
		}
		if c.Issuer.RefreshTokenTTL <= 0 {
			return fmt.Errorf("issuer.refresh_token_ttl_seconds must be positive")
		}
	}
	if c.External.Enabled() && c.External.ProviderID == "" {
		return fmt.Errorf("external.provider_id is required")
	}
	for index, client := range c.Clients {
		if strings.TrimSpace(client.ID) == "" {
			return fmt.Errorf("clients[%d].id is required", index)
		}
	}
	return nil
}

// localTokenEndpoint points the bridge at the embedded issuer on the loopback interface.
func localTokenEndpoint(address string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + tokenEndpointPath
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}
