package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting the service reads at start-up.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crypto    CryptoConfig    `mapstructure:"crypto"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Parser    ParserConfig    `mapstructure:"parser"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	Mode        string   `mapstructure:"mode"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type CryptoConfig struct {
	TokenKey string `mapstructure:"token_key"`
}

// ProviderConfig is the OAuth client registration for one mail provider.
type ProviderConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
	IMAPAddr     string `mapstructure:"imap_addr"`
	Tenant       string `mapstructure:"tenant"`
}

// Enabled reports whether the provider has credentials configured.
func (p ProviderConfig) Enabled() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

type ProvidersConfig struct {
	Gmail   ProviderConfig `mapstructure:"gmail"`
	Outlook ProviderConfig `mapstructure:"outlook"`
	Yahoo   ProviderConfig `mapstructure:"yahoo"`
}

type SyncConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	TokenRefreshInterval time.Duration `mapstructure:"token_refresh_interval"`
	LookbackDays         int           `mapstructure:"lookback_days"`
	Concurrency          int           `mapstructure:"concurrency"`
	MaxMessages          int           `mapstructure:"max_messages"`
	Query                string        `mapstructure:"query"`
	RequestsPerSecond    float64       `mapstructure:"requests_per_second"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
}

type LedgerConfig struct {
	NegativeBalanceFloor string  `mapstructure:"negative_balance_floor"`
	AutoApplyConfidence  float64 `mapstructure:"auto_apply_confidence"`
	DefaultCurrency      string  `mapstructure:"default_currency"`
}

type ParserConfig struct {
	RulesFile string `mapstructure:"rules_file"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var (
	ErrMissingJWTSecret = errors.New("auth.jwt_secret is not set")
	ErrMissingTokenKey  = errors.New("crypto.token_key is not set")
)

const defaultQuery = `(debited OR credited OR "transaction alert" OR spent OR "account update" OR "card ending") -subject:(offer OR cashback OR reward)`

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=expenses port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("auth.issuer", "expense-reconciliation")

	v.SetDefault("providers.outlook.imap_addr", "outlook.office365.com:993")
	v.SetDefault("providers.outlook.tenant", "common")
	v.SetDefault("providers.yahoo.imap_addr", "imap.mail.yahoo.com:993")

	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.token_refresh_interval", time.Hour)
	v.SetDefault("sync.lookback_days", 30)
	v.SetDefault("sync.concurrency", 5)
	v.SetDefault("sync.max_messages", 200)
	v.SetDefault("sync.query", defaultQuery)
	v.SetDefault("sync.requests_per_second", 10.0)
	v.SetDefault("sync.request_timeout", 30*time.Second)

	v.SetDefault("ledger.negative_balance_floor", "-100000")
	v.SetDefault("ledger.auto_apply_confidence", 0.9)
	v.SetDefault("ledger.default_currency", "INR")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads config.yaml (if any) and EXPENSE_* environment variables on top
// of the defaults. An explicit path overrides the search locations.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("EXPENSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{
		"auth.jwt_secret", "crypto.token_key", "parser.rules_file",
		"providers.gmail.client_id", "providers.gmail.client_secret", "providers.gmail.redirect_url",
		"providers.outlook.client_id", "providers.outlook.client_secret", "providers.outlook.redirect_url",
		"providers.yahoo.client_id", "providers.yahoo.client_secret", "providers.yahoo.redirect_url",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings required to serve requests.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	if c.Crypto.TokenKey == "" {
		return ErrMissingTokenKey
	}
	if c.Sync.Concurrency < 1 {
		c.Sync.Concurrency = 1
	}
	return nil
}
