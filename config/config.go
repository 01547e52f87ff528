/*
Package config loads process configuration with viper.

SOURCES (later wins):
  1. Defaults (setDefaults)
  2. YAML file (--config, default ./config.yaml; a missing default file is fine)
  3. Environment: SETTLEMENT_<SECTION>_<KEY>, e.g. SETTLEMENT_DATABASE_DSN
  4. Legacy PayPay variables shared with the web backend:
     PAYPAY_API_URL, PAYPAY_API_KEY, PAYPAY_API_SECRET, PAYPAY_MERCHANT_ID,
     PAYPAY_WEBHOOK_SECRET, PAYPAY_WEBHOOK_IP_WHITE_LIST, FRONTEND_BASE_URL

List values (cors origins, top-up amounts, IP allow-list) accept comma-separated
strings from the environment.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/szer/settlement/paypay"
	"github.com/szer/settlement/settlement"
)

// DefaultPath is used when --config is not given.
const DefaultPath = "config.yaml"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	PayPay   PayPayConfig   `mapstructure:"paypay"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Points   PointsConfig   `mapstructure:"points"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Log      LogConfig      `mapstructure:"log"`
	Frontend FrontendConfig `mapstructure:"frontend"`
}

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres
	DSN    string `mapstructure:"dsn"`
}

type PayPayConfig struct {
	APIURL         string        `mapstructure:"api_url"`
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	MerchantID     string        `mapstructure:"merchant_id"`
	Timeout        time.Duration `mapstructure:"timeout"`
	WebhookSecret  string        `mapstructure:"webhook_secret"`
	WebhookIPAllow []string      `mapstructure:"webhook_ip_allow"`
}

type AuthConfig struct {
	// SessionURL is the auth service's get-session endpoint.
	SessionURL string `mapstructure:"session_url"`
	// DevHeader, when set, trusts this request header as the user id.
	// Never set it in production.
	DevHeader string `mapstructure:"dev_header"`
}

type PointsConfig struct {
	TopupAmounts     []int64 `mapstructure:"topup_amounts"`
	PerYen           string  `mapstructure:"per_yen"`
	AllowDirectTopup bool    `mapstructure:"allow_direct_topup"`
}

type SweeperConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	PendingWindow time.Duration `mapstructure:"pending_window"`
	Batch         int           `mapstructure:"batch"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

type FrontendConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "settlement.db")
	v.SetDefault("paypay.api_url", paypay.DefaultBaseURL)
	v.SetDefault("paypay.api_key", "")
	v.SetDefault("paypay.api_secret", "")
	v.SetDefault("paypay.merchant_id", "")
	v.SetDefault("paypay.timeout", 10*time.Second)
	v.SetDefault("paypay.webhook_secret", "")
	v.SetDefault("paypay.webhook_ip_allow", []string{})
	v.SetDefault("auth.session_url", "http://localhost:3000/api/auth/get-session")
	v.SetDefault("auth.dev_header", "")
	v.SetDefault("points.topup_amounts", []int64{100, 500, 1000})
	v.SetDefault("points.per_yen", "1")
	v.SetDefault("points.allow_direct_topup", false)
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", time.Minute)
	v.SetDefault("sweeper.pending_window", 30*time.Minute)
	v.SetDefault("sweeper.batch", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("frontend.base_url", "http://localhost:3000")
}

var legacyEnv = map[string]string{
	"paypay.api_url":          "PAYPAY_API_URL",
	"paypay.api_key":          "PAYPAY_API_KEY",
	"paypay.api_secret":       "PAYPAY_API_SECRET",
	"paypay.merchant_id":      "PAYPAY_MERCHANT_ID",
	"paypay.webhook_secret":   "PAYPAY_WEBHOOK_SECRET",
	"paypay.webhook_ip_allow": "PAYPAY_WEBHOOK_IP_WHITE_LIST",
	"frontend.base_url":       "FRONTEND_BASE_URL",
}

// Load reads configuration from path, the environment and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SETTLEMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := "SETTLEMENT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, err
		}
	}

	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if path != DefaultPath || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.PayPay.WebhookIPAllow = trimAll(cfg.PayPay.WebhookIPAllow)
	cfg.Server.CORSOrigins = trimAll(cfg.Server.CORSOrigins)
	cfg.Frontend.BaseURL = strings.TrimRight(cfg.Frontend.BaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values every command depends on. PayPay credentials are
// checked when the client is built.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("database.dsn is required")
	}
	if c.Sweeper.PendingWindow <= 0 {
		return fmt.Errorf("sweeper.pending_window must be positive, got %s", c.Sweeper.PendingWindow)
	}
	if c.Sweeper.Enabled && c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper.interval must be positive, got %s", c.Sweeper.Interval)
	}
	if len(c.Points.TopupAmounts) == 0 {
		return errors.New("points.topup_amounts must not be empty")
	}
	if _, err := c.TopupPlan(); err != nil {
		return fmt.Errorf("points: %w", err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

// TopupPlan builds the plan from points.*.
func (c *Config) TopupPlan() (settlement.TopupPlan, error) {
	return settlement.NewTopupPlan(c.Points.TopupAmounts, c.Points.PerYen)
}

// PayPayClient returns the client settings.
func (c *Config) PayPayClient() paypay.Config {
	return paypay.Config{
		BaseURL:    c.PayPay.APIURL,
		APIKey:     c.PayPay.APIKey,
		APISecret:  c.PayPay.APISecret,
		MerchantID: c.PayPay.MerchantID,
		Timeout:    c.PayPay.Timeout,
	}
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		// A single env value like "a, b" may arrive unsplit.
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
