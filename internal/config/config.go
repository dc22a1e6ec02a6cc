// Package config loads service settings from the environment, an optional .env file,
// and an optional adhesion.yaml.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "ADHESION"

// Config holds all configuration for the service.
type Config struct {
	HTTPAddr       string
	PGDSN          string
	AuthSecret     string
	WebhookSecret  string
	KafkaBrokers   []string
	KafkaTopic     string
	CORSOrigins    []string
	// TrustedProxies are the peers whose X-Forwarded-For is believed.
	TrustedProxies []netip.Prefix
	TokenTTL       time.Duration
	LogLevel       string
	Location       *time.Location
	RateBurst      int
	RatePerSec     int
	Referral       ReferralConfig
}

// ReferralConfig holds the fallback point values used when points_config has no active row.
type ReferralConfig struct {
	BasePoints    int
	PaymentPoints int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("pg_dsn", "")
	v.SetDefault("auth_secret", "")
	v.SetDefault("webhook_secret", "")
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_topic", "adhesion.events")
	v.SetDefault("cors_origins", "")
	v.SetDefault("trusted_proxies", "")
	v.SetDefault("token_ttl", "24h")
	v.SetDefault("log_level", "info")
	v.SetDefault("timezone", "UTC")
	v.SetDefault("rate_burst", 20)
	v.SetDefault("rate_per_sec", 10)
	v.SetDefault("referral_base_points", 10)
	v.SetDefault("referral_payment_points", 5)
}

// Load reads .env (if present), adhesion.yaml (if present) and ADHESION_* variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigName("adhesion")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	loc, err := time.LoadLocation(v.GetString("timezone"))
	if err != nil {
		return nil, fmt.Errorf("config: timezone: %w", err)
	}
	proxies, err := parsePrefixes(v.GetString("trusted_proxies"))
	if err != nil {
		return nil, fmt.Errorf("config: trusted_proxies: %w", err)
	}
	cfg := &Config{
		HTTPAddr:       v.GetString("http_addr"),
		PGDSN:          strings.TrimSpace(v.GetString("pg_dsn")),
		AuthSecret:     strings.TrimSpace(v.GetString("auth_secret")),
		WebhookSecret:  strings.TrimSpace(v.GetString("webhook_secret")),
		KafkaBrokers:   splitList(v.GetString("kafka_brokers")),
		KafkaTopic:     v.GetString("kafka_topic"),
		CORSOrigins:    splitList(v.GetString("cors_origins")),
		TrustedProxies: proxies,
		TokenTTL:       v.GetDuration("token_ttl"),
		LogLevel:       v.GetString("log_level"),
		Location:       loc,
		RateBurst:      v.GetInt("rate_burst"),
		RatePerSec:     v.GetInt("rate_per_sec"),
		Referral: ReferralConfig{
			BasePoints:    v.GetInt("referral_base_points"),
			PaymentPoints: v.GetInt("referral_payment_points"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AuthSecret == "" {
		return errors.New("config: ADHESION_AUTH_SECRET is required")
	}
	if c.Referral.BasePoints < 0 || c.Referral.PaymentPoints < 0 {
		return errors.New("config: referral points must be >= 0")
	}
	if c.TokenTTL <= 0 {
		return errors.New("config: token ttl must be > 0")
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		return errors.New("config: rate limits must be > 0")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsePrefixes reads a comma-separated list of CIDRs; a bare address is a single-host prefix.
func parsePrefixes(raw string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range splitList(raw) {
		if !strings.Contains(part, "/") {
			addr, err := netip.ParseAddr(part)
			if err != nil {
				return nil, err
			}
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Masked())
	}
	return out, nil
}
