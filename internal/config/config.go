package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	JWTSecret   string
	Escrow      EscrowConfig
	Webhook     WebhookConfig
	Gateway     GatewayConfig
	MercadoPago MercadoPagoConfig
	Sandbox     SandboxConfig
	NotifyQueue string
}

type ServerConfig struct {
	Port           string
	RequestTimeout time.Duration
	AllowedOrigins []string
}

type EscrowConfig struct {
	HoldPeriod    time.Duration
	SweepInterval time.Duration
	SweepBatch    int
	LeaseTTL      time.Duration
}

type WebhookConfig struct {
	DedupTTL time.Duration
}

type GatewayConfig struct {
	Default    string
	Enabled    []string
	Timeout    time.Duration
	MaxRetries int
}

type MercadoPagoConfig struct {
	AccessToken   string
	PublicKey     string
	WebhookSecret string
}

type SandboxConfig struct {
	WebhookSecret string
}

var envBindings = map[string]string{
	"server.port":                "PORT",
	"jwt.secret_key":             "JWT_SECRET_KEY",
	"escrow.hold_period":         "ESCROW_HOLD_PERIOD",
	"escrow.sweep_interval":      "ESCROW_SWEEP_INTERVAL",
	"escrow.sweep_batch_size":    "ESCROW_SWEEP_BATCH_SIZE",
	"escrow.lease_ttl":           "ESCROW_LEASE_TTL",
	"webhook.dedup_ttl":          "WEBHOOK_DEDUP_TTL",
	"gateway.default":            "GATEWAY_DEFAULT",
	"gateway.enabled":            "GATEWAY_ENABLED",
	"gateway.timeout":            "GATEWAY_TIMEOUT",
	"gateway.max_retries":        "GATEWAY_MAX_RETRIES",
	"mercadopago.access_token":   "MERCADOPAGO_ACCESS_TOKEN",
	"mercadopago.public_key":     "MERCADOPAGO_PUBLIC_KEY",
	"mercadopago.webhook_secret": "MERCADOPAGO_WEBHOOK_SECRET",
	"sandbox.webhook_secret":     "SANDBOX_WEBHOOK_SECRET",
	"notify.queue":               "NOTIFY_QUEUE",

	"database.host":     "DATABASE_HOST",
	"database.port":     "DATABASE_PORT",
	"database.user":     "DATABASE_USER",
	"database.password": "DATABASE_PASSWORD",
	"database.name":     "DATABASE_NAME",
	"database.ssl_mode": "DATABASE_SSL_MODE",

	"redis.host":     "REDIS_HOST",
	"redis.port":     "REDIS_PORT",
	"redis.password": "REDIS_PASSWORD",
	"redis.db":       "REDIS_DB",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("escrow.hold_period", 7*24*time.Hour)
	v.SetDefault("escrow.sweep_interval", 5*time.Minute)
	v.SetDefault("escrow.sweep_batch_size", 100)
	v.SetDefault("escrow.lease_ttl", time.Minute)
	v.SetDefault("webhook.dedup_ttl", 7*24*time.Hour)
	v.SetDefault("gateway.default", "mercadopago")
	v.SetDefault("gateway.enabled", "mercadopago,sandbox")
	v.SetDefault("gateway.timeout", 10*time.Second)
	v.SetDefault("gateway.max_retries", 3)
	v.SetDefault("notify.queue", "settlement_events")
}

// Load reads .env from the working directory when present and lets
// environment variables override it.
func Load(v *viper.Viper) (*Config, error) {
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetString("server.port"),
			RequestTimeout: v.GetDuration("server.request_timeout"),
			AllowedOrigins: splitList(v.GetString("server.allowed_origins")),
		},
		JWTSecret: v.GetString("jwt.secret_key"),
		Escrow: EscrowConfig{
			HoldPeriod:    v.GetDuration("escrow.hold_period"),
			SweepInterval: v.GetDuration("escrow.sweep_interval"),
			SweepBatch:    v.GetInt("escrow.sweep_batch_size"),
			LeaseTTL:      v.GetDuration("escrow.lease_ttl"),
		},
		Webhook: WebhookConfig{DedupTTL: v.GetDuration("webhook.dedup_ttl")},
		Gateway: GatewayConfig{
			Default:    v.GetString("gateway.default"),
			Enabled:    splitList(v.GetString("gateway.enabled")),
			Timeout:    v.GetDuration("gateway.timeout"),
			MaxRetries: v.GetInt("gateway.max_retries"),
		},
		MercadoPago: MercadoPagoConfig{
			AccessToken:   v.GetString("mercadopago.access_token"),
			PublicKey:     v.GetString("mercadopago.public_key"),
			WebhookSecret: v.GetString("mercadopago.webhook_secret"),
		},
		Sandbox:     SandboxConfig{WebhookSecret: v.GetString("sandbox.webhook_secret")},
		NotifyQueue: v.GetString("notify.queue"),
	}
	return cfg, cfg.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) GatewayEnabled(name string) bool {
	for _, g := range c.Gateway.Enabled {
		if g == name {
			return true
		}
	}
	return false
}

// Validate fails on anything the server cannot safely start without,
// including missing credentials for an enabled gateway.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt.secret_key is required"))
	}
	if c.Escrow.HoldPeriod <= 0 {
		errs = append(errs, errors.New("escrow.hold_period must be positive"))
	}
	if c.Escrow.SweepInterval <= 0 {
		errs = append(errs, errors.New("escrow.sweep_interval must be positive"))
	}
	if len(c.Gateway.Enabled) == 0 {
		errs = append(errs, errors.New("gateway.enabled lists no gateways"))
	}
	if !c.GatewayEnabled(c.Gateway.Default) {
		errs = append(errs, fmt.Errorf("gateway.default %q is not enabled", c.Gateway.Default))
	}
	for _, g := range c.Gateway.Enabled {
		switch g {
		case "mercadopago":
			if c.MercadoPago.AccessToken == "" || c.MercadoPago.WebhookSecret == "" {
				errs = append(errs, errors.New("mercadopago.access_token and mercadopago.webhook_secret are required"))
			}
		case "sandbox":
			if c.Sandbox.WebhookSecret == "" {
				errs = append(errs, errors.New("sandbox.webhook_secret is required"))
			}
		default:
			errs = append(errs, fmt.Errorf("unsupported gateway %q", g))
		}
	}
	return errors.Join(errs...)
}
