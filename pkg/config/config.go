package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "funnel"

const (
	AppEnvDev        = "dev"
	AppEnvStaging    = "staging"
	AppEnvProduction = "production"
)

type Config struct {
	App      AppConfig
	Redis    RedisConfig
	Stripe   StripeConfig
	Commerce CommerceConfig
	Points   PointsConfig
	Checkout CheckoutConfig
	Funnels  FunnelsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Stripe.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"FUNNEL_APP_ENV" required:"true"`
	Port         string `envconfig:"FUNNEL_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"FUNNEL_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"FUNNEL_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProduction)
}

type RedisConfig struct {
	URL          string        `envconfig:"FUNNEL_REDIS_URL" required:"true"`
	Address      string        `envconfig:"FUNNEL_REDIS_ADDR"`
	Password     string        `envconfig:"FUNNEL_REDIS_PASSWORD"`
	DB           int           `envconfig:"FUNNEL_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"FUNNEL_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"FUNNEL_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"FUNNEL_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"FUNNEL_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"FUNNEL_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// StripeConfig carries both mode key pairs; the per-funnel mode decides
// which pair a request uses.
type StripeConfig struct {
	TestSecretKey      string `envconfig:"FUNNEL_STRIPE_TEST_SECRET_KEY"`
	TestPublishableKey string `envconfig:"FUNNEL_STRIPE_TEST_PUBLISHABLE_KEY"`
	LiveSecretKey      string `envconfig:"FUNNEL_STRIPE_LIVE_SECRET_KEY"`
	LivePublishableKey string `envconfig:"FUNNEL_STRIPE_LIVE_PUBLISHABLE_KEY"`

	// Comma-separated webhook signing secrets; a payload verifying against
	// any of them is accepted, so test and live endpoints can share a route.
	WebhookSecrets     string        `envconfig:"FUNNEL_STRIPE_WEBHOOK_SECRETS"`
	SignatureTolerance time.Duration `envconfig:"FUNNEL_STRIPE_SIGNATURE_TOLERANCE" default:"5m"`
}

func (s StripeConfig) WebhookSecretList() []string {
	var out []string
	for _, raw := range strings.Split(s.WebhookSecrets, ",") {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (s StripeConfig) validate() error {
	if strings.TrimSpace(s.TestSecretKey) == "" && strings.TrimSpace(s.LiveSecretKey) == "" {
		return fmt.Errorf("at least one stripe secret key (test or live) is required")
	}
	if s.TestSecretKey != "" && !strings.HasPrefix(s.TestSecretKey, "sk_test") && !strings.HasPrefix(s.TestSecretKey, "rk_test") {
		return fmt.Errorf("stripe test secret key must start with sk_test/rk_test")
	}
	if s.LiveSecretKey != "" && !strings.HasPrefix(s.LiveSecretKey, "sk_live") && !strings.HasPrefix(s.LiveSecretKey, "rk_live") {
		return fmt.Errorf("stripe live secret key must start with sk_live/rk_live")
	}
	return nil
}

// CommerceConfig points at the host order-management platform's REST API.
type CommerceConfig struct {
	BaseURL        string        `envconfig:"FUNNEL_COMMERCE_BASE_URL" required:"true"`
	ConsumerKey    string        `envconfig:"FUNNEL_COMMERCE_CONSUMER_KEY" required:"true"`
	ConsumerSecret string        `envconfig:"FUNNEL_COMMERCE_CONSUMER_SECRET" required:"true"`
	Timeout        time.Duration `envconfig:"FUNNEL_COMMERCE_TIMEOUT" default:"25s"`
}

type PointsConfig struct {
	PointsPerDollar int `envconfig:"FUNNEL_POINTS_PER_DOLLAR" default:"10"`
}

type CheckoutConfig struct {
	DraftTTL            time.Duration `envconfig:"FUNNEL_CHECKOUT_DRAFT_TTL" default:"45m"`
	ClaimTTL            time.Duration `envconfig:"FUNNEL_CHECKOUT_CLAIM_TTL" default:"2m"`
	Currency            string        `envconfig:"FUNNEL_CHECKOUT_CURRENCY" default:"USD"`
	UpsellPercent       float64       `envconfig:"FUNNEL_CHECKOUT_UPSELL_PERCENT" default:"15"`
	DescriptionPrefix   string        `envconfig:"FUNNEL_CHECKOUT_DESCRIPTION_PREFIX" default:"HolisticPeople"`
	CustomerMappingTTL  time.Duration `envconfig:"FUNNEL_CHECKOUT_CUSTOMER_MAPPING_TTL" default:"0"`
	ProcessedMarkersTTL time.Duration `envconfig:"FUNNEL_CHECKOUT_PROCESSED_TTL" default:"720h"`
}

type FunnelsConfig struct {
	ConfigPath string `envconfig:"FUNNEL_FUNNELS_CONFIG_PATH" required:"true"`
}
