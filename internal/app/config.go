package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/gavelworks/auction-engine/internal/money"
)

// Config holds the complete engine configuration, loadable from environment
// variables (AUCTION_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"Health server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (AUCTION_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Kafka       KafkaConfig
	Pricing     PricingConfig
	Workers     WorkersConfig
	Graceful    GracefulConfig
}

// KafkaConfig controls the event sink. Empty brokers fall back to a
// log-only sink, which keeps single-node deployments broker-free.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka broker addresses; empty disables the Kafka sink"`
	Topic   string   `default:"auction-events" usage:"Kafka topic for domain events"`
}

// PricingConfig controls settlement-time pricing.
type PricingConfig struct {
	Currency        string `default:"USD" usage:"Currency code for configured amounts"`
	TaxRateBP       int64  `default:"0" usage:"Flat tax rate in basis points applied at settlement" flag:"tax-rate-bp"`
	DefaultShipping string `default:"0.00" usage:"Flat shipping charge in major units when no listing carries its own" flag:"default-shipping"`
}

// WorkersConfig controls the background maintenance loops.
type WorkersConfig struct {
	CloseInterval   time.Duration `default:"5s" usage:"Auction closer sweep interval" flag:"close-interval"`
	SweepInterval   time.Duration `default:"30s" usage:"Expired reservation sweep interval" flag:"sweep-interval"`
	ClosingSoonLead time.Duration `default:"5m" usage:"Lead time for closing-soon notifications" flag:"closing-soon-lead"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// DefaultShippingMoney parses the configured shipping charge.
func (c *Config) DefaultShippingMoney() (money.Money, error) {
	return money.Parse(c.Pricing.DefaultShipping, c.Pricing.Currency)
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "AUCTION",
		Files:     []string{"config.yaml", "/etc/auction-engine/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set AUCTION_DATABASE_URL or DATABASE_URL")
	}
	if _, err := cfg.DefaultShippingMoney(); err != nil {
		return nil, errors.Wrap(err, "default shipping")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables that
// use standard names like DATABASE_URL and PORT to the AUCTION_-prefixed
// configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
