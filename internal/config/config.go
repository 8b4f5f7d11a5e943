package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"escrowline/internal/money"
)

// Config models escrowline.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
		// CORSOrigins lists browser origins allowed to call the API.
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	Database struct {
		Workspace     string `yaml:"workspace"`
		BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
	} `yaml:"database"`
	Fees struct {
		PlatformPct     string `yaml:"platform_pct"`
		DefaultCurrency string `yaml:"default_currency"`
	} `yaml:"fees"`
	Provider ProviderConfig `yaml:"provider"`
	Payout   PayoutConfig   `yaml:"payout"`
	Redis    struct {
		URL       string        `yaml:"url"`
		ReplayTTL time.Duration `yaml:"replay_ttl"`
	} `yaml:"redis"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type ProviderConfig struct {
	Kind             string        `yaml:"kind"`
	BaseURL          string        `yaml:"base_url"`
	AccessToken      string        `yaml:"access_token"`
	WebhookSecret    string        `yaml:"webhook_secret"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	DefaultReturnURL string        `yaml:"default_return_url"`
}

type PayoutConfig struct {
	Transport         string        `yaml:"transport"`
	Mechanism         string        `yaml:"mechanism"`
	Workers           int           `yaml:"workers"`
	MaxAttempts       int           `yaml:"max_attempts"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	Kafka             struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
		Group   string   `yaml:"group"`
	} `yaml:"kafka"`
}

const (
	ProviderMercadoPago = "mercadopago"
	ProviderSandbox     = "sandbox"

	TransportSQL   = "sql"
	TransportKafka = "kafka"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if _, err := c.PlatformFeeRate(); err != nil {
		return fmt.Errorf("config.fees.platform_pct: %w", err)
	}
	switch c.Provider.Kind {
	case ProviderSandbox:
	case ProviderMercadoPago:
		if c.Provider.AccessToken == "" {
			return fmt.Errorf("config.provider.access_token is required for %s", ProviderMercadoPago)
		}
	default:
		return fmt.Errorf("config.provider.kind must be %q or %q", ProviderMercadoPago, ProviderSandbox)
	}
	if c.Provider.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Provider.BaseURL); err != nil {
			return fmt.Errorf("config.provider.base_url: %w", err)
		}
	}
	if c.Provider.MaxAttempts < 0 {
		return fmt.Errorf("config.provider.max_attempts must not be negative")
	}
	switch c.Payout.Transport {
	case TransportSQL:
	case TransportKafka:
		if len(c.Payout.Kafka.Brokers) == 0 || c.Payout.Kafka.Topic == "" || c.Payout.Kafka.Group == "" {
			return fmt.Errorf("config.payout.kafka needs brokers, topic and group")
		}
	default:
		return fmt.Errorf("config.payout.transport must be %q or %q", TransportSQL, TransportKafka)
	}
	if c.Payout.Mechanism != ProviderSandbox {
		return fmt.Errorf("config.payout.mechanism must be %q", ProviderSandbox)
	}
	if c.Payout.Workers <= 0 {
		return fmt.Errorf("config.payout.workers must be positive")
	}
	if c.Payout.MaxAttempts <= 0 {
		return fmt.Errorf("config.payout.max_attempts must be positive")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// PlatformFeeRate parses fees.platform_pct.
func (c *Config) PlatformFeeRate() (money.Rate, error) {
	return money.ParseRate(c.Fees.PlatformPct)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "escrowline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with escrowctl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: /v0
  # HS256 secret for caller identity; empty accepts anonymous callers
  jwt_secret: ""
  cors_origins: []

database:
  workspace: .
  busy_timeout_ms: 5000

fees:
  platform_pct: "7"
  default_currency: BRL

provider:
  kind: sandbox
  base_url: https://api.mercadopago.com
  access_token: ""
  webhook_secret: ""
  timeout: 10s
  max_attempts: 4
  default_return_url: ""

payout:
  transport: sql
  mechanism: sandbox
  workers: 4
  max_attempts: 8
  poll_interval: 1s
  visibility_timeout: 5m
  sweep_interval: 30s
  kafka:
    brokers: []
    topic: escrowline.payouts
    group: escrowline-payout-workers

redis:
  url: ""
  replay_ttl: 24h

log:
  level: info
  format: text
`
