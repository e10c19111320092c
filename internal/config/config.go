package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	AccountsFile string         `yaml:"accounts_file" validate:"required"`
	Targets      []string       `yaml:"targets" validate:"required,min=1,dive,required"`
	Poll         PollConfig     `yaml:"poll"`
	Rotation     RotationConfig `yaml:"rotation"`
	Retry        RetryConfig    `yaml:"retry"`
	Fetch        FetchConfig    `yaml:"fetch"`
	Health       HealthConfig   `yaml:"health"`
	State        StateConfig    `yaml:"state"`
	Delivery     DeliveryConfig `yaml:"delivery"`
	Admin        AdminConfig    `yaml:"admin"`
	LogLevel     string         `yaml:"log_level" validate:"oneof=debug info warn error"`
}

type PollConfig struct {
	Interval        time.Duration `yaml:"interval" validate:"gt=0"`
	Bootstrap       *bool         `yaml:"bootstrap"`
	Workers         int           `yaml:"workers" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type RotationConfig struct {
	Strategy    string `yaml:"strategy" validate:"oneof=round_robin random first"`
	MaxFailures int    `yaml:"max_failures" validate:"gt=0"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" validate:"gt=0"`
	MaxSkips       int           `yaml:"max_skips" validate:"gte=0"`
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
	Jitter         float64       `yaml:"jitter" validate:"gte=0,lte=1"`
}

type FetchConfig struct {
	BaseURL   string        `yaml:"base_url" validate:"required,url"`
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
	Limit     int           `yaml:"limit" validate:"gt=0"`
	ClientTTL time.Duration `yaml:"client_ttl" validate:"gt=0"`
}

type HealthConfig struct {
	Enabled    *bool         `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval" validate:"gt=0"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
	ErrorDelay time.Duration `yaml:"error_delay" validate:"gt=0"`
	ProbeURL   string        `yaml:"probe_url" validate:"required,url"`
}

type StateConfig struct {
	Path      string `yaml:"path" validate:"required"`
	OnCorrupt string `yaml:"on_corrupt" validate:"oneof=abort reset"`
}

type DeliveryConfig struct {
	Source   string         `yaml:"source"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Database DatabaseConfig `yaml:"database"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout"`
}

type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	QueueName  string `yaml:"queue_name"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" validate:"omitempty,dive,hostname_port"`
	Topic   string   `yaml:"topic" validate:"required_with=Brokers"`
}

type DatabaseConfig struct {
	Migrate  bool   `yaml:"migrate"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"omitempty,hostname_port"`
}

func (d DeliveryConfig) WebhookEnabled() bool  { return d.Webhook.URL != "" }
func (d DeliveryConfig) RabbitMQEnabled() bool { return d.RabbitMQ.URL != "" }
func (d DeliveryConfig) KafkaEnabled() bool    { return len(d.Kafka.Brokers) > 0 }
func (d DeliveryConfig) DatabaseEnabled() bool { return d.Database.Host != "" }

func (d DeliveryConfig) anyEnabled() bool {
	return d.WebhookEnabled() || d.RabbitMQEnabled() || d.KafkaEnabled() || d.DatabaseEnabled()
}

// BootstrapEnabled reports whether first fetches only establish markers.
func (p PollConfig) BootstrapEnabled() bool {
	return p.Bootstrap == nil || *p.Bootstrap
}

func (h HealthConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// WorkerCount returns the configured worker count, or min(targets, accounts)
// when unset.
func (c *Config) WorkerCount(accounts int) int {
	if c.Poll.Workers > 0 {
		return c.Poll.Workers
	}
	return max(min(len(c.Targets), accounts), 1)
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse expands ${VAR} references, decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()
	cfg.Targets = normalizeTargets(cfg.Targets)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validate(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.Delivery.anyEnabled() {
		return errors.New("invalid config: no delivery sink configured")
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.AccountsFile == "" {
		c.AccountsFile = "accounts.yaml"
	}
	if c.Poll.Interval == 0 {
		c.Poll.Interval = 20 * time.Second
	}
	if c.Poll.Bootstrap == nil {
		c.Poll.Bootstrap = ptr(true)
	}
	if c.Poll.ShutdownTimeout == 0 {
		c.Poll.ShutdownTimeout = 30 * time.Second
	}
	if c.Rotation.Strategy == "" {
		c.Rotation.Strategy = "round_robin"
	}
	if c.Rotation.MaxFailures == 0 {
		c.Rotation.MaxFailures = 3
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.MaxSkips == 0 {
		c.Retry.MaxSkips = 5
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = 2 * time.Second
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = 30 * time.Second
	}
	if c.Retry.Jitter == 0 {
		c.Retry.Jitter = 0.1
	}
	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = 20 * time.Second
	}
	if c.Fetch.Limit == 0 {
		c.Fetch.Limit = 5
	}
	if c.Fetch.ClientTTL == 0 {
		c.Fetch.ClientTTL = 10 * time.Minute
	}
	if c.Health.Enabled == nil {
		c.Health.Enabled = ptr(true)
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = 300 * time.Second
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = 10 * time.Second
	}
	if c.Health.ErrorDelay == 0 {
		c.Health.ErrorDelay = 60 * time.Second
	}
	if c.Health.ProbeURL == "" {
		c.Health.ProbeURL = "https://httpbin.org/ip"
	}
	if c.State.Path == "" {
		c.State.Path = "tracker_state.json"
	}
	if c.State.OnCorrupt == "" {
		c.State.OnCorrupt = "abort"
	}
	if c.Delivery.Webhook.Timeout == 0 {
		c.Delivery.Webhook.Timeout = 10 * time.Second
	}
	if c.Delivery.Source == "" {
		c.Delivery.Source = "timeline-tracker"
	}
	if c.Delivery.RabbitMQ.Exchange == "" {
		c.Delivery.RabbitMQ.Exchange = "timeline_tracker"
	}
	if c.Delivery.RabbitMQ.RoutingKey == "" {
		c.Delivery.RabbitMQ.RoutingKey = "items"
	}
	if c.Delivery.RabbitMQ.QueueName == "" {
		c.Delivery.RabbitMQ.QueueName = "timeline_items"
	}
	if c.Delivery.Database.Port == 0 {
		c.Delivery.Database.Port = 5432
	}
	if c.Delivery.Database.SSLMode == "" {
		c.Delivery.Database.SSLMode = "disable"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// normalizeTargets trims whitespace and a leading '@', dropping blanks and
// case-insensitive duplicates.
func normalizeTargets(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.TrimPrefix(strings.TrimSpace(t), "@")
		if t == "" {
			continue
		}
		k := strings.ToLower(t)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}
	return out
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// validate runs struct tag validation and flattens field errors into one error.
func validate(v any) error {
	err := structValidator.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		if e.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", e.Namespace(), e.Tag(), e.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", e.Namespace(), e.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

func ptr[T any](v T) *T {
	return &v
}
