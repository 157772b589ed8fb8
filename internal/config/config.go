package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config models careops.yml.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Workspace    WorkspaceDefaults  `yaml:"workspace"`
	Availability AvailabilityConfig `yaml:"availability"`
	Automation   AutomationConfig   `yaml:"automation"`
	Worker       WorkerConfig       `yaml:"worker"`
	Schedules    SchedulesConfig    `yaml:"schedules"`
	Notify       NotifyConfig       `yaml:"notify"`
	RBAC         struct {
		Roles map[string]RBACRole `yaml:"roles" validate:"required,dive"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks" validate:"dive"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr" validate:"required"`
	BasePath  string `yaml:"base_path" validate:"required,startswith=/"`
	JWTSecret string `yaml:"jwt_secret"`
	DevAuth   bool   `yaml:"dev_auth"`
	// FormsURL prefixes the intake form links sent to contacts.
	FormsURL string `yaml:"forms_url" validate:"omitempty,url"`
}

type WorkspaceDefaults struct {
	Timezone string `yaml:"timezone" validate:"required"`
}

type AvailabilityConfig struct {
	SlotStep Duration `yaml:"slot_step" validate:"gt=0"`
}

type AutomationConfig struct {
	RuleCacheTTL Duration `yaml:"rule_cache_ttl" validate:"gte=0"`
}

type WorkerConfig struct {
	Concurrency    int      `yaml:"concurrency" validate:"min=1,max=64"`
	PollInterval   Duration `yaml:"poll_interval" validate:"gt=0"`
	Lease          Duration `yaml:"lease" validate:"gt=0"`
	MaxAttempts    int      `yaml:"max_attempts" validate:"min=1"`
	BackoffInitial Duration `yaml:"backoff_initial" validate:"gt=0"`
	BackoffMax     Duration `yaml:"backoff_max" validate:"gtefield=BackoffInitial"`
}

type SchedulesConfig struct {
	LowStock       Duration `yaml:"low_stock" validate:"gte=0"`
	OverdueForms   Duration `yaml:"overdue_forms" validate:"gte=0"`
	DailyReminders Duration `yaml:"daily_reminders" validate:"gte=0"`
}

type NotifyConfig struct {
	Email         EmailConfig   `yaml:"email"`
	SMS           SMSConfig     `yaml:"sms"`
	RatePerSecond float64       `yaml:"rate_per_second" validate:"gt=0"`
	Burst         int           `yaml:"burst" validate:"min=1"`
	Retries       int           `yaml:"retries" validate:"min=0,max=10"`
	Breaker       BreakerConfig `yaml:"breaker"`
}

// EmailConfig configures SMTP delivery. URL is a shoutrrr smtp:// URL; empty disables delivery.
type EmailConfig struct {
	URL  string `yaml:"url" validate:"omitempty,startswith=smtp://"`
	From string `yaml:"from" validate:"omitempty,email"`
}

// SMSConfig configures the REST SMS gateway. An empty AccountSID disables delivery.
type SMSConfig struct {
	BaseURL    string `yaml:"base_url" validate:"omitempty,url"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`
}

type BreakerConfig struct {
	MaxFailures uint32   `yaml:"max_failures" validate:"min=1"`
	OpenTimeout Duration `yaml:"open_timeout" validate:"gt=0"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions" validate:"required,dive,required"`
}

type WebhookConfig struct {
	ID      string   `yaml:"id"`
	URL     string   `yaml:"url" validate:"required,url"`
	Events  []string `yaml:"events"`
	Secret  string   `yaml:"secret"`
	Timeout Duration `yaml:"timeout" validate:"gte=0"`
	Enabled *bool    `yaml:"enabled"`
}

var validate = validator.New()

// Validate checks field constraints and the cross-section rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.Workspace.Timezone); err != nil {
		return fmt.Errorf("config.workspace.timezone: %w", err)
	}
	if _, ok := c.RBAC.Roles["owner"]; !ok {
		return fmt.Errorf("config.rbac.roles must include owner")
	}
	for roleID := range c.RBAC.Roles {
		if strings.TrimSpace(roleID) == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
	}
	if c.Notify.SMS.AccountSID != "" && c.Notify.SMS.From == "" {
		return fmt.Errorf("config.notify.sms.from is required when account_sid is set")
	}
	return nil
}

// Path returns the config file path for a workspace directory.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "careops.yml")
}

// Load reads careops.yml from workspace, falling back to Default when it does not exist.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML overlays raw YAML onto the defaults and validates the result.
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

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// IsEnabled reports whether a webhook should receive deliveries.
func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: /v1
  dev_auth: false

workspace:
  timezone: UTC

availability:
  slot_step: 30m

automation:
  rule_cache_ttl: 30s

worker:
  concurrency: 4
  poll_interval: 1s
  lease: 2m
  max_attempts: 5
  backoff_initial: 30s
  backoff_max: 30m

schedules:
  low_stock: 6h
  overdue_forms: 1h
  daily_reminders: 24h

notify:
  rate_per_second: 5
  burst: 5
  retries: 2
  breaker:
    max_failures: 5
    open_timeout: 1m
  sms:
    base_url: https://api.twilio.com

rbac:
  roles:
    owner:
      description: "Workspace owner"
      permissions:
        - workspace.read
        - workspace.admin
        - contacts.read
        - contacts.write
        - services.read
        - services.write
        - bookings.read
        - bookings.write
        - rules.read
        - rules.write
        - alerts.read
        - alerts.write
        - inventory.read
        - inventory.write
        - events.read
        - tasks.read
    staff:
      description: "Front desk and operations staff"
      permissions:
        - workspace.read
        - contacts.read
        - contacts.write
        - services.read
        - bookings.read
        - bookings.write
        - rules.read
        - alerts.read
        - alerts.write
        - inventory.read
        - inventory.write
        - events.read
    viewer:
      description: "Read-only access"
      permissions:
        - workspace.read
        - contacts.read
        - services.read
        - bookings.read
        - alerts.read
        - inventory.read
`
