package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"cityflow/internal/domain"
)

// Config models cityflow.yml.
type Config struct {
	Automation domain.AutomationSettings `yaml:"automation"`
	Notify     Notify                    `yaml:"notify"`
	Cooldown   Cooldown                  `yaml:"cooldown"`
	Relay      Relay                     `yaml:"relay"`
	Intake     Intake                    `yaml:"intake"`
	Insight    Insight                   `yaml:"insight"`
}

type Notify struct {
	// Dispatch receives creation notices for tasks that have no technician.
	Dispatch string        `yaml:"dispatch"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  uint64        `yaml:"retries"`
	Email    struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
	} `yaml:"email"`
	SMS struct {
		URL    string `yaml:"url"`
		APIKey string `yaml:"api_key"`
		Sender string `yaml:"sender"`
	} `yaml:"sms"`
	Push struct {
		CredentialsFile string `yaml:"credentials_file"`
	} `yaml:"push"`
}

type Cooldown struct {
	Backend string `yaml:"backend"`
	Redis   struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
}

type Relay struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Webhooks     []Webhook     `yaml:"webhooks"`
	Kafka        struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

type Intake struct {
	AMQPURL  string `yaml:"amqp_url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
	// MaxRetries bounds redeliveries before a message goes to the dead-letter queue.
	MaxRetries int `yaml:"max_retries"`
}

type Insight struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

const (
	CooldownSQL   = "sql"
	CooldownRedis = "redis"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cityflow init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := c.Automation.Validate(); err != nil {
		return fmt.Errorf("config.automation: %w", err)
	}
	switch c.Cooldown.Backend {
	case "", CooldownSQL:
	case CooldownRedis:
		if c.Cooldown.Redis.Addr == "" {
			return fmt.Errorf("config.cooldown.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.cooldown.backend must be sql or redis")
	}
	if c.Notify.Timeout < 0 {
		return fmt.Errorf("config.notify.timeout must be >= 0")
	}
	if c.Notify.Email.Host != "" && c.Notify.Email.From == "" {
		return fmt.Errorf("config.notify.email.from is required when email.host is set")
	}
	for i, wh := range c.Relay.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.relay.webhooks[%d].url is required", i)
		}
	}
	if len(c.Relay.Kafka.Brokers) > 0 && c.Relay.Kafka.Topic == "" {
		return fmt.Errorf("config.relay.kafka.topic is required when brokers are set")
	}
	if c.Intake.AMQPURL != "" && c.Intake.Queue == "" {
		return fmt.Errorf("config.intake.queue is required when amqp_url is set")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cityflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
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

const defaultTemplate = `automation:
  auto_create_tasks: true
  auto_assign_technicians: true
  auto_reserve_parts: true
  notify_on_creation: true
  priority_threshold: high
  schedule_buffer_days: 1

notify:
  dispatch: dispatch-desk
  timeout: 10s
  retries: 3
  email:
    port: 587

cooldown:
  backend: sql
  redis:
    prefix: "cityflow:cooldown:"

relay:
  poll_interval: 2s

intake:
  prefetch: 10
  max_retries: 3

insight:
  timeout: 30s
`
