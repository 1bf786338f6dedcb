package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Dispatch modes
const (
	DispatchLocal    = "local"
	DispatchRabbitMQ = "rabbitmq"
)

// Agent providers
const (
	ProviderOpenAI = "openai"
	ProviderEcho   = "echo"
)

// Replay guard backends
const (
	ReplayMemory   = "memory"
	ReplayPostgres = "postgres"
)

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Payment  PaymentConfig  `yaml:"payment"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Agent    AgentConfig    `yaml:"agent"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	PublicURL       string        `yaml:"public_url"` // base of the resource URLs advertised in payment challenges
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// JobsConfig holds job store and lifecycle configuration
type JobsConfig struct {
	MaxJobs          int           `yaml:"max_jobs"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	MaxPromptBytes   int           `yaml:"max_prompt_bytes"`
	HandoffTimeout   time.Duration `yaml:"handoff_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
	Retention        time.Duration `yaml:"retention"`
}

// PaymentConfig holds the price of a job and how payments are settled
type PaymentConfig struct {
	Network           string            `yaml:"network"`
	Asset             string            `yaml:"asset"`
	AssetName         string            `yaml:"asset_name"`
	AssetVersion      string            `yaml:"asset_version"`
	AssetDecimals     int               `yaml:"asset_decimals"`
	Price             string            `yaml:"price"`
	PayTo             string            `yaml:"pay_to"`
	MaxTimeoutSeconds int               `yaml:"max_timeout_seconds"`
	Description       string            `yaml:"description"`
	Facilitator       FacilitatorConfig `yaml:"facilitator"`
	Replay            ReplayConfig      `yaml:"replay"`
}

// FacilitatorConfig holds x402 facilitator client configuration
type FacilitatorConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// ReplayConfig holds replay guard configuration
type ReplayConfig struct {
	Backend       string        `yaml:"backend"`
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// DispatchConfig selects how the gateway hands jobs to the agent
type DispatchConfig struct {
	Mode        string `yaml:"mode"`
	Concurrency int    `yaml:"concurrency"`
	QueueSize   int    `yaml:"queue_size"`
}

// AgentConfig holds agent executor configuration
type AgentConfig struct {
	Provider      string            `yaml:"provider"`
	APIKey        string            `yaml:"api_key"`
	BaseURL       string            `yaml:"base_url"`
	Model         string            `yaml:"model"`
	Temperature   float64           `yaml:"temperature"`
	MaxTokens     int               `yaml:"max_tokens"`
	Timeout       time.Duration     `yaml:"timeout"`
	MaxRetries    int               `yaml:"max_retries"`
	EchoDelay     time.Duration     `yaml:"echo_delay"`
	SystemPrompts map[string]string `yaml:"system_prompts"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Requests   QueueConfig      `yaml:"requests"`
	Results    QueueConfig      `yaml:"results"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	RoutingKey string `yaml:"routing_key"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID              string        `yaml:"id"`
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads and parses the configuration file, then applies environment
// overrides and defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyEnv(os.LookupEnv)
	config.ApplyDefaults()

	return &config, nil
}

// ApplyEnv overrides secrets with values from the environment
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	overrides := []struct {
		key    string
		target *string
	}{
		{"OPENAI_API_KEY", &c.Agent.APIKey},
		{"PAYMENT_PAY_TO", &c.Payment.PayTo},
		{"FACILITATOR_API_KEY", &c.Payment.Facilitator.APIKey},
		{"DATABASE_PASSWORD", &c.Database.Password},
		{"RABBITMQ_PASSWORD", &c.RabbitMQ.Password},
	}

	for _, o := range overrides {
		if v, ok := lookup(o.key); ok && v != "" {
			*o.target = v
		}
	}
}
