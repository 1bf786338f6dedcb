package config

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ValidateAPIConfig checks the configuration used by the api-service
func (c *Config) ValidateAPIConfig() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}

	if err := c.validateJobs(); err != nil {
		return err
	}

	if err := c.validatePayment(); err != nil {
		return err
	}

	switch c.Dispatch.Mode {
	case DispatchLocal:
		if c.Dispatch.Concurrency <= 0 {
			return fmt.Errorf("dispatch concurrency must be greater than 0")
		}
		if err := c.validateAgent(); err != nil {
			return err
		}
	case DispatchRabbitMQ:
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported dispatch mode: %q (must be %q or %q)", c.Dispatch.Mode, DispatchLocal, DispatchRabbitMQ)
	}

	if c.Payment.Replay.Backend == ReplayPostgres {
		if err := c.validateDatabase(); err != nil {
			return err
		}
	}

	return nil
}

// ValidateWorkerConfig checks the configuration used by the worker-service
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	return c.validateAgent()
}

func (c *Config) validateJobs() error {
	if c.Jobs.MaxJobs <= 0 {
		return fmt.Errorf("jobs max_jobs must be greater than 0")
	}
	if c.Jobs.DefaultTimeout <= 0 {
		return fmt.Errorf("jobs default_timeout must be greater than 0")
	}
	if c.Jobs.MaxTimeout < c.Jobs.DefaultTimeout {
		return fmt.Errorf("jobs max_timeout (%s) must not be less than default_timeout (%s)", c.Jobs.MaxTimeout, c.Jobs.DefaultTimeout)
	}
	if c.Jobs.MaxPromptBytes <= 0 {
		return fmt.Errorf("jobs max_prompt_bytes must be greater than 0")
	}
	if c.Jobs.SweepInterval <= 0 {
		return fmt.Errorf("jobs sweep_interval must be greater than 0")
	}
	if c.Jobs.Retention <= 0 {
		return fmt.Errorf("jobs retention must be greater than 0")
	}
	return nil
}

func (c *Config) validatePayment() error {
	if c.Payment.PayTo == "" {
		return fmt.Errorf("payment pay_to is required")
	}
	if !common.IsHexAddress(c.Payment.PayTo) {
		return fmt.Errorf("payment pay_to is not a hex address: %q", c.Payment.PayTo)
	}
	if !common.IsHexAddress(c.Payment.Asset) {
		return fmt.Errorf("payment asset is not a hex address: %q", c.Payment.Asset)
	}
	if c.Payment.Price == "" {
		return fmt.Errorf("payment price is required")
	}
	if c.Payment.AssetDecimals < 0 {
		return fmt.Errorf("payment asset_decimals must not be negative")
	}
	if c.Payment.Facilitator.URL == "" {
		return fmt.Errorf("payment facilitator url is required")
	}

	switch c.Payment.Replay.Backend {
	case ReplayMemory, ReplayPostgres:
	default:
		return fmt.Errorf("unsupported replay backend: %q (must be %q or %q)", c.Payment.Replay.Backend, ReplayMemory, ReplayPostgres)
	}
	if c.Payment.Replay.PruneInterval <= 0 {
		return fmt.Errorf("payment replay prune_interval must be greater than 0")
	}
	maxTimeout := time.Duration(c.Payment.MaxTimeoutSeconds) * time.Second
	if c.Payment.Replay.Retention < maxTimeout {
		return fmt.Errorf("payment replay retention (%s) must not be less than max_timeout_seconds (%s)", c.Payment.Replay.Retention, maxTimeout)
	}

	return nil
}

func (c *Config) validateAgent() error {
	switch c.Agent.Provider {
	case ProviderOpenAI:
		if c.Agent.APIKey == "" {
			return fmt.Errorf("agent api_key is required for the openai provider (set OPENAI_API_KEY)")
		}
	case ProviderEcho:
	default:
		return fmt.Errorf("unsupported agent provider: %q (must be %q or %q)", c.Agent.Provider, ProviderOpenAI, ProviderEcho)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if err := validatePort("database", c.Database.Port); err != nil {
		return err
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}
	if err := validatePort("rabbitmq", c.RabbitMQ.Port); err != nil {
		return err
	}
	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}
	if c.RabbitMQ.Requests.Name == "" || c.RabbitMQ.Results.Name == "" {
		return fmt.Errorf("rabbitmq requests and results queue names are required")
	}
	if c.RabbitMQ.Requests.RoutingKey == c.RabbitMQ.Results.RoutingKey {
		return fmt.Errorf("rabbitmq requests and results routing keys must differ")
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}
