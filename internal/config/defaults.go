package config

import "time"

// Default values applied to unset configuration fields
const (
	DefaultMaxJobs        = 100
	DefaultJobTimeout     = 180 * time.Second
	DefaultMaxJobTimeout  = 600 * time.Second
	DefaultMaxPromptBytes = 16 * 1024
	DefaultSweepInterval  = 5 * time.Second
	DefaultRetention      = time.Hour

	DefaultNetwork       = "base-sepolia"
	DefaultAsset         = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // USDC on Base Sepolia
	DefaultPrice         = "0.015"
	DefaultFacilitator   = "https://x402.org/facilitator"
	DefaultAssetDecimals = 6
)

// ApplyDefaults fills every unset field with its default
func (c *Config) ApplyDefaults() {
	setString(&c.App.Name, "agent-gateway")
	setString(&c.App.Environment, "development")

	setInt(&c.Server.Port, 8080)
	setString(&c.Server.PublicURL, "http://localhost:8080")
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 30*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 30*time.Second)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "console")
	setString(&c.Logging.Output, "stdout")

	setInt(&c.Jobs.MaxJobs, DefaultMaxJobs)
	setDuration(&c.Jobs.DefaultTimeout, DefaultJobTimeout)
	setDuration(&c.Jobs.MaxTimeout, DefaultMaxJobTimeout)
	setInt(&c.Jobs.MaxPromptBytes, DefaultMaxPromptBytes)
	setDuration(&c.Jobs.HandoffTimeout, 5*time.Second)
	setDuration(&c.Jobs.SweepInterval, DefaultSweepInterval)
	setDuration(&c.Jobs.EvictionInterval, time.Minute)
	setDuration(&c.Jobs.Retention, DefaultRetention)

	setString(&c.Payment.Network, DefaultNetwork)
	setString(&c.Payment.Asset, DefaultAsset)
	setString(&c.Payment.AssetName, "USDC")
	setString(&c.Payment.AssetVersion, "2")
	setInt(&c.Payment.AssetDecimals, DefaultAssetDecimals)
	setString(&c.Payment.Price, DefaultPrice)
	setInt(&c.Payment.MaxTimeoutSeconds, 60)
	setString(&c.Payment.Description, "Asynchronous agent job")
	setString(&c.Payment.Facilitator.URL, DefaultFacilitator)
	setDuration(&c.Payment.Facilitator.Timeout, 30*time.Second)
	setString(&c.Payment.Replay.Backend, ReplayMemory)
	setDuration(&c.Payment.Replay.Retention, 24*time.Hour)
	setDuration(&c.Payment.Replay.PruneInterval, 10*time.Minute)

	setString(&c.Dispatch.Mode, DispatchLocal)
	setInt(&c.Dispatch.Concurrency, 4)
	setInt(&c.Dispatch.QueueSize, c.Jobs.MaxJobs)

	setString(&c.Agent.Provider, ProviderOpenAI)
	setDuration(&c.Agent.Timeout, 120*time.Second)

	setInt(&c.Database.Port, 5432)
	setString(&c.Database.SSLMode, "disable")
	setInt(&c.Database.MaxOpenConns, 10)
	setInt(&c.Database.MaxIdleConns, 5)
	setDuration(&c.Database.ConnMaxLifetime, 30*time.Minute)
	setDuration(&c.Database.ConnMaxIdleTime, 5*time.Minute)

	setInt(&c.RabbitMQ.Port, 5672)
	setString(&c.RabbitMQ.VHost, "/")
	setString(&c.RabbitMQ.Exchange.Name, "agent.jobs")
	setString(&c.RabbitMQ.Exchange.Type, "direct")
	setString(&c.RabbitMQ.Requests.Name, "agent.job.requests")
	setString(&c.RabbitMQ.Requests.RoutingKey, "agent.job.requested")
	setString(&c.RabbitMQ.Results.Name, "agent.job.results")
	setString(&c.RabbitMQ.Results.RoutingKey, "agent.job.completed")
	setInt(&c.RabbitMQ.Connection.RetryAttempts, 5)
	setDuration(&c.RabbitMQ.Connection.RetryInterval, 2*time.Second)
	setDuration(&c.RabbitMQ.Connection.Heartbeat, 10*time.Second)
	setDuration(&c.RabbitMQ.Connection.ConnectionTimeout, 10*time.Second)
	setInt(&c.RabbitMQ.Publish.RetryAttempts, 3)
	setDuration(&c.RabbitMQ.Publish.RetryInterval, 100*time.Millisecond)
	if c.RabbitMQ.Publish.BackoffMultiplier <= 0 {
		c.RabbitMQ.Publish.BackoffMultiplier = 2.0
	}

	setInt(&c.Worker.Concurrency, 4)
	setInt(&c.RabbitMQ.Consumer.PrefetchCount, c.Worker.Concurrency)
	setDuration(&c.Worker.JobTimeout, DefaultMaxJobTimeout)
	setDuration(&c.Worker.ShutdownTimeout, 30*time.Second)
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}

func setDuration(field *time.Duration, value time.Duration) {
	if *field == 0 {
		*field = value
	}
}
