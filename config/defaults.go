package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Pool:      DefaultPoolConfig(),
		Runtime:   DefaultRuntimeConfig(),
		Agent:     DefaultAgentConfig(),
		Workflow:  DefaultWorkflowConfig(),
		Claude:    DefaultClaudeConfig(),
		Storage:   DefaultStorageConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Auth:      DefaultAuthConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    10 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Capacity:       4,
		PreWarm:        1,
		AcquireTimeout: 60 * time.Second,
	}
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		ExecTimeout:  60 * time.Second,
		PollInterval: 100 * time.Millisecond,
		StartupDelay: 500 * time.Millisecond,
	}
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Model:            "claude-sonnet-4-20250514",
		MaxIterations:    50,
		TokenBudget:      200000,
		MaxInfraFailures: 3,
		MaxTokens:        8192,
		Temperature:      0.2,
		RequestTimeout:   5 * time.Minute,
	}
}

func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		AcquireTimeout:   60 * time.Second,
		CatalogPromptEnv: "CATALOGER_PROMPT_CATALOG",
		SummaryPromptEnv: "CATALOGER_PROMPT_SUMMARY",
	}
}

func DefaultClaudeConfig() ClaudeConfig {
	return ClaudeConfig{
		Model:   "claude-sonnet-4-20250514",
		Timeout: 2 * time.Minute,
	}
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Root: "data/catalogs",
	}
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		Enabled:      false,
	}
}

func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "cataloger",
		Name:            "cataloger",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		Enabled:         false,
	}
}

func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled:  false,
		TokenTTL: 24 * time.Hour,
	}
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "cataloger",
		SampleRate:   0.1,
	}
}
