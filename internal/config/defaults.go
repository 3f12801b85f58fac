package config

// applyDefaults fills in default values for fields left empty in the file.
func applyDefaults(c *Config) {
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 8192
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = 60
	}

	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "text-embedding-3-small"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Scheduler.PollIntervalSeconds == 0 {
		c.Scheduler.PollIntervalSeconds = 30
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 20
	}

	if c.Dispatcher.FailureThreshold == 0 {
		c.Dispatcher.FailureThreshold = 3
	}
	if c.Dispatcher.AgentTaskLimit == 0 {
		c.Dispatcher.AgentTaskLimit = 5
	}
	if c.Dispatcher.ProjectTaskLimit == 0 {
		c.Dispatcher.ProjectTaskLimit = 2
	}
	if c.Dispatcher.BackgroundSteps == 0 {
		c.Dispatcher.BackgroundSteps = 15
	}
	if c.Dispatcher.LockTTLMinutes == 0 {
		c.Dispatcher.LockTTLMinutes = 30
	}
	if c.Dispatcher.TaskCooldownSeconds == 0 {
		c.Dispatcher.TaskCooldownSeconds = 5
	}

	if c.Bus.Capacity == 0 {
		c.Bus.Capacity = 1000
	}
	if c.Workers.PoolSize == 0 {
		c.Workers.PoolSize = 4
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}

	if c.Agent.Timezone == "" {
		c.Agent.Timezone = "UTC"
	}

	if c.Sanitizer.MaxInputChars == 0 {
		c.Sanitizer.MaxInputChars = 64 * 1024
	}
}
