// Package config provides configuration loading and validation for valet.
// It supports TOML configuration files with environment variable expansion,
// default values, and validation of the loaded settings.
//
// Configuration structure:
//   - [database]: Postgres connection and pool settings
//   - [llm]: LLM provider configuration
//   - [embeddings]: embedding provider for semantic memory
//   - [mail]: hosted mailbox provider
//   - [notify]: push notification delivery
//   - [logging]: logging level, format, and output
//   - [scheduler]: due-job polling
//   - [dispatcher]: job execution limits and circuit breaker
//   - [bus]: event bus capacity
//   - [workers]: worker pool sizing
//   - [api]: HTTP API listener
//   - [agent]: persona and timezone defaults
//   - [sanitizer]: untrusted input limits
//
// Environment variables can be referenced using ${VAR} or ${VAR:default}
// syntax. For example: api_key = "${VALET_LLM_API_KEY}"
package config

// Config represents the main application configuration.
type Config struct {
	Database   DatabaseConfig   `toml:"database"`
	LLM        LLMConfig        `toml:"llm"`
	Embeddings EmbeddingsConfig `toml:"embeddings"`
	Mail       MailConfig       `toml:"mail"`
	Notify     NotifyConfig     `toml:"notify"`
	Logging    LoggingConfig    `toml:"logging"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Dispatcher DispatcherConfig `toml:"dispatcher"`
	Bus        BusConfig        `toml:"bus"`
	Workers    WorkersConfig    `toml:"workers"`
	API        APIConfig        `toml:"api"`
	Agent      AgentConfig      `toml:"agent"`
	Sanitizer  SanitizerConfig  `toml:"sanitizer"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// LLMConfig holds the chat completion provider settings.
type LLMConfig struct {
	APIKey         string  `toml:"api_key"`
	BaseURL        string  `toml:"base_url"`
	Model          string  `toml:"model"`
	MaxTokens      int     `toml:"max_tokens"`
	Temperature    float64 `toml:"temperature"`
	TimeoutSeconds int     `toml:"timeout_seconds"`

	// RequestsPerMinute enables client-side rate limiting when positive.
	RequestsPerMinute int `toml:"requests_per_minute"`
}

// EmbeddingsConfig holds the embedding provider settings.
type EmbeddingsConfig struct {
	Enabled bool   `toml:"enabled"`
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
}

// MailConfig holds the hosted mailbox provider settings.
type MailConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

// NotifyConfig holds push notification delivery settings.
type NotifyConfig struct {
	WebhookURL string `toml:"webhook_url"`
	Token      string `toml:"token"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

// SchedulerConfig holds due-job polling settings.
type SchedulerConfig struct {
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
	BatchSize           int `toml:"batch_size"`
}

// DispatcherConfig holds job execution limits and circuit breaker settings.
type DispatcherConfig struct {
	FailureThreshold    int `toml:"failure_threshold"`
	AgentTaskLimit      int `toml:"agent_task_limit"`
	ProjectTaskLimit    int `toml:"project_task_limit"`
	BackgroundSteps     int `toml:"background_steps"`
	LockTTLMinutes      int `toml:"lock_ttl_minutes"`
	TaskCooldownSeconds int `toml:"task_cooldown_seconds"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Capacity int `toml:"capacity"`
}

// WorkersConfig holds worker pool settings.
type WorkersConfig struct {
	PoolSize int `toml:"pool_size"`
}

// APIConfig holds HTTP API listener settings.
type APIConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// AgentConfig holds persona and timezone defaults for new agents.
type AgentConfig struct {
	PersonaPath string `toml:"persona_path"`
	Timezone    string `toml:"timezone"`
}

// SanitizerConfig holds untrusted input limits.
type SanitizerConfig struct {
	MaxInputChars int `toml:"max_input_chars"`
}
