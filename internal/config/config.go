package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses the TOML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	expandEnvVars(&cfg)

	return &cfg, nil
}

// Validate checks the configuration and returns all problems found.
func (c *Config) Validate() []error {
	var errors []error

	if c.Database.DSN == "" {
		errors = append(errors, fmt.Errorf("database.dsn is required"))
	}

	if c.LLM.APIKey == "" {
		errors = append(errors, fmt.Errorf("llm.api_key is required"))
	} else if err := validateAPIKey(c.LLM.APIKey, "llm.api_key"); err != nil {
		errors = append(errors, err)
	}
	if c.LLM.Model == "" {
		errors = append(errors, fmt.Errorf("llm.model is required"))
	}

	if c.Embeddings.Enabled {
		if c.Embeddings.APIKey == "" {
			errors = append(errors, fmt.Errorf("embeddings.api_key is required when embeddings are enabled"))
		} else if err := validateAPIKey(c.Embeddings.APIKey, "embeddings.api_key"); err != nil {
			errors = append(errors, err)
		}
	}

	if c.Mail.Enabled {
		if c.Mail.BaseURL == "" {
			errors = append(errors, fmt.Errorf("mail.base_url is required when mail is enabled"))
		}
		if c.Mail.Token == "" {
			errors = append(errors, fmt.Errorf("mail.token is required when mail is enabled"))
		}
	}

	if c.Logging.Level == "" {
		errors = append(errors, fmt.Errorf("logging.level is required"))
	} else {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[strings.ToLower(c.Logging.Level)] {
			errors = append(errors, fmt.Errorf("invalid logging.level: %s (expected: debug, info, warn, error)", c.Logging.Level))
		}
	}

	if c.Logging.Format == "" {
		errors = append(errors, fmt.Errorf("logging.format is required"))
	} else {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[strings.ToLower(c.Logging.Format)] {
			errors = append(errors, fmt.Errorf("invalid logging.format: %s (expected: json, text)", c.Logging.Format))
		}
	}

	if c.Scheduler.PollIntervalSeconds <= 0 {
		errors = append(errors, fmt.Errorf("scheduler.poll_interval_seconds must be positive"))
	}
	if c.Scheduler.BatchSize <= 0 {
		errors = append(errors, fmt.Errorf("scheduler.batch_size must be positive"))
	}

	if c.Dispatcher.FailureThreshold <= 0 {
		errors = append(errors, fmt.Errorf("dispatcher.failure_threshold must be positive"))
	}
	if c.Dispatcher.AgentTaskLimit <= 0 {
		errors = append(errors, fmt.Errorf("dispatcher.agent_task_limit must be positive"))
	}
	if c.Dispatcher.ProjectTaskLimit <= 0 {
		errors = append(errors, fmt.Errorf("dispatcher.project_task_limit must be positive"))
	}
	if c.Dispatcher.ProjectTaskLimit > c.Dispatcher.AgentTaskLimit {
		errors = append(errors, fmt.Errorf("dispatcher.project_task_limit cannot exceed dispatcher.agent_task_limit"))
	}

	if c.Bus.Capacity <= 0 {
		errors = append(errors, fmt.Errorf("bus.capacity must be positive"))
	}
	if c.Workers.PoolSize <= 0 {
		errors = append(errors, fmt.Errorf("workers.pool_size must be positive"))
	}

	if c.Agent.Timezone != "" {
		if _, err := time.LoadLocation(c.Agent.Timezone); err != nil {
			errors = append(errors, fmt.Errorf("invalid agent.timezone: %s", c.Agent.Timezone))
		}
	}
	if c.Agent.PersonaPath != "" {
		if err := validatePath(c.Agent.PersonaPath, "agent.persona_path"); err != nil {
			errors = append(errors, err)
		}
	}

	return errors
}

// PollInterval returns the scheduler poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second
}

// LockTTL returns the task run-state lock lifetime as a duration.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Dispatcher.LockTTLMinutes) * time.Minute
}

// TaskCooldown returns the pause between sequential project tasks.
func (c *Config) TaskCooldown() time.Duration {
	return time.Duration(c.Dispatcher.TaskCooldownSeconds) * time.Second
}

func validateAPIKey(key, fieldName string) error {
	if key == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}

	if len(key) < 10 {
		return fmt.Errorf("%s is too short (minimum 10 characters, got %d)", fieldName, len(key))
	}

	return nil
}

func validatePath(path, fieldName string) error {
	if path == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}

	if strings.HasPrefix(path, "~") {
		return nil
	}

	if strings.Contains(path, "..") {
		return fmt.Errorf("%s contains potentially dangerous path traversal sequence", fieldName)
	}

	return nil
}

// expandEnvVars resolves ${VAR} references in secret-bearing fields and
// expands ~ in paths.
func expandEnvVars(c *Config) {
	c.Database.DSN = expandEnv(c.Database.DSN)
	c.LLM.APIKey = expandEnv(c.LLM.APIKey)
	c.Embeddings.APIKey = expandEnv(c.Embeddings.APIKey)
	c.Mail.Token = expandEnv(c.Mail.Token)
	c.Notify.Token = expandEnv(c.Notify.Token)
	c.Notify.WebhookURL = expandEnv(c.Notify.WebhookURL)

	c.Agent.PersonaPath = expandHome(expandEnv(c.Agent.PersonaPath))
	c.Logging.Output = expandHome(expandEnv(c.Logging.Output))
}

// expandEnv resolves an environment variable reference of the form
// ${VAR} or ${VAR:default}.
func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") {
		return s
	}

	end := strings.Index(s, "}")
	if end == -1 {
		return s
	}

	content := s[2:end]
	if parts := strings.SplitN(content, ":", 2); len(parts) == 2 {
		key := parts[0]
		defaultVal := parts[1]
		if val := os.Getenv(key); val != "" {
			return val
		}
		return defaultVal
	}

	return os.Getenv(content)
}

// expandHome expands a leading ~ in a path.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
