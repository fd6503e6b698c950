// Package config loads the service configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// Server Configuration
	Server ServerConfig `yaml:"server"`

	// Orchestrator Configuration
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Store Configuration
	Store StoreConfig `yaml:"store"`

	// Realtime Configuration
	Realtime RealtimeConfig `yaml:"realtime"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port    int `yaml:"port"`
	ObsPort int `yaml:"obs_port"`
	// RequestsPerSecond and Burst drive the API rate limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// OrchestratorConfig holds the downstream agent service settings.
type OrchestratorConfig struct {
	BaseURL string `yaml:"base_url"`
	// Timeout of 0 means no client-side deadline. Multi-agent requests
	// can legitimately run for minutes; the circuit breaker is the
	// overload control, not a timeout.
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is one of: memory, redis, firestore.
	Backend string `yaml:"backend"`

	Redis RedisConfig `yaml:"redis"`

	Firestore FirestoreConfig `yaml:"firestore"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// FirestoreConfig holds Firestore settings.
type FirestoreConfig struct {
	ProjectID  string `yaml:"project_id"`
	Collection string `yaml:"collection"`
}

// RealtimeConfig selects the event fan-out transport.
type RealtimeConfig struct {
	// Backend is one of: memory, redis. The redis backend shares the
	// store's connection settings.
	Backend string `yaml:"backend"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ObsPort == 0 {
		c.Server.ObsPort = 9090
	}
	if c.Server.RequestsPerSecond == 0 {
		c.Server.RequestsPerSecond = 50
	}
	if c.Server.Burst == 0 {
		c.Server.Burst = 100
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Orchestrator.BaseURL == "" {
		c.Orchestrator.BaseURL = "http://localhost:8000"
	}
	if c.Orchestrator.FailureThreshold == 0 {
		c.Orchestrator.FailureThreshold = 5
	}
	if c.Orchestrator.ResetTimeout == 0 {
		c.Orchestrator.ResetTimeout = 60 * time.Second
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.Redis.Address == "" {
		c.Store.Redis.Address = "localhost:6379"
	}
	if c.Store.Firestore.Collection == "" {
		c.Store.Firestore.Collection = "chat_sessions"
	}
	if c.Realtime.Backend == "" {
		c.Realtime.Backend = c.Store.Backend
		if c.Realtime.Backend != "redis" {
			c.Realtime.Backend = "memory"
		}
	}
}

// applyEnv overlays environment variables on file values. Environment
// wins so deployments can override a baked-in config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("SUPPORTFLOW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SUPPORTFLOW_ORCHESTRATOR_URL"); v != "" {
		c.Orchestrator.BaseURL = v
	}
	if v := os.Getenv("SUPPORTFLOW_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("SUPPORTFLOW_REDIS_ADDR"); v != "" {
		c.Store.Redis.Address = v
	}
	if v := os.Getenv("SUPPORTFLOW_REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("GCP_PROJECT"); v != "" && c.Store.Firestore.ProjectID == "" {
		c.Store.Firestore.ProjectID = v
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Orchestrator.BaseURL == "" {
		return fmt.Errorf("orchestrator.base_url is required")
	}

	switch c.Store.Backend {
	case "memory", "redis":
	case "firestore":
		if c.Store.Firestore.ProjectID == "" {
			return fmt.Errorf("store.firestore.project_id is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Realtime.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown realtime backend %q", c.Realtime.Backend)
	}

	return nil
}
