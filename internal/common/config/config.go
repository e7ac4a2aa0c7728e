// Package config provides configuration management for coderelay.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for coderelay.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Auth     AuthConfig     `mapstructure:"auth"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Registry RegistryConfig `mapstructure:"registry"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DockerConfig holds Docker client and sandbox resource configuration.
type DockerConfig struct {
	Host            string `mapstructure:"host"`
	APIVersion      string `mapstructure:"apiVersion"`
	NetworkMode     string `mapstructure:"networkMode"`     // sandbox_network_mode
	Image           string `mapstructure:"image"`           // sandbox image tag
	BuildContextDir string `mapstructure:"buildContextDir"` // dir with Dockerfile for build_image
	MemoryLimitMB   int64  `mapstructure:"memoryLimitMb"`   // sandbox_memory_limit
	CPUQuota        int64  `mapstructure:"cpuQuota"`        // sandbox_cpu_quota
	OpConcurrency   int64  `mapstructure:"opConcurrency"`   // sandbox_op_concurrency
	BuildTimeout    int    `mapstructure:"buildTimeout"`    // sandbox_build_timeout, seconds
	StopGrace       int    `mapstructure:"stopGrace"`       // graceful stop window, seconds
}

// SessionsConfig holds session lifecycle configuration.
type SessionsConfig struct {
	MaxConcurrent      int    `mapstructure:"maxConcurrent"`      // max_concurrent_sessions
	IdleTimeout        int    `mapstructure:"idleTimeout"`        // session_idle_timeout, seconds
	TurnTimeoutDefault int    `mapstructure:"turnTimeoutDefault"` // default reply wait, seconds
	ReaperInterval     int    `mapstructure:"reaperInterval"`     // reaper cadence, seconds
	PollInterval       int    `mapstructure:"pollInterval"`       // response-file poll cadence, seconds
	ReadyTimeout       int    `mapstructure:"readyTimeout"`       // bridge readiness deadline, seconds
	DataDir            string `mapstructure:"dataDir"`            // data_dir
	Model              string `mapstructure:"model"`              // default Assistant model
	Provider           string `mapstructure:"provider"`
	ApprovalMode       string `mapstructure:"approvalMode"`
	ReasoningLevel     string `mapstructure:"reasoningLevel"`
	IncludeReasoning   bool   `mapstructure:"includeReasoning"` // keep reasoning text in the final reply
}

// AuthConfig holds credential selection and refresh configuration.
type AuthConfig struct {
	CredentialMode      string `mapstructure:"credentialMode"` // auto, key, oauth
	PreferOAuth         bool   `mapstructure:"preferOauth"`
	RefreshGuardSeconds int    `mapstructure:"refreshGuardSeconds"` // token_refresh_guard_seconds
	APIKeyPrefix        string `mapstructure:"apiKeyPrefix"`
	TokenEndpoint       string `mapstructure:"tokenEndpoint"`
	RevokeEndpoint      string `mapstructure:"revokeEndpoint"`
	ClientID            string `mapstructure:"clientId"`
	CallbackPortBase    int    `mapstructure:"callbackPortBase"` // first local port tried for the consent redirect
	CredentialFile      string `mapstructure:"credentialFile"`   // defaults to <dataDir>/credentials.json
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RegistryConfig holds transport-session registry configuration.
type RegistryConfig struct {
	MappingTimeout int `mapstructure:"mappingTimeout"` // seconds before an idle mapping is dropped
	SweepInterval  int `mapstructure:"sweepInterval"`  // seconds between sweeps
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// BuildTimeoutDuration returns the image build timeout as a time.Duration.
func (d *DockerConfig) BuildTimeoutDuration() time.Duration {
	return time.Duration(d.BuildTimeout) * time.Second
}

// StopGraceDuration returns the graceful stop window as a time.Duration.
func (d *DockerConfig) StopGraceDuration() time.Duration {
	return time.Duration(d.StopGrace) * time.Second
}

// IdleTimeoutDuration returns the session idle timeout as a time.Duration.
func (s *SessionsConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// TurnTimeoutDuration returns the default turn timeout as a time.Duration.
func (s *SessionsConfig) TurnTimeoutDuration() time.Duration {
	return time.Duration(s.TurnTimeoutDefault) * time.Second
}

// ReaperIntervalDuration returns the reaper cadence as a time.Duration.
func (s *SessionsConfig) ReaperIntervalDuration() time.Duration {
	return time.Duration(s.ReaperInterval) * time.Second
}

// PollIntervalDuration returns the response poll cadence as a time.Duration.
func (s *SessionsConfig) PollIntervalDuration() time.Duration {
	return time.Duration(s.PollInterval) * time.Second
}

// ReadyTimeoutDuration returns the bridge readiness deadline as a time.Duration.
func (s *SessionsConfig) ReadyTimeoutDuration() time.Duration {
	return time.Duration(s.ReadyTimeout) * time.Second
}

// RefreshGuardDuration returns the token refresh guard as a time.Duration.
func (a *AuthConfig) RefreshGuardDuration() time.Duration {
	return time.Duration(a.RefreshGuardSeconds) * time.Second
}

// MappingTimeoutDuration returns the registry mapping timeout as a time.Duration.
func (r *RegistryConfig) MappingTimeoutDuration() time.Duration {
	return time.Duration(r.MappingTimeout) * time.Second
}

// SweepIntervalDuration returns the registry sweep cadence as a time.Duration.
func (r *RegistryConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(r.SweepInterval) * time.Second
}

// CredentialFilePath returns the credential file path, defaulting under DataDir.
func (c *Config) CredentialFilePath() string {
	if c.Auth.CredentialFile != "" {
		return c.Auth.CredentialFile
	}
	return filepath.Join(c.Sessions.DataDir, "credentials.json")
}

// IndexFilePath returns the persistence index path under DataDir.
func (c *Config) IndexFilePath() string {
	return filepath.Join(c.Sessions.DataDir, "metadata", "agent_containers.json")
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CODERELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.networkMode", "bridge")
	v.SetDefault("docker.image", "coderelay-sandbox:latest")
	v.SetDefault("docker.buildContextDir", "")
	v.SetDefault("docker.memoryLimitMb", 2048)
	v.SetDefault("docker.cpuQuota", 100000)
	v.SetDefault("docker.opConcurrency", 10)
	v.SetDefault("docker.buildTimeout", 1800)
	v.SetDefault("docker.stopGrace", 10)

	// Session defaults
	v.SetDefault("sessions.maxConcurrent", 10)
	v.SetDefault("sessions.idleTimeout", 3600)
	v.SetDefault("sessions.turnTimeoutDefault", 300)
	v.SetDefault("sessions.reaperInterval", 60)
	v.SetDefault("sessions.pollInterval", 2)
	v.SetDefault("sessions.readyTimeout", 120)
	v.SetDefault("sessions.dataDir", defaultDataDir())
	v.SetDefault("sessions.model", "gpt-5-codex")
	v.SetDefault("sessions.provider", "openai")
	v.SetDefault("sessions.approvalMode", "full-auto")
	v.SetDefault("sessions.reasoningLevel", "medium")
	v.SetDefault("sessions.includeReasoning", false)

	// Auth defaults
	v.SetDefault("auth.credentialMode", "auto")
	v.SetDefault("auth.preferOauth", true)
	v.SetDefault("auth.refreshGuardSeconds", 300)
	v.SetDefault("auth.apiKeyPrefix", "sk-")
	v.SetDefault("auth.tokenEndpoint", "https://auth.openai.com/oauth/token")
	v.SetDefault("auth.revokeEndpoint", "https://auth.openai.com/oauth/revoke")
	v.SetDefault("auth.clientId", "app_EMoamEEZ73f0CkXaXp7hrann")
	v.SetDefault("auth.callbackPortBase", 1455)
	v.SetDefault("auth.credentialFile", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "coderelay")
	v.SetDefault("nats.maxReconnects", 10)

	// Registry defaults
	v.SetDefault("registry.mappingTimeout", 7200)
	v.SetDefault("registry.sweepInterval", 300)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/coderelay"
	}
	return filepath.Join(home, ".coderelay")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CODERELAY_ with underscore-separated keys.
// Config file should be named config.yaml and placed in the current directory
// or /etc/coderelay/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CODERELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from the camelCase
	// config key (AutomaticEnv does not translate camelCase).
	_ = v.BindEnv("sessions.maxConcurrent", "CODERELAY_MAX_CONCURRENT_SESSIONS")
	_ = v.BindEnv("sessions.idleTimeout", "CODERELAY_SESSION_IDLE_TIMEOUT")
	_ = v.BindEnv("sessions.dataDir", "CODERELAY_DATA_DIR")
	_ = v.BindEnv("auth.credentialMode", "CODERELAY_CREDENTIAL_MODE")
	_ = v.BindEnv("auth.preferOauth", "CODERELAY_PREFER_OAUTH")
	_ = v.BindEnv("docker.networkMode", "CODERELAY_SANDBOX_NETWORK_MODE")
	_ = v.BindEnv("docker.opConcurrency", "CODERELAY_SANDBOX_OP_CONCURRENCY")
	_ = v.BindEnv("nats.url", "CODERELAY_NATS_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/coderelay/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch strings.ToLower(cfg.Auth.CredentialMode) {
	case "auto", "key", "oauth":
	default:
		errs = append(errs, "auth.credentialMode must be one of: auto, key, oauth")
	}
	if cfg.Auth.CallbackPortBase <= 0 || cfg.Auth.CallbackPortBase > 65535 {
		errs = append(errs, "auth.callbackPortBase must be between 1 and 65535")
	}

	if cfg.Sessions.MaxConcurrent <= 0 {
		errs = append(errs, "sessions.maxConcurrent must be positive")
	}
	if cfg.Sessions.PollInterval <= 0 {
		errs = append(errs, "sessions.pollInterval must be positive")
	}
	if cfg.Sessions.DataDir == "" {
		errs = append(errs, "sessions.dataDir is required")
	}

	if cfg.Docker.OpConcurrency <= 0 {
		errs = append(errs, "docker.opConcurrency must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
