// Package config provides configuration loading for the relay agent.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values for the relay agent.
type Config struct {
	// Server settings
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowedOrigins"`

	// HatchVM provisioning API
	HatchVMAPIURL string `yaml:"hatchvmApiUrl"`
	// HatchVMHost is the domain public routes are served under.
	HatchVMHost string `yaml:"hatchvmHost"`
	// HatchVMSSHHost is the address VM SSH ports are forwarded on.
	HatchVMSSHHost string `yaml:"hatchvmSshHost"`

	// SSH transport settings
	SSHUsername       string        `yaml:"sshUsername"`
	SSHConnectTimeout time.Duration `yaml:"sshConnectTimeout"`
	SSHIdleTTL        time.Duration `yaml:"sshIdleTtl"`
	SSHMaxConnections int           `yaml:"sshMaxConnections"`

	// Shell settings
	ShellTerm            string        `yaml:"shellTerm"`
	ShellTranscriptBytes int           `yaml:"shellTranscriptBytes"`
	CommandTimeout       time.Duration `yaml:"commandTimeout"`

	// WorkspaceReadyTimeout bounds how long workspace creation waits for
	// the new VM to accept SSH. Zero skips the wait.
	WorkspaceReadyTimeout time.Duration `yaml:"workspaceReadyTimeout"`

	// Task settings
	ProjectsDir   string        `yaml:"projectsDir"`
	TaskIdleTTL   time.Duration `yaml:"taskIdleTtl"`
	SweepInterval time.Duration `yaml:"sweepInterval"`

	// Persistence
	PersistenceDBPath string `yaml:"persistenceDbPath"`

	// HTTP server timeouts
	HTTPReadTimeout time.Duration `yaml:"httpReadTimeout"`
	HTTPIdleTimeout time.Duration `yaml:"httpIdleTimeout"`

	// WebSocket settings
	WSReadBufferSize     int `yaml:"wsReadBufferSize"`
	WSWriteBufferSize    int `yaml:"wsWriteBufferSize"`
	TerminalCatchupBytes int `yaml:"terminalCatchupBytes"`
}

// Defaults returns the configuration used when neither a file nor the
// environment sets a value.
func Defaults() *Config {
	return &Config{
		Port: 8080,
		Host: "0.0.0.0",

		SSHUsername:       "relay",
		SSHConnectTimeout: 10 * time.Second,
		SSHIdleTTL:        30 * time.Minute,
		SSHMaxConnections: 64,

		WorkspaceReadyTimeout: 3 * time.Minute,

		ShellTranscriptBytes: 64 * 1024,
		CommandTimeout:       10 * time.Minute,

		ProjectsDir:   "/home/relay/projects",
		TaskIdleTTL:   2 * time.Hour,
		SweepInterval: time.Minute,

		PersistenceDBPath: "/var/lib/relay-agent/state.db",

		HTTPReadTimeout: 15 * time.Second,
		HTTPIdleTimeout: 60 * time.Second,

		WSReadBufferSize:     1024,
		WSWriteBufferSize:    1024,
		TerminalCatchupBytes: 64 * 1024,
	}
}

// Load builds the configuration. Values from the YAML file at path, if path
// is not empty, replace the defaults; environment variables replace both.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.Port = getEnvInt("RELAY_PORT", cfg.Port)
	cfg.Host = getEnv("RELAY_HOST", cfg.Host)
	cfg.AllowedOrigins = getEnvStringSlice("ALLOWED_ORIGINS", cfg.AllowedOrigins)

	cfg.HatchVMAPIURL = getEnv("HATCHVM_API_URL", cfg.HatchVMAPIURL)
	cfg.HatchVMHost = getEnv("HATCHVM_HOST", cfg.HatchVMHost)
	cfg.HatchVMSSHHost = getEnv("HATCHVM_SSH_HOST", cfg.HatchVMSSHHost)

	cfg.SSHUsername = getEnv("SSH_USERNAME", cfg.SSHUsername)
	cfg.SSHConnectTimeout = getEnvDuration("SSH_CONNECT_TIMEOUT", cfg.SSHConnectTimeout)
	cfg.SSHIdleTTL = getEnvDuration("SSH_IDLE_TTL", cfg.SSHIdleTTL)
	cfg.SSHMaxConnections = getEnvInt("SSH_MAX_CONNECTIONS", cfg.SSHMaxConnections)
	cfg.WorkspaceReadyTimeout = getEnvDuration("WORKSPACE_READY_TIMEOUT", cfg.WorkspaceReadyTimeout)

	cfg.ShellTerm = getEnv("SHELL_TERM", cfg.ShellTerm)
	cfg.ShellTranscriptBytes = getEnvInt("SHELL_TRANSCRIPT_BYTES", cfg.ShellTranscriptBytes)
	cfg.CommandTimeout = getEnvDuration("COMMAND_TIMEOUT", cfg.CommandTimeout)

	cfg.ProjectsDir = getEnv("PROJECTS_DIR", cfg.ProjectsDir)
	cfg.TaskIdleTTL = getEnvDuration("TASK_IDLE_TTL", cfg.TaskIdleTTL)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", cfg.SweepInterval)

	cfg.PersistenceDBPath = getEnv("PERSISTENCE_DB_PATH", cfg.PersistenceDBPath)

	cfg.HTTPReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", cfg.HTTPReadTimeout)
	cfg.HTTPIdleTimeout = getEnvDuration("HTTP_IDLE_TIMEOUT", cfg.HTTPIdleTimeout)

	cfg.WSReadBufferSize = getEnvInt("WS_READ_BUFFER_SIZE", cfg.WSReadBufferSize)
	cfg.WSWriteBufferSize = getEnvInt("WS_WRITE_BUFFER_SIZE", cfg.WSWriteBufferSize)
	cfg.TerminalCatchupBytes = getEnvInt("TERMINAL_CATCHUP_BYTES", cfg.TerminalCatchupBytes)

	if cfg.HatchVMAPIURL == "" {
		return nil, fmt.Errorf("HATCHVM_API_URL is required")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("RELAY_PORT %d out of range 1-65535", cfg.Port)
	}

	// SSH ports and routes live on the API host unless configured separately.
	if cfg.HatchVMSSHHost == "" {
		host, err := apiHostname(cfg.HatchVMAPIURL)
		if err != nil {
			return nil, err
		}
		cfg.HatchVMSSHHost = host
	}
	if cfg.HatchVMHost == "" {
		cfg.HatchVMHost = cfg.HatchVMSSHHost
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// apiHostname extracts the host name from the API URL.
func apiHostname(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parse HATCHVM_API_URL: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("HATCHVM_API_URL %q has no host", apiURL)
	}
	return u.Hostname(), nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
