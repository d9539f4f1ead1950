// Package config provides configuration management for foldrun.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/foldrun/internal/common/logger"
)

// Config holds all configuration sections for foldrun.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Paths       PathsConfig       `mapstructure:"paths"`
	Runner      RunnerConfig      `mapstructure:"runner"`
	Container   ContainerConfig   `mapstructure:"container"`
	Host        HostConfig        `mapstructure:"host"`
	Docker      DockerConfig      `mapstructure:"docker"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Workspaces  WorkspacesConfig  `mapstructure:"workspaces"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	ReadTimeout int    `mapstructure:"readTimeout"` // in seconds
	// SubmitRate caps run submissions per second; 0 disables the limit.
	SubmitRate int `mapstructure:"submitRate"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PathsConfig locates the directories the mount planner works with.
type PathsConfig struct {
	ProjectRoot string `mapstructure:"projectRoot"`
	DataDir     string `mapstructure:"dataDir"`
	GroupsDir   string `mapstructure:"groupsDir"`
	SkillsDir   string `mapstructure:"skillsDir"`
	// AllowlistPath must live outside every directory that is ever mounted
	// into an agent, otherwise an agent could widen its own access.
	AllowlistPath string `mapstructure:"allowlistPath"`
}

// RunnerConfig tunes a single agent run.
type RunnerConfig struct {
	Mode                string        `mapstructure:"mode"` // container, host
	IdleTimeout         time.Duration `mapstructure:"idleTimeout"`
	MinTimeout          time.Duration `mapstructure:"minTimeout"`
	MaxOutputBytes      int           `mapstructure:"maxOutputBytes"`
	MaxParseBufferBytes int           `mapstructure:"maxParseBufferBytes"`
	ParseTailBytes      int           `mapstructure:"parseTailBytes"`
	StderrTailBytes     int           `mapstructure:"stderrTailBytes"`
	SettleTimeout       time.Duration `mapstructure:"settleTimeout"`
	// DrainTimeout bounds how long output is read after the agent exits,
	// for descendants that keep its stdout open.
	DrainTimeout        time.Duration `mapstructure:"drainTimeout"`
	FrameQueueSize      int           `mapstructure:"frameQueueSize"`
	VerboseRunLogs      bool          `mapstructure:"verboseRunLogs"`
	MaxConcurrentRuns   int           `mapstructure:"maxConcurrentRuns"`
	MaxQueuedRuns       int           `mapstructure:"maxQueuedRuns"` // 0 = unbounded
	TranscriptFrames    int           `mapstructure:"transcriptFrames"`
	Locale              string        `mapstructure:"locale"`
}

// ContainerConfig configures the container launch variant.
type ContainerConfig struct {
	Runtime     string        `mapstructure:"runtime"`
	Image       string        `mapstructure:"image"`
	NamePrefix  string        `mapstructure:"namePrefix"`
	StopTimeout time.Duration `mapstructure:"stopTimeout"`
}

// HostConfig configures the host subprocess launch variant.
type HostConfig struct {
	// Runtime is the interpreter used to start EntryPoint. Empty means the
	// entry point is executed directly.
	Runtime    string        `mapstructure:"runtime"`
	EntryPoint string        `mapstructure:"entryPoint"`
	KillGrace  time.Duration `mapstructure:"killGrace"`
	GitInit    bool          `mapstructure:"gitInit"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DatabaseConfig selects the SQL workspace source.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres, or empty
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// WorkspacesConfig points at the YAML workspace source.
type WorkspacesConfig struct {
	File string `mapstructure:"file"`
}

// CredentialsConfig controls how provider secrets are collected.
type CredentialsConfig struct {
	EnvPrefix string   `mapstructure:"envPrefix"`
	File      string   `mapstructure:"file"`
	Keys      []string `mapstructure:"keys"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ToLoggerConfig converts the logging section for logger.NewLogger.
func (l LoggingConfig) ToLoggerConfig() logger.LoggingConfig {
	return logger.LoggingConfig{Level: l.Level, Format: l.Format, OutputPath: l.OutputPath}
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.submitRate", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("paths.projectRoot", cwd)
	v.SetDefault("paths.dataDir", filepath.Join(cwd, "data"))
	v.SetDefault("paths.groupsDir", filepath.Join(cwd, "groups"))
	v.SetDefault("paths.skillsDir", filepath.Join(cwd, "container", "skills"))
	v.SetDefault("paths.allowlistPath", filepath.Join(home, ".config", "foldrun", "mount-allowlist.yaml"))

	v.SetDefault("runner.mode", "container")
	v.SetDefault("runner.idleTimeout", 30*time.Minute)
	v.SetDefault("runner.minTimeout", 30*time.Second)
	v.SetDefault("runner.maxOutputBytes", 10*1024*1024)
	v.SetDefault("runner.maxParseBufferBytes", 32*1024*1024)
	v.SetDefault("runner.parseTailBytes", 64*1024)
	v.SetDefault("runner.stderrTailBytes", 500)
	v.SetDefault("runner.settleTimeout", 10*time.Second)
	v.SetDefault("runner.drainTimeout", 2*time.Second)
	v.SetDefault("runner.frameQueueSize", 64)
	v.SetDefault("runner.verboseRunLogs", false)
	v.SetDefault("runner.maxConcurrentRuns", 5)
	v.SetDefault("runner.maxQueuedRuns", 100)
	v.SetDefault("runner.transcriptFrames", 200)
	v.SetDefault("runner.locale", "en")

	v.SetDefault("container.runtime", "docker")
	v.SetDefault("container.image", "foldrun-agent:latest")
	v.SetDefault("container.namePrefix", "foldrun")
	v.SetDefault("container.stopTimeout", 30*time.Second)

	v.SetDefault("host.runtime", "node")
	v.SetDefault("host.entryPoint", filepath.Join(cwd, "container", "agent-runner", "dist", "index.js"))
	v.SetDefault("host.killGrace", 5*time.Second)
	v.SetDefault("host.gitInit", true)

	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")

	// Empty URL means the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "foldrun")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("database.driver", "")
	v.SetDefault("database.path", filepath.Join(cwd, "data", "foldrun.db"))
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "foldrun")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "foldrun")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)

	v.SetDefault("workspaces.file", "workspaces.yaml")

	v.SetDefault("credentials.envPrefix", "")
	v.SetDefault("credentials.file", filepath.Join(cwd, ".env"))
	v.SetDefault("credentials.keys", []string{
		"ANTHROPIC_API_KEY",
		"CLAUDE_CODE_OAUTH_TOKEN",
		"ANTHROPIC_BASE_URL",
		"ANTHROPIC_AUTH_TOKEN",
	})
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FOLDRUN_ with dots replaced by underscores.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FOLDRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// camelCase keys do not map onto SNAKE_CASE env vars by themselves.
	_ = v.BindEnv("runner.idleTimeout", "FOLDRUN_RUNNER_IDLE_TIMEOUT")
	_ = v.BindEnv("runner.verboseRunLogs", "FOLDRUN_RUNNER_VERBOSE_RUN_LOGS")
	_ = v.BindEnv("runner.maxConcurrentRuns", "FOLDRUN_RUNNER_MAX_CONCURRENT_RUNS")
	_ = v.BindEnv("paths.dataDir", "FOLDRUN_DATA_DIR")
	_ = v.BindEnv("paths.groupsDir", "FOLDRUN_GROUPS_DIR")
	_ = v.BindEnv("paths.allowlistPath", "FOLDRUN_MOUNT_ALLOWLIST")
	_ = v.BindEnv("container.image", "FOLDRUN_CONTAINER_IMAGE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/foldrun/")

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

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Runner.Mode != "container" && cfg.Runner.Mode != "host" {
		errs = append(errs, "runner.mode must be one of: container, host")
	}
	if cfg.Runner.IdleTimeout <= 0 {
		errs = append(errs, "runner.idleTimeout must be positive")
	}
	if cfg.Runner.MaxOutputBytes <= 0 {
		errs = append(errs, "runner.maxOutputBytes must be positive")
	}
	if cfg.Runner.ParseTailBytes <= 0 || cfg.Runner.ParseTailBytes >= cfg.Runner.MaxParseBufferBytes {
		errs = append(errs, "runner.parseTailBytes must be positive and smaller than runner.maxParseBufferBytes")
	}
	if cfg.Runner.FrameQueueSize <= 0 {
		errs = append(errs, "runner.frameQueueSize must be positive")
	}
	if cfg.Runner.MaxConcurrentRuns <= 0 {
		errs = append(errs, "runner.maxConcurrentRuns must be positive")
	}

	if cfg.Paths.DataDir == "" || cfg.Paths.GroupsDir == "" {
		errs = append(errs, "paths.dataDir and paths.groupsDir are required")
	}
	if cfg.Paths.AllowlistPath != "" && cfg.Paths.DataDir != "" && isWithin(cfg.Paths.AllowlistPath, cfg.Paths.DataDir) {
		errs = append(errs, "paths.allowlistPath must not live under paths.dataDir")
	}
	if cfg.Paths.AllowlistPath != "" && cfg.Paths.GroupsDir != "" && isWithin(cfg.Paths.AllowlistPath, cfg.Paths.GroupsDir) {
		errs = append(errs, "paths.allowlistPath must not live under paths.groupsDir")
	}

	if cfg.Container.Runtime == "" || cfg.Container.Image == "" {
		errs = append(errs, "container.runtime and container.image are required")
	}

	switch cfg.Database.Driver {
	case "", "sqlite", "postgres":
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres, or empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func isWithin(path, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
