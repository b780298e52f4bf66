// Package config loads and normalizes the host configuration from
// <home>/config.yaml, with environment overrides applied on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token   string `yaml:"token"`
	OwnerID string `yaml:"owner_id"` // user ID whose DM becomes the main chat
	Enabled bool   `yaml:"enabled"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// WebConfig configures the local dashboard channel.
type WebConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	Enabled   bool   `yaml:"enabled"`
}

type ChannelsConfig struct {
	Discord  DiscordConfig  `yaml:"discord"`
	Telegram TelegramConfig `yaml:"telegram"`
	Web      WebConfig      `yaml:"web"`
}

// AgentConfig controls how agent subprocesses are launched.
type AgentConfig struct {
	// Mode selects the launch path: "exec" (direct child process) or
	// "docker" (ephemeral container).
	Mode string `yaml:"mode"`

	// Binary is the agent executable for exec mode. Defaults to
	// "nanoclaw-agent" resolved on PATH.
	Binary string `yaml:"binary"`

	// Command is the assistant CLI the agent shells out to for replies.
	Command string `yaml:"command"`

	Image       string `yaml:"image"`        // docker mode image
	MemoryMB    int64  `yaml:"memory_mb"`    // docker mode memory limit
	NetworkMode string `yaml:"network_mode"` // docker mode network

	// IdleTimeoutSeconds closes a warm agent after this much inactivity.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`

	// KillGraceSeconds is the window between the close sentinel and SIGKILL.
	KillGraceSeconds int `yaml:"kill_grace_seconds"`
}

// SchedulerConfig controls the scheduled task engine.
type SchedulerConfig struct {
	PollIntervalSeconds    int    `yaml:"poll_interval_seconds"`
	Timezone               string `yaml:"timezone"`
	MaxRetries             int    `yaml:"max_retries"`
	TaskIdleTimeoutSeconds int    `yaml:"task_idle_timeout_seconds"`
}

type PluginsConfig struct {
	// Dirs lists directories scanned for plugin.json manifests.
	Dirs []string `yaml:"dirs"`
}

type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp-http" or "stdout"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// GroupsDir is the root under which per-chat folders live.
	GroupsDir string `yaml:"groups_dir"`

	// MainFolder is the folder name designated as main. The owner DM is
	// auto-registered under it on first contact.
	MainFolder string `yaml:"main_folder"`

	// BusHandlerTimeoutSeconds bounds each event bus handler per emit.
	BusHandlerTimeoutSeconds int `yaml:"bus_handler_timeout_seconds"`

	Agent     AgentConfig     `yaml:"agent"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Plugins   PluginsConfig   `yaml:"plugins"`
	Otel      OtelConfig      `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:                 "info",
		MainFolder:               "main",
		BusHandlerTimeoutSeconds: 5,
		Agent: AgentConfig{
			Mode:               "exec",
			Binary:             "nanoclaw-agent",
			Image:              "nanoclaw-agent:latest",
			MemoryMB:           512,
			NetworkMode:        "bridge",
			IdleTimeoutSeconds: int((2 * time.Minute).Seconds()),
			KillGraceSeconds:   10,
		},
		Scheduler: SchedulerConfig{
			PollIntervalSeconds:    5,
			Timezone:               "UTC",
			MaxRetries:             3,
			TaskIdleTimeoutSeconds: int((5 * time.Minute).Seconds()),
		},
		Channels: ChannelsConfig{
			Web: WebConfig{BindAddr: "127.0.0.1:18890"},
		},
	}
}

// HomeDir returns the data directory, honoring the NANOCLAW_HOME override.
func HomeDir() string {
	if override := os.Getenv("NANOCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".nanoclaw")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under homeDir, applies env overrides and
// normalizes defaults. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create nanoclaw home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.GroupsDir) == "" {
		cfg.GroupsDir = filepath.Join(cfg.HomeDir, "groups")
	}
	if strings.TrimSpace(cfg.MainFolder) == "" {
		cfg.MainFolder = "main"
	}
	if cfg.BusHandlerTimeoutSeconds <= 0 {
		cfg.BusHandlerTimeoutSeconds = 5
	}
	if cfg.Agent.Mode != "docker" {
		cfg.Agent.Mode = "exec"
	}
	if strings.TrimSpace(cfg.Agent.Binary) == "" {
		cfg.Agent.Binary = "nanoclaw-agent"
	}
	if cfg.Agent.MemoryMB <= 0 {
		cfg.Agent.MemoryMB = 512
	}
	if strings.TrimSpace(cfg.Agent.Image) == "" {
		cfg.Agent.Image = "nanoclaw-agent:latest"
	}
	if strings.TrimSpace(cfg.Agent.NetworkMode) == "" {
		cfg.Agent.NetworkMode = "bridge"
	}
	if cfg.Agent.IdleTimeoutSeconds <= 0 {
		cfg.Agent.IdleTimeoutSeconds = int((2 * time.Minute).Seconds())
	}
	if cfg.Agent.KillGraceSeconds <= 0 {
		cfg.Agent.KillGraceSeconds = 10
	}
	if cfg.Scheduler.PollIntervalSeconds <= 0 {
		cfg.Scheduler.PollIntervalSeconds = 5
	}
	if strings.TrimSpace(cfg.Scheduler.Timezone) == "" {
		cfg.Scheduler.Timezone = "UTC"
	}
	if cfg.Scheduler.MaxRetries <= 0 {
		cfg.Scheduler.MaxRetries = 3
	}
	if cfg.Scheduler.TaskIdleTimeoutSeconds <= 0 {
		cfg.Scheduler.TaskIdleTimeoutSeconds = int((5 * time.Minute).Seconds())
	}
	if len(cfg.Plugins.Dirs) == 0 {
		cfg.Plugins.Dirs = []string{filepath.Join(cfg.HomeDir, "plugins")}
	}
	if cfg.Channels.Web.BindAddr == "" {
		cfg.Channels.Web.BindAddr = "127.0.0.1:18890"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("NANOCLAW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("NANOCLAW_GROUPS_DIR"); raw != "" {
		cfg.GroupsDir = raw
	}
	if raw := os.Getenv("NANOCLAW_AGENT_MODE"); raw != "" {
		cfg.Agent.Mode = raw
	}
	if raw := os.Getenv("NANOCLAW_AGENT_BINARY"); raw != "" {
		cfg.Agent.Binary = raw
	}
	if raw := os.Getenv("NANOCLAW_AGENT_COMMAND"); raw != "" {
		cfg.Agent.Command = raw
	}
	if raw := os.Getenv("NANOCLAW_IDLE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Agent.IdleTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("NANOCLAW_TIMEZONE"); raw != "" {
		cfg.Scheduler.Timezone = raw
	}
	if raw := os.Getenv("DISCORD_TOKEN"); raw != "" {
		cfg.Channels.Discord.Token = raw
		cfg.Channels.Discord.Enabled = true
	}
	if raw := os.Getenv("DISCORD_OWNER_ID"); raw != "" {
		cfg.Channels.Discord.OwnerID = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
		cfg.Channels.Telegram.Enabled = true
	}
	if raw := os.Getenv("NANOCLAW_WEB_BIND"); raw != "" {
		cfg.Channels.Web.BindAddr = raw
	}
	if raw := os.Getenv("NANOCLAW_WEB_TOKEN"); raw != "" {
		cfg.Channels.Web.AuthToken = raw
	}
}

// Location resolves the scheduler timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
