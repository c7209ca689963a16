// Package config loads the gateway's single configuration document: a TOML
// file with sensible defaults, overridable by environment variables. This
// mirrors the teacher's use of caarlos0/env for struct-tag env binding,
// layered with BurntSushi/toml for the on-disk document (the teacher's own
// config package source was not retrieved, only its field usage at call
// sites).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// ProviderConfig describes one configured backend.
type ProviderConfig struct {
	Name          string        `toml:"name"`
	Kind          string        `toml:"kind"` // "cli" | "http_anthropic" | "http_openai" | "http_gemini"
	Model         string        `toml:"model"`
	CheapModel    string        `toml:"cheap_model"`
	MaxTurns      int           `toml:"max_turns"`
	Timeout       time.Duration `toml:"timeout"`
	ResumeRetries int           `toml:"resume_retries"`
	AllowedTools  []string      `toml:"allowed_tools"`
	APIKeyEnv     string        `toml:"api_key_env"`
	BaseURL       string        `toml:"base_url"`
}

// ChannelConfig describes one enabled channel transport. TokenEnv names the
// environment variable holding the bot token (telegram, discord); the
// WhatsApp Cloud API instead needs three separate credentials, named by
// the *Env fields below.
type ChannelConfig struct {
	Name               string   `toml:"name"`
	Enabled            bool     `toml:"enabled"`
	TokenEnv           string   `toml:"token_env"`
	AllowList          []string `toml:"allow_list"`
	PhoneNumberIDEnv   string   `toml:"phone_number_id_env"`
	AccessTokenEnv     string   `toml:"access_token_env"`
	VerifyTokenEnv     string   `toml:"verify_token_env"`
}

type MemoryConfig struct {
	DBPath            string `toml:"db_path"`
	HistoryWindow     int    `toml:"history_window"`
	MaxConnections    int    `toml:"max_connections"`
}

type HeartbeatConfig struct {
	IntervalMinutes int    `toml:"interval_minutes"`
	ChecklistPath   string `toml:"checklist_path"`
	OwnerChannel    string `toml:"owner_channel"`
	OwnerTarget     string `toml:"owner_target"`
}

// MCPServerConfig declares one MCP server the gateway launches at startup
// through mcp.Manager; its name is listed by the admin status endpoint and
// can be referenced by a skill's McpServer field (spec.md 4.5).
type MCPServerConfig struct {
	Name    string   `toml:"name"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

// SkillConfig declares one keyword-triggered skill (spec.md 4.1 stage 8).
// Skill/project file *loaders* are out of scope (spec.md 1); this is the
// minimal static catalog entry the core consumes.
type SkillConfig struct {
	Name       string `toml:"name"`
	Trigger    string `toml:"trigger"` // pipe-separated keywords
	McpServer  string `toml:"mcp_server"`
	SystemNote string `toml:"system_note"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `toml:"poll_interval"`
	RetryCap     int           `toml:"retry_cap"`
}

type SummarizerConfig struct {
	IdleThreshold time.Duration `toml:"idle_threshold"`
	PollInterval  time.Duration `toml:"poll_interval"`
}

type AdminConfig struct {
	Host        string `toml:"host" env:"OMEGA_ADMIN_HOST"`
	Port        int    `toml:"port" env:"OMEGA_ADMIN_PORT"`
	BearerToken string `toml:"-" env:"OMEGA_ADMIN_TOKEN"`
}

type Config struct {
	Workspace  string            `toml:"workspace" env:"OMEGA_WORKSPACE"`
	Providers  []ProviderConfig  `toml:"providers"`
	Channels   []ChannelConfig   `toml:"channels"`
	Memory     MemoryConfig      `toml:"memory"`
	Heartbeat  HeartbeatConfig   `toml:"heartbeat"`
	Scheduler  SchedulerConfig   `toml:"scheduler"`
	Summarizer SummarizerConfig  `toml:"summarizer"`
	Admin      AdminConfig       `toml:"admin"`
	MCP        []MCPServerConfig `toml:"mcp"`
	Skills     []SkillConfig     `toml:"skills"`

	SkillLogDir string `toml:"skill_log_dir"`
	BugLogPath  string `toml:"bug_log_path"`

	CLISessionIdleTimeout time.Duration `toml:"cli_session_idle_timeout"`
}

func defaults() Config {
	home, _ := os.UserHomeDir()
	base := home + "/.omega"
	return Config{
		Workspace: base + "/workspace",
		Memory: MemoryConfig{
			DBPath:         base + "/data/memory.db",
			HistoryWindow:  20,
			MaxConnections: 4,
		},
		Heartbeat: HeartbeatConfig{
			IntervalMinutes: 30,
			ChecklistPath:   base + "/workspace/heartbeat_checklist.md",
		},
		Scheduler: SchedulerConfig{
			PollInterval: 60 * time.Second,
			RetryCap:     5,
		},
		Summarizer: SummarizerConfig{
			IdleThreshold: 2 * time.Hour,
			PollInterval:  5 * time.Minute,
		},
		Admin: AdminConfig{
			Host: "127.0.0.1",
			Port: 8787,
		},
		SkillLogDir:           base + "/workspace/skills",
		BugLogPath:            base + "/workspace/bugs.log",
		CLISessionIdleTimeout: 2 * time.Hour,
	}
}

// Load reads path (if it exists) over the built-in defaults, then applies
// environment variable overrides for the fields tagged `env`.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, fmt.Errorf("config: decoding %s: %w", path, err)
			}
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: applying env overrides: %w", err)
	}
	return &cfg, nil
}
