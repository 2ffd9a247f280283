package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Data       DataConfig       `json:"data"`
	Agents     AgentsConfig     `json:"agents"`
	Providers  ProvidersConfig  `json:"providers"`
	Checkpoint CheckpointConfig `json:"checkpoint"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Heartbeat  HeartbeatConfig  `json:"heartbeat"`
	Sync       SyncConfig       `json:"sync"`
	mu         sync.RWMutex
}

type DataConfig struct {
	Dir      string `json:"dir" env:"DOTPERSONA_DATA_DIR"`
	LogFile  string `json:"log_file" env:"DOTPERSONA_DATA_LOG_FILE"`
	LogLevel string `json:"log_level" env:"DOTPERSONA_DATA_LOG_LEVEL"`
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

type AgentDefaults struct {
	// Model is a provider:model spec, e.g. "openrouter:openai/gpt-5.2".
	Model          string  `json:"model" env:"DOTPERSONA_AGENTS_DEFAULTS_MODEL"`
	MaxTokens      int     `json:"max_tokens" env:"DOTPERSONA_AGENTS_DEFAULTS_MAX_TOKENS"`
	Temperature    float64 `json:"temperature" env:"DOTPERSONA_AGENTS_DEFAULTS_TEMPERATURE"`
	MaxLoops       int     `json:"max_loops" env:"DOTPERSONA_AGENTS_DEFAULTS_MAX_LOOPS"`
	RecentWindow   int     `json:"recent_window" env:"DOTPERSONA_AGENTS_DEFAULTS_RECENT_WINDOW"`
	DefaultPersona string  `json:"default_persona" env:"DOTPERSONA_AGENTS_DEFAULTS_PERSONA"`
	Stream         bool    `json:"stream" env:"DOTPERSONA_AGENTS_DEFAULTS_STREAM"`
}

type ProvidersConfig struct {
	OpenRouter ProviderConfig `json:"openrouter" envPrefix:"DOTPERSONA_PROVIDERS_OPENROUTER_"`
	OpenAI     ProviderConfig `json:"openai" envPrefix:"DOTPERSONA_PROVIDERS_OPENAI_"`
	Local      ProviderConfig `json:"local" envPrefix:"DOTPERSONA_PROVIDERS_LOCAL_"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" env:"API_KEY"`
	APIBase string `json:"api_base" env:"API_BASE"`
	Proxy   string `json:"proxy,omitempty" env:"PROXY"`
}

type CheckpointConfig struct {
	AutoSaveIntervalMS int `json:"auto_save_interval_ms" env:"DOTPERSONA_CHECKPOINT_AUTO_SAVE_INTERVAL_MS"`
	// Schedule is an optional cron expression that replaces the fixed interval.
	Schedule       string `json:"schedule" env:"DOTPERSONA_CHECKPOINT_SCHEDULE"`
	MaxCheckpoints int    `json:"max_checkpoints" env:"DOTPERSONA_CHECKPOINT_MAX_CHECKPOINTS"`
}

type SchedulerConfig struct {
	MaxConcurrent int `json:"max_concurrent" env:"DOTPERSONA_SCHEDULER_MAX_CONCURRENT"`
}

type HeartbeatConfig struct {
	Enabled  bool `json:"enabled" env:"DOTPERSONA_HEARTBEAT_ENABLED"`
	Interval int  `json:"interval" env:"DOTPERSONA_HEARTBEAT_INTERVAL"` // seconds, min 5
}

type SyncConfig struct {
	Enabled  bool   `json:"enabled" env:"DOTPERSONA_SYNC_ENABLED"`
	Remote   string `json:"remote" env:"DOTPERSONA_SYNC_REMOTE"`
	Username string `json:"username" env:"DOTPERSONA_SYNC_USERNAME"`
	// Passphrase is never written to disk.
	Passphrase string `json:"-" env:"DOTPERSONA_SYNC_PASSPHRASE"`
}

func DefaultConfig() *Config {
	return &Config{
		Data: DataConfig{
			Dir:      "~/.dotpersona",
			LogFile:  "",
			LogLevel: "info",
		},
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Model:          "openrouter:openai/gpt-5.2",
				MaxTokens:      4096,
				Temperature:    0.7,
				MaxLoops:       4,
				RecentWindow:   40,
				DefaultPersona: "ei",
				Stream:         false,
			},
		},
		Providers: ProvidersConfig{
			OpenRouter: ProviderConfig{},
			OpenAI:     ProviderConfig{},
			Local: ProviderConfig{
				APIBase: "http://127.0.0.1:11434/v1",
			},
		},
		Checkpoint: CheckpointConfig{
			AutoSaveIntervalMS: 60000,
			MaxCheckpoints:     10,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent: 4,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Interval: 30,
		},
		Sync: SyncConfig{},
	}
}

// LoadConfig reads path over the defaults, then applies the .env file in the
// data dir and the process environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	// Only a missing .env is tolerated.
	dotenv := filepath.Join(expandHome(cfg.Data.Dir), ".env")
	if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", dotenv, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) DataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Data.Dir)
}

func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir(), "state", "checkpoints.db")
}

func (c *Config) LogPath() string {
	c.mu.RLock()
	file := c.Data.LogFile
	c.mu.RUnlock()
	if strings.TrimSpace(file) != "" {
		return expandHome(file)
	}
	return filepath.Join(c.DataDir(), "logs", "dotpersona.log")
}

func (c *Config) AutoSaveInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Checkpoint.AutoSaveIntervalMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Checkpoint.AutoSaveIntervalMS) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	secs := c.Heartbeat.Interval
	if secs < 5 {
		secs = 5
	}
	return time.Duration(secs) * time.Second
}

// Provider returns the registry entry for name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "openrouter":
		return c.Providers.OpenRouter, true
	case "openai":
		return c.Providers.OpenAI, true
	case "local":
		return c.Providers.Local, true
	default:
		return ProviderConfig{}, false
	}
}

// ProviderNames lists registry entries in stable order.
func (c *Config) ProviderNames() []string {
	names := []string{"local", "openai", "openrouter"}
	sort.Strings(names)
	return names
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
