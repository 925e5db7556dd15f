package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Telegram TelegramConfig `toml:"telegram"`
	Admin    AdminConfig    `toml:"admin"`
	Store    StoreConfig    `toml:"store"`
	Delivery DeliveryConfig `toml:"delivery"`
	Session  SessionConfig  `toml:"session"`
}

type TelegramConfig struct {
	BotToken          string `toml:"bot_token"`
	PollIntervalSec   int    `toml:"poll_interval_sec"`
	LongPollSec       int    `toml:"long_poll_sec"`
	RequestTimeoutSec int    `toml:"request_timeout_sec"`
	APIRoot           string `toml:"api_root"`
}

type AdminConfig struct {
	Listen      string `toml:"listen"`
	SeedContact string `toml:"seed_contact"`
	SeedName    string `toml:"seed_name"`
	EnableCLI   bool   `toml:"enable_cli"`
	CLIChatID   string `toml:"cli_chat_id"`
}

type StoreConfig struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	TraceDir string `toml:"trace_dir"` // empty disables the gateway trace
}

type DeliveryConfig struct {
	Workers           int `toml:"workers"`
	Buffer            int `toml:"buffer"`
	MaxRetries        int `toml:"max_retries"`
	RetryDelaySec     int `toml:"retry_delay_sec"`
	AttemptTimeoutSec int `toml:"attempt_timeout_sec"`
}

type SessionConfig struct {
	IdleTTLMinutes int `toml:"idle_ttl_minutes"` // 0 disables expiry
}

func DefaultPath() string {
	return filepath.Join("config", "fieldtask.toml")
}

// Load reads the TOML config file and applies defaults. A missing file is not
// an error; the defaults are returned. FIELDTASK_BOT_TOKEN overrides the file
// value so the token can stay out of version control.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if token := strings.TrimSpace(os.Getenv("FIELDTASK_BOT_TOKEN")); token != "" {
		cfg.Telegram.BotToken = token
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Telegram: TelegramConfig{
			PollIntervalSec:   2,
			LongPollSec:       20,
			RequestTimeoutSec: 15,
			APIRoot:           "https://api.telegram.org",
		},
		Admin: AdminConfig{
			Listen:    "127.0.0.1:8090",
			SeedName:  "Admin",
			CLIChatID: "local",
		},
		Store: StoreConfig{
			DataDir: filepath.Join("output", "db"),
			LogDir:  filepath.Join("output", "logs"),
		},
		Delivery: DeliveryConfig{
			Workers:           2,
			Buffer:            64,
			MaxRetries:        2,
			RetryDelaySec:     2,
			AttemptTimeoutSec: 10,
		},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Telegram.PollIntervalSec <= 0 {
		cfg.Telegram.PollIntervalSec = 2
	}
	if cfg.Telegram.LongPollSec <= 0 {
		cfg.Telegram.LongPollSec = 20
	}
	if cfg.Telegram.RequestTimeoutSec <= 0 {
		cfg.Telegram.RequestTimeoutSec = 15
	}
	if strings.TrimSpace(cfg.Telegram.APIRoot) == "" {
		cfg.Telegram.APIRoot = "https://api.telegram.org"
	}
	if strings.TrimSpace(cfg.Admin.Listen) == "" {
		cfg.Admin.Listen = "127.0.0.1:8090"
	}
	if strings.TrimSpace(cfg.Admin.SeedName) == "" {
		cfg.Admin.SeedName = "Admin"
	}
	if strings.TrimSpace(cfg.Admin.CLIChatID) == "" {
		cfg.Admin.CLIChatID = "local"
	}
	if strings.TrimSpace(cfg.Store.DataDir) == "" {
		cfg.Store.DataDir = filepath.Join("output", "db")
	}
	if strings.TrimSpace(cfg.Store.LogDir) == "" {
		cfg.Store.LogDir = filepath.Join("output", "logs")
	}
	if cfg.Delivery.Workers <= 0 {
		cfg.Delivery.Workers = 2
	}
	if cfg.Delivery.Buffer <= 0 {
		cfg.Delivery.Buffer = 64
	}
	if cfg.Delivery.MaxRetries < 0 {
		cfg.Delivery.MaxRetries = 0
	}
	if cfg.Delivery.RetryDelaySec <= 0 {
		cfg.Delivery.RetryDelaySec = 2
	}
	if cfg.Delivery.AttemptTimeoutSec <= 0 {
		cfg.Delivery.AttemptTimeoutSec = 10
	}
	if cfg.Session.IdleTTLMinutes < 0 {
		cfg.Session.IdleTTLMinutes = 0
	}
}
