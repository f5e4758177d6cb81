package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// envOverlay holds secrets and deployment overrides that may come from the
// environment instead of the config file.
type envOverlay struct {
	TelegramToken string   `env:"NUDGEBOT_TELEGRAM_TOKEN"`
	AlertChatID   int64    `env:"NUDGEBOT_ALERT_CHAT_ID"`
	LLMAPIKey     string   `env:"NUDGEBOT_LLM_API_KEY"`
	LLMBaseURL    string   `env:"NUDGEBOT_LLM_BASE_URL"`
	LLMModel      string   `env:"NUDGEBOT_LLM_MODEL"`
	Whitelist     []string `env:"NUDGEBOT_WHITELIST" envSeparator:","`
	StoragePath   string   `env:"NUDGEBOT_STORAGE_PATH"`
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set win.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if strings.TrimSpace(f) == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv overlays NUDGEBOT_* variables from the process environment.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, env.Options{})
}

func applyEnv(cfg *Config, opts env.Options) error {
	var o envOverlay
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return err
	}
	if o.TelegramToken != "" {
		cfg.Telegram.Token = o.TelegramToken
	}
	if o.AlertChatID != 0 {
		cfg.Telegram.AlertChatID = o.AlertChatID
	}
	if o.LLMAPIKey != "" {
		cfg.LLM.APIKey = o.LLMAPIKey
	}
	if o.LLMBaseURL != "" {
		cfg.LLM.BaseURL = o.LLMBaseURL
	}
	if o.LLMModel != "" {
		cfg.LLM.Model = o.LLMModel
	}
	if len(o.Whitelist) > 0 {
		cfg.Whitelist.Enabled = true
		cfg.Whitelist.UserIDs = o.Whitelist
	}
	if o.StoragePath != "" && cfg.Storage != nil {
		cfg.Storage.Path = o.StoragePath
	}
	return nil
}
