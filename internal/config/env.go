package config

import (
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every override variable.
const EnvPrefix = "POSTPIPE_"

// envOverrides lists the settings that may come from the environment. Secrets
// belong here rather than in the config file.
type envOverrides struct {
	LogLevel      string `env:"LOG_LEVEL"`
	Timezone      string `env:"TIMEZONE"`
	StorageDriver string `env:"STORAGE_DRIVER"`
	StoragePath   string `env:"STORAGE_PATH"`
	StorageDSN    string `env:"STORAGE_DSN"`
	SessionDriver string `env:"SESSION_DRIVER"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       *int   `env:"REDIS_DB"`
	DryRun        *bool  `env:"DRY_RUN"`
	ContentURL    string `env:"CONTENT_URL"`
	AutomationURL string `env:"AUTOMATION_URL"`
	WorkDir       string `env:"WORK_DIR"`
	APIAddr       string `env:"API_ADDR"`
	TelegramToken string `env:"TELEGRAM_TOKEN"`
	TelegramChat  *int64 `env:"TELEGRAM_CHAT_ID"`
}

// ApplyEnv overlays POSTPIPE_* variables from environ onto cfg. Unset
// variables leave the file values alone.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return errors.Wrap(err, "environment overrides")
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Timezone, o.Timezone)
	set(&cfg.Storage.Driver, o.StorageDriver)
	set(&cfg.Storage.Path, o.StoragePath)
	set(&cfg.Storage.DSN, o.StorageDSN)
	set(&cfg.Session.Driver, o.SessionDriver)
	set(&cfg.Session.Redis.Addr, o.RedisAddr)
	set(&cfg.Session.Redis.Password, o.RedisPassword)
	set(&cfg.Adapters.Content.BaseURL, o.ContentURL)
	set(&cfg.Adapters.Automation.BaseURL, o.AutomationURL)
	set(&cfg.Adapters.Content.WorkDir, o.WorkDir)
	set(&cfg.API.Addr, o.APIAddr)
	set(&cfg.Notify.Telegram.Token, o.TelegramToken)
	if o.RedisDB != nil {
		cfg.Session.Redis.DB = *o.RedisDB
	}
	if o.DryRun != nil {
		cfg.Adapters.DryRun = *o.DryRun
	}
	if o.TelegramChat != nil {
		cfg.Notify.Telegram.ChatID = *o.TelegramChat
	}
	return nil
}

func processEnv() map[string]string { return env.ToMap(os.Environ()) }

// LoadDotenv loads each existing file into the process environment. Variables
// already set win over the files.
func LoadDotenv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "stat %s", p)
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrapf(err, "load %s", p)
		}
	}
	return nil
}
