package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const CurrentConfigVersion = 1

// Config is the root configuration structure read from hub.yaml.
type Config struct {
	Version  int            `yaml:"version"`
	System   SystemConfig   `yaml:"system"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Channels ChannelsConfig `yaml:"channels"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
}

type SystemConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	LogLevel     string `yaml:"log_level"`
	StateFile    string `yaml:"state_file"`
	DumpInterval int    `yaml:"dump_interval"` // seconds
	MaxTicks     int    `yaml:"max_ticks"`
}

type MonitorConfig struct {
	TickMs               int   `yaml:"tick_ms"`
	ValidationTimeoutMs  int   `yaml:"validation_timeout_ms"`
	FastRecheckSeconds   int   `yaml:"fast_recheck_seconds"`
	NormalRecheckSeconds int   `yaml:"normal_recheck_seconds"`
	StableRecheckSeconds int   `yaml:"stable_recheck_seconds"`
	CreditPerCheck       int64 `yaml:"credit_per_check"`
}

type AlertsConfig struct {
	RetryMaxAttempts   int `yaml:"retry_max_attempts"`
	RetryBaseDelaySec  int `yaml:"retry_base_delay_sec"`
	ReminderMinutes    int `yaml:"reminder_minutes"`
	QuietHoursDeferSec int `yaml:"quiet_hours_defer_sec"`
	SweepBatchSize     int `yaml:"sweep_batch_size"`
	SendTimeoutSec     int `yaml:"send_timeout_sec"`
}

type ChannelsConfig struct {
	ResendAPIKey     string `yaml:"resend_api_key"`
	AlertEmailFrom   string `yaml:"alert_email_from"`
	TwilioAccountSID string `yaml:"twilio_account_sid"`
	TwilioAuthToken  string `yaml:"twilio_auth_token"`
	TwilioFromNumber string `yaml:"twilio_from_number"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig guards the ops API. An empty hash disables the /api routes.
type AuthConfig struct {
	APITokenHash string `yaml:"api_token_hash"`
}

func (m MonitorConfig) Tick() time.Duration {
	return time.Duration(m.TickMs) * time.Millisecond
}

func (m MonitorConfig) ValidationTimeout() time.Duration {
	return time.Duration(m.ValidationTimeoutMs) * time.Millisecond
}

func (m MonitorConfig) FastRecheck() time.Duration {
	return time.Duration(m.FastRecheckSeconds) * time.Second
}

func (m MonitorConfig) NormalRecheck() time.Duration {
	return time.Duration(m.NormalRecheckSeconds) * time.Second
}

func (m MonitorConfig) StableRecheck() time.Duration {
	return time.Duration(m.StableRecheckSeconds) * time.Second
}

func (a AlertsConfig) RetryBaseDelay() time.Duration {
	return time.Duration(a.RetryBaseDelaySec) * time.Second
}

func (a AlertsConfig) QuietHoursDefer() time.Duration {
	return time.Duration(a.QuietHoursDeferSec) * time.Second
}

func (a AlertsConfig) SendTimeout() time.Duration {
	return time.Duration(a.SendTimeoutSec) * time.Second
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Version: CurrentConfigVersion,
		System: SystemConfig{
			ListenAddr:   ":8081",
			LogLevel:     "info",
			StateFile:    "data/state.json",
			DumpInterval: 60,
			MaxTicks:     100000,
		},
		Monitor: MonitorConfig{
			TickMs:               15000,
			ValidationTimeoutMs:  20000,
			FastRecheckSeconds:   30,
			NormalRecheckSeconds: 60,
			StableRecheckSeconds: 180,
			CreditPerCheck:       100,
		},
		Alerts: AlertsConfig{
			RetryMaxAttempts:   5,
			RetryBaseDelaySec:  30,
			ReminderMinutes:    10,
			QuietHoursDeferSec: 300,
			SweepBatchSize:     100,
			SendTimeoutSec:     10,
		},
	}
}

// ApplyDefaults fills zero-value fields with defaults.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Version == 0 {
		c.Version = CurrentConfigVersion
	}
	if c.System.ListenAddr == "" {
		c.System.ListenAddr = d.System.ListenAddr
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = d.System.LogLevel
	}
	if c.System.DumpInterval <= 0 {
		c.System.DumpInterval = d.System.DumpInterval
	}
	if c.System.MaxTicks == 0 {
		c.System.MaxTicks = d.System.MaxTicks
	}
	if c.Monitor.TickMs <= 0 {
		c.Monitor.TickMs = d.Monitor.TickMs
	}
	if c.Monitor.ValidationTimeoutMs <= 0 {
		c.Monitor.ValidationTimeoutMs = d.Monitor.ValidationTimeoutMs
	}
	if c.Monitor.FastRecheckSeconds <= 0 {
		c.Monitor.FastRecheckSeconds = d.Monitor.FastRecheckSeconds
	}
	if c.Monitor.NormalRecheckSeconds <= 0 {
		c.Monitor.NormalRecheckSeconds = d.Monitor.NormalRecheckSeconds
	}
	if c.Monitor.StableRecheckSeconds <= 0 {
		c.Monitor.StableRecheckSeconds = d.Monitor.StableRecheckSeconds
	}
	if c.Monitor.CreditPerCheck <= 0 {
		c.Monitor.CreditPerCheck = d.Monitor.CreditPerCheck
	}
	if c.Alerts.RetryMaxAttempts <= 0 {
		c.Alerts.RetryMaxAttempts = d.Alerts.RetryMaxAttempts
	}
	if c.Alerts.RetryBaseDelaySec <= 0 {
		c.Alerts.RetryBaseDelaySec = d.Alerts.RetryBaseDelaySec
	}
	if c.Alerts.ReminderMinutes <= 0 {
		c.Alerts.ReminderMinutes = d.Alerts.ReminderMinutes
	}
	if c.Alerts.QuietHoursDeferSec <= 0 {
		c.Alerts.QuietHoursDeferSec = d.Alerts.QuietHoursDeferSec
	}
	if c.Alerts.SweepBatchSize <= 0 {
		c.Alerts.SweepBatchSize = d.Alerts.SweepBatchSize
	}
	if c.Alerts.SendTimeoutSec <= 0 {
		c.Alerts.SendTimeoutSec = d.Alerts.SendTimeoutSec
	}
}

// ApplyEnv overrides fields from the process environment. Unparseable
// numbers are reported together.
func (c *Config) ApplyEnv() error {
	var errs []error
	envInt := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v))
			return
		}
		*dst = n
	}
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("HUB_LISTEN_ADDR", &c.System.ListenAddr)
	envStr("HUB_LOG_LEVEL", &c.System.LogLevel)
	envStr("HUB_STATE_FILE", &c.System.StateFile)
	envInt("HUB_DUMP_INTERVAL", &c.System.DumpInterval)

	envInt("MONITOR_TICK_MS", &c.Monitor.TickMs)
	envInt("VALIDATION_TIMEOUT_MS", &c.Monitor.ValidationTimeoutMs)
	envInt("FAST_RECHECK_SECONDS", &c.Monitor.FastRecheckSeconds)
	envInt("NORMAL_RECHECK_SECONDS", &c.Monitor.NormalRecheckSeconds)
	envInt("STABLE_RECHECK_SECONDS", &c.Monitor.StableRecheckSeconds)

	envInt("ALERT_RETRY_MAX_ATTEMPTS", &c.Alerts.RetryMaxAttempts)
	envInt("ALERT_RETRY_BASE_DELAY_SEC", &c.Alerts.RetryBaseDelaySec)
	envInt("ALERT_REMINDER_MINUTES", &c.Alerts.ReminderMinutes)

	envStr("RESEND_API_KEY", &c.Channels.ResendAPIKey)
	envStr("ALERT_EMAIL_FROM", &c.Channels.AlertEmailFrom)
	envStr("TWILIO_ACCOUNT_SID", &c.Channels.TwilioAccountSID)
	envStr("TWILIO_AUTH_TOKEN", &c.Channels.TwilioAuthToken)
	envStr("TWILIO_FROM_NUMBER", &c.Channels.TwilioFromNumber)
	envStr("TELEGRAM_BOT_TOKEN", &c.Channels.TelegramBotToken)

	envStr("DATABASE_URL", &c.Database.URL)
	envStr("HUB_API_TOKEN_HASH", &c.Auth.APITokenHash)

	return errors.Join(errs...)
}

// Validate checks the config for logical errors.
func (c *Config) Validate() error {
	var errs []string

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.System.LogLevel] {
		errs = append(errs, fmt.Sprintf("system.log_level must be one of: debug, info, warn, error (got %q)", c.System.LogLevel))
	}
	if c.Version > CurrentConfigVersion {
		errs = append(errs, fmt.Sprintf("version %d is newer than supported version %d", c.Version, CurrentConfigVersion))
	}

	if c.Monitor.TickMs < 1000 {
		errs = append(errs, "monitor.tick_ms must be >= 1000")
	}
	if c.Monitor.ValidationTimeoutMs < 100 {
		errs = append(errs, "monitor.validation_timeout_ms must be >= 100")
	}
	if c.Monitor.FastRecheckSeconds > c.Monitor.NormalRecheckSeconds {
		errs = append(errs, fmt.Sprintf("monitor.fast_recheck_seconds (%d) must be <= normal_recheck_seconds (%d)",
			c.Monitor.FastRecheckSeconds, c.Monitor.NormalRecheckSeconds))
	}
	if c.Monitor.NormalRecheckSeconds > c.Monitor.StableRecheckSeconds {
		errs = append(errs, fmt.Sprintf("monitor.normal_recheck_seconds (%d) must be <= stable_recheck_seconds (%d)",
			c.Monitor.NormalRecheckSeconds, c.Monitor.StableRecheckSeconds))
	}
	if c.System.MaxTicks < 0 {
		errs = append(errs, "system.max_ticks must be >= 0")
	}

	if c.Alerts.RetryMaxAttempts < 1 {
		errs = append(errs, "alerts.retry_max_attempts must be >= 1")
	}
	if c.Auth.APITokenHash != "" && !strings.HasPrefix(c.Auth.APITokenHash, "$2") {
		errs = append(errs, "auth.api_token_hash must be a bcrypt hash")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
