// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App        AppConfig        `yaml:"app"`
	Broker     BrokerConfig     `yaml:"broker"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Market     MarketConfig     `yaml:"market"`
	Risk       RiskConfig       `yaml:"risk"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Signal     SignalConfig     `yaml:"signal"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Alert      AlertConfig      `yaml:"alert"`
	System     SystemConfig     `yaml:"system"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	AccountID     string `yaml:"account_id"`
	DatabasePath  string `yaml:"database_path"`
	DefaultSymbol string `yaml:"default_symbol"`
	AllowShort    bool   `yaml:"allow_short"`
}

// BrokerConfig contains brokerage gateway settings. LiveEnabled must be set
// explicitly; PAPER is the production default.
type BrokerConfig struct {
	BaseURL        string `yaml:"base_url"`
	StreamURL      string `yaml:"stream_url"`
	AppKey         string `yaml:"app_key"`
	AppSecret      string `yaml:"app_secret"`
	TokenRefreshLeadMs int64 `yaml:"token_refresh_lead_ms"`
	LiveEnabled    bool   `yaml:"live_enabled"`
	CallTimeoutMs  int64  `yaml:"call_timeout_ms"`
	RatePerSecond  int    `yaml:"rate_per_second"`
}

// MarketDataConfig selects the market-data adapter variant and subscriptions
type MarketDataConfig struct {
	Mode    string   `yaml:"mode"` // STUB or LIVE
	Symbols []string `yaml:"symbols"`
}

// MarketConfig contains the trading-session gate settings
type MarketConfig struct {
	CheckEnabled    bool     `yaml:"check_enabled"`
	AllowedSessions []string `yaml:"allowed_sessions"`
	PublicHolidays  []string `yaml:"public_holidays"` // YYYY-MM-DD
	Timezone        string   `yaml:"timezone"`
}

// RiskConfig contains the global fallback risk rule
type RiskConfig struct {
	Global RiskRuleConfig `yaml:"global"`
}

// RiskRuleConfig mirrors the fields of a persisted risk rule
type RiskRuleConfig struct {
	MaxPositionValuePerSymbol     float64 `yaml:"max_position_value_per_symbol"`
	MaxOpenOrders                 int     `yaml:"max_open_orders"`
	MaxOrdersPerMinute            int     `yaml:"max_orders_per_minute"`
	DailyLossLimit                float64 `yaml:"daily_loss_limit"`
	ConsecutiveOrderFailuresLimit int     `yaml:"consecutive_order_failures_limit"`
}

// SchedulerConfig contains cron and worker-pool settings
type SchedulerConfig struct {
	StrategyExecution StrategyExecutionConfig `yaml:"strategy_execution"`
	OutboxPublisher   OutboxPublisherConfig   `yaml:"outbox_publisher"`
}

// StrategyExecutionConfig controls the strategy evaluation cron
type StrategyExecutionConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Cron          string `yaml:"cron"`
	Workers       int    `yaml:"workers"`
	QueueCapacity int    `yaml:"queue_capacity"`
	TaskTimeoutMs int64  `yaml:"task_timeout_ms"`
}

// OutboxPublisherConfig controls the outbox poll loop
type OutboxPublisherConfig struct {
	FixedDelayMs int64 `yaml:"fixed_delay_ms"`
	BatchSize    int   `yaml:"batch_size"`
	MaxAttempts  int   `yaml:"max_attempts"`
}

// SignalConfig contains signal policy defaults
type SignalConfig struct {
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertConfig contains operator notification channels. Empty values
// disable the corresponding channel.
type AlertConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.AccountID == "" {
		c.App.AccountID = "default"
	}
	if c.App.DatabasePath == "" {
		c.App.DatabasePath = "autostock.db"
	}
	if c.MarketData.Mode == "" {
		c.MarketData.Mode = "STUB"
	}
	if c.Market.Timezone == "" {
		c.Market.Timezone = "Asia/Seoul"
	}
	if len(c.Market.AllowedSessions) == 0 {
		c.Market.AllowedSessions = []string{"REGULAR"}
	}
	if c.Broker.TokenRefreshLeadMs == 0 {
		c.Broker.TokenRefreshLeadMs = 300_000
	}
	if c.Broker.CallTimeoutMs == 0 {
		c.Broker.CallTimeoutMs = 10_000
	}
	if c.Broker.RatePerSecond == 0 {
		c.Broker.RatePerSecond = 20
	}
	if c.Scheduler.StrategyExecution.Cron == "" {
		c.Scheduler.StrategyExecution.Cron = "0 * * * * *" // every minute at second 0
	}
	if c.Scheduler.StrategyExecution.Workers == 0 {
		c.Scheduler.StrategyExecution.Workers = 8
	}
	if c.Scheduler.StrategyExecution.QueueCapacity == 0 {
		c.Scheduler.StrategyExecution.QueueCapacity = 256
	}
	if c.Scheduler.StrategyExecution.TaskTimeoutMs == 0 {
		c.Scheduler.StrategyExecution.TaskTimeoutMs = 30_000
	}
	if c.Scheduler.OutboxPublisher.FixedDelayMs == 0 {
		c.Scheduler.OutboxPublisher.FixedDelayMs = 1_000
	}
	if c.Scheduler.OutboxPublisher.BatchSize == 0 {
		c.Scheduler.OutboxPublisher.BatchSize = 100
	}
	if c.Scheduler.OutboxPublisher.MaxAttempts == 0 {
		c.Scheduler.OutboxPublisher.MaxAttempts = 10
	}
	if c.Signal.CooldownSeconds == 0 {
		c.Signal.CooldownSeconds = 300
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9102
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateMarketData(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateMarket(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateBroker(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRisk(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateMarketData() error {
	validModes := []string{"STUB", "LIVE"}
	if !contains(validModes, c.MarketData.Mode) {
		return ValidationError{
			Field:   "market_data.mode",
			Value:   c.MarketData.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validModes, ", ")),
		}
	}
	if c.MarketData.Mode == "LIVE" && !c.Broker.LiveEnabled {
		return ValidationError{
			Field:   "market_data.mode",
			Value:   c.MarketData.Mode,
			Message: "LIVE mode requires broker.live_enabled to be set explicitly",
		}
	}
	return nil
}

func (c *Config) validateMarket() error {
	validSessions := []string{"REGULAR", "PRE_MARKET", "AFTER_HOURS_CLOSING", "AFTER_HOURS"}
	for _, s := range c.Market.AllowedSessions {
		if !contains(validSessions, s) {
			return ValidationError{
				Field:   "market.allowed_sessions",
				Value:   s,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validSessions, ", ")),
			}
		}
	}
	for _, h := range c.Market.PublicHolidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return ValidationError{
				Field:   "market.public_holidays",
				Value:   h,
				Message: "must be a date in YYYY-MM-DD format",
			}
		}
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return ValidationError{
			Field:   "market.timezone",
			Value:   c.Market.Timezone,
			Message: "unknown timezone",
		}
	}
	return nil
}

func (c *Config) validateBroker() error {
	if c.MarketData.Mode == "LIVE" {
		if c.Broker.AppKey == "" {
			return ValidationError{
				Field:   "broker.app_key",
				Message: "app key is required for LIVE mode",
			}
		}
		if c.Broker.AppSecret == "" {
			return ValidationError{
				Field:   "broker.app_secret",
				Message: "app secret is required for LIVE mode",
			}
		}
		if c.Broker.BaseURL == "" {
			return ValidationError{
				Field:   "broker.base_url",
				Message: "base URL is required for LIVE mode",
			}
		}
	}
	return nil
}

func (c *Config) validateRisk() error {
	g := c.Risk.Global
	if g.MaxOpenOrders < 0 || g.MaxOrdersPerMinute < 0 || g.ConsecutiveOrderFailuresLimit < 0 {
		return ValidationError{
			Field:   "risk.global",
			Message: "limits must be non-negative",
		}
	}
	if g.MaxPositionValuePerSymbol < 0 || g.DailyLossLimit < 0 {
		return ValidationError{
			Field:   "risk.global",
			Message: "value limits must be non-negative",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// expandEnvVars replaces ${VAR} references with environment values
func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
