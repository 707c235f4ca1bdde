package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"positionwatch/internal/errs"
)

const (
	AccountTypeFutures = "futures"
	AccountTypeUnified = "unified"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Accounts   []AccountConfig  `yaml:"accounts"`
	Session    SessionConfig    `yaml:"session"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Journal    JournalConfig    `yaml:"journal"`
	Storage    StorageConfig    `yaml:"storage"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// AccountConfig describes one exchange account whose user data stream is
// watched. Enabled defaults to true when omitted.
type AccountConfig struct {
	Name              string `yaml:"name"`
	Type              string `yaml:"type"`
	Enabled           *bool  `yaml:"enabled"`
	APIKey            string `yaml:"api_key"`
	APISecret         string `yaml:"api_secret"`
	Testnet           bool   `yaml:"testnet"`
	RestURL           string `yaml:"rest_url"`
	StreamURL         string `yaml:"stream_url"`
	Route             string `yaml:"route"`
	DisableColdResume bool   `yaml:"disable_cold_resume"`
}

// IsEnabled reports whether the account should be connected.
func (a AccountConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

type SessionConfig struct {
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	Backoff           BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	Base          time.Duration `yaml:"base"`
	Cap           time.Duration `yaml:"cap"`
	DisableJitter bool          `yaml:"disable_jitter"`
}

type TrackerConfig struct {
	Diagnostics      bool   `yaml:"diagnostics"`
	DiagnosticsRoute string `yaml:"diagnostics_route"`
}

type AggregatorConfig struct {
	Window     time.Duration `yaml:"window"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	DedupeSize int           `yaml:"dedupe_size"`
}

type LifecycleConfig struct {
	DrainGrace      time.Duration `yaml:"drain_grace"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	DisableNotices  bool          `yaml:"disable_notices"`
}

type ChannelsConfig struct {
	SummaryBuffer int `yaml:"summary_buffer"`
}

type TelegramConfig struct {
	Enabled       bool          `yaml:"enabled"`
	APIURL        string        `yaml:"api_url"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	Bots          []TelegramBot `yaml:"bots"`
}

type TelegramBot struct {
	Name    string `yaml:"name"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
	TopicID int    `yaml:"topic_id"`
}

type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Prefix        string        `yaml:"prefix"`
}

type StorageConfig struct {
	S3    S3Config    `yaml:"s3"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
	SummaryHistory  int           `yaml:"summary_history"`
}

type LoggingConfig struct {
	Level          string           `yaml:"level"`
	Format         string           `yaml:"format"`
	Output         string           `yaml:"output"`
	MaxAge         int              `yaml:"max_age"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// EnabledAccounts returns the accounts whose enable flag is set.
func (c *Config) EnabledAccounts() []AccountConfig {
	out := make([]AccountConfig, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.IsEnabled() {
			out = append(out, a)
		}
	}
	return out
}

// LoadConfig reads, defaults, overrides from the environment and validates
// the configuration file. Validation failures are fatal configuration errors.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigWithAccounts(path, "")
}

// LoadConfigWithAccounts behaves like LoadConfig but replaces the accounts
// section with the contents of accountsPath when it is not empty.
func LoadConfigWithAccounts(path, accountsPath string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, environmentConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errs.FatalConfiguration("parse config", fmt.Errorf("failed to parse config file: %w", err))
	}

	if accountsPath != "" {
		accounts, err := LoadAccounts(accountsPath)
		if err != nil {
			return nil, errs.FatalConfiguration("load accounts", err)
		}
		config.Accounts = accounts
	}

	applyDefaults(&config)
	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, errs.FatalConfiguration("validate config", fmt.Errorf("configuration validation failed: %w", err))
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "positionwatch"
	}
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if a.Name == "" {
			a.Name = fmt.Sprintf("account%d", i+1)
		}
		if a.Type == "" {
			a.Type = AccountTypeFutures
		}
		a.Type = strings.ToLower(a.Type)
		if a.Type == AccountTypeUnified {
			if a.RestURL == "" {
				a.RestURL = "https://papi.binance.com"
			}
			if a.StreamURL == "" {
				a.StreamURL = "wss://fstream.binance.com/pm/ws"
			}
		}
		if a.StreamURL == "" {
			if a.Testnet {
				a.StreamURL = "wss://stream.binancefuture.com/ws"
			} else {
				a.StreamURL = "wss://fstream.binance.com/ws"
			}
		}
	}

	s := &cfg.Session
	if s.KeepaliveInterval == 0 {
		s.KeepaliveInterval = 1200 * time.Second
	}
	if s.HandshakeTimeout == 0 {
		s.HandshakeTimeout = 10 * time.Second
	}
	if s.PingInterval == 0 {
		s.PingInterval = 3 * time.Minute
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 10 * time.Minute
	}
	if s.Backoff.Base == 0 {
		s.Backoff.Base = time.Second
	}
	if s.Backoff.Cap == 0 {
		s.Backoff.Cap = 60 * time.Second
	}

	if cfg.Aggregator.Window == 0 {
		cfg.Aggregator.Window = 1000 * time.Millisecond
	}
	if cfg.Aggregator.RetryDelay == 0 {
		cfg.Aggregator.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Aggregator.DedupeSize == 0 {
		cfg.Aggregator.DedupeSize = 100
	}

	if cfg.Lifecycle.DrainGrace == 0 {
		cfg.Lifecycle.DrainGrace = 5 * time.Second
	}
	if cfg.Lifecycle.ShutdownTimeout == 0 {
		cfg.Lifecycle.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Channels.SummaryBuffer == 0 {
		cfg.Channels.SummaryBuffer = 256
	}

	if cfg.Telegram.APIURL == "" {
		cfg.Telegram.APIURL = "https://api.telegram.org"
	}
	if cfg.Telegram.Timeout == 0 {
		cfg.Telegram.Timeout = 10 * time.Second
	}
	if cfg.Telegram.RatePerSecond == 0 {
		cfg.Telegram.RatePerSecond = 1
	}
	if cfg.Telegram.Burst == 0 {
		cfg.Telegram.Burst = 5
	}

	if cfg.Journal.FlushInterval == 0 {
		cfg.Journal.FlushInterval = 5 * time.Minute
	}
	if cfg.Journal.Prefix == "" {
		cfg.Journal.Prefix = "position-changes"
	}
	if cfg.Storage.Kafka.Topic == "" {
		cfg.Storage.Kafka.Topic = "position-summaries"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.ReportInterval == 0 {
		cfg.Logging.ReportInterval = 30 * time.Second
	}
}

// applyEnvOverrides fills secrets from the environment. The first account
// also honours the unprefixed BINANCE_API_KEY/BINANCE_API_SECRET pair.
func applyEnvOverrides(cfg *Config) {
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		prefix := envPrefix(a.Name)
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			a.APIKey = v
		} else if i == 0 && os.Getenv("BINANCE_API_KEY") != "" {
			a.APIKey = os.Getenv("BINANCE_API_KEY")
		}
		if v := os.Getenv(prefix + "_API_SECRET"); v != "" {
			a.APISecret = v
		} else if i == 0 && os.Getenv("BINANCE_API_SECRET") != "" {
			a.APISecret = os.Getenv("BINANCE_API_SECRET")
		}
	}

	applyTelegramEnv(cfg, "", 0)
	applyTelegramEnv(cfg, "_2", 1)

	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Storage.S3.Region = strings.TrimSpace(v)
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = strings.TrimSpace(v)
	}
	cfg.Storage.S3.Bucket = strings.TrimSpace(cfg.Storage.S3.Bucket)
}

func applyTelegramEnv(cfg *Config, suffix string, index int) {
	token := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN" + suffix))
	chat := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID" + suffix))
	if token == "" || chat == "" {
		return
	}
	for len(cfg.Telegram.Bots) <= index {
		cfg.Telegram.Bots = append(cfg.Telegram.Bots, TelegramBot{Name: fmt.Sprintf("bot%d", len(cfg.Telegram.Bots)+1)})
	}
	bot := &cfg.Telegram.Bots[index]
	bot.Token = token
	bot.ChatID = chat
	if topic, err := strconv.Atoi(strings.TrimSpace(os.Getenv("TELEGRAM_TOPIC_ID" + suffix))); err == nil {
		bot.TopicID = topic
	}
	cfg.Telegram.Enabled = true
}

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]+`)

func envPrefix(name string) string {
	return strings.Trim(nonAlnum.ReplaceAllString(strings.ToUpper(name), "_"), "_")
}

var apiKeyRegexp = regexp.MustCompile(`^[A-Za-z0-9]{16,128}$`)

func validateConfig(cfg *Config) error {
	enabled := cfg.EnabledAccounts()
	if len(enabled) == 0 {
		return fmt.Errorf("at least one enabled account is required")
	}

	names := make(map[string]struct{}, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		if _, dup := names[a.Name]; dup {
			return fmt.Errorf("accounts: duplicate account name '%s'", a.Name)
		}
		names[a.Name] = struct{}{}
	}

	for _, a := range enabled {
		switch a.Type {
		case AccountTypeFutures, AccountTypeUnified:
		default:
			return fmt.Errorf("accounts.%s.type '%s' is not supported", a.Name, a.Type)
		}
		if a.APIKey == "" {
			return fmt.Errorf("accounts.%s.api_key is required", a.Name)
		}
		if !apiKeyRegexp.MatchString(a.APIKey) {
			return fmt.Errorf("accounts.%s.api_key has an invalid format", a.Name)
		}
		if a.APISecret != "" && !apiKeyRegexp.MatchString(a.APISecret) {
			return fmt.Errorf("accounts.%s.api_secret has an invalid format", a.Name)
		}
		if !strings.HasPrefix(a.StreamURL, "ws://") && !strings.HasPrefix(a.StreamURL, "wss://") {
			return fmt.Errorf("accounts.%s.stream_url must be a websocket url", a.Name)
		}
	}

	if cfg.Session.KeepaliveInterval <= 0 {
		return fmt.Errorf("session.keepalive_interval must be greater than 0")
	}
	if cfg.Session.Backoff.Base <= 0 {
		return fmt.Errorf("session.backoff.base must be greater than 0")
	}
	if cfg.Session.Backoff.Cap < cfg.Session.Backoff.Base {
		return fmt.Errorf("session.backoff.cap must not be lower than session.backoff.base")
	}
	if cfg.Aggregator.Window <= 0 {
		return fmt.Errorf("aggregator.window must be greater than 0")
	}
	if cfg.Aggregator.RetryDelay < 0 {
		return fmt.Errorf("aggregator.retry_delay must not be negative")
	}
	if cfg.Lifecycle.DrainGrace <= 0 {
		return fmt.Errorf("lifecycle.drain_grace must be greater than 0")
	}

	if cfg.Telegram.Enabled {
		if len(cfg.Telegram.Bots) == 0 {
			return fmt.Errorf("telegram.bots requires at least one bot when telegram is enabled")
		}
		bots := make(map[string]struct{}, len(cfg.Telegram.Bots))
		for i, b := range cfg.Telegram.Bots {
			if b.Token == "" || b.ChatID == "" {
				return fmt.Errorf("telegram.bots[%d] requires token and chat_id", i)
			}
			bots[BotName(b, i)] = struct{}{}
		}
		for _, a := range enabled {
			if _, ok := bots[a.Route]; a.Route != "" && !ok {
				return fmt.Errorf("accounts.%s.route '%s' does not match any telegram bot", a.Name, a.Route)
			}
		}
		if route := cfg.Tracker.DiagnosticsRoute; route != "" {
			if _, ok := bots[route]; !ok {
				return fmt.Errorf("tracker.diagnostics_route '%s' does not match any telegram bot", route)
			}
		}
	}

	if cfg.Journal.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when the journal is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when the journal is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if IsProductionLike(AppEnvironment()) && !cfg.Telegram.Enabled {
		return fmt.Errorf("telegram must be enabled in the %s environment", AppEnvironment())
	}

	if cfg.Storage.Kafka.Enabled && len(cfg.Storage.Kafka.Brokers) == 0 {
		return fmt.Errorf("storage.kafka.brokers is required when kafka is enabled")
	}

	return nil
}

// BotName is the routing name of the i-th configured bot.
func BotName(b TelegramBot, i int) string {
	if b.Name != "" {
		return b.Name
	}
	return fmt.Sprintf("bot%d", i+1)
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
