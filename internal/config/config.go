package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for difybot.
type Config struct {
	General    GeneralConfig    `json:"general" yaml:"general"`
	Telegram   TelegramConfig   `json:"telegram" yaml:"telegram"`
	Workflow   WorkflowConfig   `json:"workflow" yaml:"workflow"`
	MediaGroup MediaGroupConfig `json:"mediaGroup" yaml:"mediaGroup"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	Fetch      FetchConfig      `json:"fetch" yaml:"fetch"`
	Delivery   DeliveryConfig   `json:"delivery" yaml:"delivery"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel             string `json:"logLevel" yaml:"logLevel"`
	LogFile              string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
	MaxConcurrentUpdates int    `json:"maxConcurrentUpdates" yaml:"maxConcurrentUpdates"`
}

type TelegramConfig struct {
	Token         string         `json:"token" yaml:"token"`
	APIEndpoint   string         `json:"apiEndpoint,omitempty" yaml:"apiEndpoint,omitempty"` // self-hosted Bot API server
	AllowFrom     FlexStringList `json:"allowFrom" yaml:"allowFrom"`
	PollTimeout   int            `json:"pollTimeout" yaml:"pollTimeout"` // seconds
	RatePerSecond float64        `json:"ratePerSecond" yaml:"ratePerSecond"`
	Burst         int            `json:"burst" yaml:"burst"`
}

// FlexStringList is a []string that can unmarshal from JSON or YAML arrays
// containing both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

func (f *FlexStringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: allowFrom must be a list", value.Line)
	}
	result := make([]string, 0, len(value.Content))
	for _, item := range value.Content {
		if item.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: allowFrom entries must be scalars", item.Line)
		}
		result = append(result, item.Value)
	}
	*f = result
	return nil
}

type WorkflowConfig struct {
	APIBase        string `json:"apiBase" yaml:"apiBase"`
	APIKey         string `json:"apiKey" yaml:"apiKey"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	DefaultPrompt  string `json:"defaultPrompt,omitempty" yaml:"defaultPrompt,omitempty"` // used when only media is sent
}

type MediaGroupConfig struct {
	DebounceMs int `json:"debounceMs" yaml:"debounceMs"`
}

type CacheConfig struct {
	Backend    string `json:"backend" yaml:"backend"` // "memory" | "sqlite"
	MaxEntries int    `json:"maxEntries" yaml:"maxEntries"`
	TTLSeconds int    `json:"ttlSeconds" yaml:"ttlSeconds"`
	DSN        string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

type FetchConfig struct {
	ScratchDir       string `json:"scratchDir" yaml:"scratchDir"`
	TimeoutSeconds   int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	MaxBytes         int64  `json:"maxBytes" yaml:"maxBytes"`
	Concurrency      int    `json:"concurrency" yaml:"concurrency"`
	RetentionMinutes int    `json:"retentionMinutes" yaml:"retentionMinutes"` // scratch files older than this are swept
}

type DeliveryConfig struct {
	EditIntervalMs int `json:"editIntervalMs" yaml:"editIntervalMs"` // throttle for streaming placeholder edits
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Listen   string `json:"listen" yaml:"listen"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

func (c MediaGroupConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func (c WorkflowConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c FetchConfig) Retention() time.Duration {
	return time.Duration(c.RetentionMinutes) * time.Minute
}

func (c DeliveryConfig) EditInterval() time.Duration {
	return time.Duration(c.EditIntervalMs) * time.Millisecond
}

// DefaultConfigDir returns the default config directory (~/.difybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".difybot"
	}
	return filepath.Join(home, ".difybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Fetch.ScratchDir = ExpandPath(cfg.Fetch.ScratchDir)
	if !strings.HasPrefix(cfg.Cache.DSN, "file:") {
		cfg.Cache.DSN = ExpandPath(cfg.Cache.DSN)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// The file holds the bot token and API key.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxConcurrentUpdates < 1 || cfg.General.MaxConcurrentUpdates > 256 {
		errs = append(errs, "general.maxConcurrentUpdates must be between 1 and 256")
	}

	if cfg.Telegram.PollTimeout < 1 || cfg.Telegram.PollTimeout > 600 {
		errs = append(errs, "telegram.pollTimeout must be between 1 and 600")
	}
	if cfg.Telegram.RatePerSecond <= 0 {
		errs = append(errs, "telegram.ratePerSecond must be > 0")
	}
	if cfg.Telegram.Burst < 1 {
		errs = append(errs, "telegram.burst must be >= 1")
	}
	if cfg.Telegram.APIEndpoint != "" && strings.Count(cfg.Telegram.APIEndpoint, "%s") != 2 {
		errs = append(errs, "telegram.apiEndpoint must contain two %s placeholders (token, method)")
	}

	if cfg.Workflow.APIBase == "" {
		errs = append(errs, "workflow.apiBase is required")
	} else if !strings.HasPrefix(cfg.Workflow.APIBase, "http://") && !strings.HasPrefix(cfg.Workflow.APIBase, "https://") {
		errs = append(errs, "workflow.apiBase must be an http(s) URL")
	}
	if cfg.Workflow.TimeoutSeconds < 1 {
		errs = append(errs, "workflow.timeoutSeconds must be >= 1")
	}

	if cfg.MediaGroup.DebounceMs < 0 || cfg.MediaGroup.DebounceMs > 10000 {
		errs = append(errs, "mediaGroup.debounceMs must be between 0 and 10000")
	}

	switch cfg.Cache.Backend {
	case "memory", "sqlite":
	default:
		errs = append(errs, "cache.backend must be one of: memory, sqlite")
	}
	if cfg.Cache.MaxEntries < 1 {
		errs = append(errs, "cache.maxEntries must be >= 1")
	}
	if cfg.Cache.TTLSeconds < 1 {
		errs = append(errs, "cache.ttlSeconds must be >= 1")
	}

	if cfg.Fetch.ScratchDir == "" {
		errs = append(errs, "fetch.scratchDir is required")
	}
	if cfg.Fetch.TimeoutSeconds < 1 {
		errs = append(errs, "fetch.timeoutSeconds must be >= 1")
	}
	if cfg.Fetch.MaxBytes < 1 {
		errs = append(errs, "fetch.maxBytes must be >= 1")
	}
	if cfg.Fetch.Concurrency < 1 || cfg.Fetch.Concurrency > 10 {
		errs = append(errs, "fetch.concurrency must be between 1 and 10")
	}
	if cfg.Fetch.RetentionMinutes < 1 {
		errs = append(errs, "fetch.retentionMinutes must be >= 1")
	}

	if cfg.Delivery.EditIntervalMs < 0 {
		errs = append(errs, "delivery.editIntervalMs must be >= 0")
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Listen == "" {
			errs = append(errs, "metrics.listen is required when metrics are enabled")
		}
		if !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
			errs = append(errs, "metrics.endpoint must start with /")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
