// Package config handles configuration loading: an optional YAML file
// overridden by STRAND_* environment variables, validated as a whole.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// LeaseDefaults are the fallback lease durations applied to topics that do not
// carry their own lease policy. Values are integer seconds.
type LeaseDefaults struct {
	Preferred int64 `yaml:"preferred"`
	Min       int64 `yaml:"min"`
	Max       int64 `yaml:"max"`
}

// WorkerConfig sizes the claim-polling workers.
type WorkerConfig struct {
	Concurrency    int      `yaml:"concurrency"`
	RecurrSleep    Duration `yaml:"recurr_sleep"`
	PollingEnabled bool     `yaml:"polling_enabled"`
}

// Config holds every recognized option. Unknown YAML keys are errors.
type Config struct {
	SelfBaseURL   string `yaml:"self_base_url"`
	ListenAddress string `yaml:"listen_address"`
	Port          int    `yaml:"port"`
	DBPath        string `yaml:"db_path"`

	PublicHub          bool `yaml:"public_hub"`
	StrictTopicHubLink bool `yaml:"strict_topic_hub_link"`
	StrictSecrets      bool `yaml:"strict_secrets"`
	ProcessImmediately bool `yaml:"process_immediately"`

	TopicLeaseDefaults LeaseDefaults `yaml:"topic_lease_defaults"`

	Worker WorkerConfig `yaml:"worker"`

	RetryBackoffSeconds []int64  `yaml:"retry_backoff_seconds"`
	ClaimTimeout        Duration `yaml:"claim_timeout"`
	FetchTimeout        Duration `yaml:"fetch_timeout"`

	NodeID string `yaml:"node_id"`

	HousekeepSchedule     string `yaml:"housekeep_schedule"`
	HistoryRetainPerTopic int    `yaml:"history_retain_per_topic"`
	ContentCacheEntries   int    `yaml:"content_cache_entries"`
}

// Default returns a Config populated with every default value. SelfBaseURL has
// no default and must be provided.
func Default() *Config {
	return &Config{
		ListenAddress: "0.0.0.0",
		Port:          4001,
		DBPath:        "/var/lib/strand/hub.db",

		PublicHub:          true,
		StrictTopicHubLink: true,
		StrictSecrets:      false,
		ProcessImmediately: true,

		TopicLeaseDefaults: LeaseDefaults{
			Preferred: 86400,   // 1 day
			Min:       3600,    // 1 hour
			Max:       8640000, // 100 days
		},

		Worker: WorkerConfig{
			Concurrency:    10,
			RecurrSleep:    Duration(60 * time.Second),
			PollingEnabled: true,
		},

		RetryBackoffSeconds: []int64{60, 120, 360, 1440, 7200, 43200, 86400},
		ClaimTimeout:        Duration(10 * time.Minute),
		FetchTimeout:        Duration(30 * time.Second),

		HousekeepSchedule:     "@hourly",
		HistoryRetainPerTopic: 1000,
		ContentCacheEntries:   128,
	}
}

// Load builds the effective configuration: defaults, then the YAML file named
// by STRAND_CONFIG_FILE (if set), then environment overrides, then validation.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("STRAND_CONFIG_FILE"); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	var errs []string
	applyEnv(cfg, &errs)
	validate(cfg, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.New().String()
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, errs *[]string) {
	cfg.SelfBaseURL = envStr("STRAND_SELF_BASE_URL", cfg.SelfBaseURL)
	cfg.ListenAddress = strings.TrimSpace(envStr("STRAND_LISTEN_ADDRESS", cfg.ListenAddress))
	cfg.Port = envInt("STRAND_PORT", cfg.Port, errs)
	cfg.DBPath = envStr("STRAND_DB_PATH", cfg.DBPath)

	cfg.PublicHub = envBool("STRAND_PUBLIC_HUB", cfg.PublicHub, errs)
	cfg.StrictTopicHubLink = envBool("STRAND_STRICT_TOPIC_HUB_LINK", cfg.StrictTopicHubLink, errs)
	cfg.StrictSecrets = envBool("STRAND_STRICT_SECRETS", cfg.StrictSecrets, errs)
	cfg.ProcessImmediately = envBool("STRAND_PROCESS_IMMEDIATELY", cfg.ProcessImmediately, errs)

	cfg.TopicLeaseDefaults.Preferred = envInt64("STRAND_LEASE_SECONDS_PREFERRED", cfg.TopicLeaseDefaults.Preferred, errs)
	cfg.TopicLeaseDefaults.Min = envInt64("STRAND_LEASE_SECONDS_MIN", cfg.TopicLeaseDefaults.Min, errs)
	cfg.TopicLeaseDefaults.Max = envInt64("STRAND_LEASE_SECONDS_MAX", cfg.TopicLeaseDefaults.Max, errs)

	cfg.Worker.Concurrency = envInt("STRAND_WORKER_CONCURRENCY", cfg.Worker.Concurrency, errs)
	cfg.Worker.RecurrSleep = Duration(envDuration("STRAND_WORKER_RECURR_SLEEP", cfg.Worker.RecurrSleep.Std(), errs))
	cfg.Worker.PollingEnabled = envBool("STRAND_WORKER_POLLING_ENABLED", cfg.Worker.PollingEnabled, errs)

	cfg.RetryBackoffSeconds = envInt64Slice("STRAND_RETRY_BACKOFF_SECONDS", cfg.RetryBackoffSeconds, errs)
	cfg.ClaimTimeout = Duration(envDuration("STRAND_CLAIM_TIMEOUT", cfg.ClaimTimeout.Std(), errs))
	cfg.FetchTimeout = Duration(envDuration("STRAND_FETCH_TIMEOUT", cfg.FetchTimeout.Std(), errs))

	cfg.NodeID = envStr("STRAND_NODE_ID", cfg.NodeID)

	cfg.HousekeepSchedule = envStr("STRAND_HOUSEKEEP_SCHEDULE", cfg.HousekeepSchedule)
	cfg.HistoryRetainPerTopic = envInt("STRAND_HISTORY_RETAIN_PER_TOPIC", cfg.HistoryRetainPerTopic, errs)
	cfg.ContentCacheEntries = envInt("STRAND_CONTENT_CACHE_ENTRIES", cfg.ContentCacheEntries, errs)
}

func validate(cfg *Config, errs *[]string) {
	if cfg.SelfBaseURL == "" {
		*errs = append(*errs, "STRAND_SELF_BASE_URL must be set")
	} else if u, err := url.Parse(cfg.SelfBaseURL); err != nil || !u.IsAbs() || u.Host == "" {
		*errs = append(*errs, fmt.Sprintf("STRAND_SELF_BASE_URL: not an absolute URL: %q", cfg.SelfBaseURL))
	}
	if cfg.ListenAddress == "" {
		*errs = append(*errs, "STRAND_LISTEN_ADDRESS must not be empty")
	}
	validatePort("STRAND_PORT", cfg.Port, errs)
	if cfg.DBPath == "" {
		*errs = append(*errs, "STRAND_DB_PATH must not be empty")
	}

	ld := cfg.TopicLeaseDefaults
	if ld.Preferred <= 0 || ld.Min <= 0 || ld.Max <= 0 {
		*errs = append(*errs, "topic lease defaults must all be positive")
	} else if !(ld.Min <= ld.Preferred && ld.Preferred <= ld.Max) {
		*errs = append(*errs, fmt.Sprintf(
			"topic lease defaults must satisfy min <= preferred <= max, got %d/%d/%d",
			ld.Min, ld.Preferred, ld.Max))
	}

	validatePositive("STRAND_WORKER_CONCURRENCY", cfg.Worker.Concurrency, errs)
	if cfg.Worker.RecurrSleep.Std() <= 0 {
		*errs = append(*errs, "STRAND_WORKER_RECURR_SLEEP must be positive")
	}

	if len(cfg.RetryBackoffSeconds) == 0 {
		*errs = append(*errs, "STRAND_RETRY_BACKOFF_SECONDS must have at least one entry")
	}
	for _, d := range cfg.RetryBackoffSeconds {
		if d <= 0 {
			*errs = append(*errs, fmt.Sprintf("STRAND_RETRY_BACKOFF_SECONDS: delays must be positive, got %d", d))
			break
		}
	}
	if cfg.ClaimTimeout.Std() <= 0 {
		*errs = append(*errs, "STRAND_CLAIM_TIMEOUT must be positive")
	}
	if cfg.FetchTimeout.Std() <= 0 {
		*errs = append(*errs, "STRAND_FETCH_TIMEOUT must be positive")
	}
	// Outbound timeouts must expire well before the claim does, or a slow
	// subscriber could outlive our lock.
	if cfg.FetchTimeout.Std() >= cfg.ClaimTimeout.Std() {
		*errs = append(*errs, "STRAND_FETCH_TIMEOUT must be less than STRAND_CLAIM_TIMEOUT")
	}

	if _, err := cron.ParseStandard(cfg.HousekeepSchedule); err != nil {
		*errs = append(*errs, fmt.Sprintf("STRAND_HOUSEKEEP_SCHEDULE: invalid cron expression %q: %v", cfg.HousekeepSchedule, err))
	}
	validatePositive("STRAND_HISTORY_RETAIN_PER_TOPIC", cfg.HistoryRetainPerTopic, errs)
	validatePositive("STRAND_CONTENT_CACHE_ENTRIES", cfg.ContentCacheEntries, errs)
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envInt64(key string, defaultVal int64, errs *[]string) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envInt64Slice(key string, defaultVal []int64, errs *[]string) []int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []int64
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid JSON integer array %q", key, v))
		return defaultVal
	}
	if out == nil {
		return []int64{}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
