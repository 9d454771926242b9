package model

import "time"

// Config is the complete regbeacon configuration
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Limits    LimitsConfig    `yaml:"limits"`
	Store     StoreConfig     `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	LLM       LLMConfig       `yaml:"llm"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Serve     ServeConfig     `yaml:"serve"`
	Output    OutputConfig    `yaml:"output"`
}

// HTTPConfig controls outbound fetching
type HTTPConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	UserAgent    string        `yaml:"user_agent"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	InsecureTLS  bool          `yaml:"insecure_tls"`
}

// LimitsConfig controls per-domain politeness and retry policy
type LimitsConfig struct {
	RequestsPerMinute float64       `yaml:"requests_per_minute"`
	MinDelay          time.Duration `yaml:"min_delay"`
	BreakerThreshold  int           `yaml:"breaker_threshold"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// StoreConfig selects the durable store backend
type StoreConfig struct {
	Driver      string `yaml:"driver"` // "memory" or "postgres"
	PostgresURL string `yaml:"postgres_url"`
}

// QueueConfig selects the stage queue backend
type QueueConfig struct {
	Driver   string `yaml:"driver"` // "memory" or "redis"
	RedisURL string `yaml:"redis_url"`
}

// LLMConfig controls the optional model-backed extractor
type LLMConfig struct {
	Provider string        `yaml:"provider"` // "" disables, "openai" enables
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"-"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SchedulerConfig controls due-source selection and chaining
type SchedulerConfig struct {
	MaxPerRun   int           `yaml:"max_per_run"`
	CollectOnly bool          `yaml:"collect_only"` // Stop after evidence capture
	Interval    time.Duration `yaml:"interval"`     // How often the run loop wakes up
	Workers     int           `yaml:"workers"`      // Workers per stage
}

// ServeConfig controls the read-only API server
type ServeConfig struct {
	Addr string `yaml:"addr"`
}

// OutputConfig controls CLI output behavior
type OutputConfig struct {
	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Timeout:      30 * time.Second,
			UserAgent:    "Regbeacon/0.1 (+https://github.com/regbeacon/regbeacon)",
			MaxBodyBytes: 2_000_000,
		},
		Limits: LimitsConfig{
			RequestsPerMinute: 10,
			MinDelay:          2 * time.Second,
			BreakerThreshold:  5,
			BreakerCooldown:   time.Hour,
			MaxAttempts:       3,
			BackoffBase:       5 * time.Second,
			BackoffMax:        5 * time.Minute,
		},
		Store: StoreConfig{Driver: "memory"},
		Queue: QueueConfig{Driver: "memory"},
		LLM: LLMConfig{
			Provider: "",
			Model:    "gpt-4o-mini",
			Timeout:  60 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MaxPerRun: 20,
			Interval:  time.Minute,
			Workers:   4,
		},
		Serve:  ServeConfig{Addr: ":8437"},
		Output: OutputConfig{},
	}
}
