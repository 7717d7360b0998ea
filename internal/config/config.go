// Package config provides hierarchical configuration loading for the
// orchestrator. Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration.
type Config struct {
	Server   Server   `yaml:"server"`
	Store    Store    `yaml:"store"`
	Agent    Agent    `yaml:"agent"`
	Timeouts Timeouts `yaml:"timeouts"`
	Retry    Retry    `yaml:"retry"`
	Limits   Limits   `yaml:"limits"`
	Logging  Logging  `yaml:"logging"`
	Breaker  Breaker  `yaml:"breaker"`
	Bus      Bus      `yaml:"bus"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Store holds durable-store configuration.
type Store struct {
	Root            string        `yaml:"root"`               // SESSIONS_ROOT
	LogMaxSizeMB    int           `yaml:"log_max_size_mb"`    // rotation threshold
	LogMaxFiles     int           `yaml:"log_max_files"`      // rotated files kept
	LogRetention    time.Duration `yaml:"log_retention"`      // purge rotated files older than this
	CacheMaxSizeMB  int64         `yaml:"cache_max_size_mb"`  // hot-session read cache
	CacheSessionTTL time.Duration `yaml:"cache_session_ttl"`
}

// Agent holds external coding-agent configuration.
type Agent struct {
	Cmd          string   `yaml:"cmd"`           // AGENT_CMD binary path
	Model        string   `yaml:"model"`         // main-stage model selector
	CheapModel   string   `yaml:"cheap_model"`   // post-processing model selector
	AllowedTools []string `yaml:"allowed_tools"` // tool allow-list passed on argv
	KillGrace    time.Duration `yaml:"kill_grace"` // SIGTERM -> SIGKILL gap
}

// Timeouts holds per-stage wall-clock timeouts.
type Timeouts struct {
	Discovery   time.Duration `yaml:"discovery"`
	PlanReview  time.Duration `yaml:"plan_review"`
	Step        time.Duration `yaml:"step"` // per Stage 3 step
	PRCreation  time.Duration `yaml:"pr_creation"`
	PRReview    time.Duration `yaml:"pr_review"`
	PostProcess time.Duration `yaml:"post_process"`
}

// Retry holds user-invoked retry gating.
type Retry struct {
	MinIdle  time.Duration `yaml:"min_idle"`  // since last conversation entry
	Cooldown time.Duration `yaml:"cooldown"`  // between retries
}

// Limits holds pipeline caps.
type Limits struct {
	ReplanMax     int `yaml:"replan_max"`
	PRCreationMax int `yaml:"pr_creation_max"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Breaker holds the post-processing circuit breaker configuration.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Bus holds event bus configuration.
type Bus struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// Defaults returns a Config with the documented default values.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8080",
			CORSOrigin: "http://localhost:3000",
		},
		Store: Store{
			Root:            "./data",
			LogMaxSizeMB:    50,
			LogMaxFiles:     10,
			LogRetention:    30 * 24 * time.Hour,
			CacheMaxSizeMB:  32,
			CacheSessionTTL: 5 * time.Minute,
		},
		Agent: Agent{
			Cmd:        "claude",
			Model:      "sonnet",
			CheapModel: "haiku",
			AllowedTools: []string{
				"Bash", "Read", "Write", "Edit", "Glob", "Grep",
			},
			KillGrace: 5 * time.Second,
		},
		Timeouts: Timeouts{
			Discovery:   10 * time.Minute,
			PlanReview:  10 * time.Minute,
			Step:        20 * time.Minute,
			PRCreation:  10 * time.Minute,
			PRReview:    10 * time.Minute,
			PostProcess: 2 * time.Minute,
		},
		Retry: Retry{
			MinIdle:  5 * time.Minute,
			Cooldown: 30 * time.Second,
		},
		Limits: Limits{
			ReplanMax:     5,
			PRCreationMax: 3,
		},
		Logging: Logging{
			Level:   "info",
			Service: "ralph-web",
		},
		Breaker: Breaker{
			MaxFailures: 3,
			Timeout:     time.Minute,
		},
		Bus: Bus{
			SubscriberBuffer: 64,
		},
	}
}
