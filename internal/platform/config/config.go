// Package config builds runtime configuration from environment variables so
// main stays lean.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full server configuration.
type Config struct {
	Server   Server
	Ruleset  Ruleset
	Decision Decision
	Audit    Audit
	Kafka    Kafka
	Redis    Redis
	Auth     Auth
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr string
}

// Ruleset configures the rule snapshot source.
type Ruleset struct {
	Path        string
	WatchReload bool
}

// Decision configures thresholds, budgets, and the decision cache.
type Decision struct {
	ComplianceThreshold float64
	EnhancedThreshold   float64
	CacheTTL            time.Duration
	ConsensusSize       int
	ConsensusTimeout    time.Duration
	ReviewTimeout       time.Duration
	MaxRevisions        int
}

// Audit configures the telemetry pipeline.
type Audit struct {
	QueueSize     int
	SampleEvery   int
	DedupWindow   time.Duration
	SpilloverPath string
	ReplayEvery   time.Duration
}

// Kafka configures the audit transport. Empty brokers disable publishing
// (events are logged and spilled only).
type Kafka struct {
	Brokers []string
}

// Redis configures the shared dedup window and durable pending store. Empty
// URL falls back to in-process stores.
type Redis struct {
	URL string
}

// Auth configures reviewer authentication.
type Auth struct {
	ReviewerJWTKey string
}

// FromEnv builds a Config from environment variables, applying defaults.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr: envString("CHARTER_ADDR", ":8080"),
		},
		Ruleset: Ruleset{
			Path:        envString("CHARTER_RULESET_PATH", "ruleset.yaml"),
			WatchReload: envBool("CHARTER_RULESET_WATCH", true),
		},
		Decision: Decision{
			ComplianceThreshold: envFloat("CHARTER_COMPLIANCE_THRESHOLD", 0.95),
			EnhancedThreshold:   envFloat("CHARTER_ENHANCED_THRESHOLD", 0.90),
			CacheTTL:            envDuration("CHARTER_CACHE_TTL", 1800*time.Second),
			ConsensusSize:       envInt("CHARTER_CONSENSUS_SIZE", 3),
			ConsensusTimeout:    envDuration("CHARTER_CONSENSUS_TIMEOUT", 200*time.Millisecond),
			ReviewTimeout:       envDuration("CHARTER_REVIEW_TIMEOUT", 300*time.Second),
			MaxRevisions:        envInt("CHARTER_MAX_REVISIONS", 2),
		},
		Audit: Audit{
			QueueSize:     envInt("CHARTER_AUDIT_QUEUE_SIZE", 4096),
			SampleEvery:   envInt("CHARTER_AUDIT_SAMPLE_EVERY", 5),
			DedupWindow:   envDuration("CHARTER_AUDIT_DEDUP_WINDOW", 3600*time.Second),
			SpilloverPath: envString("CHARTER_AUDIT_SPILLOVER_PATH", "spillover.db"),
			ReplayEvery:   envDuration("CHARTER_AUDIT_REPLAY_EVERY", time.Minute),
		},
		Kafka: Kafka{
			Brokers: envList("CHARTER_KAFKA_BROKERS"),
		},
		Redis: Redis{
			URL: os.Getenv("CHARTER_REDIS_URL"),
		},
		Auth: Auth{
			ReviewerJWTKey: envString("CHARTER_REVIEWER_JWT_KEY", "dev-secret-key-change-in-production"),
		},
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
