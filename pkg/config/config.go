// Package config loads Aegis control-plane configuration from the
// environment, with safe defaults for local development.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process-wide configuration for every Aegis subsystem.
type Config struct {
	// Ingress / HTTP
	Port             string
	LogLevel         string
	Environment      string
	IngressShardCount int

	// Verification Engine
	NeuralRiskThreshold  int // symbolic risk at/above this triggers the neural path
	NeuralBlockThreshold int // final risk at/above this downgrades allow -> deny
	NeuralServiceURL     string
	NeuralTimeout        time.Duration

	// Coordination Engine (Arbiter)
	ArbiterEnabled bool
	ClusterID      string
	RaftNodeID     string
	RaftBindAddr   string
	RaftDataDir    string
	RaftBootstrap  bool

	// CRDT State Store (Synapse)
	Region               string
	PostgresURL          string
	SQLitePath           string
	GeofenceProfilesDir  string
	ConflictStrategy     string

	// Shared infra
	RedisAddr          string
	AuditQueueCapacity int
	AuditEnqueueDeadline time.Duration

	// Observability
	OTLPEndpoint  string
	TracingEnabled bool
}

// Load reads configuration from environment variables, falling back to
// defaults suitable for a single-node developer setup.
func Load() *Config {
	return &Config{
		Port:              getEnv("PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "INFO"),
		Environment:       getEnv("ENVIRONMENT", "development"),
		IngressShardCount: getEnvInt("INGRESS_SHARD_COUNT", 8),

		NeuralRiskThreshold:  getEnvInt("NEURAL_RISK_THRESHOLD", 40),
		NeuralBlockThreshold: getEnvInt("NEURAL_BLOCK_THRESHOLD", 80),
		NeuralServiceURL:     getEnv("NEURAL_SERVICE_URL", ""),
		NeuralTimeout:        getEnvDuration("NEURAL_TIMEOUT_MS", 20*time.Millisecond),

		ArbiterEnabled: getEnv("ARBITER_ENABLED", "false") == "true",
		ClusterID:     getEnv("CLUSTER_ID", "default"),
		RaftNodeID:    getEnv("RAFT_NODE_ID", "node-1"),
		RaftBindAddr:  getEnv("RAFT_BIND_ADDR", "127.0.0.1:7000"),
		RaftDataDir:   getEnv("RAFT_DATA_DIR", "./data/raft"),
		RaftBootstrap: getEnv("RAFT_BOOTSTRAP", "true") == "true",

		Region:              getEnv("REGION", "us"),
		PostgresURL:         getEnv("DATABASE_URL", ""),
		SQLitePath:          getEnv("SQLITE_PATH", "./data/synapse.db"),
		GeofenceProfilesDir: getEnv("GEOFENCE_PROFILES_DIR", ""),
		ConflictStrategy:    getEnv("SYNAPSE_CONFLICT_STRATEGY", "last-writer-wins"),

		RedisAddr:            getEnv("REDIS_ADDR", ""),
		AuditQueueCapacity:   getEnvInt("AUDIT_QUEUE_CAPACITY", 4096),
		AuditEnqueueDeadline: getEnvDuration("AUDIT_ENQUEUE_DEADLINE_MS", 50*time.Millisecond),

		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", ""),
		TracingEnabled: getEnv("TRACING_ENABLED", "false") == "true",
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
