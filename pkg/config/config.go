// Package config loads worker configuration from environment variables, with
// Docker-secret support for credentials.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Worker holds the settings every stream worker shares.
type Worker struct {
	RedisURL   string
	HealthPort int
	PodID      string

	MaxRetries        int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64

	BlockTimeout         time.Duration
	BatchCount           int64
	PendingIdle          time.Duration
	PendingCheckInterval time.Duration
	MaxClaimFailures     int64
	StreamMaxLen         int64
}

// LoadWorker reads the common worker settings from the environment.
func LoadWorker() Worker {
	return Worker{
		RedisURL:   getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		HealthPort: envInt("HEALTH_PORT", 8080),
		PodID:      ResolvePodID(),

		MaxRetries:        envInt("MAX_RETRIES", 3),
		InitialRetryDelay: envSeconds("INITIAL_RETRY_DELAY", 1),
		MaxRetryDelay:     envSeconds("MAX_RETRY_DELAY", 30),
		BackoffMultiplier: envFloat("BACKOFF_MULTIPLIER", 2.0),

		BlockTimeout:         5 * time.Second,
		BatchCount:           10,
		PendingIdle:          5 * time.Minute,
		PendingCheckInterval: time.Minute,
		MaxClaimFailures:     3,
		StreamMaxLen:         envInt64("STREAM_MAXLEN", 10000),
	}
}

// Analysis holds the settings for the per-image analysis workers.
type Analysis struct {
	Worker

	DownloadTimeout time.Duration
	TagTopN         int
	TagThreshold    float64
	SceneThreshold  float64
	EmbeddingDim    int
}

// LoadAnalysis reads analysis worker settings. DEFAULT_THRESHOLD is shared
// between the tagging and scene workers; each process applies its own default
// since the workers run as separate deployments.
func LoadAnalysis() Analysis {
	w := LoadWorker()
	// Analysis handlers are slow; read one entry at a time.
	w.BatchCount = 1
	return Analysis{
		Worker:          w,
		DownloadTimeout: 30 * time.Second,
		TagTopN:         envInt("DEFAULT_TOP_N", 5),
		TagThreshold:    envFloat("DEFAULT_THRESHOLD", 0.05),
		SceneThreshold:  envFloat("DEFAULT_THRESHOLD", 0.01),
		EmbeddingDim:    envInt("EMBEDDING_DIM", 1024),
	}
}

// Aggregator holds the post-aggregation worker settings.
type Aggregator struct {
	Worker

	Wait         time.Duration
	PollInterval time.Duration

	UseLLMCaptions bool
	LLMAPIURL      string
	LLMAPIToken    string
	LLMTimeout     time.Duration
}

// LoadAggregator reads the aggregation worker settings.
func LoadAggregator() Aggregator {
	return Aggregator{
		Worker:       LoadWorker(),
		Wait:         envSeconds("AGGREGATION_WAIT_SECONDS", 6),
		PollInterval: envSeconds("AGGREGATION_POLL_INTERVAL", 0.5),

		UseLLMCaptions: envBool("USE_LLM_CAPTIONS", false),
		LLMAPIURL:      GetSecret("LLM_API_URL", ""),
		LLMAPIToken:    GetSecret("LLM_API_TOKEN", ""),
		LLMTimeout:     15 * time.Second,
	}
}

// Sync holds the search-index sync worker settings. Database connection
// settings live in pkg/storage, which also reads DB_AUTO_MIGRATE.
type Sync struct {
	Worker

	ESHost       string
	BatchSize    int
	BatchTimeout time.Duration
	RetryDelay   time.Duration
}

// LoadSync reads the sync worker settings.
func LoadSync() Sync {
	return Sync{
		Worker:       LoadWorker(),
		ESHost:       getEnvOrDefault("ES_HOST", "http://elasticsearch:9200"),
		BatchSize:    envInt("ES_SYNC_BATCH_SIZE", 50),
		BatchTimeout: envSeconds("ES_SYNC_BATCH_TIMEOUT", 2),
		RetryDelay:   envSeconds("RETRY_DELAY_SECONDS", 2),
	}
}

// DLQProcessor holds the dead-letter processor settings.
type DLQProcessor struct {
	Worker

	AutoRetry bool
}

// LoadDLQProcessor reads the dead-letter processor settings.
func LoadDLQProcessor() DLQProcessor {
	return DLQProcessor{
		Worker:    LoadWorker(),
		AutoRetry: envBool("DLQ_AUTO_RETRY", false),
	}
}

// Provider holds the HTTP endpoint settings for one inference task.
type Provider struct {
	APIURL   string
	APIToken string
	Timeout  time.Duration
}

// LoadProvider resolves the endpoint for one task: the task-specific URL
// variable wins, HF_API_URL is the fallback. The token may come from a
// Docker secret.
func LoadProvider(taskURLEnv string) Provider {
	return Provider{
		APIURL:   getEnvOrDefault(taskURLEnv, os.Getenv("HF_API_URL")),
		APIToken: GetSecret("HF_API_TOKEN", ""),
		Timeout:  envSeconds("HTTP_DEFAULT_TIMEOUT", 60),
	}
}

// ResolvePodID returns a stable identity for this process, preferring the
// orchestrator-assigned pod name.
func ResolvePodID() string {
	if podID := os.Getenv("POD_ID"); podID != "" {
		return podID
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func getEnvOrDefault(key, def string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return def
}

func envInt(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return def
}

// envSeconds parses a duration expressed in seconds, accepting fractions
// such as "0.5".
func envSeconds(key string, def float64) time.Duration {
	return time.Duration(envFloat(key, def) * float64(time.Second))
}

func envBool(key string, def bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
