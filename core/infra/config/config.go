package config

import (
	"os"
	"time"
)

const (
	defaultRedisURL           = "redis://localhost:6379"
	defaultNATSURL            = ""
	defaultHTTPAddr           = ":9080"
	defaultWorkflowConfig     = "config/workflow.yaml"
	defaultCheckpointInterval = 15 * time.Second

	envRedisURL           = "REDIS_URL"
	envNATSURL            = "NATS_URL"
	envHTTPAddr           = "WORKFLOW_HTTP_ADDR"
	envWorkflowConfigPath = "WORKFLOW_CONFIG_PATH"
	envCheckpointInterval = "WORKFLOW_CHECKPOINT_INTERVAL"
)

// Config holds runtime configuration for the workflow engine service.
type Config struct {
	RedisURL           string
	NatsURL            string
	HTTPAddr           string
	WorkflowConfigPath string
	CheckpointInterval time.Duration
}

// Load returns configuration using environment variables with sane defaults.
// An empty NATS_URL means transition events stay on the in-process bus.
func Load() *Config {
	redisURL := os.Getenv(envRedisURL)
	if redisURL == "" {
		redisURL = defaultRedisURL
	}

	natsURL := os.Getenv(envNATSURL)
	if natsURL == "" {
		natsURL = defaultNATSURL
	}

	httpAddr := os.Getenv(envHTTPAddr)
	if httpAddr == "" {
		httpAddr = defaultHTTPAddr
	}

	workflowCfg := os.Getenv(envWorkflowConfigPath)
	if workflowCfg == "" {
		workflowCfg = defaultWorkflowConfig
	}

	interval := defaultCheckpointInterval
	if v := os.Getenv(envCheckpointInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}

	return &Config{
		RedisURL:           redisURL,
		NatsURL:            natsURL,
		HTTPAddr:           httpAddr,
		WorkflowConfigPath: workflowCfg,
		CheckpointInterval: interval,
	}
}
