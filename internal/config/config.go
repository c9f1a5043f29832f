// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
// All timeouts and operational parameters are configurable.
//
// Configuration categories:
//   - Secrets: operator shared secret, sandbox shared secret, token pepper
//   - Timeouts: stop grace period, heartbeat staleness, idle actor reaping
//   - Token aggregation: flush interval and size bound
//   - Subscriber hub: replay window, connection queue depth, keepalive
//   - Retry: database retry attempts and delays, sandbox command backoff
//
// Every environment variable and its default is listed in Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/sessionctl/internal/domain"
)

// TimeoutConfig holds timeout-related configuration.
type TimeoutConfig struct {
	StopGracePeriod    time.Duration // how long stop() waits for execution_complete before forcing cancellation
	HeartbeatStaleness time.Duration // lastHeartbeat age after which the controller declares the sandbox stopped
	IdleActorTTL       time.Duration // how long an actor may sit idle before the registry reaps it
	ReapSweepInterval  time.Duration // registry idle-reaping sweep interval
	CommandDeadline    time.Duration // per-call deadline for outbound sandbox commands
	HealthCheck        time.Duration // health check DB ping timeout
}

// TokenAggregatorConfig controls the streaming-token batcher (spec §4.7).
type TokenAggregatorConfig struct {
	FlushInterval time.Duration // time quantum trigger, default 50ms
	FlushSize     int           // size bound trigger, default 100 tokens
}

// HubConfig controls the Subscriber Hub.
type HubConfig struct {
	ReplayWindow      int           // bounded tail of the Event Log replayed on connect
	ConnectionQueue   int           // per-connection outbound frame queue depth before back-pressure closes it
	PingGracePeriod   time.Duration // absent-ping grace period before the hub closes a connection
	WriteDeadline     time.Duration // per-frame write deadline
}

// RetryConfig holds retry-related configuration.
type RetryConfig struct {
	DatabaseMaxRetries     int           // Max database retry attempts (default: 3)
	DatabaseRetryBaseDelay time.Duration // Base delay for DB retries (default: 50ms)
	SandboxMaxAttempts     int           // Max sandbox command dispatch attempts (default: 5)
	SandboxRetryBaseDelay  time.Duration // Base delay for sandbox command backoff (default: 200ms)
}

// ArtifactConfig controls the local artifact store.
type ArtifactConfig struct {
	Dir            string // filesystem root for uploaded artifacts
	MaxUploadBytes int64  // max multipart body size
	PublicBaseURL  string // prefix used to build the stable URL returned to callers
}

// SandboxConfig holds the Docker-backed sandbox's resource limits and
// retry/network parameters, adapted from the teacher's ContainerConfig.
type SandboxConfig struct {
	Image               string
	Runtime             string // "" = default (runc), "runsc" = gVisor
	Network             string
	NetworkSubnet       string
	MemoryLimitBytes    int64
	CPUQuota            int64
	PidsLimit           int64
	CreateRetryAttempts int
	CreateRetryDelay    time.Duration
	RestartGracePeriod  time.Duration
	StopTimeout         time.Duration
}

// Config holds all application configuration.
type Config struct {
	Port                  string
	DBPath                string
	WorkspaceID           string
	DeploymentName        string
	OperatorSharedSecret  string
	SandboxSharedSecret   string
	WSTokenPepper         string
	ModelDefault          domain.Model
	ValidModels           []domain.Model
	ValidReasoningEfforts map[domain.Model][]domain.ReasoningEffort
	Timeout               TimeoutConfig
	TokenAggregator       TokenAggregatorConfig
	Hub                   HubConfig
	Retry                 RetryConfig
	Artifact              ArtifactConfig
	Sandbox               SandboxConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		DBPath:               getEnv("DB_PATH", "./data/sessions.db"),
		WorkspaceID:          getEnv("WORKSPACE_ID", ""),
		DeploymentName:       getEnv("DEPLOYMENT_NAME", "dev"),
		OperatorSharedSecret: getEnv("OPERATOR_SHARED_SECRET", ""),
		SandboxSharedSecret:  getEnv("SANDBOX_SHARED_SECRET", ""),
		WSTokenPepper:        getEnv("WS_TOKEN_PEPPER", ""),
		ModelDefault:         domain.Model(getEnv("MODEL_DEFAULT", "standard")),
		ValidModels: []domain.Model{
			domain.Model(getEnv("MODEL_DEFAULT", "standard")),
			"fast",
			"standard",
			"deep",
		},
		Timeout: TimeoutConfig{
			StopGracePeriod:    getEnvDuration("SESSION_STOP_GRACE_PERIOD", 10*time.Second),
			HeartbeatStaleness: getEnvDuration("SESSION_HEARTBEAT_STALENESS", 45*time.Second),
			IdleActorTTL:       getEnvDuration("SESSION_IDLE_ACTOR_TTL", 30*time.Minute),
			ReapSweepInterval:  getEnvDuration("SESSION_REAP_SWEEP_INTERVAL", 5*time.Minute),
			CommandDeadline:    getEnvDuration("SESSION_COMMAND_DEADLINE", 15*time.Second),
			HealthCheck:        getEnvDuration("SESSION_HEALTH_CHECK_TIMEOUT", 5*time.Second),
		},
		TokenAggregator: TokenAggregatorConfig{
			FlushInterval: getEnvDuration("TOKEN_AGG_FLUSH_INTERVAL", 50*time.Millisecond),
			FlushSize:     getEnvInt("TOKEN_AGG_FLUSH_SIZE", 100),
		},
		Hub: HubConfig{
			ReplayWindow:    getEnvInt("HUB_REPLAY_WINDOW", 200),
			ConnectionQueue: getEnvInt("HUB_CONNECTION_QUEUE", 64),
			PingGracePeriod: getEnvDuration("HUB_PING_GRACE_PERIOD", 90*time.Second),
			WriteDeadline:   getEnvDuration("HUB_WRITE_DEADLINE", 10*time.Second),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("SESSION_DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("SESSION_DB_RETRY_BASE_DELAY", 50*time.Millisecond),
			SandboxMaxAttempts:     getEnvInt("SESSION_SANDBOX_MAX_ATTEMPTS", 5),
			SandboxRetryBaseDelay:  getEnvDuration("SESSION_SANDBOX_RETRY_BASE_DELAY", 200*time.Millisecond),
		},
		Artifact: ArtifactConfig{
			Dir:            getEnv("ARTIFACT_DIR", "./data/artifacts"),
			MaxUploadBytes: getEnvInt64("ARTIFACT_MAX_UPLOAD_BYTES", 20<<20), // 20MB
			PublicBaseURL:  getEnv("ARTIFACT_PUBLIC_BASE_URL", "/artifacts"),
		},
		Sandbox: SandboxConfig{
			Image:               getEnv("SANDBOX_IMAGE", "agent-sandbox:latest"),
			Runtime:             getEnv("SANDBOX_RUNTIME", ""),
			Network:             getEnv("SANDBOX_NETWORK", "sessionctl-sandbox"),
			NetworkSubnet:       getEnv("SANDBOX_NETWORK_SUBNET", "172.30.0.0/16"),
			MemoryLimitBytes:    getEnvInt64("SANDBOX_MEMORY_LIMIT", 1024*1024*1024),
			CPUQuota:            getEnvInt64("SANDBOX_CPU_QUOTA", 100000),
			PidsLimit:           getEnvInt64("SANDBOX_PIDS_LIMIT", 512),
			CreateRetryAttempts: getEnvInt("SANDBOX_CREATE_RETRY_ATTEMPTS", 20),
			CreateRetryDelay:    getEnvDuration("SANDBOX_CREATE_RETRY_DELAY", 250*time.Millisecond),
			RestartGracePeriod:  getEnvDuration("SANDBOX_RESTART_GRACE_PERIOD", 60*time.Minute),
			StopTimeout:         getEnvDuration("SANDBOX_STOP_TIMEOUT", 10*time.Second),
		},
	}

	defaultModel := cfg.ModelDefault
	cfg.ValidReasoningEfforts = map[domain.Model][]domain.ReasoningEffort{
		defaultModel: {
			domain.ReasoningEffortNone, domain.ReasoningEffortLow, domain.ReasoningEffortMedium,
			domain.ReasoningEffortHigh, domain.ReasoningEffortXHigh, domain.ReasoningEffortMax,
		},
		"fast": {
			domain.ReasoningEffortNone, domain.ReasoningEffortLow, domain.ReasoningEffortMedium,
		},
		"standard": {
			domain.ReasoningEffortNone, domain.ReasoningEffortLow, domain.ReasoningEffortMedium,
			domain.ReasoningEffortHigh,
		},
		"deep": {
			domain.ReasoningEffortMedium, domain.ReasoningEffortHigh, domain.ReasoningEffortXHigh,
			domain.ReasoningEffortMax,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.OperatorSharedSecret == "" {
		return fmt.Errorf("OPERATOR_SHARED_SECRET cannot be empty")
	}
	if c.SandboxSharedSecret == "" {
		return fmt.Errorf("SANDBOX_SHARED_SECRET cannot be empty")
	}
	if c.WSTokenPepper == "" {
		return fmt.Errorf("WS_TOKEN_PEPPER cannot be empty")
	}
	if c.WorkspaceID == "" {
		return fmt.Errorf("WORKSPACE_ID cannot be empty")
	}
	if c.TokenAggregator.FlushSize <= 0 {
		return fmt.Errorf("TOKEN_AGG_FLUSH_SIZE must be > 0")
	}
	if c.Hub.ReplayWindow <= 0 {
		return fmt.Errorf("HUB_REPLAY_WINDOW must be > 0")
	}
	return nil
}

// ResolveModel validates a requested model against the closed set,
// returning the configured default when the value is empty or unknown.
func (c *Config) ResolveModel(requested domain.Model) domain.Model {
	if requested == "" {
		return c.ModelDefault
	}
	for _, m := range c.ValidModels {
		if m == requested {
			return requested
		}
	}
	return c.ModelDefault
}

// ResolveReasoningEffort validates requested against the allowed subset for
// model, returning ("", false) when requested is empty or not in the
// allowed set — the silent-drop contract from spec §9's open question.
func (c *Config) ResolveReasoningEffort(model domain.Model, requested domain.ReasoningEffort) (domain.ReasoningEffort, bool) {
	if requested == "" {
		return "", false
	}
	for _, e := range c.ValidReasoningEfforts[model] {
		if e == requested {
			return requested, true
		}
	}
	return "", false
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
