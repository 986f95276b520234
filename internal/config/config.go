// Package config provides configuration types and loading for voxclaw.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the root configuration struct.
// Top-level groups: Paths, Store, Channels, AI, Runner, Loops, Dashboard, Firehose.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Store     StoreConfig     `json:"store"`
	Channels  ChannelsConfig  `json:"channels"`
	AI        AIConfig        `json:"ai"`
	Runner    RunnerConfig    `json:"runner"`
	Loops     LoopsConfig     `json:"loops"`
	Dashboard DashboardConfig `json:"dashboard"`
	Firehose  FirehoseConfig  `json:"firehose"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DataDir  string `json:"dataDir" envconfig:"DATA_DIR"`
	MediaDir string `json:"mediaDir" envconfig:"MEDIA_DIR"`
	LockFile string `json:"lockFile" envconfig:"LOCK_FILE"`
}

// ---------------------------------------------------------------------------
// Store – durable state
// ---------------------------------------------------------------------------

// StoreConfig contains database settings.
type StoreConfig struct {
	Path string `json:"path" envconfig:"DB_PATH"`
}

// ---------------------------------------------------------------------------
// Channels – chat transports
// ---------------------------------------------------------------------------

// ChannelsConfig contains all channel configurations.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Slack    SlackConfig    `json:"slack"`
}

// WhatsAppConfig configures the WhatsApp channel.
type WhatsAppConfig struct {
	Enabled     bool   `json:"enabled" envconfig:"WHATSAPP_ENABLED"`
	SessionPath string `json:"sessionPath" envconfig:"WHATSAPP_SESSION_PATH"`
	DeviceName  string `json:"deviceName" envconfig:"WHATSAPP_DEVICE_NAME"`
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"SLACK_ENABLED"`
	BotToken string `json:"botToken" envconfig:"SLACK_BOT_TOKEN"`
	AppToken string `json:"appToken" envconfig:"SLACK_APP_TOKEN"`
}

// ---------------------------------------------------------------------------
// AI – classifier / enrichment provider
// ---------------------------------------------------------------------------

// AIConfig contains LLM provider settings for triage, enrichment,
// embeddings and reply rewriting.
type AIConfig struct {
	APIKey         string `json:"apiKey" envconfig:"AI_API_KEY"`
	APIBase        string `json:"apiBase" envconfig:"AI_API_BASE"`
	Model          string `json:"model" envconfig:"AI_MODEL"`
	EmbeddingModel string `json:"embeddingModel" envconfig:"AI_EMBEDDING_MODEL"`
	TimeoutMs      int    `json:"timeoutMs" envconfig:"AI_TIMEOUT_MS"`
}

// ---------------------------------------------------------------------------
// Runner – sandboxed agent execution
// ---------------------------------------------------------------------------

// RunnerConfig contains sandbox runner settings.
type RunnerConfig struct {
	DockerImage  string `json:"dockerImage" envconfig:"RUNNER_DOCKER_IMAGE"`
	WorkspaceDir string `json:"workspaceDir" envconfig:"RUNNER_WORKSPACE_DIR"`
	SessionsDir  string `json:"sessionsDir" envconfig:"RUNNER_SESSIONS_DIR"`
	RunTimeoutMs int    `json:"runTimeoutMs" envconfig:"RUNNER_TIMEOUT_MS"`
}

// ---------------------------------------------------------------------------
// Loops – orchestration knobs
// ---------------------------------------------------------------------------

// LoopsConfig contains the polling cadences and orchestration limits
// shared by the worker loops.
type LoopsConfig struct {
	// PollMs is the default tick interval for loops without their own.
	PollMs         int `json:"pollMs" envconfig:"POLL_MS"`
	GatewayPollMs  int `json:"gatewayPollMs" envconfig:"GATEWAY_POLL_MS"`
	TriagePollMs   int `json:"triagePollMs" envconfig:"TRIAGE_POLL_MS"`
	ContextPollMs  int `json:"contextPollMs" envconfig:"CONTEXT_POLL_MS"`
	ClockPollMs    int `json:"clockPollMs" envconfig:"CLOCK_POLL_MS"`
	RuntimePollMs  int `json:"runtimePollMs" envconfig:"RUNTIME_POLL_MS"`
	ReplyPollMs    int `json:"replyPollMs" envconfig:"REPLY_POLL_MS"`
	DeliveryPollMs int `json:"deliveryPollMs" envconfig:"DELIVERY_POLL_MS"`
	AuditPollMs    int `json:"auditPollMs" envconfig:"AUDIT_POLL_MS"`

	TypingQuietMs       int `json:"typingQuietMs" envconfig:"TYPING_QUIET_MS"`
	HeartbeatMs         int `json:"heartbeatMs" envconfig:"HEARTBEAT_MS"`
	StuckAfterMs        int `json:"stuckAfterMs" envconfig:"STUCK_AFTER_MS"`
	MaxConcurrentRuns   int `json:"maxConcurrentRuns" envconfig:"MAX_CONCURRENT_RUNS"`
	MaxDeliveryAttempts int `json:"maxDeliveryAttempts" envconfig:"MAX_DELIVERY_ATTEMPTS"`
	BackoffBaseMs       int `json:"backoffBaseMs" envconfig:"BACKOFF_BASE_MS"`
	BackoffMaxMs        int `json:"backoffMaxMs" envconfig:"BACKOFF_MAX_MS"`
	HistoryN            int `json:"historyN" envconfig:"HISTORY_N"`
	KRag                int `json:"kRag" envconfig:"K_RAG"`
	ContextMaxAttempts  int `json:"contextMaxAttempts" envconfig:"CONTEXT_MAX_ATTEMPTS"`
}

// ---------------------------------------------------------------------------
// Dashboard – HTTP API
// ---------------------------------------------------------------------------

// DashboardConfig contains the dashboard HTTP server settings.
type DashboardConfig struct {
	Enabled bool   `json:"enabled" envconfig:"DASHBOARD_ENABLED"`
	Host    string `json:"host" envconfig:"DASHBOARD_HOST"`
	Port    int    `json:"port" envconfig:"DASHBOARD_PORT"`
}

// ---------------------------------------------------------------------------
// Firehose – event mirroring
// ---------------------------------------------------------------------------

// FirehoseConfig contains the optional Kafka event mirror settings.
// Disabled when Brokers is empty.
type FirehoseConfig struct {
	Brokers    []string `json:"brokers" envconfig:"FIREHOSE_BROKERS"`
	Deployment string   `json:"deployment" envconfig:"FIREHOSE_DEPLOYMENT"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".voxclaw")
	return &Config{
		Paths: PathsConfig{
			DataDir:  dataDir,
			MediaDir: filepath.Join(dataDir, "media"),
			LockFile: filepath.Join(dataDir, "voxclaw.lock"),
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "voxclaw.db"),
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				Enabled:     true,
				SessionPath: filepath.Join(dataDir, "whatsapp.db"),
				DeviceName:  "VoxClaw",
			},
		},
		AI: AIConfig{
			APIBase:        "https://openrouter.ai/api/v1",
			Model:          "anthropic/claude-sonnet-4",
			EmbeddingModel: "openai/text-embedding-3-small",
			TimeoutMs:      60_000,
		},
		Runner: RunnerConfig{
			DockerImage:  "voxclaw-agent:latest",
			WorkspaceDir: filepath.Join(dataDir, "workspaces"),
			SessionsDir:  filepath.Join(dataDir, "sessions"),
			RunTimeoutMs: 30 * 60 * 1000,
		},
		Loops: LoopsConfig{
			PollMs:              500,
			GatewayPollMs:       250,
			TriagePollMs:        500,
			ContextPollMs:       500,
			ClockPollMs:         1000,
			RuntimePollMs:       250,
			ReplyPollMs:         500,
			DeliveryPollMs:      500,
			AuditPollMs:         1000,
			TypingQuietMs:       5000,
			HeartbeatMs:         2000,
			StuckAfterMs:        120_000,
			MaxConcurrentRuns:   4,
			MaxDeliveryAttempts: 8,
			BackoffBaseMs:       500,
			BackoffMaxMs:        60_000,
			HistoryN:            20,
			KRag:                5,
			ContextMaxAttempts:  3,
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    18990,
		},
		Firehose: FirehoseConfig{
			Deployment: "default",
		},
	}
}

// ConfigPath returns the config file location, honoring VOXCLAW_CONFIG.
func ConfigPath() string {
	if p := os.Getenv("VOXCLAW_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".voxclaw", "config.json")
}

// Load reads the config file if present, then applies VOXCLAW_* environment
// overrides on top of defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path := ConfigPath()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// First run, defaults only.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := envconfig.Process("VOXCLAW", cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	return cfg, nil
}

// Save writes the config as indented JSON, creating the directory as needed.
func Save(cfg *Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// TypingQuiet returns the quiescence window as a duration.
func (l LoopsConfig) TypingQuiet() time.Duration {
	return time.Duration(l.TypingQuietMs) * time.Millisecond
}

// Heartbeat returns the supervision poll cadence as a duration.
func (l LoopsConfig) Heartbeat() time.Duration {
	return time.Duration(l.HeartbeatMs) * time.Millisecond
}

// StuckAfter returns the stuck-detection threshold as a duration.
func (l LoopsConfig) StuckAfter() time.Duration {
	return time.Duration(l.StuckAfterMs) * time.Millisecond
}

// Interval returns the tick interval for the named loop, falling back to
// the shared PollMs.
func (l LoopsConfig) Interval(loop string) time.Duration {
	ms := l.PollMs
	switch loop {
	case "gateway":
		ms = l.GatewayPollMs
	case "triage":
		ms = l.TriagePollMs
	case "context":
		ms = l.ContextPollMs
	case "clock":
		ms = l.ClockPollMs
	case "runtime":
		ms = l.RuntimePollMs
	case "reply":
		ms = l.ReplyPollMs
	case "delivery":
		ms = l.DeliveryPollMs
	case "audit":
		ms = l.AuditPollMs
	}
	if ms <= 0 {
		ms = 500
	}
	return time.Duration(ms) * time.Millisecond
}
