// Package config defines the YAML configuration schema, environment
// variable overlay, defaults, and validation for the callpulse services.
package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the root configuration document.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" env:"CALLPULSE_LOG_LEVEL"`

	// IngestToken guards the audio/event ingest endpoints. Clients present
	// it as X-Cloud-Token or a Bearer token. Empty disables auth.
	IngestToken string `yaml:"ingest_token" env:"CALLPULSE_INGEST_TOKEN"`

	// UploadsDir holds historical per-call audio uploads used as the
	// fallback source for /calls/{id}/audio.wav. Empty disables fallback.
	UploadsDir string `yaml:"uploads_dir" env:"CALLPULSE_UPLOADS_DIR"`

	Gateway   Gateway   `yaml:"gateway" envPrefix:"CALLPULSE_GATEWAY_"`
	AudioHook AudioHook `yaml:"audiohook" envPrefix:"CALLPULSE_AUDIOHOOK_"`
	Connector Connector `yaml:"connector" envPrefix:"CALLPULSE_CONNECTOR_"`
	LiveAudio LiveAudio `yaml:"live_audio" envPrefix:"CALLPULSE_LIVE_AUDIO_"`
	Engine    Engine    `yaml:"engine" envPrefix:"CALLPULSE_ENGINE_"`
	HTTP      HTTP      `yaml:"http" envPrefix:"CALLPULSE_HTTP_"`
	Status    Status    `yaml:"status" envPrefix:"CALLPULSE_STATUS_"`
}

// Gateway configures the HTTP/SSE API server.
type Gateway struct {
	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT"`
}

// AudioHook configures the websocket ingress (C6).
type AudioHook struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Host    string `yaml:"host" env:"HOST"`
	Port    int    `yaml:"port" env:"PORT"`
	// Path is the websocket URL path the listener accepts.
	Path string `yaml:"path" env:"PATH"`

	// AudioIngestURL and EventIngestURL are the internal sinks flushed
	// chunks and events are POSTed to. Empty routes in-process to the
	// gateway handlers.
	AudioIngestURL string `yaml:"audio_ingest_url" env:"AUDIO_INGEST_URL"`
	EventIngestURL string `yaml:"event_ingest_url" env:"EVENT_INGEST_URL"`

	SampleRateDefault int `yaml:"sample_rate_default" env:"SAMPLE_RATE_DEFAULT"`
	ChannelsDefault   int `yaml:"channels_default" env:"CHANNELS_DEFAULT"`

	FlushIntervalMS    int `yaml:"flush_interval_ms" env:"FLUSH_INTERVAL_MS"`
	MinChunkDurationMS int `yaml:"min_chunk_duration_ms" env:"MIN_CHUNK_DURATION_MS"`
	MaxChunkDurationMS int `yaml:"max_chunk_duration_ms" env:"MAX_CHUNK_DURATION_MS"`

	// DryRun logs flushed chunks and events instead of POSTing them.
	DryRun bool `yaml:"dry_run" env:"DRY_RUN"`
}

// Connector configures the outbound vendor notification connector (C7).
type Connector struct {
	Enabled      bool   `yaml:"enabled" env:"ENABLED"`
	ClientID     string `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"CLIENT_SECRET"`
	LoginBaseURL string `yaml:"login_base_url" env:"LOGIN_BASE_URL"`
	APIBaseURL   string `yaml:"api_base_url" env:"API_BASE_URL"`

	// EventIngestURL is the sink normalized payloads are POSTed to.
	// Empty routes in-process.
	EventIngestURL string `yaml:"event_ingest_url" env:"EVENT_INGEST_URL"`

	// SubscriptionTopics are subscribed verbatim in addition to anything
	// the topic builder produces.
	SubscriptionTopics []string `yaml:"subscription_topics" env:"SUBSCRIPTION_TOPICS"`
	QueueIDs           []string `yaml:"queue_ids" env:"QUEUE_IDS"`
	UserIDs            []string `yaml:"user_ids" env:"USER_IDS"`

	TopicBuilder TopicBuilder `yaml:"topic_builder" envPrefix:"TOPIC_BUILDER_"`

	ReconnectDelaySeconds int  `yaml:"reconnect_delay_seconds" env:"RECONNECT_DELAY_SECONDS"`
	DryRun                bool `yaml:"dry_run" env:"DRY_RUN"`
}

// TopicBuilder configures discovery of queue/user conversation topics.
type TopicBuilder struct {
	// Mode is one of manual, off, queues, users, queues_users, all.
	Mode string `yaml:"mode" env:"MODE"`

	// QueueNameFilters keeps only queues whose name contains one of the
	// given substrings (case-insensitive). Empty keeps all.
	QueueNameFilters []string `yaml:"queue_name_filters" env:"QUEUE_NAME_FILTERS"`
	// UserEmailFilters keeps only users whose email contains one of the
	// given substrings (case-insensitive). Empty keeps all.
	UserEmailFilters []string `yaml:"user_email_filters" env:"USER_EMAIL_FILTERS"`

	MaxQueues      int `yaml:"max_queues" env:"MAX_QUEUES"`
	MaxUsers       int `yaml:"max_users" env:"MAX_USERS"`
	RefreshSeconds int `yaml:"refresh_seconds" env:"REFRESH_SECONDS"`
}

// LiveAudio configures the rolling per-call PCM buffer (C4).
type LiveAudio struct {
	// Dir is the root directory for per-call chunk files.
	Dir           string `yaml:"dir" env:"DIR"`
	WindowSeconds int    `yaml:"window_seconds" env:"WINDOW_SECONDS"`
	MaxChunkBytes int    `yaml:"max_chunk_bytes" env:"MAX_CHUNK_BYTES"`
}

// Engine configures ingest scoring and alerting (C5).
type Engine struct {
	NegativeSentimentThreshold float64 `yaml:"negative_sentiment_threshold" env:"NEGATIVE_SENTIMENT_THRESHOLD"`
	HighRiskThreshold          float64 `yaml:"high_risk_threshold" env:"HIGH_RISK_THRESHOLD"`
	AlertCooldownSeconds       int     `yaml:"alert_cooldown_seconds" env:"ALERT_COOLDOWN_SECONDS"`
	// SupervisorKeywordTriggers is a comma-separated list of escalation
	// keywords matched case-insensitively against event text.
	SupervisorKeywordTriggers string `yaml:"supervisor_keyword_triggers" env:"SUPERVISOR_KEYWORD_TRIGGERS"`
	WorkerConcurrency         int    `yaml:"worker_concurrency" env:"WORKER_CONCURRENCY"`

	// PostgresDSN selects the durable call store. Empty uses the
	// in-memory store.
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
}

// HTTP configures outbound HTTP behaviour shared by C6 and C7.
type HTTP struct {
	TimeoutSeconds      int  `yaml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
	RetryMaxAttempts    int  `yaml:"retry_max_attempts" env:"RETRY_MAX_ATTEMPTS"`
	RetryBackoffSeconds int  `yaml:"retry_backoff_seconds" env:"RETRY_BACKOFF_SECONDS"`
	VerifySSL           bool `yaml:"verify_ssl" env:"VERIFY_SSL"`
}

// Status configures the status-file store (C2).
type Status struct {
	// Dir holds one JSON file per component.
	Dir               string `yaml:"dir" env:"DIR"`
	StaleAfterSeconds int    `yaml:"stale_after_seconds" env:"STALE_AFTER_SECONDS"`
}

// Default returns a Config with every option at its default value.
func Default() Config {
	return Config{
		LogLevel: "info",
		Gateway:  Gateway{Host: "0.0.0.0", Port: 8080},
		AudioHook: AudioHook{
			Enabled:            true,
			Host:               "0.0.0.0",
			Port:               8081,
			Path:               "/audiohook/ws",
			SampleRateDefault:  8000,
			ChannelsDefault:    1,
			FlushIntervalMS:    1000,
			MinChunkDurationMS: 400,
			MaxChunkDurationMS: 3000,
		},
		Connector: Connector{
			ReconnectDelaySeconds: 5,
			TopicBuilder: TopicBuilder{
				Mode:           "manual",
				MaxQueues:      200,
				MaxUsers:       500,
				RefreshSeconds: 300,
			},
		},
		LiveAudio: LiveAudio{
			Dir:           "data/live_audio",
			WindowSeconds: 300,
			MaxChunkBytes: 1 << 20,
		},
		Engine: Engine{
			NegativeSentimentThreshold: -0.45,
			HighRiskThreshold:          0.72,
			AlertCooldownSeconds:       75,
			SupervisorKeywordTriggers:  "supervisor,manager,lawyer,legal,cancel,complaint,refund",
			WorkerConcurrency:          4,
		},
		HTTP: HTTP{
			TimeoutSeconds:      20,
			RetryMaxAttempts:    3,
			RetryBackoffSeconds: 2,
			VerifySSL:           true,
		},
		Status: Status{
			Dir:               "data/status",
			StaleAfterSeconds: 60,
		},
	}
}

// Keywords returns the parsed escalation keyword list, lowercased and
// with empty entries removed.
func (e Engine) Keywords() []string {
	parts := strings.Split(e.SupervisorKeywordTriggers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var validBuilderModes = map[string]bool{
	"manual": true, "off": true, "queues": true,
	"users": true, "queues_users": true, "all": true,
}

// Validate checks the configuration and applies hard floors. All problems
// are reported at once as a joined error.
func (c *Config) Validate() error {
	var errs []error

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port: invalid port %d", c.Gateway.Port))
	}
	if c.AudioHook.Enabled {
		if c.AudioHook.Port <= 0 || c.AudioHook.Port > 65535 {
			errs = append(errs, fmt.Errorf("audiohook.port: invalid port %d", c.AudioHook.Port))
		}
		if !strings.HasPrefix(c.AudioHook.Path, "/") {
			errs = append(errs, fmt.Errorf("audiohook.path: must start with /, got %q", c.AudioHook.Path))
		}
		if c.AudioHook.SampleRateDefault <= 0 {
			errs = append(errs, errors.New("audiohook.sample_rate_default: must be positive"))
		}
		if c.AudioHook.ChannelsDefault <= 0 {
			errs = append(errs, errors.New("audiohook.channels_default: must be positive"))
		}
		if c.AudioHook.MinChunkDurationMS > c.AudioHook.MaxChunkDurationMS {
			errs = append(errs, fmt.Errorf("audiohook: min_chunk_duration_ms %d exceeds max_chunk_duration_ms %d",
				c.AudioHook.MinChunkDurationMS, c.AudioHook.MaxChunkDurationMS))
		}
	}
	if c.Connector.Enabled {
		if c.Connector.ClientID == "" {
			errs = append(errs, errors.New("connector.client_id: required when connector is enabled"))
		}
		if c.Connector.ClientSecret == "" {
			errs = append(errs, errors.New("connector.client_secret: required when connector is enabled"))
		}
		if c.Connector.LoginBaseURL == "" {
			errs = append(errs, errors.New("connector.login_base_url: required when connector is enabled"))
		}
		if c.Connector.APIBaseURL == "" {
			errs = append(errs, errors.New("connector.api_base_url: required when connector is enabled"))
		}
	}
	if !validBuilderModes[c.Connector.TopicBuilder.Mode] {
		errs = append(errs, fmt.Errorf("connector.topic_builder.mode: unknown mode %q", c.Connector.TopicBuilder.Mode))
	}
	if c.HTTP.RetryMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("http.retry_max_attempts: must be at least 1, got %d", c.HTTP.RetryMaxAttempts))
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("http.timeout_seconds: must be positive, got %d", c.HTTP.TimeoutSeconds))
	}

	// Floors rather than errors: operators setting these too low get the
	// minimum instead of a dead service.
	if c.LiveAudio.WindowSeconds < 30 {
		c.LiveAudio.WindowSeconds = 30
	}
	if c.LiveAudio.MaxChunkBytes < 8192 {
		c.LiveAudio.MaxChunkBytes = 8192
	}
	if c.Engine.AlertCooldownSeconds < 5 {
		c.Engine.AlertCooldownSeconds = 5
	}
	if c.Engine.WorkerConcurrency < 1 {
		c.Engine.WorkerConcurrency = 1
	}
	if c.Status.StaleAfterSeconds < 10 {
		c.Status.StaleAfterSeconds = 10
	}

	return errors.Join(errs...)
}
