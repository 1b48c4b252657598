package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	Session     SessionConfig    `yaml:"session"`
	Status      StatusConfig     `yaml:"status"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// EventStoreConfig controls the query audit log. Only metadata is recorded;
// captured text never reaches the store.
type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type AudioConfig struct {
	Source       string `yaml:"source"` // system, default, file
	Device       string `yaml:"device"`
	File         string `yaml:"file"`
	FrameSamples int    `yaml:"frame_samples"`
	QueueFrames  int    `yaml:"queue_frames"`
}

type STTConfig struct {
	Enabled              bool     `yaml:"enabled"`
	Endpoint             string   `yaml:"endpoint"`
	SampleRate           int      `yaml:"sample_rate"`
	SpeakerLabel         string   `yaml:"speaker_label"`
	ReconnectDelayMS     int      `yaml:"reconnect_delay_ms"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"`
	ReadTimeoutMS        int      `yaml:"read_timeout_ms"`
	Vocabulary           []string `yaml:"vocabulary"`
	PublishPartials      bool     `yaml:"publish_partials"`
}

type LLMConfig struct {
	Mode         string  `yaml:"mode"` // gemini, ollama, exec, mock
	Endpoint     string  `yaml:"endpoint"`
	Command      string  `yaml:"command"`
	Model        string  `yaml:"model"`
	APIKey       string  `yaml:"api_key"`
	TimeoutMS    int     `yaml:"timeout_ms"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	SystemPrompt string  `yaml:"system_prompt"`
}

// HasCredential reports whether the configured backend can be called. Only
// the cloud backend needs a key; local backends are always usable.
func (c LLMConfig) HasCredential() bool {
	if c.Mode == "gemini" {
		return strings.TrimSpace(c.APIKey) != ""
	}
	return true
}

type RateLimitConfig struct {
	InitialIntervalMS int     `yaml:"initial_interval_ms"`
	MaxIntervalMS     int     `yaml:"max_interval_ms"`
	BackoffFactor     float64 `yaml:"backoff_factor"`
}

type SessionConfig struct {
	ChatWindow     int    `yaml:"chat_window"`
	OCRInstruction string `yaml:"ocr_instruction"`
}

type StatusConfig struct {
	Enabled    bool `yaml:"enabled"`
	IntervalMS int  `yaml:"interval_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-assist",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://127.0.0.1:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-assist.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxSessions:   1000,
		},
		Audio: AudioConfig{
			Source:       "system",
			FrameSamples: 1024,
			QueueFrames:  64,
		},
		STT: STTConfig{
			Enabled:              true,
			Endpoint:             "ws://localhost:2700",
			SampleRate:           16000,
			SpeakerLabel:         "Interviewer",
			ReconnectDelayMS:     3000,
			MaxReconnectAttempts: 3,
			ReadTimeoutMS:        90000,
			PublishPartials:      true,
		},
		LLM: LLMConfig{
			Mode:        "gemini",
			Endpoint:    "https://generativelanguage.googleapis.com/v1beta",
			Model:       "gemini-2.0-flash",
			TimeoutMS:   60000,
			MaxTokens:   1024,
			Temperature: 0.4,
		},
		RateLimit: RateLimitConfig{
			InitialIntervalMS: 4000,
			MaxIntervalMS:     10000,
			BackoffFactor:     1.5,
		},
		Session: SessionConfig{
			ChatWindow:     10,
			OCRInstruction: "Extract all readable text from this image. Return only the text.",
		},
		Status: StatusConfig{
			Enabled:    true,
			IntervalMS: 2000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Source, "LOQA_AUDIO_SOURCE")
	overrideString(&cfg.Audio.Device, "LOQA_AUDIO_DEVICE")
	overrideString(&cfg.Audio.File, "LOQA_AUDIO_FILE")
	overrideInt(&cfg.Audio.FrameSamples, "LOQA_AUDIO_FRAME_SAMPLES")
	overrideInt(&cfg.Audio.QueueFrames, "LOQA_AUDIO_QUEUE_FRAMES")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideString(&cfg.STT.SpeakerLabel, "LOQA_STT_SPEAKER_LABEL")
	overrideInt(&cfg.STT.ReconnectDelayMS, "LOQA_STT_RECONNECT_DELAY_MS")
	overrideInt(&cfg.STT.MaxReconnectAttempts, "LOQA_STT_MAX_RECONNECT_ATTEMPTS")
	overrideInt(&cfg.STT.ReadTimeoutMS, "LOQA_STT_READ_TIMEOUT_MS")
	overrideStringSlice(&cfg.STT.Vocabulary, "LOQA_STT_VOCABULARY")
	overrideBool(&cfg.STT.PublishPartials, "LOQA_STT_PUBLISH_PARTIALS")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideString(&cfg.LLM.SystemPrompt, "LOQA_LLM_SYSTEM_PROMPT")
	overrideInt(&cfg.RateLimit.InitialIntervalMS, "LOQA_RATE_LIMIT_INITIAL_INTERVAL_MS")
	overrideInt(&cfg.RateLimit.MaxIntervalMS, "LOQA_RATE_LIMIT_MAX_INTERVAL_MS")
	overrideFloat(&cfg.RateLimit.BackoffFactor, "LOQA_RATE_LIMIT_BACKOFF_FACTOR")
	overrideInt(&cfg.Session.ChatWindow, "LOQA_SESSION_CHAT_WINDOW")
	overrideBool(&cfg.Status.Enabled, "LOQA_STATUS_ENABLED")
	overrideInt(&cfg.Status.IntervalMS, "LOQA_STATUS_INTERVAL_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Audio.Source {
	case "system", "default":
	case "file":
		if cfg.Audio.File == "" {
			return errors.New("audio.file must be set when source=file")
		}
	default:
		return errors.New("audio.source must be one of system|default|file")
	}
	if cfg.Audio.FrameSamples <= 0 {
		return errors.New("audio.frame_samples must be positive")
	}
	if cfg.Audio.QueueFrames <= 0 {
		return errors.New("audio.queue_frames must be positive")
	}
	if cfg.STT.Enabled {
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when stt is enabled")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.ReconnectDelayMS < 0 {
			return errors.New("stt.reconnect_delay_ms must be >= 0")
		}
		if cfg.STT.MaxReconnectAttempts < 0 {
			return errors.New("stt.max_reconnect_attempts must be >= 0")
		}
	}
	switch cfg.LLM.Mode {
	case "gemini", "mock", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of gemini|mock|ollama|exec")
	}
	if (cfg.LLM.Mode == "ollama" || cfg.LLM.Mode == "gemini") && cfg.LLM.Endpoint == "" {
		return fmt.Errorf("llm.endpoint must be set when mode=%s", cfg.LLM.Mode)
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.RateLimit.InitialIntervalMS <= 0 {
		return errors.New("rate_limit.initial_interval_ms must be positive")
	}
	if cfg.RateLimit.MaxIntervalMS < cfg.RateLimit.InitialIntervalMS {
		return errors.New("rate_limit.max_interval_ms must be >= initial interval")
	}
	if cfg.RateLimit.BackoffFactor < 1 {
		return errors.New("rate_limit.backoff_factor must be >= 1")
	}
	if cfg.Session.ChatWindow <= 0 {
		return errors.New("session.chat_window must be positive")
	}
	if cfg.Status.Enabled && cfg.Status.IntervalMS <= 0 {
		return errors.New("status.interval_ms must be positive when status is enabled")
	}
	return nil
}
