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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind        string `yaml:"bind"`
	Port        int    `yaml:"port"`
	FrontendDir string `yaml:"frontend_dir"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Storage     StorageConfig    `yaml:"storage"`
	Commands    CommandsConfig   `yaml:"commands"`
	TTS         TTSConfig        `yaml:"tts"`
	Streaming   StreamingConfig  `yaml:"streaming"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// StorageConfig controls where uploaded documents live.
type StorageConfig struct {
	UploadDir    string   `yaml:"upload_dir"`
	AllowedTypes []string `yaml:"allowed_types"`
	MaxUploadMB  int      `yaml:"max_upload_mb"`
}

type CommandsConfig struct {
	Allowed   []string `yaml:"allowed"`
	TimeoutMS int      `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Mode       string `yaml:"mode"` // mock, exec, openai
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type StreamingConfig struct {
	PacingMS           int   `yaml:"pacing_ms"`
	HandshakeTimeoutMS int   `yaml:"handshake_timeout_ms"`
	WriteTimeoutMS     int   `yaml:"write_timeout_ms"`
	MaxMessageBytes    int64 `yaml:"max_message_bytes"`
	SentencePreview    int   `yaml:"sentence_preview"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-assistant",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:        "0.0.0.0",
			Port:        8000,
			FrontendDir: "./templates",
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/assistant-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Storage: StorageConfig{
			UploadDir:    "./uploads",
			AllowedTypes: []string{"application/pdf", "text/plain"},
			MaxUploadMB:  32,
		},
		Commands: CommandsConfig{
			Allowed:   []string{"ls", "dir", "pwd", "date", "whoami", "echo", "cal"},
			TimeoutMS: 5000,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			Voice:      "alloy",
			Model:      "tts-1",
			Language:   "en",
			SampleRate: 22050,
			Channels:   1,
		},
		Streaming: StreamingConfig{
			PacingMS:           300,
			HandshakeTimeoutMS: 0,
			WriteTimeoutMS:     10000,
			MaxMessageBytes:    64 * 1024,
			SentencePreview:    100,
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
	overrideString(&cfg.RuntimeName, "ASSISTANT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "ASSISTANT_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "ASSISTANT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "ASSISTANT_HTTP_PORT")
	overrideString(&cfg.HTTP.FrontendDir, "ASSISTANT_HTTP_FRONTEND_DIR")
	overrideString(&cfg.Telemetry.LogLevel, "ASSISTANT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ASSISTANT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ASSISTANT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "ASSISTANT_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "ASSISTANT_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "ASSISTANT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ASSISTANT_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "ASSISTANT_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "ASSISTANT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ASSISTANT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ASSISTANT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ASSISTANT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ASSISTANT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ASSISTANT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "ASSISTANT_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "ASSISTANT_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "ASSISTANT_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "ASSISTANT_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "ASSISTANT_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Storage.UploadDir, "ASSISTANT_STORAGE_UPLOAD_DIR")
	overrideStringSlice(&cfg.Storage.AllowedTypes, "ASSISTANT_STORAGE_ALLOWED_TYPES")
	overrideInt(&cfg.Storage.MaxUploadMB, "ASSISTANT_STORAGE_MAX_UPLOAD_MB")
	overrideStringSlice(&cfg.Commands.Allowed, "ASSISTANT_COMMANDS_ALLOWED")
	overrideInt(&cfg.Commands.TimeoutMS, "ASSISTANT_COMMANDS_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "ASSISTANT_TTS_MODE")
	overrideString(&cfg.TTS.Command, "ASSISTANT_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "ASSISTANT_TTS_VOICE")
	overrideString(&cfg.TTS.Model, "ASSISTANT_TTS_MODEL")
	overrideString(&cfg.TTS.APIKey, "ASSISTANT_TTS_API_KEY")
	overrideString(&cfg.TTS.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.TTS.BaseURL, "ASSISTANT_TTS_BASE_URL")
	overrideString(&cfg.TTS.Language, "ASSISTANT_TTS_LANGUAGE")
	overrideInt(&cfg.TTS.SampleRate, "ASSISTANT_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "ASSISTANT_TTS_CHANNELS")
	overrideInt(&cfg.TTS.TimeoutMS, "ASSISTANT_TTS_TIMEOUT_MS")
	overrideInt(&cfg.Streaming.PacingMS, "ASSISTANT_STREAMING_PACING_MS")
	overrideInt(&cfg.Streaming.HandshakeTimeoutMS, "ASSISTANT_STREAMING_HANDSHAKE_TIMEOUT_MS")
	overrideInt(&cfg.Streaming.WriteTimeoutMS, "ASSISTANT_STREAMING_WRITE_TIMEOUT_MS")
	overrideInt64(&cfg.Streaming.MaxMessageBytes, "ASSISTANT_STREAMING_MAX_MESSAGE_BYTES")
	overrideInt(&cfg.Streaming.SentencePreview, "ASSISTANT_STREAMING_SENTENCE_PREVIEW")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
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
	if cfg.Storage.UploadDir == "" {
		return errors.New("storage.upload_dir must not be empty")
	}
	if len(cfg.Storage.AllowedTypes) == 0 {
		return errors.New("storage.allowed_types must not be empty")
	}
	if cfg.Storage.MaxUploadMB <= 0 {
		return errors.New("storage.max_upload_mb must be positive")
	}
	if len(cfg.Commands.Allowed) == 0 {
		return errors.New("commands.allowed must not be empty")
	}
	if cfg.Commands.TimeoutMS <= 0 {
		return errors.New("commands.timeout_ms must be positive")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec", "openai":
	default:
		return errors.New("tts.mode must be one of mock|exec|openai")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.Mode == "openai" && cfg.TTS.APIKey == "" {
		return errors.New("tts.api_key must be set when mode=openai")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.TimeoutMS < 0 {
		return errors.New("tts.timeout_ms must be >= 0")
	}
	if cfg.Streaming.PacingMS < 0 {
		return errors.New("streaming.pacing_ms must be >= 0")
	}
	if cfg.Streaming.HandshakeTimeoutMS < 0 {
		return errors.New("streaming.handshake_timeout_ms must be >= 0")
	}
	if cfg.Streaming.WriteTimeoutMS < 0 {
		return errors.New("streaming.write_timeout_ms must be >= 0")
	}
	if cfg.Streaming.SentencePreview <= 0 {
		return errors.New("streaming.sentence_preview must be positive")
	}
	return nil
}
