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
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
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

type NotifyConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type AudioConfig struct {
	SampleRate      int `yaml:"sample_rate"`
	Channels        int `yaml:"channels"`
	ChunkDurationMS int `yaml:"chunk_duration_ms"`
	QueueSeconds    int `yaml:"queue_seconds"`
}

type PipelineConfig struct {
	TargetWindowMS         int  `yaml:"target_window_ms"`
	MaxWaitMS              int  `yaml:"max_wait_ms"`
	DrainTimeoutMS         int  `yaml:"drain_timeout_ms"`
	MaxConsecutiveFailures int  `yaml:"max_consecutive_failures"`
	FailSessionOnErrors    bool `yaml:"fail_session_on_errors"`
}

type STTEngineConfig struct {
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	ModelSize string `yaml:"model_size"`
	Language  string `yaml:"language"`
	Threads   int    `yaml:"threads"`
	Translate bool   `yaml:"translate"`
}

type SummarizeEngineConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama
	Endpoint    string  `yaml:"endpoint"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type EnginesConfig struct {
	MaxCachedModels      int                              `yaml:"max_cached_models"`
	AsyncLoad            bool                             `yaml:"async_load"`
	LoadRetries          int                              `yaml:"load_retries"`
	DefaultSTT           string                           `yaml:"default_stt"`
	DefaultSummarization string                           `yaml:"default_summarization"`
	STT                  map[string]STTEngineConfig       `yaml:"stt"`
	Summarization        map[string]SummarizeEngineConfig `yaml:"summarization"`
}

type SessionConfig struct {
	AutoSummarize bool `yaml:"auto_summarize"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Notify      NotifyConfig     `yaml:"notify"`
	Audio       AudioConfig      `yaml:"audio"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Engines     EnginesConfig    `yaml:"engines"`
	Session     SessionConfig    `yaml:"session"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

func Default() Config {
	return Config{
		RuntimeName: "scribe-core",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
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
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Notify: NotifyConfig{
			Enabled:       true,
			SubjectPrefix: "session",
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			Channels:        1,
			ChunkDurationMS: 100,
			QueueSeconds:    30,
		},
		Pipeline: PipelineConfig{
			TargetWindowMS:         3000,
			MaxWaitMS:              5000,
			DrainTimeoutMS:         10000,
			MaxConsecutiveFailures: 3,
			FailSessionOnErrors:    false,
		},
		Engines: EnginesConfig{
			MaxCachedModels:      2,
			AsyncLoad:            false,
			LoadRetries:          1,
			DefaultSTT:           "mock",
			DefaultSummarization: "mock",
			STT: map[string]STTEngineConfig{
				"mock": {Mode: "mock"},
			},
			Summarization: map[string]SummarizeEngineConfig{
				"mock": {Mode: "mock"},
			},
		},
		Session: SessionConfig{
			AutoSummarize: true,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
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
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Notify.Enabled, "SCRIBE_NOTIFY_ENABLED")
	overrideString(&cfg.Notify.SubjectPrefix, "SCRIBE_NOTIFY_SUBJECT_PREFIX")
	overrideInt(&cfg.Audio.SampleRate, "SCRIBE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "SCRIBE_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.ChunkDurationMS, "SCRIBE_AUDIO_CHUNK_DURATION_MS")
	overrideInt(&cfg.Audio.QueueSeconds, "SCRIBE_AUDIO_QUEUE_SECONDS")
	overrideInt(&cfg.Pipeline.TargetWindowMS, "SCRIBE_PIPELINE_TARGET_WINDOW_MS")
	overrideInt(&cfg.Pipeline.MaxWaitMS, "SCRIBE_PIPELINE_MAX_WAIT_MS")
	overrideInt(&cfg.Pipeline.DrainTimeoutMS, "SCRIBE_PIPELINE_DRAIN_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.MaxConsecutiveFailures, "SCRIBE_PIPELINE_MAX_CONSECUTIVE_FAILURES")
	overrideBool(&cfg.Pipeline.FailSessionOnErrors, "SCRIBE_PIPELINE_FAIL_SESSION_ON_ERRORS")
	overrideInt(&cfg.Engines.MaxCachedModels, "SCRIBE_ENGINES_MAX_CACHED_MODELS")
	overrideBool(&cfg.Engines.AsyncLoad, "SCRIBE_ENGINES_ASYNC_LOAD")
	overrideInt(&cfg.Engines.LoadRetries, "SCRIBE_ENGINES_LOAD_RETRIES")
	overrideString(&cfg.Engines.DefaultSTT, "SCRIBE_ENGINES_DEFAULT_STT")
	overrideString(&cfg.Engines.DefaultSummarization, "SCRIBE_ENGINES_DEFAULT_SUMMARIZATION")
	overrideBool(&cfg.Session.AutoSummarize, "SCRIBE_SESSION_AUTO_SUMMARIZE")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Notify.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else {
			if len(cfg.Bus.Servers) == 0 {
				return errors.New("bus.servers must not be empty when embedded mode is disabled")
			}
		}
		if cfg.Notify.SubjectPrefix == "" {
			return errors.New("notify.subject_prefix must not be empty")
		}
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.ChunkDurationMS <= 0 {
		return errors.New("audio.chunk_duration_ms must be positive")
	}
	if cfg.Audio.QueueSeconds <= 0 {
		return errors.New("audio.queue_seconds must be positive")
	}
	if cfg.Pipeline.TargetWindowMS <= 0 {
		return errors.New("pipeline.target_window_ms must be positive")
	}
	if cfg.Pipeline.MaxWaitMS < cfg.Pipeline.TargetWindowMS {
		return errors.New("pipeline.max_wait_ms must be >= target_window_ms")
	}
	if cfg.Pipeline.DrainTimeoutMS <= 0 {
		return errors.New("pipeline.drain_timeout_ms must be positive")
	}
	if cfg.Pipeline.MaxConsecutiveFailures <= 0 {
		return errors.New("pipeline.max_consecutive_failures must be >= 1")
	}
	if cfg.Engines.MaxCachedModels <= 0 {
		return errors.New("engines.max_cached_models must be >= 1")
	}
	if cfg.Engines.LoadRetries < 0 {
		return errors.New("engines.load_retries must be >= 0")
	}
	if _, ok := cfg.Engines.STT[cfg.Engines.DefaultSTT]; !ok {
		return fmt.Errorf("engines.default_stt %q is not a configured stt engine", cfg.Engines.DefaultSTT)
	}
	if cfg.Session.AutoSummarize {
		if _, ok := cfg.Engines.Summarization[cfg.Engines.DefaultSummarization]; !ok {
			return fmt.Errorf("engines.default_summarization %q is not a configured summarization engine", cfg.Engines.DefaultSummarization)
		}
	}
	for name, ec := range cfg.Engines.STT {
		switch ec.Mode {
		case "mock", "exec":
		default:
			return fmt.Errorf("engines.stt.%s.mode must be one of mock|exec", name)
		}
		if ec.Mode == "exec" && ec.Command == "" {
			return fmt.Errorf("engines.stt.%s.command must be set when mode=exec", name)
		}
	}
	for name, ec := range cfg.Engines.Summarization {
		switch ec.Mode {
		case "mock", "ollama":
		default:
			return fmt.Errorf("engines.summarization.%s.mode must be one of mock|ollama", name)
		}
		if ec.Mode == "ollama" && ec.Endpoint == "" {
			return fmt.Errorf("engines.summarization.%s.endpoint must be set when mode=ollama", name)
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}
