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

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	Engine        EngineConfig        `yaml:"engine"`
	LLM           LLMConfig           `yaml:"llm"`
	Session       SessionConfig       `yaml:"session"`
	Summary       SummaryConfig       `yaml:"summary"`
	TranscriptLog TranscriptLogConfig `yaml:"transcript_log"`
}

// BusConfig controls the optional transcript mirror bus. When enabled,
// delivered transcriptions are also published on NATS subjects for
// downstream consumers; client delivery never depends on it.
type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EngineConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	Device     string `yaml:"device"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type SessionConfig struct {
	Languages       []string `yaml:"languages"`
	Models          []string `yaml:"models"`
	DefaultLanguage string   `yaml:"default_language"`
	DefaultModel    string   `yaml:"default_model"`
	DefaultTarget   string   `yaml:"default_target_language"`
	HistoryDepth    int      `yaml:"history_depth"`
	SlowFeedWarnMS  int      `yaml:"slow_feed_warn_ms"`
	EnrichTimeoutMS int      `yaml:"enrich_timeout_ms"`
}

type SummaryConfig struct {
	Enabled   bool `yaml:"enabled"`
	MaxTokens int  `yaml:"max_tokens"`
}

type TranscriptLogConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "scribe-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Engine: EngineConfig{
			Mode:       "mock",
			Device:     "cpu",
			SampleRate: 16000,
			Channels:   1,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   512,
			Temperature: 0.3,
			TimeoutMS:   30000,
		},
		Session: SessionConfig{
			Languages:       []string{"zh", "en", "ja", "ko", "es", "fr", "de", "ru"},
			Models:          []string{"tiny", "base", "small", "medium", "large-v3"},
			DefaultLanguage: "zh",
			DefaultModel:    "tiny",
			DefaultTarget:   "en",
			HistoryDepth:    5,
			SlowFeedWarnMS:  100,
			EnrichTimeoutMS: 30000,
		},
		Summary: SummaryConfig{
			Enabled:   true,
			MaxTokens: 1024,
		},
		TranscriptLog: TranscriptLogConfig{
			Path:          "./data/scribe-transcripts.db",
			RetentionMode: "ephemeral",
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
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Engine.Mode, "SCRIBE_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "SCRIBE_ENGINE_COMMAND")
	overrideString(&cfg.Engine.ModelPath, "SCRIBE_ENGINE_MODEL_PATH")
	overrideString(&cfg.Engine.Device, "SCRIBE_ENGINE_DEVICE")
	overrideInt(&cfg.Engine.SampleRate, "SCRIBE_ENGINE_SAMPLE_RATE")
	overrideInt(&cfg.Engine.Channels, "SCRIBE_ENGINE_CHANNELS")
	overrideString(&cfg.LLM.Mode, "SCRIBE_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "SCRIBE_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "SCRIBE_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "SCRIBE_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "SCRIBE_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "SCRIBE_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "SCRIBE_LLM_TIMEOUT_MS")
	overrideStringSlice(&cfg.Session.Languages, "SCRIBE_SESSION_LANGUAGES")
	overrideStringSlice(&cfg.Session.Models, "SCRIBE_SESSION_MODELS")
	overrideString(&cfg.Session.DefaultLanguage, "SCRIBE_SESSION_DEFAULT_LANGUAGE")
	overrideString(&cfg.Session.DefaultModel, "SCRIBE_SESSION_DEFAULT_MODEL")
	overrideString(&cfg.Session.DefaultTarget, "SCRIBE_SESSION_DEFAULT_TARGET_LANGUAGE")
	overrideInt(&cfg.Session.HistoryDepth, "SCRIBE_SESSION_HISTORY_DEPTH")
	overrideInt(&cfg.Session.SlowFeedWarnMS, "SCRIBE_SESSION_SLOW_FEED_WARN_MS")
	overrideInt(&cfg.Session.EnrichTimeoutMS, "SCRIBE_SESSION_ENRICH_TIMEOUT_MS")
	overrideBool(&cfg.Summary.Enabled, "SCRIBE_SUMMARY_ENABLED")
	overrideInt(&cfg.Summary.MaxTokens, "SCRIBE_SUMMARY_MAX_TOKENS")
	overrideString(&cfg.TranscriptLog.Path, "SCRIBE_TRANSCRIPT_LOG_PATH")
	overrideString(&cfg.TranscriptLog.RetentionMode, "SCRIBE_TRANSCRIPT_LOG_RETENTION_MODE")
	overrideInt(&cfg.TranscriptLog.RetentionDays, "SCRIBE_TRANSCRIPT_LOG_RETENTION_DAYS")
	overrideInt(&cfg.TranscriptLog.MaxSessions, "SCRIBE_TRANSCRIPT_LOG_MAX_SESSIONS")
	overrideBool(&cfg.TranscriptLog.VacuumOnStart, "SCRIBE_TRANSCRIPT_LOG_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if cfg.Engine.Channels <= 0 {
		return errors.New("engine.channels must be positive")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if len(cfg.Session.Languages) == 0 {
		return errors.New("session.languages must not be empty")
	}
	if len(cfg.Session.Models) == 0 {
		return errors.New("session.models must not be empty")
	}
	if !contains(cfg.Session.Languages, cfg.Session.DefaultLanguage) {
		return errors.New("session.default_language must be in session.languages")
	}
	if !contains(cfg.Session.Models, cfg.Session.DefaultModel) {
		return errors.New("session.default_model must be in session.models")
	}
	if cfg.Session.HistoryDepth <= 0 {
		return errors.New("session.history_depth must be >= 1")
	}
	if cfg.TranscriptLog.Path == "" {
		return errors.New("transcript_log.path must not be empty")
	}
	switch cfg.TranscriptLog.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("transcript_log.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.TranscriptLog.RetentionDays < 0 {
		return errors.New("transcript_log.retention_days must be >= 0")
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
