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
	SentryDSN      string `yaml:"sentry_dsn"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Synthesis   SynthesisConfig `yaml:"synthesis"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Playback    PlaybackConfig  `yaml:"playback"`
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

type StoreConfig struct {
	Path                string `yaml:"path"`
	Mode                string `yaml:"mode"` // file, memory
	AbandonAfterMinutes int    `yaml:"abandon_after_minutes"`
	VacuumOnStart       bool   `yaml:"vacuum_on_start"`
}

type SynthesisConfig struct {
	Provider      string   `yaml:"provider"` // mock, exec, http
	Command       string   `yaml:"command"`
	Endpoint      string   `yaml:"endpoint"`
	APIKey        string   `yaml:"api_key"`
	Model         string   `yaml:"model"`
	StreamURL     string   `yaml:"stream_url"`
	Voices        []string `yaml:"voices"`
	DefaultVoice  string   `yaml:"default_voice"`
	SampleRate    int      `yaml:"sample_rate"`
	MaxChunkChars int      `yaml:"max_chunk_chars"`
}

type PipelineConfig struct {
	MaxChapterChars int `yaml:"max_chapter_chars"`
	TimeoutSeconds  int `yaml:"timeout_seconds"`
}

type PlaybackConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
	SyncIntervalMS int `yaml:"sync_interval_ms"`
	CacheWindow    int `yaml:"cache_window"`
	Prefetch       int `yaml:"prefetch"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path:                "./data/narration.db",
			Mode:                "file",
			AbandonAfterMinutes: 60,
		},
		Synthesis: SynthesisConfig{
			Provider:      "mock",
			Endpoint:      "https://api.openai.com/v1/audio/speech",
			Model:         "tts-1",
			Voices:        []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"},
			DefaultVoice:  "alloy",
			SampleRate:    22050,
			MaxChunkChars: 4096,
		},
		Pipeline: PipelineConfig{
			MaxChapterChars: 500000,
			TimeoutSeconds:  900,
		},
		Playback: PlaybackConfig{
			PollIntervalMS: 1000,
			SyncIntervalMS: 100,
			CacheWindow:    5,
			Prefetch:       2,
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
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.SentryDSN, "LOQA_TELEMETRY_SENTRY_DSN")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "LOQA_STORE_PATH")
	overrideString(&cfg.Store.Mode, "LOQA_STORE_MODE")
	overrideInt(&cfg.Store.AbandonAfterMinutes, "LOQA_STORE_ABANDON_AFTER_MINUTES")
	overrideBool(&cfg.Store.VacuumOnStart, "LOQA_STORE_VACUUM_ON_START")
	overrideString(&cfg.Synthesis.Provider, "LOQA_SYNTHESIS_PROVIDER")
	overrideString(&cfg.Synthesis.Command, "LOQA_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.Endpoint, "LOQA_SYNTHESIS_ENDPOINT")
	overrideString(&cfg.Synthesis.APIKey, "LOQA_SYNTHESIS_API_KEY")
	overrideString(&cfg.Synthesis.Model, "LOQA_SYNTHESIS_MODEL")
	overrideString(&cfg.Synthesis.StreamURL, "LOQA_SYNTHESIS_STREAM_URL")
	overrideStringSlice(&cfg.Synthesis.Voices, "LOQA_SYNTHESIS_VOICES")
	overrideString(&cfg.Synthesis.DefaultVoice, "LOQA_SYNTHESIS_DEFAULT_VOICE")
	overrideInt(&cfg.Synthesis.SampleRate, "LOQA_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.MaxChunkChars, "LOQA_SYNTHESIS_MAX_CHUNK_CHARS")
	overrideInt(&cfg.Pipeline.MaxChapterChars, "LOQA_PIPELINE_MAX_CHAPTER_CHARS")
	overrideInt(&cfg.Pipeline.TimeoutSeconds, "LOQA_PIPELINE_TIMEOUT_SECONDS")
	overrideInt(&cfg.Playback.PollIntervalMS, "LOQA_PLAYBACK_POLL_INTERVAL_MS")
	overrideInt(&cfg.Playback.SyncIntervalMS, "LOQA_PLAYBACK_SYNC_INTERVAL_MS")
	overrideInt(&cfg.Playback.CacheWindow, "LOQA_PLAYBACK_CACHE_WINDOW")
	overrideInt(&cfg.Playback.Prefetch, "LOQA_PLAYBACK_PREFETCH")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Store.Mode {
	case "file":
		if cfg.Store.Path == "" {
			return errors.New("store.path must not be empty when mode=file")
		}
	case "memory":
	default:
		return errors.New("store.mode must be one of file|memory")
	}
	if cfg.Store.AbandonAfterMinutes < 0 {
		return errors.New("store.abandon_after_minutes must be >= 0")
	}
	if cfg.Store.AbandonAfterMinutes > 0 &&
		(cfg.Pipeline.TimeoutSeconds <= 0 || cfg.Pipeline.TimeoutSeconds >= cfg.Store.AbandonAfterMinutes*60) {
		return errors.New("pipeline.timeout_seconds must be set and shorter than store.abandon_after_minutes")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Synthesis.Provider {
	case "mock", "exec", "http":
	default:
		return errors.New("synthesis.provider must be one of mock|exec|http")
	}
	if cfg.Synthesis.Provider == "exec" && cfg.Synthesis.Command == "" {
		return errors.New("synthesis.command must be set when provider=exec")
	}
	if cfg.Synthesis.Provider == "http" && cfg.Synthesis.Endpoint == "" {
		return errors.New("synthesis.endpoint must be set when provider=http")
	}
	if len(cfg.Synthesis.Voices) == 0 {
		return errors.New("synthesis.voices must not be empty")
	}
	if cfg.Synthesis.SampleRate <= 0 {
		return errors.New("synthesis.sample_rate must be positive")
	}
	if cfg.Synthesis.MaxChunkChars < 16 {
		return errors.New("synthesis.max_chunk_chars must be >= 16")
	}
	if cfg.Pipeline.MaxChapterChars <= 0 {
		return errors.New("pipeline.max_chapter_chars must be positive")
	}
	if cfg.Playback.PollIntervalMS <= 0 {
		return errors.New("playback.poll_interval_ms must be positive")
	}
	if cfg.Playback.SyncIntervalMS < 100 {
		return errors.New("playback.sync_interval_ms must be >= 100")
	}
	if cfg.Playback.CacheWindow < cfg.Playback.Prefetch+2 {
		return errors.New("playback.cache_window must hold the previous, current and prefetched chunks")
	}
	return nil
}
