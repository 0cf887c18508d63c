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
	TracesExporter string `yaml:"traces_exporter"` // none, stdout, otlp
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Playback    PlaybackConfig  `yaml:"playback"`
	Library     LibraryConfig   `yaml:"library"`
	Progress    ProgressConfig  `yaml:"progress"`
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
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type PlaybackConfig struct {
	OutputDir  string `yaml:"output_dir"`
	SampleRate int    `yaml:"sample_rate"`
}

type LibraryConfig struct {
	BooksDir string `yaml:"books_dir"`
}

type ProgressConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, persistent
	RetentionDays int    `yaml:"retention_days"`
	MaxEvents     int    `yaml:"max_events"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// maxSampleRate matches the ceiling the WAVE encoder accepts.
const maxSampleRate = 192000

func Default() Config {
	return Config{
		RuntimeName: "audiobook-mcp-server",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			TracesExporter: "none",
			OTLPInsecure:   true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "audiobook",
		},
		Playback: PlaybackConfig{
			OutputDir:  "./data/output",
			SampleRate: 22050,
		},
		Library: LibraryConfig{
			BooksDir: "./data/books",
		},
		Progress: ProgressConfig{
			Path:          "./data/progress.db",
			RetentionMode: "persistent",
			RetentionDays: 90,
			MaxEvents:     10000,
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
	overrideString(&cfg.RuntimeName, "AUDIOBOOK_RUNTIME_NAME")
	overrideString(&cfg.Environment, "AUDIOBOOK_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "AUDIOBOOK_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "AUDIOBOOK_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "AUDIOBOOK_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "AUDIOBOOK_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TracesExporter, "AUDIOBOOK_TELEMETRY_TRACES_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "AUDIOBOOK_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "AUDIOBOOK_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "AUDIOBOOK_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "AUDIOBOOK_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "AUDIOBOOK_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "AUDIOBOOK_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "AUDIOBOOK_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "AUDIOBOOK_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "AUDIOBOOK_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "AUDIOBOOK_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "AUDIOBOOK_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "AUDIOBOOK_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "AUDIOBOOK_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Playback.OutputDir, "AUDIOBOOK_PLAYBACK_OUTPUT_DIR")
	overrideInt(&cfg.Playback.SampleRate, "AUDIOBOOK_PLAYBACK_SAMPLE_RATE")
	overrideString(&cfg.Library.BooksDir, "AUDIOBOOK_LIBRARY_BOOKS_DIR")
	overrideString(&cfg.Progress.Path, "AUDIOBOOK_PROGRESS_PATH")
	overrideString(&cfg.Progress.RetentionMode, "AUDIOBOOK_PROGRESS_RETENTION_MODE")
	overrideInt(&cfg.Progress.RetentionDays, "AUDIOBOOK_PROGRESS_RETENTION_DAYS")
	overrideInt(&cfg.Progress.MaxEvents, "AUDIOBOOK_PROGRESS_MAX_EVENTS")
	overrideBool(&cfg.Progress.VacuumOnStart, "AUDIOBOOK_PROGRESS_VACUUM_ON_START")
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
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.TracesExporter {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when traces_exporter=otlp")
		}
	default:
		return errors.New("telemetry.traces_exporter must be one of none|stdout|otlp")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
			if cfg.Bus.StoreDir == "" {
				return errors.New("bus.store_dir must not be empty when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	if cfg.Playback.OutputDir == "" {
		return errors.New("playback.output_dir must not be empty")
	}
	if cfg.Playback.SampleRate <= 0 || cfg.Playback.SampleRate > maxSampleRate {
		return fmt.Errorf("playback.sample_rate must be between 1 and %d", maxSampleRate)
	}
	if cfg.Library.BooksDir == "" {
		return errors.New("library.books_dir must not be empty")
	}
	switch cfg.Progress.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.Progress.Path == "" {
			return errors.New("progress.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("progress.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Progress.RetentionDays < 0 {
		return errors.New("progress.retention_days must be >= 0")
	}
	if cfg.Progress.MaxEvents < 0 {
		return errors.New("progress.max_events must be >= 0")
	}
	return nil
}
