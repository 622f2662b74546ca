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
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Synthesis   SynthesisConfig   `yaml:"synthesis"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Router      RouterConfig      `yaml:"router"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Agents      AgentsConfig      `yaml:"agents"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	OpenAI      OpenAIConfig      `yaml:"openai"`
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
	PrivacyScope  string `yaml:"privacy_scope"`
}

// BackendConfig describes one recognition or synthesis backend instance.
type BackendConfig struct {
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"`
	Priority     int      `yaml:"priority"`
	Languages    []string `yaml:"languages"`
	Disabled     bool     `yaml:"disabled"`
	Command      string   `yaml:"command"`
	ModelPath    string   `yaml:"model_path"`
	Model        string   `yaml:"model"`
	Voices       []string `yaml:"voices"`
	DefaultVoice string   `yaml:"default_voice"`
	Text         string   `yaml:"text"`
}

type RecognitionConfig struct {
	TimeoutMS       int             `yaml:"timeout_ms"`
	StreamTimeoutMS int             `yaml:"stream_timeout_ms"`
	Preferred       string          `yaml:"preferred"`
	DefaultLanguage string          `yaml:"default_language"`
	SampleRate      int             `yaml:"sample_rate"`
	Channels        int             `yaml:"channels"`
	PartialEveryMS  int             `yaml:"partial_every_ms"`
	Backends        []BackendConfig `yaml:"backends"`
}

type SynthesisConfig struct {
	Enabled    bool            `yaml:"enabled"`
	TimeoutMS  int             `yaml:"timeout_ms"`
	Preferred  string          `yaml:"preferred"`
	Voice      string          `yaml:"voice"`
	SampleRate int             `yaml:"sample_rate"`
	Channels   int             `yaml:"channels"`
	Backends   []BackendConfig `yaml:"backends"`
}

type ClassifierConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, exec, openai
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	Threshold   float64 `yaml:"threshold"`
	TimeoutMS   int     `yaml:"timeout_ms"`
	CacheSize   int     `yaml:"cache_size"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type RouterConfig struct {
	PatternConfidence float64 `yaml:"pattern_confidence"`
	Timezone          string  `yaml:"timezone"`
}

type PipelineConfig struct {
	DefaultLanguage    string `yaml:"default_language"`
	RouteTimeoutMS     int    `yaml:"route_timeout_ms"`
	DispatchTimeoutMS  int    `yaml:"dispatch_timeout_ms"`
	SynthesisTimeoutMS int    `yaml:"synthesis_timeout_ms"`
}

type GatewayConfig struct {
	WebSocketPath     string  `yaml:"websocket_path"`
	CommandsPerSecond float64 `yaml:"commands_per_second"`
	Burst             int     `yaml:"burst"`
	MaxMessageBytes   int64   `yaml:"max_message_bytes"`
	BusCommands       bool    `yaml:"bus_commands"`
	BusFrames         bool    `yaml:"bus_frames"`
}

type AgentsConfig struct {
	Builtin        bool         `yaml:"builtin"`
	Directory      string       `yaml:"directory"`
	Concurrency    int          `yaml:"max_concurrency"`
	TimeoutMS      int          `yaml:"timeout_ms"`
	AuditPrivacy   string       `yaml:"audit_privacy_scope"`
	VocabularyPath string       `yaml:"vocabulary_path"`
	Camera         CameraConfig `yaml:"camera"`
}

// CameraConfig points the personal assistant at capture and labelling
// commands. Empty commands leave the camera actions unavailable.
type CameraConfig struct {
	CaptureCommand  string `yaml:"capture_command"`
	IdentifyCommand string `yaml:"identify_command"`
	OutputDir       string `yaml:"output_dir"`
}

type BreakerConfig struct {
	Enabled          bool `yaml:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold"`
	OpenTimeoutMS    int  `yaml:"open_timeout_ms"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
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
			Path:          "./data/loqa-voice.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
			PrivacyScope:  "local",
		},
		Recognition: RecognitionConfig{
			TimeoutMS:       15000,
			StreamTimeoutMS: 60000,
			DefaultLanguage: "en-US",
			SampleRate:      16000,
			Channels:        1,
			PartialEveryMS:  800,
			Backends: []BackendConfig{
				{Name: "mock-stt", Type: "mock", Priority: 100},
			},
		},
		Synthesis: SynthesisConfig{
			Enabled:    true,
			TimeoutMS:  15000,
			SampleRate: 22050,
			Channels:   1,
			Backends: []BackendConfig{
				{Name: "mock-tts", Type: "mock", Priority: 100},
			},
		},
		Classifier: ClassifierConfig{
			Enabled:     false,
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			Threshold:   0.5,
			TimeoutMS:   8000,
			CacheSize:   512,
			MaxTokens:   256,
			Temperature: 0,
		},
		Router: RouterConfig{
			PatternConfidence: 0.9,
			Timezone:          "Local",
		},
		Pipeline: PipelineConfig{
			DefaultLanguage:    "en-US",
			RouteTimeoutMS:     10000,
			DispatchTimeoutMS:  10000,
			SynthesisTimeoutMS: 20000,
		},
		Gateway: GatewayConfig{
			WebSocketPath:     "/v1/voice",
			CommandsPerSecond: 2,
			Burst:             4,
			MaxMessageBytes:   8 << 20,
			BusCommands:       true,
			BusFrames:         true,
		},
		Agents: AgentsConfig{
			Builtin:      true,
			Directory:    "",
			Concurrency:  4,
			TimeoutMS:    5000,
			AuditPrivacy: "internal",
			Camera: CameraConfig{
				OutputDir: "./data/captures",
			},
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			OpenTimeoutMS:    30000,
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
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
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
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
	overrideInt(&cfg.Recognition.TimeoutMS, "LOQA_RECOGNITION_TIMEOUT_MS")
	overrideInt(&cfg.Recognition.StreamTimeoutMS, "LOQA_RECOGNITION_STREAM_TIMEOUT_MS")
	overrideString(&cfg.Recognition.Preferred, "LOQA_RECOGNITION_PREFERRED")
	overrideString(&cfg.Recognition.DefaultLanguage, "LOQA_RECOGNITION_DEFAULT_LANGUAGE")
	overrideInt(&cfg.Recognition.SampleRate, "LOQA_RECOGNITION_SAMPLE_RATE")
	overrideInt(&cfg.Recognition.Channels, "LOQA_RECOGNITION_CHANNELS")
	overrideBool(&cfg.Synthesis.Enabled, "LOQA_SYNTHESIS_ENABLED")
	overrideInt(&cfg.Synthesis.TimeoutMS, "LOQA_SYNTHESIS_TIMEOUT_MS")
	overrideString(&cfg.Synthesis.Preferred, "LOQA_SYNTHESIS_PREFERRED")
	overrideString(&cfg.Synthesis.Voice, "LOQA_SYNTHESIS_VOICE")
	overrideBool(&cfg.Classifier.Enabled, "LOQA_CLASSIFIER_ENABLED")
	overrideString(&cfg.Classifier.Mode, "LOQA_CLASSIFIER_MODE")
	overrideString(&cfg.Classifier.Endpoint, "LOQA_CLASSIFIER_ENDPOINT")
	overrideString(&cfg.Classifier.Command, "LOQA_CLASSIFIER_COMMAND")
	overrideString(&cfg.Classifier.Model, "LOQA_CLASSIFIER_MODEL")
	overrideFloat(&cfg.Classifier.Threshold, "LOQA_CLASSIFIER_THRESHOLD")
	overrideInt(&cfg.Classifier.TimeoutMS, "LOQA_CLASSIFIER_TIMEOUT_MS")
	overrideInt(&cfg.Classifier.CacheSize, "LOQA_CLASSIFIER_CACHE_SIZE")
	overrideString(&cfg.Router.Timezone, "LOQA_ROUTER_TIMEZONE")
	overrideString(&cfg.Pipeline.DefaultLanguage, "LOQA_PIPELINE_DEFAULT_LANGUAGE")
	overrideInt(&cfg.Pipeline.RouteTimeoutMS, "LOQA_PIPELINE_ROUTE_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.DispatchTimeoutMS, "LOQA_PIPELINE_DISPATCH_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.SynthesisTimeoutMS, "LOQA_PIPELINE_SYNTHESIS_TIMEOUT_MS")
	overrideString(&cfg.Gateway.WebSocketPath, "LOQA_GATEWAY_WEBSOCKET_PATH")
	overrideFloat(&cfg.Gateway.CommandsPerSecond, "LOQA_GATEWAY_COMMANDS_PER_SECOND")
	overrideInt(&cfg.Gateway.Burst, "LOQA_GATEWAY_BURST")
	overrideBool(&cfg.Agents.Builtin, "LOQA_AGENTS_BUILTIN")
	overrideString(&cfg.Agents.Directory, "LOQA_AGENTS_DIRECTORY")
	overrideInt(&cfg.Agents.Concurrency, "LOQA_AGENTS_MAX_CONCURRENCY")
	overrideString(&cfg.Agents.VocabularyPath, "LOQA_AGENTS_VOCABULARY_PATH")
	overrideString(&cfg.Agents.Camera.CaptureCommand, "LOQA_AGENTS_CAMERA_CAPTURE_COMMAND")
	overrideString(&cfg.Agents.Camera.IdentifyCommand, "LOQA_AGENTS_CAMERA_IDENTIFY_COMMAND")
	overrideBool(&cfg.Breaker.Enabled, "LOQA_BREAKER_ENABLED")
	overrideInt(&cfg.Breaker.FailureThreshold, "LOQA_BREAKER_FAILURE_THRESHOLD")
	overrideString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.OpenAI.APIKey, "LOQA_OPENAI_API_KEY")
	overrideString(&cfg.OpenAI.BaseURL, "LOQA_OPENAI_BASE_URL")
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
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Recognition.TimeoutMS <= 0 {
		return errors.New("recognition.timeout_ms must be positive")
	}
	if cfg.Recognition.SampleRate <= 0 || cfg.Recognition.Channels <= 0 {
		return errors.New("recognition.sample_rate and recognition.channels must be positive")
	}
	if len(cfg.Recognition.Backends) == 0 {
		return errors.New("recognition.backends must declare at least one backend")
	}
	if err := validateBackends("recognition", cfg.Recognition.Backends, "mock", "exec", "whisper"); err != nil {
		return err
	}
	if cfg.Synthesis.Enabled {
		if cfg.Synthesis.TimeoutMS <= 0 {
			return errors.New("synthesis.timeout_ms must be positive")
		}
		if cfg.Synthesis.SampleRate <= 0 || cfg.Synthesis.Channels <= 0 {
			return errors.New("synthesis.sample_rate and synthesis.channels must be positive")
		}
		if len(cfg.Synthesis.Backends) == 0 {
			return errors.New("synthesis.backends must declare at least one backend when synthesis is enabled")
		}
		if err := validateBackends("synthesis", cfg.Synthesis.Backends, "mock", "exec", "openai"); err != nil {
			return err
		}
		for _, s := range cfg.Synthesis.Backends {
			for _, r := range cfg.Recognition.Backends {
				if s.Name == r.Name {
					return fmt.Errorf("backend name %q is used by both recognition and synthesis", s.Name)
				}
			}
		}
	}
	if cfg.Classifier.Enabled {
		switch cfg.Classifier.Mode {
		case "mock", "ollama", "exec", "openai":
		default:
			return errors.New("classifier.mode must be one of mock|ollama|exec|openai")
		}
		if cfg.Classifier.Mode == "ollama" && cfg.Classifier.Endpoint == "" {
			return errors.New("classifier.endpoint must be set when mode=ollama")
		}
		if cfg.Classifier.Mode == "exec" && cfg.Classifier.Command == "" {
			return errors.New("classifier.command must be set when mode=exec")
		}
		if cfg.Classifier.TimeoutMS <= 0 {
			return errors.New("classifier.timeout_ms must be positive")
		}
	}
	if cfg.Classifier.Threshold < 0 || cfg.Classifier.Threshold > 1 {
		return errors.New("classifier.threshold must be between 0 and 1")
	}
	if cfg.Router.PatternConfidence <= 0 || cfg.Router.PatternConfidence > 1 {
		return errors.New("router.pattern_confidence must be in (0, 1]")
	}
	if cfg.Pipeline.DispatchTimeoutMS <= 0 {
		return errors.New("pipeline.dispatch_timeout_ms must be positive")
	}
	if cfg.Gateway.WebSocketPath == "" || !strings.HasPrefix(cfg.Gateway.WebSocketPath, "/") {
		return errors.New("gateway.websocket_path must start with /")
	}
	if cfg.Gateway.CommandsPerSecond <= 0 || cfg.Gateway.Burst <= 0 {
		return errors.New("gateway.commands_per_second and gateway.burst must be positive")
	}
	if cfg.Agents.Directory != "" {
		if cfg.Agents.Concurrency <= 0 {
			return errors.New("agents.max_concurrency must be >= 1")
		}
		if cfg.Agents.TimeoutMS <= 0 {
			return errors.New("agents.timeout_ms must be positive")
		}
	}
	if cfg.Breaker.Enabled && cfg.Breaker.FailureThreshold <= 0 {
		return errors.New("breaker.failure_threshold must be >= 1")
	}
	return nil
}

func validateBackends(section string, backends []BackendConfig, types ...string) error {
	seen := make(map[string]struct{}, len(backends))
	for i, b := range backends {
		if b.Name == "" {
			return fmt.Errorf("%s.backends[%d].name must not be empty", section, i)
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("%s.backends: duplicate name %q", section, b.Name)
		}
		seen[b.Name] = struct{}{}
		known := false
		for _, t := range types {
			if b.Type == t {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%s.backends[%s].type must be one of %s", section, b.Name, strings.Join(types, "|"))
		}
		if b.Type == "exec" && b.Command == "" {
			return fmt.Errorf("%s.backends[%s].command must be set when type=exec", section, b.Name)
		}
	}
	return nil
}
