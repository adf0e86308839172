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
	LogLevel      string `yaml:"log_level"`
	TraceExporter string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	LLM         LLMConfig        `yaml:"llm"`
	Classifier  ClassifierConfig `yaml:"classifier"`
	TTS         TTSConfig        `yaml:"tts"`
	Speech      SpeechConfig     `yaml:"speech"`
	Audio       AudioConfig      `yaml:"audio"`
	Actions     ActionsConfig    `yaml:"actions"`
	Skills      SkillsConfig     `yaml:"skills"`
	Session     SessionConfig    `yaml:"session"`
	Router      RouterConfig     `yaml:"router"`
}

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

type EventStoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type LLMConfig struct {
	Mode          string  `yaml:"mode"` // mock, ollama, exec, openai
	Endpoint      string  `yaml:"endpoint"`
	BaseURL       string  `yaml:"base_url"`
	Command       string  `yaml:"command"`
	APIKey        string  `yaml:"api_key"`
	Proxy         string  `yaml:"proxy"`
	ModelFast     string  `yaml:"model_fast"`
	ModelBalanced string  `yaml:"model_balanced"`
	DefaultTier   string  `yaml:"default_tier"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	SystemPrompt  string  `yaml:"system_prompt"`
	MockResponse  string  `yaml:"mock_response"`
}

type ClassifierConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Tier      string `yaml:"tier"`
	MaxTokens int    `yaml:"max_tokens"`
}

type TTSConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type SpeechConfig struct {
	Enabled         bool `yaml:"enabled"`
	MinChars        int  `yaml:"min_chars"`
	AutoFlushMS     int  `yaml:"auto_flush_ms"`
	FlushIntervalMS int  `yaml:"flush_interval_ms"`
}

type AudioConfig struct {
	OutputMode       string `yaml:"output_mode"` // null, exec
	OutputCommand    string `yaml:"output_command"`
	VolumeMode       string `yaml:"volume_mode"` // none, static, exec
	VolumeGetCommand string `yaml:"volume_get_command"`
	VolumeSetCommand string `yaml:"volume_set_command"`
	DuckLevel        int    `yaml:"duck_level"`
	DuckFadeMS       int    `yaml:"duck_fade_ms"`
}

type ActionsConfig struct {
	MaxConcurrency int               `yaml:"max_concurrency"`
	TimeoutMS      int               `yaml:"timeout_ms"`
	Commands       map[string]string `yaml:"commands"`
	Weather        WeatherConfig     `yaml:"weather"`
}

// WeatherConfig drives the Open-Meteo weather actions. Home is "lat,lon" or
// a place name and backs get_local_weather.
type WeatherConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Home         string `yaml:"home"`
	Language     string `yaml:"language"`
	GeocodingURL string `yaml:"geocoding_url"`
	ForecastURL  string `yaml:"forecast_url"`
	TimeoutMS    int    `yaml:"timeout_ms"`
}

type SkillsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Directory    string `yaml:"directory"`
	Concurrency  int    `yaml:"max_concurrency"`
	AuditPrivacy string `yaml:"audit_privacy_scope"`
}

type SessionConfig struct {
	ID              string `yaml:"id"`
	HistoryCapacity int    `yaml:"history_capacity"`
	TurnTimeoutMS   int    `yaml:"turn_timeout_ms"`
	RestoreHistory  bool   `yaml:"restore_history"`
}

type RouterConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			TraceExporter: "none",
			OTLPInsecure:  true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Enabled:       true,
			Path:          "./data/loqa-voice.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		LLM: LLMConfig{
			Mode:          "mock",
			Endpoint:      "http://localhost:11434",
			ModelFast:     "llama3.2:latest",
			ModelBalanced: "llama3.2:latest",
			DefaultTier:   "balanced",
			MaxTokens:     512,
			Temperature:   0.7,
			SystemPrompt:  "You are a concise voice assistant. Answer in short spoken sentences.",
		},
		Classifier: ClassifierConfig{
			Enabled:   true,
			Tier:      "fast",
			MaxTokens: 256,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			SampleRate: 22050,
			Channels:   1,
		},
		Speech: SpeechConfig{
			Enabled:         true,
			MinChars:        8,
			AutoFlushMS:     800,
			FlushIntervalMS: 200,
		},
		Audio: AudioConfig{
			OutputMode: "null",
			VolumeMode: "none",
			DuckLevel:  20,
		},
		Actions: ActionsConfig{
			MaxConcurrency: 4,
			TimeoutMS:      15000,
			Weather: WeatherConfig{
				Enabled:      true,
				Language:     "en",
				GeocodingURL: "https://geocoding-api.open-meteo.com/v1/search",
				ForecastURL:  "https://api.open-meteo.com/v1/forecast",
				TimeoutMS:    10000,
			},
		},
		Skills: SkillsConfig{
			Enabled:      false,
			Directory:    "./skills",
			Concurrency:  4,
			AuditPrivacy: "internal",
		},
		Session: SessionConfig{
			ID:              "default",
			HistoryCapacity: 10,
			TurnTimeoutMS:   120000,
			RestoreHistory:  true,
		},
		Router: RouterConfig{
			Enabled: true,
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

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, fmt.Errorf("environment overrides: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envBinding ties one environment variable to a config field.
type envBinding struct {
	key   string
	apply func(value string) error
}

func envString(key string, target *string) envBinding {
	return envBinding{key, func(v string) error { *target = v; return nil }}
}

func envInt(key string, target *int) envBinding {
	return envBinding{key, func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			*target = n
		}
		return err
	}}
}

func envFloat(key string, target *float64) envBinding {
	return envBinding{key, func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			*target = f
		}
		return err
	}}
}

func envBool(key string, target *bool) envBinding {
	return envBinding{key, func(v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*target = b
		}
		return err
	}}
}

// envList reads a comma separated list; blank items are dropped.
func envList(key string, target *[]string) envBinding {
	return envBinding{key, func(v string) error {
		var items []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		if len(items) > 0 {
			*target = items
		}
		return nil
	}}
}

// envBindings lists every LOQA_* override. Later entries win, so
// LOQA_LLM_API_KEY beats OPENAI_API_KEY.
func envBindings(cfg *Config) []envBinding {
	return []envBinding{
		envString("LOQA_RUNTIME_NAME", &cfg.RuntimeName),
		envString("LOQA_RUNTIME_ENVIRONMENT", &cfg.Environment),
		envBool("LOQA_HTTP_ENABLED", &cfg.HTTP.Enabled),
		envString("LOQA_HTTP_BIND", &cfg.HTTP.Bind),
		envInt("LOQA_HTTP_PORT", &cfg.HTTP.Port),
		envString("LOQA_TELEMETRY_LOG_LEVEL", &cfg.Telemetry.LogLevel),
		envString("LOQA_TELEMETRY_TRACE_EXPORTER", &cfg.Telemetry.TraceExporter),
		envString("LOQA_TELEMETRY_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint),
		envBool("LOQA_TELEMETRY_OTLP_INSECURE", &cfg.Telemetry.OTLPInsecure),
		envBool("LOQA_BUS_ENABLED", &cfg.Bus.Enabled),
		envBool("LOQA_BUS_EMBEDDED", &cfg.Bus.Embedded),
		envInt("LOQA_BUS_PORT", &cfg.Bus.Port),
		envList("LOQA_BUS_SERVERS", &cfg.Bus.Servers),
		envString("LOQA_BUS_USERNAME", &cfg.Bus.Username),
		envString("LOQA_BUS_PASSWORD", &cfg.Bus.Password),
		envString("LOQA_BUS_TOKEN", &cfg.Bus.Token),
		envBool("LOQA_BUS_TLS_INSECURE", &cfg.Bus.TLSInsecure),
		envInt("LOQA_BUS_CONNECT_TIMEOUT_MS", &cfg.Bus.ConnectTimeout),
		envBool("LOQA_EVENT_STORE_ENABLED", &cfg.EventStore.Enabled),
		envString("LOQA_EVENT_STORE_PATH", &cfg.EventStore.Path),
		envString("LOQA_EVENT_STORE_RETENTION_MODE", &cfg.EventStore.RetentionMode),
		envInt("LOQA_EVENT_STORE_RETENTION_DAYS", &cfg.EventStore.RetentionDays),
		envInt("LOQA_EVENT_STORE_MAX_SESSIONS", &cfg.EventStore.MaxSessions),
		envBool("LOQA_EVENT_STORE_VACUUM_ON_START", &cfg.EventStore.VacuumOnStart),
		envString("LOQA_LLM_MODE", &cfg.LLM.Mode),
		envString("LOQA_LLM_ENDPOINT", &cfg.LLM.Endpoint),
		envString("LOQA_LLM_BASE_URL", &cfg.LLM.BaseURL),
		envString("LOQA_LLM_COMMAND", &cfg.LLM.Command),
		envString("OPENAI_API_KEY", &cfg.LLM.APIKey),
		envString("LOQA_LLM_API_KEY", &cfg.LLM.APIKey),
		envString("LOQA_LLM_PROXY", &cfg.LLM.Proxy),
		envString("LOQA_LLM_MODEL_FAST", &cfg.LLM.ModelFast),
		envString("LOQA_LLM_MODEL_BALANCED", &cfg.LLM.ModelBalanced),
		envString("LOQA_LLM_DEFAULT_TIER", &cfg.LLM.DefaultTier),
		envInt("LOQA_LLM_MAX_TOKENS", &cfg.LLM.MaxTokens),
		envFloat("LOQA_LLM_TEMPERATURE", &cfg.LLM.Temperature),
		envString("LOQA_LLM_SYSTEM_PROMPT", &cfg.LLM.SystemPrompt),
		envBool("LOQA_CLASSIFIER_ENABLED", &cfg.Classifier.Enabled),
		envString("LOQA_CLASSIFIER_TIER", &cfg.Classifier.Tier),
		envInt("LOQA_CLASSIFIER_MAX_TOKENS", &cfg.Classifier.MaxTokens),
		envString("LOQA_TTS_MODE", &cfg.TTS.Mode),
		envString("LOQA_TTS_COMMAND", &cfg.TTS.Command),
		envString("LOQA_TTS_VOICE", &cfg.TTS.Voice),
		envInt("LOQA_TTS_SAMPLE_RATE", &cfg.TTS.SampleRate),
		envInt("LOQA_TTS_CHANNELS", &cfg.TTS.Channels),
		envBool("LOQA_SPEECH_ENABLED", &cfg.Speech.Enabled),
		envInt("LOQA_SPEECH_MIN_CHARS", &cfg.Speech.MinChars),
		envInt("LOQA_SPEECH_AUTO_FLUSH_MS", &cfg.Speech.AutoFlushMS),
		envInt("LOQA_SPEECH_FLUSH_INTERVAL_MS", &cfg.Speech.FlushIntervalMS),
		envString("LOQA_AUDIO_OUTPUT_MODE", &cfg.Audio.OutputMode),
		envString("LOQA_AUDIO_OUTPUT_COMMAND", &cfg.Audio.OutputCommand),
		envString("LOQA_AUDIO_VOLUME_MODE", &cfg.Audio.VolumeMode),
		envString("LOQA_AUDIO_VOLUME_GET_COMMAND", &cfg.Audio.VolumeGetCommand),
		envString("LOQA_AUDIO_VOLUME_SET_COMMAND", &cfg.Audio.VolumeSetCommand),
		envInt("LOQA_AUDIO_DUCK_LEVEL", &cfg.Audio.DuckLevel),
		envInt("LOQA_AUDIO_DUCK_FADE_MS", &cfg.Audio.DuckFadeMS),
		envInt("LOQA_ACTIONS_MAX_CONCURRENCY", &cfg.Actions.MaxConcurrency),
		envInt("LOQA_ACTIONS_TIMEOUT_MS", &cfg.Actions.TimeoutMS),
		envBool("LOQA_WEATHER_ENABLED", &cfg.Actions.Weather.Enabled),
		envString("LOQA_WEATHER_HOME", &cfg.Actions.Weather.Home),
		envString("LOQA_WEATHER_LANGUAGE", &cfg.Actions.Weather.Language),
		envString("LOQA_WEATHER_GEOCODING_URL", &cfg.Actions.Weather.GeocodingURL),
		envString("LOQA_WEATHER_FORECAST_URL", &cfg.Actions.Weather.ForecastURL),
		envInt("LOQA_WEATHER_TIMEOUT_MS", &cfg.Actions.Weather.TimeoutMS),
		envBool("LOQA_SKILLS_ENABLED", &cfg.Skills.Enabled),
		envString("LOQA_SKILLS_DIRECTORY", &cfg.Skills.Directory),
		envInt("LOQA_SKILLS_MAX_CONCURRENCY", &cfg.Skills.Concurrency),
		envString("LOQA_SESSION_ID", &cfg.Session.ID),
		envInt("LOQA_SESSION_HISTORY_CAPACITY", &cfg.Session.HistoryCapacity),
		envInt("LOQA_SESSION_TURN_TIMEOUT_MS", &cfg.Session.TurnTimeoutMS),
		envBool("LOQA_SESSION_RESTORE_HISTORY", &cfg.Session.RestoreHistory),
		envBool("LOQA_ROUTER_ENABLED", &cfg.Router.Enabled),
	}
}

// applyEnvOverrides applies every set, non-blank variable and reports the
// ones that failed to parse.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	for _, b := range envBindings(cfg) {
		value := strings.TrimSpace(os.Getenv(b.key))
		if value == "" {
			continue
		}
		if err := b.apply(value); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", b.key, value, err))
		}
	}
	return errors.Join(errs...)
}

// validate reports every problem with cfg at once.
func validate(cfg Config) error {
	var problems []error
	if cfg.RuntimeName == "" {
		problems = append(problems, errors.New("runtime_name must not be empty"))
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		problems = append(problems, errors.New("http.port must be between 1 and 65535"))
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout", "otlp":
	default:
		problems = append(problems, errors.New("telemetry.trace_exporter must be one of none|stdout|otlp"))
	}
	if cfg.Telemetry.TraceExporter == "otlp" && cfg.Telemetry.OTLPEndpoint == "" {
		problems = append(problems, errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp"))
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				problems = append(problems, errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled"))
			}
		} else if len(cfg.Bus.Servers) == 0 {
			problems = append(problems, errors.New("bus.servers must not be empty when embedded mode is disabled"))
		}
	}
	if cfg.EventStore.Enabled {
		if cfg.EventStore.Path == "" {
			problems = append(problems, errors.New("event_store.path must not be empty"))
		}
		switch cfg.EventStore.RetentionMode {
		case "ephemeral", "session", "persistent":
		default:
			problems = append(problems, errors.New("event_store.retention_mode must be one of ephemeral|session|persistent"))
		}
		if cfg.EventStore.RetentionDays < 0 {
			problems = append(problems, errors.New("event_store.retention_days must be >= 0"))
		}
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec", "openai":
	default:
		problems = append(problems, errors.New("llm.mode must be one of mock|ollama|exec|openai"))
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		problems = append(problems, errors.New("llm.endpoint must be set when mode=ollama"))
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		problems = append(problems, errors.New("llm.command must be set when mode=exec"))
	}
	if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
		problems = append(problems, errors.New("llm.api_key (or OPENAI_API_KEY) must be set when mode=openai"))
	}
	if cfg.LLM.MaxTokens < 0 {
		problems = append(problems, errors.New("llm.max_tokens must be >= 0"))
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		problems = append(problems, errors.New("tts.mode must be one of mock|exec"))
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		problems = append(problems, errors.New("tts.command must be set when mode=exec"))
	}
	if cfg.TTS.SampleRate <= 0 {
		problems = append(problems, errors.New("tts.sample_rate must be positive"))
	}
	if cfg.TTS.Channels <= 0 {
		problems = append(problems, errors.New("tts.channels must be positive"))
	}
	if cfg.Speech.MinChars < 0 {
		problems = append(problems, errors.New("speech.min_chars must be >= 0"))
	}
	if cfg.Speech.AutoFlushMS <= 0 {
		problems = append(problems, errors.New("speech.auto_flush_ms must be positive"))
	}
	if cfg.Speech.FlushIntervalMS <= 0 {
		problems = append(problems, errors.New("speech.flush_interval_ms must be positive"))
	}
	switch cfg.Audio.OutputMode {
	case "null", "exec":
	default:
		problems = append(problems, errors.New("audio.output_mode must be one of null|exec"))
	}
	if cfg.Audio.OutputMode == "exec" && cfg.Audio.OutputCommand == "" {
		problems = append(problems, errors.New("audio.output_command must be set when output_mode=exec"))
	}
	switch cfg.Audio.VolumeMode {
	case "none", "static", "exec":
	default:
		problems = append(problems, errors.New("audio.volume_mode must be one of none|static|exec"))
	}
	if cfg.Audio.VolumeMode == "exec" && (cfg.Audio.VolumeGetCommand == "" || cfg.Audio.VolumeSetCommand == "") {
		problems = append(problems, errors.New("audio.volume_get_command and audio.volume_set_command must be set when volume_mode=exec"))
	}
	if cfg.Audio.DuckLevel < 0 || cfg.Audio.DuckLevel > 100 {
		problems = append(problems, errors.New("audio.duck_level must be between 0 and 100"))
	}
	if cfg.Actions.MaxConcurrency <= 0 {
		problems = append(problems, errors.New("actions.max_concurrency must be >= 1"))
	}
	if w := cfg.Actions.Weather; w.Enabled {
		if w.GeocodingURL == "" || w.ForecastURL == "" {
			problems = append(problems, errors.New("actions.weather.geocoding_url and actions.weather.forecast_url must be set when weather is enabled"))
		}
		if w.TimeoutMS <= 0 {
			problems = append(problems, errors.New("actions.weather.timeout_ms must be > 0"))
		}
	}
	if cfg.Skills.Enabled {
		if cfg.Skills.Directory == "" {
			problems = append(problems, errors.New("skills.directory must not be empty when skills are enabled"))
		}
		if cfg.Skills.Concurrency <= 0 {
			problems = append(problems, errors.New("skills.max_concurrency must be >= 1"))
		}
	}
	if cfg.Skills.AuditPrivacy == "" {
		problems = append(problems, errors.New("skills.audit_privacy_scope must not be empty"))
	}
	if cfg.Session.ID == "" {
		problems = append(problems, errors.New("session.id must not be empty"))
	}
	if cfg.Session.HistoryCapacity <= 0 {
		problems = append(problems, errors.New("session.history_capacity must be >= 1"))
	}
	if cfg.Session.TurnTimeoutMS < 0 {
		problems = append(problems, errors.New("session.turn_timeout_ms must be >= 0"))
	}
	return errors.Join(problems...)
}
