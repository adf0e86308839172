package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Speech.AutoFlushMS != 800 || cfg.Speech.FlushIntervalMS != 200 {
		t.Fatalf("unexpected speech timing defaults: %+v", cfg.Speech)
	}
	if cfg.Actions.MaxConcurrency != 4 {
		t.Fatalf("expected 4 action workers, got %d", cfg.Actions.MaxConcurrency)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_SPEECH_MIN_CHARS", "5")
	t.Setenv("LOQA_SPEECH_AUTO_FLUSH_MS", "1200")
	t.Setenv("LOQA_SESSION_HISTORY_CAPACITY", "3")
	t.Setenv("LOQA_LLM_MODEL_FAST", "gpt-4o-mini")
	t.Setenv("LOQA_AUDIO_DUCK_LEVEL", "35")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.Speech.MinChars != 5 || cfg.Speech.AutoFlushMS != 1200 {
		t.Fatalf("expected speech overrides, got %+v", cfg.Speech)
	}
	if cfg.Session.HistoryCapacity != 3 {
		t.Fatalf("expected history capacity 3, got %d", cfg.Session.HistoryCapacity)
	}
	if cfg.LLM.ModelFast != "gpt-4o-mini" {
		t.Fatalf("expected fast model override, got %q", cfg.LLM.ModelFast)
	}
	if cfg.Audio.DuckLevel != 35 {
		t.Fatalf("expected duck level 35, got %d", cfg.Audio.DuckLevel)
	}
}

func TestOpenAIKeyFromEnvironment(t *testing.T) {
	t.Setenv("LOQA_LLM_MODE", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("expected api key from OPENAI_API_KEY, got %q", cfg.LLM.APIKey)
	}
}

func TestOpenAIRequiresKey(t *testing.T) {
	t.Setenv("LOQA_LLM_MODE", "openai")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("LOQA_LLM_API_KEY", "")

	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error without api key")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loqa.yaml")
	data := []byte(`
session:
  history_capacity: 4
actions:
  max_concurrency: 2
  commands:
    open_app: "open -a {name}"
audio:
  volume_mode: static
  duck_level: 10
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.HistoryCapacity != 4 {
		t.Fatalf("expected history capacity 4, got %d", cfg.Session.HistoryCapacity)
	}
	if cfg.Actions.MaxConcurrency != 2 {
		t.Fatalf("expected 2 workers, got %d", cfg.Actions.MaxConcurrency)
	}
	if cfg.Actions.Commands["open_app"] != "open -a {name}" {
		t.Fatalf("expected open_app command, got %v", cfg.Actions.Commands)
	}
	if cfg.Speech.AutoFlushMS != 800 {
		t.Fatalf("expected defaults to survive partial file, got %d", cfg.Speech.AutoFlushMS)
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	cfg := Default()
	cfg.Audio.VolumeMode = "exec"
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for exec volume without commands")
	}

	cfg = Default()
	cfg.Session.HistoryCapacity = 0
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for zero history capacity")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Session.HistoryCapacity = 0
	cfg.Audio.DuckLevel = 150
	err := validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"session.history_capacity", "audio.duck_level"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestEnvOverrideParseErrors(t *testing.T) {
	t.Setenv("LOQA_HTTP_PORT", "eighty")
	t.Setenv("LOQA_SPEECH_ENABLED", "maybe")
	_, err := Load("")
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "LOQA_HTTP_PORT") || !strings.Contains(err.Error(), "LOQA_SPEECH_ENABLED") {
		t.Fatalf("expected both variables named, got %v", err)
	}
}

func TestWeatherSettings(t *testing.T) {
	t.Setenv("LOQA_WEATHER_HOME", "52.52,13.41")
	t.Setenv("LOQA_WEATHER_LANGUAGE", "de")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := cfg.Actions.Weather
	if !w.Enabled || w.Home != "52.52,13.41" || w.Language != "de" || w.ForecastURL == "" {
		t.Fatalf("unexpected weather config %+v", w)
	}

	cfg = Default()
	cfg.Actions.Weather.ForecastURL = ""
	if err := validate(cfg); err == nil || !strings.Contains(err.Error(), "actions.weather") {
		t.Fatalf("expected weather validation error, got %v", err)
	}
}
