package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Enabled = false
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.LLM.MockResponse = "Ok."
	cfg.Classifier.Enabled = false
	cfg.Speech.Enabled = false
	cfg.Session.ID = "test"
	return cfg
}

func openRuntime(t *testing.T, cfg config.Config) *Runtime {
	t.Helper()
	rt := New(cfg, quietLogger())
	if err := rt.Open(context.Background()); err != nil {
		_ = rt.Close()
		t.Fatalf("open runtime: %v", err)
	}
	return rt
}

func submit(t *testing.T, rt *Runtime, text string) string {
	t.Helper()
	var b strings.Builder
	for chunk, err := range rt.Assistant().Submit(context.Background(), text) {
		if err != nil {
			t.Fatalf("turn failed: %v", err)
		}
		b.WriteString(chunk)
	}
	return b.String()
}

func TestRuntimeRestoresHistoryAcrossRestarts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Speech.Enabled = true

	rt := openRuntime(t, cfg)
	if got := submit(t, rt, "hello"); got != "Ok." {
		t.Fatalf("unexpected answer %q", got)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rt = openRuntime(t, cfg)
	t.Cleanup(func() { _ = rt.Close() })
	history := rt.Assistant().History()
	if len(history) != 1 || history[0].User != "hello" || history[0].Assistant != "Ok." {
		t.Fatalf("expected restored turn, got %+v", history)
	}

	if err := rt.ResetHistory(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(rt.Assistant().History()) != 0 {
		t.Fatal("expected empty history after reset")
	}
}

func TestRuntimeHTTPEndpoints(t *testing.T) {
	rt := openRuntime(t, testConfig(t))
	t.Cleanup(func() { _ = rt.Close() })

	srv := httptest.NewServer(rt.Handler())
	t.Cleanup(srv.Close)

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusOK,
		"/metrics": http.StatusOK,
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("GET %s: expected %d, got %d", path, want, resp.StatusCode)
		}
	}
}

func TestRuntimeTurnWebsocket(t *testing.T) {
	rt := openRuntime(t, testConfig(t))
	t.Cleanup(func() { _ = rt.Close() })

	srv := httptest.NewServer(rt.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/turns"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(clientFrame{Type: "prompt", Text: "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var (
		states []string
		chunks []string
		final  serverFrame
	)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for final.Type != "final" {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("decode: %v", err)
		}
		switch frame.Type {
		case "state":
			states = append(states, frame.State)
		case "chunk":
			chunks = append(chunks, frame.Content)
		case "final":
			final = frame
		case "error":
			t.Fatalf("server error: %s", frame.Error)
		}
	}
	if final.Content != "Ok." || final.Error != "" {
		t.Fatalf("unexpected final %+v", final)
	}
	if strings.Join(chunks, "") != "Ok." {
		t.Fatalf("unexpected chunks %v", chunks)
	}
	if len(states) == 0 || states[0] != "classifying" {
		t.Fatalf("expected state frames starting with classifying, got %v", states)
	}

	if err := conn.WriteJSON(clientFrame{Type: "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply serverFrame
	for reply.Type != "error" {
		if err := conn.ReadJSON(&reply); err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if !strings.Contains(reply.Error, "bogus") {
		t.Fatalf("expected unknown frame error, got %+v", reply)
	}
}

func TestBackendSelection(t *testing.T) {
	if _, err := newGenerator(config.LLMConfig{Mode: "carrier-pigeon"}); err == nil {
		t.Fatal("expected unknown llm mode error")
	}
	if _, err := newGenerator(config.LLMConfig{Mode: "exec"}); err == nil {
		t.Fatal("expected error for exec mode without command")
	}
	volume, err := newVolume(config.AudioConfig{VolumeMode: "static"})
	if err != nil {
		t.Fatalf("static volume: %v", err)
	}
	if level, err := volume.Volume(context.Background()); err != nil || level != staticVolumeLevel {
		t.Fatalf("expected level %d, got %d, %v", staticVolumeLevel, level, err)
	}
	if _, err := newOutput(config.AudioConfig{OutputMode: "speakers"}); err == nil {
		t.Fatal("expected unknown output error")
	}
	if _, err := newSynth(config.TTSConfig{Mode: "mock", SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("mock synth: %v", err)
	}
}
