package intent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/llm"
)

func TestParseFencedArray(t *testing.T) {
	raw := "```json\n[{\"action\": \"open_app\", \"args\": {\"name\": \"Music\"}}]\n```"
	got := Parse(raw)
	if len(got) != 1 {
		t.Fatalf("expected 1 intent, got %v", got)
	}
	if got[0].Action != "open_app" || got[0].Args["name"] != "Music" {
		t.Fatalf("unexpected intent %+v", got[0])
	}
}

func TestParseNestedArgsAndProse(t *testing.T) {
	raw := `Sure! Here you go: [{"action":"set_volume","args":{"level":30}}, {"action":"get_time"}] hope that helps`
	got := Parse(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 intents, got %v", got)
	}
	if got[0].Args["level"] != float64(30) {
		t.Fatalf("expected level 30, got %v", got[0].Args["level"])
	}
	if got[1].Action != "get_time" || got[1].Args == nil {
		t.Fatalf("expected get_time with empty args, got %+v", got[1])
	}
}

func TestParseMalformedYieldsNothing(t *testing.T) {
	for _, raw := range []string{
		"",
		"[]",
		"no json here",
		`[{"action": "open_app", "args": {"name": }]`,
		`[{"args": {}}]`,
	} {
		if got := Parse(raw); got != nil {
			t.Fatalf("expected nil for %q, got %v", raw, got)
		}
	}
}

type fakeGenerator struct {
	output string
	err    error
	req    llm.Request
}

func (f *fakeGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	f.req = req
	if f.err != nil {
		return f.err
	}
	for _, part := range strings.SplitAfter(f.output, ",") {
		if err := consumer(llm.Chunk{Content: part}); err != nil {
			return err
		}
	}
	return nil
}

func TestLLMClassifierUsesFastTierAndActionList(t *testing.T) {
	gen := &fakeGenerator{output: `[{"action":"mute","args":{}},{"action":"get_date","args":{}}]`}
	c := NewLLMClassifier(gen, "fast", 128, func() []string { return []string{"mute", "get_date"} })

	got, err := c.Classify(context.Background(), "mute and tell me the date")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].Action != "mute" || got[1].Action != "get_date" {
		t.Fatalf("unexpected intents %+v", got)
	}
	if gen.req.Tier != "fast" {
		t.Fatalf("expected fast tier, got %q", gen.req.Tier)
	}
	if !strings.Contains(gen.req.System, "- get_date") {
		t.Fatalf("expected action list in system prompt, got %q", gen.req.System)
	}
}

func TestLLMClassifierTransportError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("connection refused")}
	c := NewLLMClassifier(gen, "fast", 128, func() []string { return []string{"mute"} })

	got, err := c.Classify(context.Background(), "mute")
	if err == nil {
		t.Fatal("expected error")
	}
	if got != nil {
		t.Fatalf("expected no intents, got %v", got)
	}
}

func TestLLMClassifierSkipsWithoutActions(t *testing.T) {
	gen := &fakeGenerator{output: `[{"action":"mute"}]`}
	c := NewLLMClassifier(gen, "fast", 128, func() []string { return nil })

	got, err := c.Classify(context.Background(), "mute")
	if err != nil || got != nil {
		t.Fatalf("expected no call without registered actions, got %v, %v", got, err)
	}
	if gen.req.Prompt != "" {
		t.Fatal("expected generator not to be called")
	}
}
