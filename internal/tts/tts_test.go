package tts

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCollectJoinsChunks(t *testing.T) {
	synth := scriptedSynth{chunks: []SynthChunk{
		{SampleRate: 16000, Channels: 1, PCM: []byte{1, 2}},
		{SampleRate: 16000, Channels: 1, PCM: []byte{3, 4}, Final: true},
	}}
	clip, err := Collect(context.Background(), synth, SynthRequest{Text: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(clip.PCM) != string([]byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected pcm %v", clip.PCM)
	}
	if clip.SampleRate != 16000 || clip.Channels != 1 {
		t.Fatalf("unexpected format %+v", clip)
	}
}

func TestCollectReturnsSynthError(t *testing.T) {
	synth := scriptedSynth{err: errors.New("voice missing")}
	if _, err := Collect(context.Background(), synth, SynthRequest{Text: "hi"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestMockSynthLengthFollowsText(t *testing.T) {
	synth := NewMockSynth(16000, 1)
	short, err := Collect(context.Background(), synth, SynthRequest{Text: "Hi."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	long, err := Collect(context.Background(), synth, SynthRequest{Text: "Hello there, how are you?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if long.Duration() <= short.Duration() {
		t.Fatalf("expected longer clip for longer text: %s vs %s", long.Duration(), short.Duration())
	}
	if got := short.Duration(); got != 3*perRune {
		t.Fatalf("expected %s, got %s", 3*perRune, got)
	}
}

func TestMockSynthCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Collect(ctx, NewMockSynth(16000, 1), SynthRequest{Text: "Hi."}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewExecSynthValidates(t *testing.T) {
	if _, err := NewExecSynth("", 16000, 1); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := NewExecSynth("piper", 0, 1); err == nil {
		t.Fatal("expected error for invalid sample rate")
	}
}

type scriptedSynth struct {
	chunks []SynthChunk
	err    error
}

func (s scriptedSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, c := range s.chunks {
			select {
			case chunks <- c:
			case <-time.After(time.Second):
				return
			}
		}
		if s.err != nil {
			errs <- s.err
		}
	}()
	return chunks, errs
}

func TestExecSynthStreamsStdout(t *testing.T) {
	synth, err := NewExecSynth(`sh -c 'cat'`, 16000, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	clip, err := Collect(context.Background(), synth, SynthRequest{Text: "abcde"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if string(clip.PCM) != "abcd" {
		t.Fatalf("expected frame-aligned pcm, got %q", clip.PCM)
	}
	if clip.SampleRate != 16000 || clip.Channels != 1 {
		t.Fatalf("unexpected format %+v", clip)
	}
}

func TestExecSynthTextPlaceholder(t *testing.T) {
	synth, err := NewExecSynth(`printf %s {text}`, 16000, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	clip, err := Collect(context.Background(), synth, SynthRequest{Text: "hi there"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if string(clip.PCM) != "hi there" {
		t.Fatalf("expected substituted text, got %q", clip.PCM)
	}
}

func TestExecSynthFailureIncludesStderr(t *testing.T) {
	synth, err := NewExecSynth(`sh -c 'echo "no voice" >&2; exit 1'`, 16000, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = Collect(context.Background(), synth, SynthRequest{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "no voice") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}
