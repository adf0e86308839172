package tts

import (
	"context"
	"time"
	"unicode/utf8"
)

const (
	// perRune approximates speaking rate for the silent mock voice.
	perRune = 45 * time.Millisecond
	// mockChunk is the longest stretch of silence sent in one chunk.
	mockChunk = 200 * time.Millisecond
)

type silentVoice struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a synthesizer that streams silence whose length
// follows the text length.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return silentVoice{sampleRate: sampleRate, channels: channels}
}

func (v silentVoice) frames(d time.Duration) int {
	return int(d * time.Duration(v.sampleRate) / time.Second)
}

func (v silentVoice) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(chunks)

		remaining := v.frames(time.Duration(utf8.RuneCountInString(req.Text)) * perRune)
		step := max(v.frames(mockChunk), 1)
		for seq := 0; ; seq++ {
			n := min(remaining, step)
			remaining -= n
			chunk := SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   seq,
				SampleRate: v.sampleRate,
				Channels:   v.channels,
				PCM:        make([]byte, n*v.channels*2),
				Final:      remaining == 0,
			}
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			if chunk.Final {
				return
			}
		}
	}()
	return chunks, errs
}
