package tts

import (
	"context"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio. Both channels are closed
// when synthesis ends; at most one error is delivered.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Collect runs a synthesis to completion and joins the streamed chunks into
// one clip. The clip format is taken from the first chunk.
func Collect(ctx context.Context, synth Synthesizer, req SynthRequest) (audio.Clip, error) {
	chunks, errs := synth.Synthesize(ctx, req)
	var clip audio.Clip
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if clip.SampleRate == 0 {
				clip.SampleRate = chunk.SampleRate
				clip.Channels = chunk.Channels
			}
			clip.PCM = append(clip.PCM, chunk.PCM...)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return audio.Clip{}, err
			}
		case <-ctx.Done():
			return audio.Clip{}, ctx.Err()
		}
	}
	return clip, nil
}
