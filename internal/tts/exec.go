package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// execSynth drives a local voice binary such as piper or espeak-ng that
// writes raw little-endian 16-bit PCM to stdout. The text replaces a {text}
// argument when the command has one and is written to stdin otherwise.
// {voice} is replaced by the requested voice.
type execSynth struct {
	args       []string
	textInArgs bool
	sampleRate int
	channels   int
}

// readBytes is the size of one streamed chunk before frame alignment.
const readBytes = 16 << 10

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid tts format: rate=%d channels=%d", sampleRate, channels)
	}
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	s := &execSynth{args: args, sampleRate: sampleRate, channels: channels}
	for _, a := range args[1:] {
		if strings.Contains(a, "{text}") {
			s.textInArgs = true
		}
	}
	return s, nil
}

func (e *execSynth) command(ctx context.Context, req SynthRequest) *exec.Cmd {
	r := strings.NewReplacer("{text}", req.Text, "{voice}", req.Voice)
	args := make([]string, 0, len(e.args)-1)
	for _, a := range e.args[1:] {
		args = append(args, r.Replace(a))
	}
	cmd := exec.CommandContext(ctx, e.args[0], args...)
	if !e.textInArgs {
		cmd.Stdin = strings.NewReader(req.Text)
	}
	cmd.WaitDelay = time.Second
	return cmd
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := e.stream(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execSynth) stream(ctx context.Context, req SynthRequest, chunks chan<- SynthChunk) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := e.command(runCtx, req)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}

	frame := 2 * e.channels
	buf := make([]byte, readBytes-readBytes%frame)
	sequence := 0
	var readErr error
	for readErr == nil {
		n, err := io.ReadFull(stdout, buf)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			readErr = io.EOF
		case err != nil:
			readErr = err
		}
		n -= n % frame
		if n == 0 {
			continue
		}
		chunk := SynthChunk{
			SessionID:  req.SessionID,
			Sequence:   sequence,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
			PCM:        bytes.Clone(buf[:n]),
			Final:      readErr != nil,
		}
		select {
		case chunks <- chunk:
		case <-ctx.Done():
			cancel()
			_ = cmd.Wait()
			return ctx.Err()
		}
		sequence++
	}
	waitErr := cmd.Wait()
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case readErr != io.EOF:
		return fmt.Errorf("read tts output: %w", readErr)
	case waitErr != nil:
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		if msg != "" {
			return fmt.Errorf("tts command failed: %w: %s", waitErr, msg)
		}
		return fmt.Errorf("tts command failed: %w", waitErr)
	}
	return nil
}
