package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// Clip is a block of signed 16-bit little-endian PCM.
type Clip struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration reports the playback length of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.PCM) / (2 * c.Channels)
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// ErrStopped is returned by Play when Stop cut the clip short.
var ErrStopped = errors.New("playback stopped")

// Output plays clips on a device. Play blocks until the clip finished,
// the context is cancelled or Stop is called; the last two are reported as
// the context's error and ErrStopped.
type Output interface {
	Play(ctx context.Context, clip Clip) error
	Stop() error
}

// NullOutput discards audio but holds the caller for the clip duration, so
// pacing matches a real device.
type NullOutput struct {
	mu   sync.Mutex
	stop chan struct{}
}

func NewNullOutput() *NullOutput {
	return &NullOutput{stop: make(chan struct{})}
}

func (n *NullOutput) Play(ctx context.Context, clip Clip) error {
	n.mu.Lock()
	stop := n.stop
	n.mu.Unlock()

	timer := time.NewTimer(clip.Duration())
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *NullOutput) Stop() error {
	n.mu.Lock()
	close(n.stop)
	n.stop = make(chan struct{})
	n.mu.Unlock()
	return nil
}

// ExecOutput writes each clip to a temporary WAV file and hands it to a
// player command such as "aplay -q", "paplay" or "afplay". A {file}
// placeholder in the command is replaced with the path, otherwise the path
// is appended.
type ExecOutput struct {
	cmd []string

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewExecOutput(command string) (*ExecOutput, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse output command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("output command empty")
	}
	return &ExecOutput{cmd: args}, nil
}

func (e *ExecOutput) Play(ctx context.Context, clip Clip) error {
	file, err := os.CreateTemp(os.TempDir(), "loqa_voice_*.wav")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())

	if err := WriteWAV(file, clip); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close wav file: %w", err)
	}

	playCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
		cancel()
	}()

	args := substituteFile(e.cmd[1:], file.Name())
	command := exec.CommandContext(playCtx, e.cmd[0], args...)
	command.WaitDelay = time.Second
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if playCtx.Err() != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrStopped
		}
		return fmt.Errorf("output command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (e *ExecOutput) Stop() error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func substituteFile(args []string, path string) []string {
	out := make([]string, 0, len(args)+1)
	replaced := false
	for _, arg := range args {
		if strings.Contains(arg, "{file}") {
			arg = strings.ReplaceAll(arg, "{file}", path)
			replaced = true
		}
		out = append(out, arg)
	}
	if !replaced {
		out = append(out, path)
	}
	return out
}

// WriteWAV encodes the clip as a 16-bit WAV stream.
func WriteWAV(w io.WriteSeeker, clip Clip) error {
	if len(clip.PCM)%2 != 0 {
		return errors.New("pcm payload not aligned")
	}
	if clip.SampleRate <= 0 || clip.Channels <= 0 {
		return fmt.Errorf("invalid clip format: rate=%d channels=%d", clip.SampleRate, clip.Channels)
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: clip.Channels, SampleRate: clip.SampleRate}}
	samples := make([]int, len(clip.PCM)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(clip.PCM[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, clip.SampleRate, 16, clip.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
