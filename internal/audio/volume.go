package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ErrNoVolumeControl is returned by volume operations when the host offers
// no way to adjust the output level.
var ErrNoVolumeControl = errors.New("volume control unavailable")

// VolumeControl reads and sets the system output level in percent (0-100).
type VolumeControl interface {
	Volume(ctx context.Context) (int, error)
	SetVolume(ctx context.Context, level int) error
}

// NoVolume is the control used when nothing is configured.
type NoVolume struct{}

func (NoVolume) Volume(context.Context) (int, error)    { return 0, ErrNoVolumeControl }
func (NoVolume) SetVolume(context.Context, int) error { return ErrNoVolumeControl }

// StaticVolume keeps the level in memory.
type StaticVolume struct {
	mu    sync.Mutex
	level int
}

func NewStaticVolume(level int) *StaticVolume {
	return &StaticVolume{level: clampLevel(level)}
}

func (s *StaticVolume) Volume(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level, nil
}

func (s *StaticVolume) SetVolume(_ context.Context, level int) error {
	s.mu.Lock()
	s.level = clampLevel(level)
	s.mu.Unlock()
	return nil
}

var percentRe = regexp.MustCompile(`(\d+)\s*%`)

// ExecVolume shells out to platform tools. The get command must print the
// level, either as a bare integer or as the first "NN%" token (pactl, amixer).
// The set command receives the level through a {level} placeholder, e.g.
// "pactl set-sink-volume @DEFAULT_SINK@ {level}%" or
// "osascript -e 'set volume output volume {level}'".
type ExecVolume struct {
	get []string
	set []string
}

func NewExecVolume(getCommand, setCommand string) (*ExecVolume, error) {
	parser := shellwords.NewParser()
	get, err := parser.Parse(getCommand)
	if err != nil {
		return nil, fmt.Errorf("parse volume get command: %w", err)
	}
	set, err := parser.Parse(setCommand)
	if err != nil {
		return nil, fmt.Errorf("parse volume set command: %w", err)
	}
	if len(get) == 0 || len(set) == 0 {
		return nil, errors.New("volume commands must not be empty")
	}
	return &ExecVolume{get: get, set: set}, nil
}

func (e *ExecVolume) Volume(ctx context.Context) (int, error) {
	cmd := exec.CommandContext(ctx, e.get[0], e.get[1:]...)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("volume get: %w", err)
	}
	return parseLevel(out)
}

func (e *ExecVolume) SetVolume(ctx context.Context, level int) error {
	value := strconv.Itoa(clampLevel(level))
	args := make([]string, len(e.set))
	for i, arg := range e.set {
		args[i] = strings.ReplaceAll(arg, "{level}", value)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("volume set: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func parseLevel(out []byte) (int, error) {
	if m := percentRe.FindSubmatch(out); len(m) >= 2 {
		return strconv.Atoi(string(m[1]))
	}
	text := strings.TrimSpace(string(out))
	level, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("unrecognised volume output %q", text)
	}
	return level, nil
}

func clampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}
