package actions

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/mattn/go-shellwords"
)

var placeholderRe = regexp.MustCompile(`\{([a-z_][a-z0-9_]*)\}`)

// CommandHandler runs a command template such as "open -a {name}" or
// "playerctl play". The template is split into words first and arguments
// are substituted per word, so values never reach a shell.
func CommandHandler(template string) (Handler, error) {
	parser := shellwords.NewParser()
	words, err := parser.Parse(template)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", template, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("command template is empty")
	}
	return func(ctx context.Context, args Args) (any, error) {
		argv := make([]string, len(words))
		for i, word := range words {
			expanded, err := expand(word, args)
			if err != nil {
				return nil, err
			}
			argv[i] = expanded
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(stderr.String()))
		}
		if out := strings.TrimSpace(stdout.String()); out != "" {
			return out, nil
		}
		return "ok", nil
	}, nil
}

// RegisterCommands registers one command-backed action per entry.
func RegisterCommands(reg *Registry, commands map[string]string) error {
	for name, template := range commands {
		h, err := CommandHandler(template)
		if err != nil {
			return fmt.Errorf("action %s: %w", name, err)
		}
		if err := reg.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

func expand(word string, args Args) (string, error) {
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(word, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := args[key]
		if !ok || v == nil {
			missing = key
			return m
		}
		return fmt.Sprint(v)
	})
	if missing != "" {
		return "", fmt.Errorf("missing argument %q", missing)
	}
	return out, nil
}
