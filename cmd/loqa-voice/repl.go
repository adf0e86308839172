package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/session"
)

const helpText = `Commands:
  /stop     stop the current answer
  /mute     stop speaking (answers still print)
  /unmute   speak answers again
  /reset    forget the conversation
  /history  show the remembered conversation
  /quit     exit`

type assistant interface {
	Submit(ctx context.Context, text string) iter.Seq2[string, error]
	Cancel() bool
	EnableSpeech()
	DisableSpeech()
	History() []session.Turn
}

// repl reads lines and drives the assistant. A new message interrupts the
// answer in progress.
type repl struct {
	assistant assistant
	reset     func(context.Context) error
	timeout   time.Duration

	mu  sync.Mutex
	out io.Writer

	turns sync.WaitGroup
}

// newREPL builds a prompt loop. A positive timeout bounds every turn.
func newREPL(a assistant, reset func(context.Context) error, timeout time.Duration, out io.Writer) *repl {
	return &repl{assistant: a, reset: reset, timeout: timeout, out: out}
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// run returns when lines is closed, ctx is done or the user quits. On end of
// input the answer in progress is allowed to finish.
func (r *repl) run(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			r.assistant.Cancel()
			r.turns.Wait()
			return nil
		case line, ok := <-lines:
			if !ok {
				r.turns.Wait()
				return nil
			}
			quit, err := r.handle(ctx, line)
			if err != nil {
				r.printf("error: %v\n", err)
			}
			if quit {
				r.assistant.Cancel()
				r.turns.Wait()
				return nil
			}
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	text := strings.TrimSpace(line)
	if text == "" {
		return false, nil
	}
	if !strings.HasPrefix(text, "/") {
		r.interrupt()
		r.turns.Add(1)
		go func() {
			defer r.turns.Done()
			r.turn(ctx, text)
		}()
		return false, nil
	}

	switch strings.ToLower(text) {
	case "/stop":
		if !r.assistant.Cancel() {
			r.printf("nothing to stop\n")
		}
	case "/mute":
		r.assistant.DisableSpeech()
		r.printf("speech off\n")
	case "/unmute":
		r.assistant.EnableSpeech()
		r.printf("speech on\n")
	case "/reset":
		r.interrupt()
		if err := r.reset(ctx); err != nil {
			return false, err
		}
		r.printf("conversation cleared\n")
	case "/history":
		history := r.assistant.History()
		if len(history) == 0 {
			r.printf("(empty)\n")
		}
		for _, t := range history {
			r.printf("you: %s\nloqa: %s\n", t.User, t.Assistant)
		}
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.printf("%s\n", helpText)
	default:
		r.printf("unknown command %s, try /help\n", text)
	}
	return false, nil
}

// interrupt cancels the running turn and waits for it to wind down.
func (r *repl) interrupt() {
	r.assistant.Cancel()
	r.turns.Wait()
}

func (r *repl) turn(ctx context.Context, text string) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	for chunk, err := range r.assistant.Submit(ctx, text) {
		if err != nil {
			switch {
			case errors.Is(err, session.ErrCancelled), errors.Is(err, context.Canceled):
				r.printf(" [stopped]")
			case errors.Is(err, context.DeadlineExceeded):
				r.printf(" [timed out]")
			default:
				r.printf("\nerror: %v", err)
			}
			break
		}
		r.printf("%s", chunk)
	}
	r.printf("\n")
}
