package session

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrCancelled is the cause recorded when a turn is cancelled explicitly.
var ErrCancelled = errors.New("turn cancelled")

// Token is the cancellation token of one turn. It is threaded through every
// suspending call of the turn as a context; cancelling it is idempotent.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	fired  atomic.Bool
}

// NewToken returns a token that also fires when parent is done.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel fires the token. It reports whether this call was the one that
// fired it.
func (t *Token) Cancel() bool {
	if !t.fired.CompareAndSwap(false, true) {
		return false
	}
	t.cancel(ErrCancelled)
	return true
}

// Cancelled reports whether the token fired, either through Cancel or
// because the parent context ended.
func (t *Token) Cancelled() bool {
	return t.ctx.Err() != nil
}

func (t *Token) Context() context.Context { return t.ctx }

func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Err returns the cancellation cause, or nil while the token is live.
func (t *Token) Err() error {
	if t.ctx.Err() == nil {
		return nil
	}
	return context.Cause(t.ctx)
}

// release frees the token's resources without marking it cancelled.
func (t *Token) release() {
	t.cancel(nil)
}
