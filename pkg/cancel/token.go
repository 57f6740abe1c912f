// Package cancel provides an observable abort signal shared by every
// in-flight operation of a run.
//
// Invariants:
// - RequestCancel is idempotent and safe from any goroutine.
// - Cancelled is monotonic: once true it never reverts.
// - Done never closes more than once.
package cancel

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCancelled is returned by operations aborted through a Token. It is a
// terminal outcome, not a fault: callers report it with whatever partial
// state exists instead of treating it as an error to retry.
var ErrCancelled = errors.New("operation cancelled")

// Token is a lightweight, thread-safe cancellation flag.
type Token struct {
	once sync.Once
	done chan struct{}
}

// NewToken creates an unset cancellation token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// RequestCancel signals cancellation. Repeated calls are no-ops.
func (t *Token) RequestCancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether cancellation has been requested.
func (t *Token) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when cancellation is requested, for use in
// select-based waits.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Err returns ErrCancelled when cancellation has been requested, nil
// otherwise.
func (t *Token) Err() error {
	if t.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// Wait blocks until cancellation occurs or timeout elapses. It returns true
// when the token fired.
func (t *Token) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

// Bind derives a context cancelled when either the parent is done or the
// token fires. The cancellation cause is ErrCancelled when the token fired
// first. The returned cancel function releases the watcher goroutine and
// must be called on every exit path.
func (t *Token) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancelCtx := context.WithCancelCause(parent)
	go func() {
		select {
		case <-t.done:
			cancelCtx(ErrCancelled)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancelCtx(nil) }
}

// CauseOf unwraps the cancellation cause from a context-derived error. When
// ctx carries ErrCancelled as its cause the explicit cancellation error is
// returned so callers can distinguish user aborts from deadline expiry.
func CauseOf(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, ErrCancelled) {
		return ErrCancelled
	}
	return err
}

// IsCancelled reports whether err represents explicit cancellation, either
// through ErrCancelled or a context cancelled with it as cause.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// ErrIfCancelled returns ErrCancelled when the optional token has fired.
// A nil token never cancels.
func ErrIfCancelled(t *Token) error {
	if t == nil {
		return nil
	}
	return t.Err()
}
