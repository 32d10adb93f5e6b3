package router

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"empirectl/internal/observability"
	"empirectl/internal/protocol/frame"
)

var (
	// ErrRequestTimeout is local to the issuing caller; other in-flight
	// requests are unaffected.
	ErrRequestTimeout  = errors.New("router: request timed out")
	ErrWaiterCancelled = errors.New("router: waiter cancelled")
)

const (
	waiterPending int32 = iota
	waiterResolved
	waiterExpired
	waiterCancelled
)

// Waiter is a single-use pending request: resolved by exactly one matching
// frame, or expired by its deadline, never both. Once expired the slot can
// never be resolved by a late frame.
type Waiter struct {
	id       uuid.UUID
	command  string
	sequence int

	state atomic.Int32
	done  chan struct{}
	frame frame.Frame
	err   error

	timer *time.Timer
	r     *Router
}

// Done closes when the waiter leaves the pending state.
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}

// Result is valid only after Done closes.
func (w *Waiter) Result() (frame.Frame, error) {
	return w.frame, w.err
}

// Await blocks until resolution, expiry, or ctx cancellation.
func (w *Waiter) Await(ctx context.Context) (frame.Frame, error) {
	select {
	case <-w.done:
		return w.frame, w.err
	case <-ctx.Done():
		w.Cancel()
		// A resolution may have won the race against cancellation.
		<-w.done
		if w.state.Load() == waiterResolved {
			return w.frame, nil
		}
		return frame.Frame{}, ctx.Err()
	}
}

// Cancel frees the slot immediately. Safe to call more than once.
func (w *Waiter) Cancel() {
	if w.state.CompareAndSwap(waiterPending, waiterCancelled) {
		w.err = ErrWaiterCancelled
		w.stopTimer()
		close(w.done)
		w.r.removeWaiter(w)
	}
}

func (w *Waiter) matches(f frame.Frame) bool {
	if w.command != f.Command {
		return false
	}
	return w.sequence == frame.NoSequence || w.sequence == f.Sequence
}

// resolve delivers the frame if the slot is still pending. The frame is
// stored before done closes, so Await observes it without further locking.
func (w *Waiter) resolve(f frame.Frame) bool {
	if !w.state.CompareAndSwap(waiterPending, waiterResolved) {
		return false
	}
	w.frame = f
	w.stopTimer()
	close(w.done)
	observability.RecordWaiterResolved(w.command)
	return true
}

func (w *Waiter) expire() {
	if w.state.CompareAndSwap(waiterPending, waiterExpired) {
		w.err = ErrRequestTimeout
		close(w.done)
		w.r.removeWaiter(w)
		observability.RecordWaiterTimeout(w.command)
	}
}

func (w *Waiter) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
	}
}
