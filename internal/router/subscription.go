package router

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"empirectl/internal/observability"
	"empirectl/internal/protocol/frame"
)

// Subscription is a durable observer for one command. Each subscription owns
// a bounded queue drained by its own worker goroutine: frames of a command
// reach the callback in arrival order, a slow or failing subscriber backs up
// only its own queue, and the receive path never blocks on delivery. When
// the queue saturates the oldest pending invocation is dropped and counted;
// receive-loop liveness wins over completeness of observation.
type Subscription struct {
	id      uuid.UUID
	command string
	r       *Router
	fn      Callback

	queue chan frame.Frame
	quit  chan struct{}
}

func newSubscription(r *Router, command string, fn Callback, depth int) *Subscription {
	s := &Subscription{
		id:      uuid.New(),
		command: command,
		r:       r,
		fn:      fn,
		queue:   make(chan frame.Frame, depth),
		quit:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.quit:
			return
		case f := <-s.queue:
			runCallback(s.command, s.fn, f)
		}
	}
}

func runCallback(command string, fn Callback, f frame.Frame) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("command", command).Interface("panic", r).
				Msg("subscriber callback panicked")
		}
	}()
	fn(f)
}

// deliver enqueues without blocking the dispatcher.
func (s *Subscription) deliver(f frame.Frame) {
	select {
	case s.queue <- f:
		return
	default:
	}

	// Saturated: evict the oldest queued frame first.
	select {
	case <-s.queue:
		s.r.countDrop(s.command)
	default:
	}
	select {
	case s.queue <- f:
	default:
		s.r.countDrop(s.command)
	}
}

// Cancel detaches the subscription. It takes effect for frames dispatched
// afterwards; an already-running callback may still complete.
func (s *Subscription) Cancel() {
	s.r.mu.Lock()
	if m, ok := s.r.subs[s.command]; ok {
		if _, present := m[s.id]; present {
			delete(m, s.id)
			if len(m) == 0 {
				delete(s.r.subs, s.command)
			}
			close(s.quit)
		}
	}
	s.r.mu.Unlock()
}

func (r *Router) countDrop(command string) {
	n := r.dropped.Add(1)
	observability.RecordDroppedCallback()
	log.Warn().Str("command", command).Uint64("dropped_total", n).
		Msg("router overload, callback dropped")
}

// Dropped reports how many queued invocations were discarded under overload.
func (r *Router) Dropped() uint64 {
	return r.dropped.Load()
}
