// Package router is the single dispatch point for inbound frames: it
// resolves at most one pending request and fans out to every subscriber,
// without ever blocking the receive path on consumer code.
package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"empirectl/internal/protocol/frame"
)

// Callback observes frames for one command. Callbacks run on their
// subscription's worker; a slow or failing one cannot stall dispatch or its
// peers.
type Callback func(frame.Frame)

// Config bounds per-subscription delivery queues.
type Config struct {
	QueueDepth int
}

func DefaultConfig() Config {
	return Config{QueueDepth: 256}
}

// Router routes each inbound frame to waiters and subscribers.
type Router struct {
	depth int

	mu      sync.Mutex
	waiters map[string][]*Waiter
	subs    map[string]map[uuid.UUID]*Subscription

	dropped atomic.Uint64
}

func New(cfg Config) *Router {
	if cfg.QueueDepth <= 0 {
		cfg = DefaultConfig()
	}
	return &Router{
		depth:   cfg.QueueDepth,
		waiters: make(map[string][]*Waiter),
		subs:    make(map[string]map[uuid.UUID]*Subscription),
	}
}

// RegisterWaiter creates a pending request for command. sequence narrows the
// match to one response; pass frame.NoSequence to accept the next frame of
// the command in arrival order. A timeout > 0 arms the expiry timer.
func (r *Router) RegisterWaiter(command string, sequence int, timeout time.Duration) *Waiter {
	w := &Waiter{
		id:       uuid.New(),
		command:  command,
		sequence: sequence,
		done:     make(chan struct{}),
		r:        r,
	}

	r.mu.Lock()
	r.waiters[command] = append(r.waiters[command], w)
	r.mu.Unlock()

	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, w.expire)
	}
	return w
}

// Subscribe registers fn for every future frame of command.
func (r *Router) Subscribe(command string, fn Callback) *Subscription {
	s := newSubscription(r, command, fn, r.depth)
	r.mu.Lock()
	m, ok := r.subs[command]
	if !ok {
		m = make(map[uuid.UUID]*Subscription)
		r.subs[command] = m
	}
	m[s.id] = s
	r.mu.Unlock()
	return s
}

// Dispatch routes one frame. It is invoked once per inbound frame by the
// single receive path, preserving strict arrival order. A frame may resolve
// a waiter and still reach every subscriber; notification never consumes it.
func (r *Router) Dispatch(f frame.Frame) {
	r.resolveOne(f)

	r.mu.Lock()
	var targets []*Subscription
	if m, ok := r.subs[f.Command]; ok {
		targets = make([]*Subscription, 0, len(m))
		for _, s := range m {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		s.deliver(f.Clone())
	}
}

// Close cancels every waiter and subscription. Used on shutdown.
func (r *Router) Close() {
	r.mu.Lock()
	var waiters []*Waiter
	for _, queue := range r.waiters {
		waiters = append(waiters, queue...)
	}
	var subs []*Subscription
	for _, m := range r.subs {
		for _, s := range m {
			subs = append(subs, s)
		}
	}
	r.mu.Unlock()

	for _, w := range waiters {
		w.Cancel()
	}
	for _, s := range subs {
		s.Cancel()
	}
}

// resolveOne resolves the oldest outstanding matching waiter, if any.
// Expired or cancelled stragglers encountered on the way are pruned.
func (r *Router) resolveOne(f frame.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.waiters[f.Command]
	for i := 0; i < len(queue); {
		w := queue[i]
		if w.state.Load() != waiterPending {
			queue = append(queue[:i], queue[i+1:]...)
			continue
		}
		if !w.matches(f) {
			i++
			continue
		}
		queue = append(queue[:i], queue[i+1:]...)
		// Resolve after removal so a lost race against expiry cannot leave
		// the slot reachable by another frame.
		if w.resolve(f.Clone()) {
			r.setQueue(f.Command, queue)
			return
		}
	}
	r.setQueue(f.Command, queue)
}

func (r *Router) setQueue(command string, queue []*Waiter) {
	if len(queue) == 0 {
		delete(r.waiters, command)
	} else {
		r.waiters[command] = queue
	}
}

func (r *Router) removeWaiter(w *Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.waiters[w.command]
	for i, cur := range queue {
		if cur.id == w.id {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	r.setQueue(w.command, queue)
}
