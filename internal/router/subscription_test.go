package router

import (
	"sync"
	"testing"
	"time"

	"empirectl/internal/protocol/frame"
	"empirectl/internal/testutil/testlog"
)

func TestOverloadDropsOldestAndCounts(t *testing.T) {
	testlog.Start(t)
	r := New(Config{QueueDepth: 2})
	t.Cleanup(r.Close)

	block := make(chan struct{})
	started := make(chan struct{}, 5)
	var mu sync.Mutex
	var seen []int
	r.Subscribe("gam", func(f frame.Frame) {
		mu.Lock()
		seen = append(seen, f.Sequence)
		mu.Unlock()
		started <- struct{}{}
		<-block
	})

	// Let the worker take frame 1, then fill the queue and overflow it.
	r.Dispatch(extFrame("gam", 1))
	<-started
	for seq := 2; seq <= 5; seq++ {
		r.Dispatch(extFrame("gam", seq))
	}

	waitFor(t, time.Second, func() bool { return r.Dropped() >= 2 })
	close(block)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	// The worker held frame 1; of the queued frames the oldest were evicted,
	// so the newest two survive in order.
	if seen[0] != 1 || seen[1] != 4 || seen[2] != 5 {
		t.Fatalf("unexpected surviving frames %v", seen)
	}
}

func TestOverloadIsolatedPerSubscription(t *testing.T) {
	testlog.Start(t)
	r := New(Config{QueueDepth: 1})
	t.Cleanup(r.Close)

	block := make(chan struct{})
	r.Subscribe("gam", func(frame.Frame) { <-block })
	defer close(block)

	var mu sync.Mutex
	var healthy []int
	r.Subscribe("gam", func(f frame.Frame) {
		mu.Lock()
		healthy = append(healthy, f.Sequence)
		mu.Unlock()
	})

	// Pace on the healthy subscriber so only the blocked one can saturate
	// its queue; every frame must still get through to the healthy side.
	for seq := 1; seq <= 4; seq++ {
		r.Dispatch(extFrame("gam", seq))
		want := seq
		waitFor(t, time.Second, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(healthy) == want
		})
	}

	if r.Dropped() == 0 {
		t.Fatal("blocked subscriber never overflowed its queue")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, seq := range healthy {
		if seq != i+1 {
			t.Fatalf("healthy subscriber saw %v, want [1 2 3 4]", healthy)
		}
	}
}
