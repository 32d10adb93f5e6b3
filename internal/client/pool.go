package client

import (
	"context"
	"fmt"
	"sync"
)

// Pool hands out clients by account name with exclusive checkout: one
// holder per account at a time, so concurrent automation cannot interleave
// commands on the same session.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	client *Client
	slot   chan struct{}
}

func NewPool() *Pool {
	return &Pool{entries: make(map[string]*poolEntry)}
}

// Add registers a client under account. Re-registering an account replaces
// the client only if the old one is not checked out.
func (p *Pool) Add(account string, c *Client) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.entries[account]; ok {
		select {
		case <-cur.slot:
			// Old client was free; its token is discarded with it.
		default:
			return fmt.Errorf("client: account %q is checked out", account)
		}
	}
	slot := make(chan struct{}, 1)
	slot <- struct{}{}
	p.entries[account] = &poolEntry{client: c, slot: slot}
	return nil
}

// Accounts lists the registered account names.
func (p *Pool) Accounts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.entries))
	for name := range p.entries {
		out = append(out, name)
	}
	return out
}

// Checkout acquires exclusive use of an account's client, waiting until the
// current holder releases it or ctx ends. The release func must be called
// exactly once; calling it more than once is a no-op.
func (p *Pool) Checkout(ctx context.Context, account string) (*Client, func(), error) {
	p.mu.Lock()
	e, ok := p.entries[account]
	p.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("client: unknown account %q", account)
	}

	select {
	case <-e.slot:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() { e.slot <- struct{}{} })
	}
	return e.client, release, nil
}
