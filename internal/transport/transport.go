package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"empirectl/internal/observability"
	"empirectl/internal/protocol/frame"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	// ErrDisconnected is the terminal signal of a receive loop. Read and
	// connect failures surface as this, never as panics or cross-layer
	// exceptions; the supervisor decides whether to reconnect.
	ErrDisconnected = errors.New("transport: disconnected")
)

// Stream is one ordered, reliable byte stream. TLS sockets and WebSocket
// adapters both satisfy it.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Dialer produces connected streams.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Stream, error)
}

// TLSDialer dials raw TLS sockets.
type TLSDialer struct {
	Config  *tls.Config
	Timeout time.Duration
}

func (d TLSDialer) Dial(ctx context.Context, endpoint string) (Stream, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	td := &tls.Dialer{NetDialer: nd, Config: d.Config}
	conn, err := td.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrDisconnected, endpoint, err)
	}
	return conn, nil
}

const readChunk = 4096

// Transport owns the socket and the inbound frame sequence. One goroutine
// calls Receive; Send is safe from any goroutine.
type Transport struct {
	dialer Dialer

	mu     sync.Mutex
	stream Stream

	dec         *frame.Decoder
	lastTraffic atomic.Int64
}

func New(dialer Dialer, limits frame.Limits) *Transport {
	return &Transport{
		dialer: dialer,
		dec:    frame.NewDecoder(limits),
	}
}

// Connect establishes a fresh stream, dropping any previous one along with
// undecoded buffer remains.
func (t *Transport) Connect(ctx context.Context, endpoint string) error {
	stream, err := t.dialer.Dial(ctx, endpoint)
	if err != nil {
		return err
	}

	t.mu.Lock()
	old := t.stream
	t.stream = stream
	t.dec.Reset()
	t.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	t.stampTraffic()
	return nil
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stream != nil
}

func (t *Transport) Send(b []byte) error {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()
	if stream == nil {
		return ErrNotConnected
	}
	if _, err := stream.Write(b); err != nil {
		return fmt.Errorf("%w: write: %v", ErrDisconnected, err)
	}
	return nil
}

// Receive blocks until the next frame. Malformed input is counted, logged
// and skipped; only stream failure ends the sequence, as ErrDisconnected.
func (t *Transport) Receive() (frame.Frame, error) {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()
	if stream == nil {
		return frame.Frame{}, ErrNotConnected
	}

	buf := make([]byte, readChunk)
	for {
		f, err := t.dec.Next()
		if err == nil {
			observability.RecordFrame(f.Channel.String(), f.Command)
			return f, nil
		}

		var de *frame.DecodeError
		if errors.As(err, &de) {
			observability.RecordDecodeError()
			log.Warn().Str("reason", de.Reason).Int("skipped", de.Skipped).
				Msg("malformed frame skipped")
			continue
		}

		// ErrIncomplete: pull more bytes off the wire.
		n, rerr := stream.Read(buf)
		if n > 0 {
			t.dec.Feed(buf[:n])
			t.stampTraffic()
		}
		if rerr != nil {
			return frame.Frame{}, fmt.Errorf("%w: read: %v", ErrDisconnected, rerr)
		}
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	stream := t.stream
	t.stream = nil
	t.mu.Unlock()
	if stream == nil {
		return nil
	}
	return stream.Close()
}

// LastTraffic reports when inbound bytes were last observed. The keepalive
// monitor reads this to detect silent connections.
func (t *Transport) LastTraffic() time.Time {
	n := t.lastTraffic.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (t *Transport) stampTraffic() {
	t.lastTraffic.Store(time.Now().UnixNano())
}
