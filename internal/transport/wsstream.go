package transport

import (
	"bytes"
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// WSDialer adapts WebSocket endpoints to the Stream interface so the same
// codec and runtime drive either raw TLS sockets or wss gateways. Over
// WebSocket every message is one frame; the adapter restores the stream
// terminator on reads and strips it on writes.
type WSDialer struct {
	Dialer *websocket.Dialer
}

func (d WSDialer) Dial(ctx context.Context, endpoint string) (Stream, error) {
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	conn, _, err := wd.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrDisconnected, endpoint, err)
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
	rbuf []byte
}

func (s *wsStream) Read(p []byte) (int, error) {
	for len(s.rbuf) == 0 {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if len(msg) == 0 {
			continue
		}
		s.rbuf = append(msg, 0x00)
	}
	n := copy(p, s.rbuf)
	s.rbuf = s.rbuf[n:]
	return n, nil
}

func (s *wsStream) Write(p []byte) (int, error) {
	msg := bytes.TrimSuffix(p, []byte{0x00})
	if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
