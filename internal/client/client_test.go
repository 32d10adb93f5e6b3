package client

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"empirectl/internal/handshake"
	"empirectl/internal/protocol"
	"empirectl/internal/protocol/frame"
	"empirectl/internal/state"
	"empirectl/internal/testutil/testlog"
	"empirectl/internal/transport"
)

// fakeConn plays the server side: outbound frames are answered from a
// scripted response table, inbound frames can also be pushed directly.
type fakeConn struct {
	mu        sync.Mutex
	inbound   chan frame.Frame
	closed    bool
	connects  int
	sent      []string
	responses map[string][]frame.Frame
	traffic   time.Time

	receiving atomic.Int32
	overlap   atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{responses: make(map[string][]frame.Frame)}
}

func (fc *fakeConn) respond(command string, frames ...frame.Frame) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.responses[command] = frames
}

func (fc *fakeConn) Connect(ctx context.Context, endpoint string) error {
	// A new session must never start while the previous receive loop is
	// still parked in Receive.
	if fc.receiving.Load() > 0 {
		fc.overlap.Store(true)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.inbound = make(chan frame.Frame, 64)
	fc.closed = false
	fc.connects++
	fc.traffic = time.Now()
	return nil
}

func (fc *fakeConn) Send(b []byte) error {
	cmd := wireCommand(b)
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed || fc.inbound == nil {
		return transport.ErrNotConnected
	}
	fc.sent = append(fc.sent, cmd)
	for _, f := range fc.responses[cmd] {
		fc.inbound <- f
	}
	return nil
}

func (fc *fakeConn) Receive() (frame.Frame, error) {
	fc.receiving.Add(1)
	defer fc.receiving.Add(-1)
	fc.mu.Lock()
	ch := fc.inbound
	fc.mu.Unlock()
	if ch == nil {
		return frame.Frame{}, transport.ErrNotConnected
	}
	f, ok := <-ch
	if !ok {
		return frame.Frame{}, transport.ErrDisconnected
	}
	fc.mu.Lock()
	fc.traffic = time.Now()
	fc.mu.Unlock()
	return f, nil
}

func (fc *fakeConn) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if !fc.closed && fc.inbound != nil {
		fc.closed = true
		close(fc.inbound)
	}
	return nil
}

// push delivers a server-initiated frame.
func (fc *fakeConn) push(f frame.Frame) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if !fc.closed && fc.inbound != nil {
		fc.inbound <- f
	}
}

func (fc *fakeConn) LastTraffic() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.traffic
}

func (fc *fakeConn) setTraffic(t time.Time) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.traffic = t
}

func (fc *fakeConn) connectCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.connects
}

func (fc *fakeConn) sentCount(command string) int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	n := 0
	for _, cmd := range fc.sent {
		if cmd == command {
			n++
		}
	}
	return n
}

func wireCommand(b []byte) string {
	b = bytes.TrimSuffix(b, []byte{0x00})
	if bytes.HasPrefix(b, []byte("%xt%")) {
		fields := bytes.Split(b, []byte("%"))
		if len(fields) > 3 {
			return string(fields[3])
		}
		return ""
	}
	for _, cmd := range []string{protocol.CmdVersionCheck, protocol.CmdZoneLogin, protocol.CmdAutoJoin} {
		if bytes.Contains(b, []byte("action='"+cmd+"'")) {
			return cmd
		}
	}
	return ""
}

func markupAck(action string) frame.Frame {
	return frame.Frame{
		Channel:  frame.ChannelHandshake,
		Command:  action,
		Sequence: frame.NoSequence,
		Payload:  []byte("<msg t='sys'><body action='" + action + "' r='0'></body></msg>"),
	}
}

func extReply(command string, status int, payload string) frame.Frame {
	return frame.Frame{
		Channel:  frame.ChannelExtended,
		Command:  command,
		Sequence: 1,
		Status:   status,
		Payload:  []byte(payload),
	}
}

func scriptHandshake(fc *fakeConn) {
	fc.respond(protocol.CmdVersionCheck, markupAck(protocol.CmdVersionOK))
	fc.respond(protocol.CmdZoneLogin, markupAck(protocol.CmdZoneLoginOK))
	fc.respond(protocol.CmdAutoJoin, markupAck(protocol.CmdJoinOK))
	fc.respond(protocol.CmdAuth, extReply(protocol.CmdAuth, protocol.StatusOK, `{}`))
	fc.respond(protocol.CmdBigData, extReply(protocol.CmdBigData, protocol.StatusOK,
		`{"gpi":{"PID":100,"N":"lord","LVL":40},"gcl":{"C":[{"KID":0,"AI":[{"AID":500,"W":100,"S":50,"F":20}]}]}}`))
	fc.respond(protocol.CmdMovements, extReply(protocol.CmdMovements, protocol.StatusOK, `{"M":[],"O":[]}`))
}

func testClientConfig() Config {
	return Config{
		Endpoint:       "ep.example.net:443",
		Zone:           "EmpireEx_2",
		Version:        "166",
		Username:       "lord",
		Password:       "hunter2",
		StepTimeout:    time.Second,
		JoinTimeout:    50 * time.Millisecond,
		RequestTimeout: time.Second,
		Keepalive:      time.Minute,
		MovementPoll:   time.Minute,
		Backoff:        BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 1.0, MaxDelay: 10 * time.Millisecond},
	}
}

func newTestClient(t *testing.T) (*Client, *fakeConn) {
	t.Helper()
	fc := newFakeConn()
	scriptHandshake(fc)
	c, err := New(testClientConfig(), fc, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, fc
}

func waitFor(t *testing.T, limit time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", limit)
}

func TestRunReachesReadyAndLearnsIdentity(t *testing.T) {
	testlog.Start(t)
	c, _ := newTestClient(t)

	var ready atomic.Int32
	c.OnReady(func() { ready.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return ready.Load() == 1 })
	waitFor(t, 2*time.Second, func() bool { return c.OwnPlayerID() == 100 })

	if !c.Connected() || c.SessionState() != "ready" {
		t.Fatalf("connected=%v state=%q", c.Connected(), c.SessionState())
	}
	// The bootstrap dump registered the own castle.
	waitFor(t, 2*time.Second, func() bool {
		castle, ok := c.Store().Castle(500)
		return ok && castle.OwnerID == 100
	})

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}

func TestReconnectReplaysHandshake(t *testing.T) {
	testlog.Start(t)
	c, fc := newTestClient(t)

	var ready atomic.Int32
	c.OnReady(func() { ready.Add(1) })
	var reasons atomic.Int32
	c.OnDisconnected(func(reason string) {
		if reason != "" {
			reasons.Add(1)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return ready.Load() == 1 })

	// Server drops the socket: supervisor must back off and redo the full
	// handshake, not resume mid-protocol.
	fc.Close()

	waitFor(t, 3*time.Second, func() bool { return ready.Load() == 2 })
	if got := fc.sentCount(protocol.CmdVersionCheck); got != 2 {
		t.Fatalf("version check sent %d times, want 2", got)
	}
	if c.Reconnects() == 0 {
		t.Fatal("reconnect not counted")
	}
	waitFor(t, time.Second, func() bool { return reasons.Load() >= 1 })
}

func TestReconnectJoinsPreviousReceiveLoop(t *testing.T) {
	testlog.Start(t)
	fc := newFakeConn()
	scriptHandshake(fc)
	cfg := testClientConfig()
	cfg.Keepalive = 20 * time.Millisecond

	c, err := New(cfg, fc, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Silence kills each session; let the supervisor cycle a few times.
	waitFor(t, 4*time.Second, func() bool { return fc.connectCount() >= 3 })
	cancel()
	<-done

	if fc.overlap.Load() {
		t.Fatal("new connection dialed while the previous receive loop was still reading")
	}
}

func TestCredentialsRejectionEndsRun(t *testing.T) {
	testlog.Start(t)
	fc := newFakeConn()
	scriptHandshake(fc)
	fc.respond(protocol.CmdAuth, extReply(protocol.CmdAuth, 3, `{}`))

	c, err := New(testClientConfig(), fc, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err = c.Run(ctx)
	if !errors.Is(err, ErrCredentialsRejected) {
		t.Fatalf("run returned %v, want credentials rejection", err)
	}
	if he, ok := handshake.AsError(err); !ok || he.Reason != handshake.ReasonInvalidCredentials {
		t.Fatalf("cause not preserved: %v", err)
	}
}

func TestPushedMovementFlowsToStoreAndEvents(t *testing.T) {
	testlog.Start(t)
	c, _ := newTestClient(t)

	var events []MovementEvent
	var mu sync.Mutex
	c.OnMovement(func(e MovementEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	// No live session needed: pushes enter through the router.
	c.rt.Dispatch(extReply(protocol.CmdMovementUpdate, protocol.StatusOK,
		`{"M":{"MID":42,"T":1,"OID":200,"TID":500}}`))

	waitFor(t, time.Second, func() bool {
		_, ok := c.Store().Movement(42)
		return ok
	})

	// Arrival notifies, then removes the movement for good.
	c.rt.Dispatch(extReply(protocol.CmdArrival, protocol.StatusOK, `{"MID":42}`))
	waitFor(t, time.Second, func() bool {
		_, ok := c.Store().Movement(42)
		return !ok
	})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if !events[0].New || events[0].State != "active" {
		t.Fatalf("first event %+v", events[0])
	}
	if events[1].State != "arrived" || events[1].Previous != "active" {
		t.Fatalf("second event %+v", events[1])
	}
}

func TestMovementQueriesApplyReturnRule(t *testing.T) {
	testlog.Start(t)
	c, _ := newTestClient(t)

	now := time.Now()
	c.tracker.ApplyUpdate(protocol.MovementUpdate{Movements: []protocol.MovementWrapper{
		// Inbound attack.
		{M: protocol.MovementBody{MID: 1, T: state.MovementTypeAttack, OID: 200, TID: 500}},
		// Return leg heading home: direction says inbound, type says ignore.
		{M: protocol.MovementBody{MID: 2, T: state.MovementTypeReturn, OID: 200, TID: 500}},
		// Own march heading out.
		{M: protocol.MovementBody{MID: 3, T: 2, OID: 100, TID: 900, D: 1}},
		// Inbound non-hostile march.
		{M: protocol.MovementBody{MID: 4, T: 2, OID: 200, TID: 500}},
	}}, now)

	incoming := c.IncomingMovements()
	if len(incoming) != 2 {
		t.Fatalf("incoming %d movements, want 2 (return leg excluded)", len(incoming))
	}
	for _, m := range incoming {
		if m.ID == 2 {
			t.Fatal("return leg classified as incoming")
		}
	}
	attacks := c.IncomingAttacks()
	if len(attacks) != 1 || attacks[0].ID != 1 {
		t.Fatalf("incoming attacks %+v, want only movement 1", attacks)
	}
	outgoing := c.OutgoingMovements()
	if len(outgoing) != 1 || outgoing[0].ID != 3 {
		t.Fatalf("outgoing %+v, want only movement 3", outgoing)
	}
}

func TestRequestRequiresConnection(t *testing.T) {
	testlog.Start(t)
	c, _ := newTestClient(t)

	if _, err := c.Request(context.Background(), protocol.CmdPlayerInfo, []byte(`{}`)); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("request on dead session returned %v", err)
	}
}

func TestKeepaliveSignalsDeadOnSilence(t *testing.T) {
	testlog.Start(t)
	fc := newFakeConn()
	cfg := testClientConfig()
	cfg.Keepalive = 20 * time.Millisecond
	c, err := New(cfg, fc, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := fc.Connect(context.Background(), cfg.Endpoint); err != nil {
		t.Fatalf("connect: %v", err)
	}
	fc.setTraffic(time.Now().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dead := make(chan struct{}, 1)
	go c.keepalive(ctx, dead)

	select {
	case <-dead:
	case <-time.After(time.Second):
		t.Fatal("silent connection not reported dead")
	}
	// The monitor pinged before giving up.
	if fc.sentCount(protocol.CmdKeepalive) == 0 {
		t.Fatal("no keepalive sent")
	}
}

func TestSendAllianceChatEscapesText(t *testing.T) {
	testlog.Start(t)
	c, fc := newTestClient(t)
	c.connected.Store(true)
	if err := fc.Connect(context.Background(), c.cfg.Endpoint); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := c.SendAllianceChat(`50% sure`); err != nil {
		t.Fatalf("send chat: %v", err)
	}
	if got := fc.sentCount(protocol.CmdChatSend); got != 1 {
		t.Fatalf("chat sent %d times", got)
	}
}
