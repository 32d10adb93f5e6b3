// Package client is the session runtime: it supervises the connection,
// replays the handshake after every reconnect, keeps the world state fresh
// and exposes typed request helpers over the raw command plumbing.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"empirectl/internal/handshake"
	"empirectl/internal/observability"
	"empirectl/internal/protocol"
	"empirectl/internal/protocol/frame"
	"empirectl/internal/router"
	"empirectl/internal/state"
	"empirectl/internal/storage"
	"empirectl/internal/transport"
)

// ErrCredentialsRejected ends the supervisor for good: retrying a rejected
// login only earns a lockout.
var ErrCredentialsRejected = errors.New("client: credentials rejected")

var errSessionSilent = errors.New("client: connection went silent")

// terminalMemory is how long ended movement IDs stay shielded against
// stale listings before the tracker forgets them.
const terminalMemory = time.Hour

// Conn is the transport surface the client drives. *transport.Transport
// satisfies it; tests substitute scripted connections.
type Conn interface {
	Connect(ctx context.Context, endpoint string) error
	Send(b []byte) error
	Receive() (frame.Frame, error)
	Close() error
	LastTraffic() time.Time
}

type Config struct {
	Endpoint string
	Zone     string
	Version  string
	Username string
	Password string

	StepTimeout    time.Duration
	JoinTimeout    time.Duration
	RequestTimeout time.Duration
	Keepalive      time.Duration
	MovementPoll   time.Duration
	Backoff        BackoffConfig
}

func (c Config) withDefaults() Config {
	if c.StepTimeout <= 0 {
		c.StepTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.Keepalive <= 0 {
		c.Keepalive = time.Minute
	}
	if c.MovementPoll <= 0 {
		c.MovementPoll = 30 * time.Second
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = DefaultBackoff()
	}
	return c
}

func (c Config) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("client: missing endpoint")
	}
	if c.Zone == "" || c.Version == "" {
		return fmt.Errorf("client: missing zone or version")
	}
	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("client: missing credentials")
	}
	return nil
}

// Client is one account session.
type Client struct {
	cfg  Config
	conn Conn
	rt   *router.Router
	sink storage.Sink

	store   *state.Store
	tracker *state.Tracker

	seq        atomic.Int64
	ownID      atomic.Int64
	connected  atomic.Bool
	reconnects atomic.Uint64
	sessState  atomic.Value
}

func New(cfg Config, conn Conn, sink storage.Sink) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = storage.Nop{}
	}
	c := &Client{
		cfg:  cfg.withDefaults(),
		conn: conn,
		rt:   router.New(router.DefaultConfig()),
		sink: sink,
	}
	c.store = state.NewStore()
	c.store.OnChange(func(id int64, kind state.EntityKind) {
		c.emitEvent(evtEntity, EntityEvent{ID: id, Kind: int(kind)})
	})
	c.tracker = state.NewTracker(c.store, c.onMovementEvent)
	c.sessState.Store("init")
	c.subscribe()
	return c, nil
}

// Store exposes the world view for read access.
func (c *Client) Store() *state.Store {
	return c.store
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) SessionState() string {
	return c.sessState.Load().(string)
}

func (c *Client) Reconnects() uint64 {
	return c.reconnects.Load()
}

func (c *Client) DroppedFrames() uint64 {
	return c.rt.Dropped()
}

// OwnPlayerID is known after the first gbd arrives; zero until then.
func (c *Client) OwnPlayerID() int64 {
	return c.ownID.Load()
}

// Run drives the session until ctx ends or the credentials are rejected.
// Every other failure mode is retried with exponential backoff; a login
// cooldown stretches the delay to at least the server-demanded wait.
func (c *Client) Run(ctx context.Context) error {
	defer c.rt.Close()
	defer c.conn.Close()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		attempt++
		reachedReady, err := c.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if reachedReady {
			attempt = 1
		}

		delay := NextBackoffDelay(c.cfg.Backoff, attempt, rng)
		if he, ok := handshake.AsError(err); ok {
			switch he.Reason {
			case handshake.ReasonInvalidCredentials:
				return fmt.Errorf("%w: %w", ErrCredentialsRejected, he)
			case handshake.ReasonCooldownActive:
				if he.RetryAfter > delay {
					delay = he.RetryAfter
				}
			}
		}

		c.reconnects.Add(1)
		observability.RecordReconnect()
		log.Warn().Err(err).Dur("retry_in", delay).Int("attempt", attempt).
			Msg("session ended, reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runSession runs one connect-to-disconnect cycle. reachedReady reports
// whether the handshake completed, which resets the backoff ladder.
func (c *Client) runSession(ctx context.Context) (reachedReady bool, err error) {
	c.sessState.Store("connecting")
	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.StepTimeout)
	err = c.conn.Connect(dialCtx, c.cfg.Endpoint)
	cancelDial()
	if err != nil {
		return false, err
	}

	sctx, stop := context.WithCancel(ctx)
	defer stop()

	recvErr := make(chan error, 1)
	recvDone := make(chan struct{})
	go func() {
		recvErr <- c.receiveLoop()
		close(recvDone)
	}()
	// The decoder is single-reader: close the stream and join the receive
	// goroutine before the supervisor may dial the next session.
	defer func() {
		c.conn.Close()
		<-recvDone
	}()

	hs, err := handshake.New(handshake.Config{
		Zone:        c.cfg.Zone,
		Version:     c.cfg.Version,
		Username:    c.cfg.Username,
		Password:    c.cfg.Password,
		StepTimeout: c.cfg.StepTimeout,
		JoinTimeout: c.cfg.JoinTimeout,
	}, c.conn, c.rt)
	if err != nil {
		return false, err
	}

	c.sessState.Store("handshaking")
	hsDone := make(chan error, 1)
	go func() { hsDone <- hs.Run(sctx) }()
	select {
	case err = <-hsDone:
		if err != nil {
			return false, err
		}
	case err = <-recvErr:
		return false, err
	case <-ctx.Done():
		return false, ctx.Err()
	}

	c.connected.Store(true)
	c.sessState.Store("ready")
	defer func() {
		c.connected.Store(false)
		c.sessState.Store("disconnected")
	}()
	c.emitEvent(evtReady, nil)

	go c.bootstrap(sctx)
	go c.pollMovements(sctx)

	dead := make(chan struct{}, 1)
	go c.keepalive(sctx, dead)

	select {
	case err = <-recvErr:
	case <-dead:
		err = errSessionSilent
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.emitEvent(evtDisconnected, disconnectedEvent{Reason: err.Error()})
	return true, err
}

// receiveLoop is the only reader: one frame at a time, in arrival order,
// straight into the router.
func (c *Client) receiveLoop() error {
	for {
		f, err := c.conn.Receive()
		if err != nil {
			return err
		}
		c.rt.Dispatch(f)
	}
}

// bootstrap pulls the initial world state after every handshake. Failures
// are logged, not fatal: the poll loop repairs missing data.
func (c *Client) bootstrap(ctx context.Context) {
	if _, err := c.GetBigData(ctx); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("initial state dump failed")
	}
	if _, err := c.GetMovements(ctx); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("initial movement listing failed")
	}
}

func (c *Client) pollMovements(ctx context.Context) {
	t := time.NewTicker(c.cfg.MovementPoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := c.GetMovements(ctx); err != nil && ctx.Err() == nil {
				log.Debug().Err(err).Msg("movement poll failed")
			}
			c.tracker.Prune(time.Now().Add(-terminalMemory))
		}
	}
}

func (c *Client) nextSeq() int {
	return int(c.seq.Add(1))
}

// Send fires one command without waiting for a response.
func (c *Client) Send(command string, payload []byte) error {
	if !c.connected.Load() {
		return transport.ErrNotConnected
	}
	return c.conn.Send(frame.EncodeCommand(c.cfg.Zone, command, c.nextSeq(), payload))
}

// Request sends one command and suspends until its response or the request
// timeout. Concurrent requests are independent: each holds its own slot.
func (c *Client) Request(ctx context.Context, command string, payload []byte) (frame.Frame, error) {
	if !c.connected.Load() {
		return frame.Frame{}, transport.ErrNotConnected
	}
	w := c.rt.RegisterWaiter(command, frame.NoSequence, c.cfg.RequestTimeout)
	if err := c.conn.Send(frame.EncodeCommand(c.cfg.Zone, command, c.nextSeq(), payload)); err != nil {
		w.Cancel()
		return frame.Frame{}, err
	}
	return w.Await(ctx)
}

func requestTyped[T protocol.Payload](ctx context.Context, c *Client, command string, payload []byte) (T, error) {
	var zero T
	f, err := c.Request(ctx, command, payload)
	if err != nil {
		return zero, err
	}
	p, err := protocol.Decode(command, f.Payload)
	if err != nil {
		return zero, err
	}
	out, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s: unexpected payload %T", protocol.ErrBadPayload, command, p)
	}
	return out, nil
}

// GetMovements refreshes the movement listing and returns every tracked
// movement. Ended movements are gone by then; only live ones remain.
func (c *Client) GetMovements(ctx context.Context) ([]state.Movement, error) {
	snap, err := requestTyped[protocol.MovementSnapshot](ctx, c, protocol.CmdMovements, []byte(`{}`))
	if err != nil {
		return nil, err
	}
	c.tracker.ApplySnapshot(snap, time.Now())
	return c.store.Movements(nil), nil
}

// GetBigData requests the post-login state dump and folds it into the store.
func (c *Client) GetBigData(ctx context.Context) (protocol.BigData, error) {
	bd, err := requestTyped[protocol.BigData](ctx, c, protocol.CmdBigData, []byte(`{}`))
	if err != nil {
		return protocol.BigData{}, err
	}
	c.applyBigData(bd)
	return bd, nil
}

func (c *Client) GetPlayerInfo(ctx context.Context) (protocol.PlayerInfo, error) {
	f, err := c.Request(ctx, protocol.CmdPlayerInfo, []byte(`{}`))
	if err != nil {
		return protocol.PlayerInfo{}, err
	}
	var pi protocol.PlayerInfo
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &pi); err != nil {
			return protocol.PlayerInfo{}, fmt.Errorf("%w: gpi: %v", protocol.ErrBadPayload, err)
		}
	}
	c.store.UpsertPlayer(state.Player{ID: pi.PID, Name: pi.Name, Level: pi.LVL, XP: pi.XP})
	return pi, nil
}

func (c *Client) GetAllianceInfo(ctx context.Context) (protocol.AllianceInfo, error) {
	f, err := c.Request(ctx, protocol.CmdAllianceInfo, []byte(`{}`))
	if err != nil {
		return protocol.AllianceInfo{}, err
	}
	var ai protocol.AllianceInfo
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &ai); err != nil {
			return protocol.AllianceInfo{}, fmt.Errorf("%w: gia: %v", protocol.ErrBadPayload, err)
		}
	}
	return ai, nil
}

// GetCastles refreshes the detailed castle listing.
func (c *Client) GetCastles(ctx context.Context) ([]state.Castle, error) {
	cl, err := requestTyped[protocol.CastleList](ctx, c, protocol.CmdCastleList, []byte(`{}`))
	if err != nil {
		return nil, err
	}
	c.applyCastleList(cl)
	return c.store.Castles(), nil
}

// SendAllianceChat posts one line to alliance chat, fire and forget. The
// text is escaped so it cannot break the frame encoding.
func (c *Client) SendAllianceChat(text string) error {
	body, err := json.Marshal(map[string]string{"M": protocol.EscapeChatText(text)})
	if err != nil {
		return fmt.Errorf("client: marshal chat: %w", err)
	}
	return c.Send(protocol.CmdChatSend, body)
}

// ChatHistory fetches the recent alliance chat log.
func (c *Client) ChatHistory(ctx context.Context) ([]protocol.ChatMessage, error) {
	h, err := requestTyped[protocol.ChatHistory](ctx, c, protocol.CmdChatHistory, []byte(`{}`))
	if err != nil {
		return nil, err
	}
	return h.Messages, nil
}

// OutgoingMovements are active marches leaving the own holdings. Direction
// is relative to the logged-in player; return legs never count.
func (c *Client) OutgoingMovements() []state.Movement {
	return c.store.Movements(func(m state.Movement) bool {
		return m.State == state.MovementActive && m.Outgoing()
	})
}

// IncomingMovements are active marches approaching the own holdings. A
// march that has turned around is a return leg and is excluded.
func (c *Client) IncomingMovements() []state.Movement {
	return c.store.Movements(func(m state.Movement) bool {
		return m.State == state.MovementActive && m.Incoming()
	})
}

// IncomingAttacks narrows IncomingMovements to hostile marches.
func (c *Client) IncomingAttacks() []state.Movement {
	out := c.IncomingMovements()
	attacks := out[:0]
	for _, m := range out {
		if m.Type == state.MovementTypeAttack {
			attacks = append(attacks, m)
		}
	}
	return attacks
}
