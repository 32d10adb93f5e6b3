// Package handshake drives a fresh connection from version negotiation to
// authenticated-ready. Each step sends one frame and suspends until the
// matching response or a bounded timeout; failure is terminal for the
// attempt and reported to the connect caller, never swallowed.
package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"empirectl/internal/protocol"
	"empirectl/internal/protocol/frame"
	"empirectl/internal/router"
)

type State int32

const (
	StateInit State = iota
	StateVersionNegotiated
	StateAuthenticated
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateVersionNegotiated:
		return "version_negotiated"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Reason int

const (
	ReasonTimeout Reason = iota
	ReasonProtocolMismatch
	ReasonInvalidCredentials
	ReasonCooldownActive
)

func (r Reason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonProtocolMismatch:
		return "protocol_mismatch"
	case ReasonInvalidCredentials:
		return "invalid_credentials"
	case ReasonCooldownActive:
		return "cooldown_active"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Error is a terminal handshake outcome. CooldownActive carries the exact
// wait the server demanded so callers can schedule a retry instead of
// looping blind; InvalidCredentials must not be retried at all.
type Error struct {
	From       State
	Reason     Reason
	Code       int
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Reason == ReasonCooldownActive {
		return fmt.Sprintf("handshake: %s from %s (retry after %s)", e.Reason, e.From, e.RetryAfter)
	}
	if e.Code != 0 {
		return fmt.Sprintf("handshake: %s from %s (code %d)", e.Reason, e.From, e.Code)
	}
	return fmt.Sprintf("handshake: %s from %s", e.Reason, e.From)
}

// AsError extracts a handshake error from any error chain.
func AsError(err error) (*Error, bool) {
	var he *Error
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

var ErrConfig = errors.New("handshake: invalid config")

// Sender is the outbound half of the transport.
type Sender interface {
	Send(b []byte) error
}

// Config carries the negotiation identity.
type Config struct {
	Zone     string
	Version  string
	Username string
	Password string

	StepTimeout time.Duration
	JoinTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.StepTimeout <= 0 {
		c.StepTimeout = 10 * time.Second
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 2 * time.Second
	}
	return c
}

func (c Config) validate() error {
	if c.Zone == "" {
		return fmt.Errorf("%w: missing zone", ErrConfig)
	}
	if c.Version == "" {
		return fmt.Errorf("%w: missing version", ErrConfig)
	}
	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("%w: missing credentials", ErrConfig)
	}
	return nil
}

// Machine is the handshake state machine for one connection attempt.
type Machine struct {
	cfg    Config
	sender Sender
	rt     *router.Router
	state  atomic.Int32
}

func New(cfg Config, sender Sender, rt *router.Router) (*Machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Machine{cfg: cfg.withDefaults(), sender: sender, rt: rt}, nil
}

func (m *Machine) State() State {
	return State(m.state.Load())
}

func (m *Machine) setState(s State) {
	m.state.Store(int32(s))
}

// authPayload is the lli request body.
type authPayload struct {
	Name     string `json:"NOM"`
	Password string `json:"PW"`
	Lang     string `json:"LANG"`
}

// Run executes the full sequence. The receive loop must already be
// dispatching inbound frames into the router.
func (m *Machine) Run(ctx context.Context) error {
	m.setState(StateInit)

	// 1. Version negotiation.
	okW := m.rt.RegisterWaiter(protocol.CmdVersionOK, frame.NoSequence, m.cfg.StepTimeout)
	koW := m.rt.RegisterWaiter(protocol.CmdVersionKO, frame.NoSequence, m.cfg.StepTimeout)
	defer koW.Cancel()

	if err := m.sender.Send(frame.EncodeMarkup(protocol.VersionCheckDoc(m.cfg.Version))); err != nil {
		okW.Cancel()
		return m.fail(ReasonTimeout, 0, 0, err)
	}

	select {
	case <-okW.Done():
		if _, err := okW.Result(); err != nil {
			return m.fail(ReasonTimeout, 0, 0, err)
		}
	case <-koW.Done():
		okW.Cancel()
		if _, err := koW.Result(); err == nil {
			return m.fail(ReasonProtocolMismatch, 0, 0, nil)
		}
		return m.fail(ReasonTimeout, 0, 0, nil)
	case <-ctx.Done():
		okW.Cancel()
		return ctx.Err()
	}
	m.setState(StateVersionNegotiated)

	// 2. Zone login.
	if err := m.step(ctx, protocol.CmdZoneLoginOK, m.cfg.StepTimeout,
		frame.EncodeMarkup(protocol.ZoneLoginDoc(m.cfg.Zone))); err != nil {
		return err
	}

	// 3. Room auto-join. The ack is flaky on some servers; a missing joinOK
	// is not a failure.
	if err := m.step(ctx, protocol.CmdJoinOK, m.cfg.JoinTimeout,
		frame.EncodeMarkup(protocol.AutoJoinDoc())); err != nil {
		var he *Error
		if !errors.As(err, &he) || he.Reason != ReasonTimeout {
			return err
		}
		log.Debug().Msg("joinOK not received, proceeding")
		m.setState(StateVersionNegotiated)
	}

	// 4. Authentication over the extended channel.
	body, err := json.Marshal(authPayload{Name: m.cfg.Username, Password: m.cfg.Password, Lang: "en"})
	if err != nil {
		return fmt.Errorf("handshake: marshal auth: %w", err)
	}
	authW := m.rt.RegisterWaiter(protocol.CmdAuth, frame.NoSequence, m.cfg.StepTimeout)
	if err := m.sender.Send(frame.EncodeCommand(m.cfg.Zone, protocol.CmdAuth, 1, body)); err != nil {
		authW.Cancel()
		return m.fail(ReasonTimeout, 0, 0, err)
	}

	resp, err := authW.Await(ctx)
	if err != nil {
		if errors.Is(err, router.ErrRequestTimeout) {
			return m.fail(ReasonTimeout, 0, 0, nil)
		}
		return err
	}

	switch resp.Status {
	case protocol.StatusOK:
	case protocol.StatusLoginCooldown:
		retry := cooldownSeconds(resp.Payload)
		return m.fail(ReasonCooldownActive, resp.Status, retry, nil)
	default:
		return m.fail(ReasonInvalidCredentials, resp.Status, 0, nil)
	}

	m.setState(StateAuthenticated)
	m.setState(StateReady)
	return nil
}

// step sends one markup document and waits for its ack.
func (m *Machine) step(ctx context.Context, ack string, timeout time.Duration, wire []byte) error {
	w := m.rt.RegisterWaiter(ack, frame.NoSequence, timeout)
	if err := m.sender.Send(wire); err != nil {
		w.Cancel()
		return m.fail(ReasonTimeout, 0, 0, err)
	}
	if _, err := w.Await(ctx); err != nil {
		if errors.Is(err, router.ErrRequestTimeout) {
			return m.fail(ReasonTimeout, 0, 0, nil)
		}
		return err
	}
	return nil
}

func (m *Machine) fail(reason Reason, code int, retryAfter time.Duration, cause error) error {
	from := m.State()
	m.setState(StateFailed)
	he := &Error{From: from, Reason: reason, Code: code, RetryAfter: retryAfter}
	if cause != nil {
		log.Debug().Err(cause).Str("reason", reason.String()).Msg("handshake step failed")
	}
	return he
}

func cooldownSeconds(body []byte) time.Duration {
	p, err := protocol.Decode(protocol.CmdAuth, body)
	if err != nil {
		return 0
	}
	res, ok := p.(protocol.AuthResult)
	if !ok {
		return 0
	}
	return time.Duration(res.CooldownSeconds) * time.Second
}
