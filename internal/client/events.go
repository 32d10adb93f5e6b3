package client

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"empirectl/internal/protocol/frame"
	"empirectl/internal/router"
	"empirectl/internal/state"
)

// Lifecycle events ride the same router as server pushes: synthetic frames
// under reserved commands the wire never produces. Subscribers get the same
// ordering and isolation guarantees as protocol callbacks.
const (
	evtReady        = "evt.ready"
	evtDisconnected = "evt.disconnected"
	evtMovement     = "evt.movement"
	evtEntity       = "evt.entity"
)

type disconnectedEvent struct {
	Reason string `json:"reason"`
}

// MovementEvent is one published lifecycle transition. The full movement is
// available from the store under the same ID.
type MovementEvent struct {
	ID       int64  `json:"id"`
	State    string `json:"state"`
	Previous string `json:"previous"`
	New      bool   `json:"new"`
}

func (c *Client) emitEvent(command string, payload any) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			log.Error().Err(err).Str("event", command).Msg("event marshal failed")
			return
		}
		body = b
	}
	c.rt.Dispatch(frame.Frame{
		Channel:  frame.ChannelExtended,
		Command:  command,
		Sequence: frame.NoSequence,
		Payload:  body,
	})
}

// OnReady invokes fn after every completed handshake, first connect and
// reconnects alike.
func (c *Client) OnReady(fn func()) *router.Subscription {
	return c.rt.Subscribe(evtReady, func(frame.Frame) { fn() })
}

// OnDisconnected invokes fn when an established session ends.
func (c *Client) OnDisconnected(fn func(reason string)) *router.Subscription {
	return c.rt.Subscribe(evtDisconnected, func(f frame.Frame) {
		var e disconnectedEvent
		if len(f.Payload) > 0 {
			_ = json.Unmarshal(f.Payload, &e)
		}
		fn(e.Reason)
	})
}

// EntityEvent records one store mutation: an upsert that changed fields, a
// first sight, or a removal. Idempotent re-upserts never publish one.
type EntityEvent struct {
	ID   int64 `json:"id"`
	Kind int   `json:"kind"`
}

// OnEntityChanged invokes fn whenever a stored entity actually changes.
func (c *Client) OnEntityChanged(fn func(id int64, kind state.EntityKind)) *router.Subscription {
	return c.rt.Subscribe(evtEntity, func(f frame.Frame) {
		var e EntityEvent
		if err := json.Unmarshal(f.Payload, &e); err != nil {
			log.Debug().Err(err).Msg("entity event unreadable")
			return
		}
		fn(e.ID, state.EntityKind(e.Kind))
	})
}

// OnMovement invokes fn for every movement lifecycle transition.
func (c *Client) OnMovement(fn func(MovementEvent)) *router.Subscription {
	return c.rt.Subscribe(evtMovement, func(f frame.Frame) {
		var e MovementEvent
		if err := json.Unmarshal(f.Payload, &e); err != nil {
			log.Debug().Err(err).Msg("movement event unreadable")
			return
		}
		fn(e)
	})
}
