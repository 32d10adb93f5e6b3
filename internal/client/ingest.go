package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"empirectl/internal/protocol"
	"empirectl/internal/protocol/frame"
	"empirectl/internal/state"
)

// subscribe wires server pushes into the world state. Registered once at
// construction; subscriptions survive reconnects because the router does.
func (c *Client) subscribe() {
	c.rt.Subscribe(protocol.CmdMovements, c.ingest(func(p protocol.Payload) {
		if snap, ok := p.(protocol.MovementSnapshot); ok {
			c.tracker.ApplySnapshot(snap, time.Now())
		}
	}))
	c.rt.Subscribe(protocol.CmdMovementUpdate, c.ingest(func(p protocol.Payload) {
		if upd, ok := p.(protocol.MovementUpdate); ok {
			c.tracker.ApplyUpdate(upd, time.Now())
		}
	}))

	c.rt.Subscribe(protocol.CmdArrival, c.terminal(state.MovementArrived))
	c.rt.Subscribe(protocol.CmdAttackArrival, c.terminal(state.MovementArrived))
	c.rt.Subscribe(protocol.CmdMovementRecall, c.terminal(state.MovementRecalled))
	c.rt.Subscribe(protocol.CmdMovementCancel, c.terminal(state.MovementCancelled))

	c.rt.Subscribe(protocol.CmdBigData, c.ingest(func(p protocol.Payload) {
		if bd, ok := p.(protocol.BigData); ok {
			c.applyBigData(bd)
		}
	}))
	c.rt.Subscribe(protocol.CmdCastleList, c.ingest(func(p protocol.Payload) {
		if cl, ok := p.(protocol.CastleList); ok {
			c.applyCastleList(cl)
		}
	}))

	c.rt.Subscribe(protocol.CmdChatSend, c.ingest(func(p protocol.Payload) {
		if msg, ok := p.(protocol.ChatMessage); ok && msg.Message != "" {
			if err := c.sink.RecordChat(context.Background(), msg.Sender, msg.Message, time.Now()); err != nil {
				log.Debug().Err(err).Msg("chat sink write failed")
			}
		}
	}))
}

// ingest decodes a pushed frame and hands the typed payload to apply.
// Malformed bodies are logged and dropped; a bad push must not take the
// session down.
func (c *Client) ingest(apply func(protocol.Payload)) func(frame.Frame) {
	return func(f frame.Frame) {
		if f.Status != protocol.StatusOK {
			log.Debug().Str("command", f.Command).Int("status", f.Status).
				Msg("push with error status ignored")
			return
		}
		p, err := protocol.Decode(f.Command, f.Payload)
		if err != nil {
			log.Warn().Err(err).Str("command", f.Command).Msg("malformed push dropped")
			return
		}
		apply(p)
	}
}

func (c *Client) terminal(to state.MovementState) func(frame.Frame) {
	return c.ingest(func(p protocol.Payload) {
		if ref, ok := p.(protocol.MovementRef); ok && ref.MID != 0 {
			c.tracker.Terminate(ref.MID, to)
		}
	})
}

// applyBigData folds the post-login dump into the store and learns the own
// player identity.
func (c *Client) applyBigData(bd protocol.BigData) {
	if bd.PlayerInfo != nil && bd.PlayerInfo.PID != 0 {
		c.ownID.Store(bd.PlayerInfo.PID)
		own := state.Player{
			ID:    bd.PlayerInfo.PID,
			Name:  bd.PlayerInfo.Name,
			Level: bd.PlayerInfo.LVL,
			XP:    bd.PlayerInfo.XP,
		}
		if bd.Experience != nil {
			own.Level = bd.Experience.LVL
			own.XP = bd.Experience.XP
		}
		if bd.Alliance != nil {
			own.AllianceID = bd.Alliance.AID
			own.AllianceName = bd.Alliance.Name
		}
		c.store.UpsertPlayer(own)
	}

	if len(bd.CastleList) > 0 {
		var cl protocol.CastleList
		if err := json.Unmarshal(bd.CastleList, &cl); err != nil {
			log.Debug().Err(err).Msg("embedded castle list unreadable")
			return
		}
		c.applyCastleList(cl)
	}
}

// applyCastleList upserts every listed castle. The listing only ever covers
// the own account, so ownership is attributed to the known player ID.
func (c *Client) applyCastleList(cl protocol.CastleList) {
	own := c.ownID.Load()
	for _, kingdom := range cl.Kingdoms {
		for _, raw := range kingdom.Areas {
			var res protocol.CastleResources
			if err := json.Unmarshal(raw, &res); err != nil || res.AID == 0 {
				continue
			}
			c.store.UpsertCastle(state.Castle{
				ID:        res.AID,
				KingdomID: kingdom.KID,
				OwnerID:   own,
				Wood:      res.Wood,
				Stone:     res.Stone,
				Food:      res.Food,
			})
		}
	}
}

// onMovementEvent receives every tracker lifecycle transition: persist it,
// then publish it to event subscribers.
func (c *Client) onMovementEvent(e state.Event) {
	if err := c.sink.RecordMovement(context.Background(), e.Movement, time.Now()); err != nil {
		log.Debug().Err(err).Int64("movement_id", e.Movement.ID).
			Msg("movement sink write failed")
	}
	c.emitEvent(evtMovement, MovementEvent{
		ID:       e.Movement.ID,
		State:    e.Movement.State.String(),
		Previous: e.Previous.String(),
		New:      e.New,
	})
}
