package client

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"empirectl/internal/observability"
	"empirectl/internal/protocol"
	"empirectl/internal/protocol/frame"
)

// keepalivePayload is what the server expects inside a pin.
const keepalivePayload = "<RoundHouseKick>"

// keepalive pings on the configured interval and watches inbound traffic.
// Silence past twice the interval means the connection is gone even though
// the socket still looks open; the monitor signals dead and stops. It never
// reconnects, that is the supervisor's call.
func (c *Client) keepalive(ctx context.Context, dead chan<- struct{}) {
	t := time.NewTicker(c.cfg.Keepalive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if err := c.conn.Send(frame.EncodeCommand(c.cfg.Zone, protocol.CmdKeepalive,
			c.nextSeq(), []byte(keepalivePayload))); err != nil {
			log.Debug().Err(err).Msg("keepalive send failed")
		}

		if silence := time.Since(c.conn.LastTraffic()); silence > 2*c.cfg.Keepalive {
			observability.RecordKeepaliveMiss()
			log.Warn().Dur("silence", silence).Msg("connection silent past liveness window")
			select {
			case dead <- struct{}{}:
			default:
			}
			return
		}
	}
}
