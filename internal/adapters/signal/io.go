package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ilyakh/castroom/internal/app"
	"github.com/ilyakh/castroom/internal/core"
	"github.com/ilyakh/castroom/internal/domain"
	"github.com/ilyakh/castroom/internal/protocol"
)

const writeWait = 5 * time.Second

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(ctl.Cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case <-c.queue.ready:
			if c.queue.isClosed() {
				return
			}
			for {
				f, ok := c.queue.pop()
				if !ok {
					break
				}
				if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
					return
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, f.Data); err != nil {
					log.Debug().Err(err).Str("module", "signal").Msg("writePump write error")
					return
				}
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, sid domain.SessionID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		ctl.Orch.Disconnect(sid)
		c.Close()
	}()

	readWait := ctl.Cfg.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			ctl.handleFrame(sid, c, data)
		}
	}
}

// handleFrame runs one inbound envelope through the orchestrator and
// maps a rejection back to the sender. Malformed and unknown envelopes
// are dropped without notification; the sender only hears about
// rejections it can act on.
func (ctl *Controller) handleFrame(sid domain.SessionID, c *wsConn, data []byte) {
	err := ctl.Orch.Dispatch(sid, data)
	if err == nil {
		return
	}

	kind := app.ErrorKind(err)
	switch {
	case errors.Is(err, protocol.ErrUnknownKind):
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("unknown envelope kind dropped")
		return
	case errors.Is(err, protocol.ErrMalformedEnvelope):
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("malformed envelope dropped")
		return
	}

	log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("kind", kind).Msg("envelope rejected")
	ctl.sendJSON(c, protocol.ErrorMessage{
		Type:   protocol.TypeError,
		Error:  kind,
		Detail: err.Error(),
	})
}

func (ctl *Controller) sendJSON(c *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(core.Frame{Data: b})
}
