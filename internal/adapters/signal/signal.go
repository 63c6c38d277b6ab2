// Package signal adapts the relay core to WebSocket transport: one
// upgraded connection per session, a read pump feeding the
// orchestrator and a write pump draining a bounded outbound queue.
package signal

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ilyakh/castroom/internal/app"
	"github.com/ilyakh/castroom/internal/config"
	"github.com/ilyakh/castroom/internal/core"
	"github.com/ilyakh/castroom/internal/domain"
)

type Controller struct {
	Orch *app.Orchestrator
	Cfg  *config.Config
}

func NewController(orch *app.Orchestrator, cfg *config.Config) *Controller {
	return &Controller{Orch: orch, Cfg: cfg}
}

// wsConn implements core.SignalConnection over one gorilla connection.
type wsConn struct {
	conn  *websocket.Conn
	queue *sendQueue

	closeOnce sync.Once
}

func (c *wsConn) TrySend(f core.Frame) error {
	return c.queue.push(f)
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		c.queue.close()
		_ = c.conn.Close()
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection's pumps.
// The session id comes from the client-token middleware, so it is
// stable across reconnects of the same browser.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := domain.SessionID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.Cfg.ReadLimit)

	conn := &wsConn{
		conn:  ws,
		queue: newSendQueue(ctl.Cfg.SendQueue),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Sessions.Bind(sid, conn, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, sid, conn)
}
