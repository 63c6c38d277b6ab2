// Package client is the embeddable peer core: it owns the signaling
// connection handle, the peer connection negotiation state and the
// local media track handle, and surfaces everything else to the
// embedding UI through event subscriptions.
package client

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is the signaling transport handle. The core never dials by
// itself; the caller opens the connection, hands it to New and stays
// in charge of its lifecycle. No package-level socket singleton.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
	Close() error
}

// WSConn adapts a gorilla websocket connection to Conn. Writes are
// serialized; gorilla allows only one concurrent writer.
type WSConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Dial opens the signaling channel against the relay's
// /api/ws/signal endpoint.
func Dial(ctx context.Context, url string) (*WSConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &WSConn{conn: conn}, nil
}

func (c *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *WSConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WSConn) Close() error {
	return c.conn.Close()
}
