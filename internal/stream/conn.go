package stream

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// Conn is one established duplex connection.
type Conn interface {
	// Read blocks until the next text frame arrives.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one text frame.
	Write(ctx context.Context, data []byte) error
	// Close tears the connection down.
	Close() error
}

// Dialer establishes connections. The production dialer speaks websocket;
// tests inject fakes.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with coder/websocket.
type WebsocketDialer struct{}

// Dial implements Dialer.
func (WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	if err := c.conn.Close(websocket.StatusNormalClosure, "shutdown"); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}
