package stream

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
)

// Conn is one established transport connection. Read must return when ctx
// is cancelled or the connection is closed.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Ping(ctx context.Context) error
	Close() error
}

type Dialer func(ctx context.Context, url string) (Conn, error)

const maxFrameBytes = 4 << 20

// WebsocketDialer dials url as a websocket, sending header with the
// handshake (typically the bearer token).
func WebsocketDialer(header http.Header) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
		if err != nil {
			return nil, err
		}
		c.SetReadLimit(maxFrameBytes)
		return &wsConn{c: c}, nil
	}
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, frame []byte) error {
	return w.c.Write(ctx, websocket.MessageText, frame)
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w *wsConn) Close() error {
	return w.c.CloseNow()
}
