package console

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Frame is one server message, or the error that ended the connection.
type Frame struct {
	Payload []byte
	Err     error
}

// Client is a bridge WebSocket connection used by the console.
type Client struct {
	conn   *websocket.Conn
	frames chan Frame

	// done is closed by Close; stopped is closed when readLoop returns.
	done    chan struct{}
	stopped chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to url and negotiates subprotocol when it is set.
func Dial(ctx context.Context, url string, subprotocol string) (*Client, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	if subprotocol != "" {
		dialer.Subprotocols = []string{subprotocol}
	}

	conn, response, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", url, err, response.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if subprotocol != "" && conn.Subprotocol() != subprotocol {
		_ = conn.Close()
		return nil, fmt.Errorf("server did not accept subprotocol %q", subprotocol)
	}

	client := &Client{
		conn:    conn,
		frames:  make(chan Frame, 16),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go client.readLoop()

	return client, nil
}

func (c *Client) readLoop() {
	defer close(c.stopped)
	defer close(c.frames)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.deliver(Frame{Err: err})
			}
			return
		}
		if !c.deliver(Frame{Payload: payload}) {
			return
		}
	}
}

// deliver hands frame to the reader unless the client has been closed, so
// an abandoned Frames channel never pins the read goroutine.
func (c *Client) deliver(frame Frame) bool {
	select {
	case c.frames <- frame:
		return true
	case <-c.done:
		return false
	}
}

// Frames delivers server messages in arrival order. It closes once the
// connection ends.
func (c *Client) Frames() <-chan Frame {
	return c.frames
}

// Send writes one request as a text message.
func (c *Client) Send(request []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}

	return c.conn.WriteMessage(websocket.TextMessage, request)
}

// Close sends a normal close frame and releases the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		closeErr := c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()

		err = errors.Join(closeErr, c.conn.Close())
	})

	return err
}
