package amqp

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// amqpWebSocketProtocol is the subprotocol registered for AMQP 1.0 over
// WebSocket.
const amqpWebSocketProtocol = "amqp"

// DialWebSocket connects a WebSocket transport and adapts it to a
// net.Conn carrying the binary AMQP stream.
func DialWebSocket(ctx context.Context, rawURL string, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := &websocket.Dialer{
		Subprotocols:     []string{amqpWebSocketProtocol},
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: 30 * time.Second,
	}
	wsConn, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "amqp: websocket dial (status %d)", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "amqp: websocket dial")
	}
	return newWebSocketConn(wsConn), nil
}

// UpgradeWebSocket accepts an AMQP WebSocket handshake on an HTTP server
// and returns the transport for ConnectionFactory.Accept.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{amqpWebSocketProtocol},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "amqp: websocket upgrade")
	}
	return newWebSocketConn(wsConn), nil
}

// webSocketConn presents a websocket's binary message sequence as the
// byte stream net.Conn the frame layer expects.
type webSocketConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func newWebSocketConn(ws *websocket.Conn) *webSocketConn {
	return &webSocketConn{ws: ws}
}

func (c *webSocketConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			messageType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *webSocketConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *webSocketConn) Close() error {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *webSocketConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *webSocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *webSocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *webSocketConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *webSocketConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
