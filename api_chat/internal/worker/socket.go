package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is the one transport abstraction a Worker depends on: a
// line-oriented duplex connection to the chat provider. Production code
// gets a websocketSocket; tests get a fake. This is the single permitted
// interface boundary in the chat-worker component — everything else is a
// concrete type.
type Socket interface {
	WriteLine(ctx context.Context, line string) error
	ReadLine(ctx context.Context) (string, error)
	Close() error
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 90 * time.Second
	pingPeriod = (pongWait * 8) / 10
)

// websocketSocket is the production Socket, backed by a TLS websocket
// connection to the provider's chat endpoint.
type websocketSocket struct {
	conn *websocket.Conn
}

// DialSocket opens a TLS websocket connection to endpoint and returns a
// Socket ready for the IRC-style CAP/PASS/NICK/USER handshake.
func DialSocket(ctx context.Context, endpoint string) (Socket, error) {
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("worker: invalid endpoint %q: %w", endpoint, err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("worker: dial %q: %w", endpoint, err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	return &websocketSocket{conn: conn}, nil
}

func (s *websocketSocket) WriteLine(ctx context.Context, line string) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (s *websocketSocket) ReadLine(ctx context.Context) (string, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *websocketSocket) Close() error {
	return s.conn.Close()
}
