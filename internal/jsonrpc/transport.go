package jsonrpc

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// maxFrameSize bounds a single newline-delimited frame. Electrum
	// responses carry whole raw transactions; 32 MiB matches what the
	// heaviest mainnet blocks can produce.
	maxFrameSize = 32 * 1024 * 1024

	wsHandshakeTimeout = 10 * time.Second
)

// streamConn frames newline-delimited JSON over a raw byte stream.
type streamConn struct {
	conn   net.Conn
	reader *bufio.Scanner
}

// NewStreamConn wraps an established stream connection.
func NewStreamConn(conn net.Conn) MessageConn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)

	return &streamConn{conn: conn, reader: scanner}
}

func (s *streamConn) ReadMessage() ([]byte, error) {
	if !s.reader.Scan() {
		if err := s.reader.Err(); err != nil {
			return nil, err
		}
		return nil, net.ErrClosed
	}

	line := s.reader.Bytes()
	out := make([]byte, len(line))
	copy(out, line)

	return out, nil
}

func (s *streamConn) WriteMessage(msg []byte) error {
	_, err := s.conn.Write(append(msg, '\n'))
	return err
}

func (s *streamConn) Close() error {
	return s.conn.Close()
}

// wsConn frames one JSON document per websocket text message.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, msg, err := w.conn.ReadMessage()
	return msg, err
}

func (w *wsConn) WriteMessage(msg []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, msg)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// StreamDialer returns a DialFunc for a direct TCP or TLS stream endpoint.
func StreamDialer(addr string, tlsConfig *tls.Config) DialFunc {
	return func(ctx context.Context) (MessageConn, error) {
		dialer := &net.Dialer{}

		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
		}

		if tlsConfig != nil {
			tlsConn := tls.Client(conn, tlsConfig)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("tls handshake with %s failed: %w", addr, err)
			}
			conn = tlsConn
		}

		return NewStreamConn(conn), nil
	}
}

// WebsocketDialer returns a DialFunc for a WSS endpoint. A non-empty token
// is sent as the first frame; tunneling proxies use it to route the
// connection to the target peer before any JSON-RPC flows.
func WebsocketDialer(url, token string) DialFunc {
	return func(ctx context.Context) (MessageConn, error) {
		dialer := &websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}

		conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", url, err)
		}
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}

		if token != "" {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(token)); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("failed to send tunnel token: %w", err)
			}
		}

		return &wsConn{conn: conn}, nil
	}
}
