package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// Close codes the server uses to reject credentials mid-session.
const (
	closeUnauthorized websocket.StatusCode = 4001
	closeForbidden    websocket.StatusCode = 4003
)

const maxFrameSize = 1 << 20

// Transport dials the realtime channel.
type Transport interface {
	Dial(ctx context.Context, baseURL, token string) (Conn, error)
}

// Conn is one live realtime connection. Read blocks until a frame arrives or
// the connection fails; errors wrap ErrAuthExpired or ErrTransientTransport.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close(reason string) error
}

// WebSocketTransport is the production Transport.
type WebSocketTransport struct {
	HTTPClient *http.Client
}

// Dial opens <baseURL>/ws with the bearer token in both the Authorization
// header and the token query parameter (browsers cannot set headers).
func (t *WebSocketTransport) Dial(ctx context.Context, baseURL, token string) (Conn, error) {
	wsURL, err := realtimeURL(baseURL, token)
	if err != nil {
		return nil, err
	}

	opts := &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	}
	if t != nil && t.HTTPClient != nil {
		opts.HTTPClient = t.HTTPClient
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with HTTP %d", ErrAuthExpired, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: websocket dial: %v", ErrTransientTransport, err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsConn{conn: conn}, nil
}

func realtimeURL(baseURL, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/ws")
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid base URL %q: unsupported scheme", baseURL)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, classifyReadError(err)
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, frame []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransientTransport, err)
	}
	return nil
}

func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

func classifyReadError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	switch websocket.CloseStatus(err) {
	case closeUnauthorized, closeForbidden, websocket.StatusPolicyViolation:
		return fmt.Errorf("%w: closed by server: %v", ErrAuthExpired, err)
	}
	return fmt.Errorf("%w: read: %v", ErrTransientTransport, err)
}
