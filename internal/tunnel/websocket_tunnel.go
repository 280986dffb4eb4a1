package tunnel

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// WebSocketTunnelConfig configures the outbound editor tunnel endpoint.
type WebSocketTunnelConfig struct {
	// BaseURL is the platform's tunnel endpoint, e.g. "wss://forge.example.com/editor".
	BaseURL string
}

// WebSocketTunnel is the default Tunnel implementation: an outbound
// WebSocket connection to the platform's editor endpoint, carrying the
// token as a query parameter.
type WebSocketTunnel struct {
	cfg WebSocketTunnelConfig
	log zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	affinity string
}

// NewWebSocketTunnel returns a Tunnel backed by an outbound WebSocket.
func NewWebSocketTunnel(cfg WebSocketTunnelConfig, log zerolog.Logger) *WebSocketTunnel {
	return &WebSocketTunnel{cfg: cfg, log: log.With().Str("component", "tunnel").Logger()}
}

// Connect dials the platform's editor endpoint. The affinity returned is
// derived from the response header the platform uses to pin subsequent
// reconnects to the same editor instance.
func (t *WebSocketTunnel) Connect(ctx context.Context, token string) (string, error) {
	u, err := url.Parse(t.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing tunnel url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("connecting editor tunnel: %w", err)
	}

	affinity := token
	if resp != nil {
		if h := resp.Header.Get("X-Editor-Affinity"); h != "" {
			affinity = h
		}
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close(websocket.StatusNormalClosure, "superseded")
	}
	t.conn = conn
	t.affinity = affinity
	t.mu.Unlock()

	t.log.Info().Str("affinity", affinity).Msg("editor tunnel connected")
	return affinity, nil
}

// Close tears down the active connection, if any.
func (t *WebSocketTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close(websocket.StatusNormalClosure, "closed")
	t.conn = nil
	t.affinity = ""
	return err
}

// Affinity returns the affinity chosen on the last successful Connect.
func (t *WebSocketTunnel) Affinity() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.affinity
}
