// Package tunnel defines the outbound editor tunnel façade
// and ships a default implementation backed by an outbound WebSocket
// connection.
package tunnel

import "context"

// Tunnel is the façade the reconciler drives for startEditor/stopEditor
// broker commands. The editor token it receives is an opaque payload.
type Tunnel interface {
	// Connect establishes the tunnel using the platform-issued token and
	// returns the affinity the platform should remember to route back to
	// this connection on reconnect.
	Connect(ctx context.Context, token string) (affinity string, err error)
	Close() error
	Affinity() string
}
