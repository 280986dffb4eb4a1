// Package platformapi is the shared HTTP client for the platform's device
// REST surface: fetching the current snapshot/settings and posting observed
// state. The reconciler's stale-data refetches go through this client; the
// HTTP polling transport holds one too, but posts its state with its own
// inline request rather than through PostState.
package platformapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowfuse/device-agent/internal/assignment"
)

// ErrNotFound means the platform no longer knows this device (HTTP 404):
// it was deleted from the platform side.
var ErrNotFound = errors.New("device not found on platform")

// ErrUnauthorized means the device's credentials were rejected (HTTP 401):
// they were revoked or regenerated.
var ErrUnauthorized = errors.New("device credentials rejected")

// ErrConflict means the platform's view of the device's state has moved on
// since the caller last read it (HTTP 409): the caller should refetch
// rather than retry the same write.
var ErrConflict = errors.New("platform state changed since last read")

// Client is the device-scoped REST client against the platform's forge API.
type Client struct {
	baseURL    string
	deviceID   string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

// Config configures a Client.
type Config struct {
	ForgeURL string
	DeviceID string
	Token    string
	// HTTPClient overrides the default client, primarily so callers can
	// install a proxy-aware Transport (see internal/netutil).
	HTTPClient *http.Client
}

// NewClient returns a Client that talks to cfg.ForgeURL on behalf of the
// device identified by cfg.DeviceID/cfg.Token.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    cfg.ForgeURL,
		deviceID:   cfg.DeviceID,
		token:      cfg.Token,
		httpClient: hc,
		log:        log.With().Str("component", "platformapi").Logger(),
	}
}

// FetchSnapshot retrieves the platform's current view of the device's
// assigned snapshot.
func (c *Client) FetchSnapshot(ctx context.Context) (*assignment.Snapshot, error) {
	var snap assignment.Snapshot
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/devices/"+c.deviceID+"/live/snapshot", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// FetchSettings retrieves the platform's current settings overlay.
func (c *Client) FetchSettings(ctx context.Context) (*assignment.Settings, error) {
	var settings assignment.Settings
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/devices/"+c.deviceID+"/live/settings", nil, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// StateReport is what PostState sends: the reconciler's observed run state
// plus the assignment it was computed against, so the platform can validate
// it is not looking at stale information.
type StateReport struct {
	State      assignment.RunState `json:"state"`
	Assignment assignment.Record   `json:"assignment"`
}

// PostState reports the device's current state. A nil error means the
// platform accepted the report; ErrConflict/ErrNotFound/ErrUnauthorized are
// returned as sentinel errors the caller is expected to branch on: 2xx
// settles, 409 means refetch, 404 means the device was deleted, 401 means
// the credentials were revoked.
func (c *Client) PostState(ctx context.Context, report StateReport) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/devices/"+c.deviceID+"/live/state", report, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid forge url: %w", err)
	}
	u.Path = path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("platform request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading platform response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decoding platform response: %w", err)
			}
		}
		return nil
	case resp.StatusCode == http.StatusConflict:
		return ErrConflict
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		c.log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("unexpected platform response")
		return fmt.Errorf("platform returned status %d", resp.StatusCode)
	}
}
