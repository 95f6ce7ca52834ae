package track

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"courier_tracker/internal/protocol"
)

// Client is the fallback channel: plain request/response calls used by the
// publisher as a reliability backstop and by the watcher for the initial
// snapshot. Every call is at-most-one-attempt; retrying is the stream's job.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   *logrus.Entry
}

// NewClient builds a fallback channel client from the shared config.
func NewClient(cfg Config) *Client {
	return &Client{
		base:  cfg.BaseURL,
		token: cfg.Token,
		http:  cfg.httpClient(),
		log:   cfg.logger(),
	}
}

// StartSession registers the driver with the server-side tracking
// registrar. A non-success response is terminal for the caller's
// StartTracking attempt.
func (c *Client) StartSession(ctx context.Context, orderID string, info protocol.DriverInfo) error {
	env, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tracking/%s/start", orderID), info)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionRejected, err)
	}
	if !env.Success {
		return fmt.Errorf("%w: %s", ErrSessionRejected, env.Error)
	}
	return nil
}

// PostLocation pushes one sample over HTTP. The publisher ignores the
// result beyond logging; the stream is the primary path.
func (c *Client) PostLocation(ctx context.Context, orderID string, update protocol.LocationUpdate) error {
	env, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tracking/%s/location", orderID), update)
	if err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("location update refused: %s", env.Error)
	}
	return nil
}

// StopSession tells the server the tracking window closed. Best effort.
func (c *Client) StopSession(ctx context.Context, orderID, reason string) error {
	env, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tracking/%s/stop", orderID), protocol.StopRequest{Reason: reason})
	if err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("stop refused: %s", env.Error)
	}
	return nil
}

// Snapshot fetches the last known tracking state for a delivery.
func (c *Client) Snapshot(ctx context.Context, orderID string) (*protocol.TrackingSnapshot, error) {
	env, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tracking/%s", orderID), nil)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("snapshot unavailable: %s", env.Error)
	}
	var snap protocol.TrackingSnapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// History fetches up to limit stored path points, oldest first.
func (c *Client) History(ctx context.Context, orderID string, limit int) ([]protocol.HistoryPoint, error) {
	env, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tracking/%s/history?limit=%d", orderID, limit), nil)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("history unavailable: %s", env.Error)
	}
	var data struct {
		Points []protocol.HistoryPoint `json:"points"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return data.Points, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*protocol.APIEnvelope, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env protocol.APIEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response (%s): %w", resp.Status, err)
	}
	if resp.StatusCode >= 400 && env.Error == "" {
		env.Error = resp.Status
	}
	return &env, nil
}
