package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Status retrieves the agent status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Peers retrieves the roster.
func (c *Client) Peers(ctx context.Context) (*PeersResponse, error) {
	var peers PeersResponse
	if err := c.do(ctx, http.MethodGet, "/peers", nil, &peers); err != nil {
		return nil, err
	}
	return &peers, nil
}

// Links retrieves the live overlay links.
func (c *Client) Links(ctx context.Context) (*LinksResponse, error) {
	var links LinksResponse
	if err := c.do(ctx, http.MethodGet, "/links", nil, &links); err != nil {
		return nil, err
	}
	return &links, nil
}

// SetActive makes id the active peer.
func (c *Client) SetActive(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/active", PeerRequest{ID: id}, nil)
}

// SetPort pins the local port of id. An empty port clears the pin.
func (c *Client) SetPort(ctx context.Context, id, port string) error {
	return c.do(ctx, http.MethodPost, "/port", PeerRequest{ID: id, Port: port}, nil)
}

// Pair sends a pairing request to id.
func (c *Client) Pair(ctx context.Context, id, phrase string) error {
	return c.do(ctx, http.MethodPost, "/pair", PeerRequest{ID: id, Phrase: phrase}, nil)
}

// Unpair removes id from the friends list.
func (c *Client) Unpair(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/unpair", PeerRequest{ID: id}, nil)
}

// SetPresence announces presence ("none", "away" or "busy").
func (c *Client) SetPresence(ctx context.Context, presence string) error {
	return c.do(ctx, http.MethodPost, "/presence", PresenceRequest{Presence: presence}, nil)
}

// do sends one request to the control socket and decodes the reply into
// out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	// The host is ignored; the transport always dials the socket
	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return &StatusError{Code: resp.StatusCode, Message: e.Error}
		}
		return &StatusError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// StatusError is a non-2xx reply from the control server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.Code)
}
