package access

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"
)

// Client is the authority interface consumed by the session manager.
type Client interface {
	// SessionCreate authorizes a new session for the described client.
	SessionCreate(ctx context.Context, req *SessionRequestEx) (*SessionResponseEx, error)

	// SessionGet re-fetches an existing session's credentials, used to
	// recover sessions lost from server memory.
	SessionGet(ctx context.Context, sessionID uint64, hostEndpoint netip.AddrPort, clientIP netip.Addr) (*SessionResponseEx, error)

	// SessionAddUsage reports traffic consumed by a session. Closing
	// marks the report as the session's last.
	SessionAddUsage(ctx context.Context, sessionID uint64, usage Usage, closing bool) (*SessionResponse, error)
}

// HTTPClient talks JSON over HTTP to the authority, authenticating with
// the API key derived from the server secret.
type HTTPClient struct {
	baseURL string
	apiKey  func() string
	client  *http.Client
}

// NewHTTPClient creates an authority client. apiKey is read per request
// so secret rotation takes effect without reconstruction.
func NewHTTPClient(baseURL string, timeout time.Duration, apiKey func() string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// SessionCreate implements Client.
func (c *HTTPClient) SessionCreate(ctx context.Context, req *SessionRequestEx) (*SessionResponseEx, error) {
	var resp SessionResponseEx
	if err := c.post(ctx, "/v1/sessions", req, &resp); err != nil {
		return nil, fmt.Errorf("session create: %w", err)
	}
	return &resp, nil
}

// SessionGet implements Client.
func (c *HTTPClient) SessionGet(ctx context.Context, sessionID uint64, hostEndpoint netip.AddrPort, clientIP netip.Addr) (*SessionResponseEx, error) {
	q := url.Values{}
	q.Set("host_endpoint", hostEndpoint.String())
	q.Set("client_ip", clientIP.String())

	path := "/v1/sessions/" + strconv.FormatUint(sessionID, 10) + "?" + q.Encode()

	var resp SessionResponseEx
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("session get: %w", err)
	}
	return &resp, nil
}

// SessionAddUsage implements Client.
func (c *HTTPClient) SessionAddUsage(ctx context.Context, sessionID uint64, usage Usage, closing bool) (*SessionResponse, error) {
	body := struct {
		Usage   Usage `json:"usage"`
		Closing bool  `json:"closing"`
	}{usage, closing}

	path := "/v1/sessions/" + strconv.FormatUint(sessionID, 10) + "/usage"

	var resp SessionResponse
	if err := c.post(ctx, path, body, &resp); err != nil {
		return nil, fmt.Errorf("session add usage: %w", err)
	}
	return &resp, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(data), out)
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("authority returned %s: %s", resp.Status, data)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
