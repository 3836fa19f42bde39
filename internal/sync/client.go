package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/nduati/dukapos/backend/internal/errors"
)

// RemoteClient talks to the remote authority's sync endpoints over HTTP.
// The authority validates business rules; this client only moves snapshots
// and reports transport-level outcomes.
type RemoteClient struct {
	baseURL  string
	deviceID string
	token    string
	http     *http.Client
}

// NewRemoteClient creates a client for the authority at baseURL.
func NewRemoteClient(baseURL, deviceID, token string, timeout time.Duration) *RemoteClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteClient{
		baseURL:  baseURL,
		deviceID: deviceID,
		token:    token,
		http:     &http.Client{Timeout: timeout},
	}
}

// DeviceID returns the device identifier sent with every request.
func (c *RemoteClient) DeviceID() string {
	return c.deviceID
}

// Push submits drained mutations. The authority applies each batch in array
// order and treats items as idempotent by entity id.
func (c *RemoteClient) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	var resp PushResponse
	if err := c.post(ctx, "/api/v1/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches every entity the authority changed after cursor. An empty
// cursor requests the full snapshot (initial sync).
func (c *RemoteClient) Pull(ctx context.Context, cursor string) (*PullResponse, error) {
	endpoint := "/api/v1/sync/pull"
	if cursor != "" {
		endpoint += "?cursor=" + url.QueryEscape(cursor)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransport, "failed to build pull request", err)
	}
	c.setHeaders(httpReq)

	var resp PullResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	if resp.ServerTime == "" {
		return nil, apperrors.New(apperrors.ErrRemoteRejected, "pull response missing server time")
	}
	return &resp, nil
}

// Audit submits locally-trusted aggregates for server-side recomputation.
// Strictly read-only on both sides.
func (c *RemoteClient) Audit(ctx context.Context, req *AuditRequest) (*AuditResponse, error) {
	var resp AuditResponse
	if err := c.post(ctx, "/api/v1/sync/audit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ping probes connectivity with the authority's health endpoint.
func (c *RemoteClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransport, "failed to build ping request", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrOffline, "authority unreachable", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return apperrors.Newf(apperrors.ErrOffline, "authority health returned %d", resp.StatusCode)
	}
	return nil
}

func (c *RemoteClient) post(ctx context.Context, endpoint string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransport, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	return c.do(httpReq, out)
}

func (c *RemoteClient) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransport, fmt.Sprintf("%s %s", req.Method, req.URL.Path), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransport, "failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return apperrors.Newf(apperrors.ErrRemoteRejected, "%s %s returned %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, truncate(string(body), 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteRejected, "failed to decode response", err)
	}
	return nil
}

func (c *RemoteClient) setHeaders(req *http.Request) {
	req.Header.Set("X-Device-ID", c.deviceID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
