package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"pcdattach/internal/models"
	"pcdattach/internal/reconcile"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	httpTimeoutEnvKey  = "PCDATTACH_HTTP_TIMEOUT"
)

// Client talks to a running pcdattach ops server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a new ops client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: httpTimeoutFromEnv()},
	}
}

// Ping checks whether the server and its database are reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (c *Client) ListAttachments(ctx context.Context, owner models.OwnerRef) (AttachmentListResponse, error) {
	var resp AttachmentListResponse
	path := fmt.Sprintf("/v1/owners/%s/%d/attachments", url.PathEscape(string(owner.Type)), owner.ID)
	err := c.do(ctx, http.MethodGet, path, nil, nil, &resp)
	return resp, err
}

// Sweep asks the server to run one reconciliation pass and waits for its
// report.
func (c *Client) Sweep(ctx context.Context) (reconcile.Report, error) {
	var resp reconcile.Report
	err := c.do(ctx, http.MethodPost, "/v1/sweeps", nil, nil, &resp)
	return resp, err
}

func (c *Client) LastSweep(ctx context.Context) (reconcile.Report, error) {
	var resp reconcile.Report
	err := c.do(ctx, http.MethodGet, "/v1/sweeps/last", nil, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
		apiErr.Code = errResp.Code
		apiErr.ErrorCode = errResp.ErrorCode
		apiErr.Message = errResp.Error
		return apiErr
	}
	apiErr.Message = fmt.Sprintf("api error: %s", resp.Status)
	return apiErr
}

func httpTimeoutFromEnv() time.Duration {
	value := strings.TrimSpace(os.Getenv(httpTimeoutEnvKey))
	if value == "" {
		return defaultHTTPTimeout
	}

	if duration, err := time.ParseDuration(value); err == nil && duration > 0 {
		return duration
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return defaultHTTPTimeout
}
