package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kelmah/offlinesync/internal/errors"
)

// Remote performs one JSON request against the backend API.
type Remote interface {
	Do(ctx context.Context, method, path string, body json.RawMessage) (json.RawMessage, error)
}

// RemoteError is returned for a non-2xx response.
type RemoteError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s failed with status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s failed with status %d", e.Method, e.Path, e.StatusCode)
}

// ClientConfig holds backend API connection configuration.
type ClientConfig struct {
	BaseURL string // e.g. https://api.example.com/api
	Token   string // optional bearer token
}

// HTTPClient implements Remote over net/http.
type HTTPClient struct {
	config     ClientConfig
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

var _ Remote = (*HTTPClient)(nil)

// NewHTTPClient creates a new HTTPClient. Per-request deadlines come from
// the caller's context.
func NewHTTPClient(config ClientConfig) *HTTPClient {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &HTTPClient{
		config: config,
		token:  config.Token,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// SetToken replaces the bearer token for subsequent requests.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *HTTPClient) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Do implements Remote. A nil body sends no request body. An empty
// response body yields a nil result.
func (c *HTTPClient) Do(ctx context.Context, method, path string, body json.RawMessage) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s request failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.Wrap(apperrors.ErrRemote, "remote rejected action", &RemoteError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		})
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s %s returned invalid JSON", method, path)
	}
	return json.RawMessage(data), nil
}
