package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// IdentityHeader carries the plugin identity for servers running without
// authentication.
const IdentityHeader = "X-Waggle-Identity"

// Client provides HTTP client for the router API
type Client struct {
	config     Config
	httpClient *http.Client
	token      string
	baseURL    *url.URL
}

// NewClient creates a new router HTTP client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	// Validate required config
	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}

	// Parse base URL
	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}

	// Create HTTP client with timeout
	httpClient := &http.Client{
		Timeout: config.Timeout,
	}

	client := &Client{
		config:     config,
		httpClient: httpClient,
		token:      config.Token,
		baseURL:    baseURL,
	}

	return client, nil
}

// PublishMessage publishes an encoded message as the plugin the client is
// authenticated as. Publishes the server could not enqueue are retried up
// to MaxRetries times.
func (c *Client) PublishMessage(ctx context.Context, data []byte) (*PublishResponse, error) {
	if c.token == "" && c.config.Identity == "" {
		return nil, fmt.Errorf("client not authenticated - set a plugin token or identity")
	}

	var resp PublishResponse
	for attempt := 0; ; attempt++ {
		err := c.doRequest(ctx, http.MethodPost, "/api/v1/messages", "application/cbor", bytes.NewReader(data), &resp)
		if err == nil {
			return &resp, nil
		}

		var apiErr *retryableError
		if !errors.As(err, &apiErr) || attempt >= c.config.MaxRetries {
			return nil, fmt.Errorf("failed to publish message: %w", unwrapRetryable(err))
		}

		timer := time.NewTimer(apiErr.after)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// IssueToken asks the server for a token for subject acting as role.
// The client must hold an admin token.
func (c *Client) IssueToken(ctx context.Context, subject, role string) (*TokenResponse, error) {
	if c.token == "" {
		return nil, fmt.Errorf("client not authenticated - an admin token is required")
	}

	body, err := json.Marshal(TokenRequest{Subject: subject, Role: role})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	var resp TokenResponse
	err = c.doRequest(ctx, http.MethodPost, "/api/v1/admin/tokens", "application/json", bytes.NewReader(body), &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", unwrapRetryable(err))
	}

	return &resp, nil
}

// GetHealth returns the health status of the router. An unhealthy router
// answers with 503 and a body; both are returned.
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", "", nil, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable && resp.Nodes != nil {
			return &resp, nil
		}
		return nil, fmt.Errorf("failed to get health status: %w", unwrapRetryable(err))
	}

	return &resp, nil
}

// retryableError marks a 503 and the wait the server asked for.
type retryableError struct {
	err   *APIError
	after time.Duration
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func unwrapRetryable(err error) error {
	var r *retryableError
	if errors.As(err, &r) {
		return r.err
	}
	return err
}

// doRequest performs an HTTP request and decodes a JSON response into
// respBody. Error responses are returned as *APIError; 503s additionally
// wrapped so PublishMessage can retry them.
func (c *Client) doRequest(ctx context.Context, method, path, contentType string, body io.Reader, respBody interface{}) error {
	fullURL := c.baseURL.ResolveReference(&url.URL{Path: path})

	// Create request
	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.config.Identity != "" {
		req.Header.Set(IdentityHeader, c.config.Identity)
	}

	// Execute request
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Read response body
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	// Check status code
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Status: resp.Status}
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err == nil {
			apiErr.Message = errResp.Message
		} else {
			apiErr.Message = string(bodyBytes)
		}
		if resp.StatusCode == http.StatusServiceUnavailable {
			// The health endpoint reports details with its 503.
			if respBody != nil {
				_ = json.Unmarshal(bodyBytes, respBody)
			}
			return &retryableError{err: apiErr, after: c.retryAfter(resp)}
		}
		return apiErr
	}

	// Parse successful response
	if respBody != nil {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

func (c *Client) retryAfter(resp *http.Response) time.Duration {
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return c.config.RetryDelay
}

// IsAuthenticated returns whether the client has a token
func (c *Client) IsAuthenticated() bool {
	return c.token != ""
}

// GetToken returns the current authentication token
func (c *Client) GetToken() string {
	return c.token
}

// SetToken sets the authentication token
func (c *Client) SetToken(token string) {
	c.token = token
}
