package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxResults = 100
)

// Client is the feed search API client. Credentials are passed per call so
// the key pool can rotate them without rebuilding the client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new feed API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// SetTimeout sets the HTTP client timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// SearchPosts runs one page of a feed search. An empty cursor requests the
// first page.
func (c *Client) SearchPosts(ctx context.Context, token string, filter SearchFilter, cursor string) (*SearchPage, error) {
	maxResults := filter.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	params := url.Values{}
	params.Set("query", filter.Query)
	params.Set("max_results", strconv.Itoa(maxResults))
	if !filter.Since.IsZero() {
		params.Set("start_time", filter.Since.UTC().Format(time.RFC3339))
	}
	if !filter.Until.IsZero() {
		params.Set("end_time", filter.Until.UTC().Format(time.RFC3339))
	}
	if cursor != "" {
		params.Set("next_cursor", cursor)
	}

	body, err := c.doRequest(ctx, token, "/2/posts/search/recent?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	return &SearchPage{
		Posts:      resp.Data.Posts,
		NextCursor: resp.Data.NextCursor,
	}, nil
}

// Probe performs a lightweight authenticated call used for credential
// health checks.
func (c *Client) Probe(ctx context.Context, token string) error {
	_, err := c.doRequest(ctx, token, "/2/users/me")
	return err
}

// doRequest performs an authenticated GET and returns the raw body.
// Non-2xx statuses become an *APIError so the classifier can map them.
func (c *Client) doRequest(ctx context.Context, token, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

		var parsed searchResponse
		if jsonErr := json.Unmarshal(body, &parsed); jsonErr == nil && len(parsed.Errors) > 0 {
			apiErr.Code = parsed.Errors[0].Code
			apiErr.Message = parsed.Errors[0].Message
		}
		return nil, apiErr
	}

	return body, nil
}
