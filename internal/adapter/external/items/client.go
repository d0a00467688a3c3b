// Package items is the client of the item API served by the flaky demo
// service. Transport retries come from httpclient.
package items

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"retrykit/internal/adapter/flaky"
	"retrykit/internal/platform/httpclient"
)

// Client fetches items over HTTP.
type Client struct {
	client   *httpclient.Client
	baseURL  string
	token    string
	clientID string
	timeout  time.Duration
}

// NewClient creates an item API client. token and clientID may be empty.
func NewClient(c *httpclient.Client, baseURL, token, clientID string) *Client {
	return &Client{
		client:   c,
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		clientID: clientID,
		timeout:  30 * time.Second,
	}
}

// Fetch returns the item stored under key.
func (c *Client) Fetch(ctx context.Context, key string) (flaky.Item, error) {
	var item flaky.Item
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/items/"+url.PathEscape(key), nil)
	if err != nil {
		return item, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.clientID != "" {
		req.Header.Set(flaky.ClientHeader, c.clientID)
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.client.Do(cctx, req)
	if err != nil {
		return item, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return item, fmt.Errorf("items: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return item, fmt.Errorf("items: decode: %w", err)
	}
	return item, nil
}
