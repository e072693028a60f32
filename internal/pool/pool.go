// Package pool is a thin client for the upstream browser pool: the
// out-of-scope collaborator that hands out per-token CDP endpoints. It is
// not part of the session-multiplexing core; cmd/browsercore's /browsers
// admin routes use it to start, list and stop browsers, and the stop route
// checks the Session Registry for attached clients before calling it.
package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
)

// Client talks to the browser pool's HTTP control surface (§6.1).
type Client struct {
	baseURL string
	http    *http.Client
	starts  singleflight.Group
}

// New constructs a Client against the pool reachable at host:port.
func New(host string, port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type startResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Token string `json:"token"`
	} `json:"data"`
}

// StartBrowser requests a new browser instance and returns its token.
// Concurrent callers racing to start a browser for the same key collapse
// into a single upstream request via singleflight; transient failures are
// retried with avast/retry-go's default exponential backoff.
func (c *Client) StartBrowser(ctx context.Context, key string) (string, error) {
	v, err, _ := c.starts.Do(key, func() (any, error) {
		var token string
		err := retry.Do(func() error {
			resp, err := c.post(ctx, "/start", nil)
			if err != nil {
				return err
			}
			var parsed startResponse
			if err := json.Unmarshal(resp, &parsed); err != nil {
				return fmt.Errorf("pool: unmarshal start response: %w", err)
			}
			if !parsed.Success {
				return fmt.Errorf("pool: start reported failure")
			}
			token = parsed.Data.Token
			return nil
		}, retry.Context(ctx), retry.Attempts(3))
		return token, err
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type stopRequest struct {
	Token string `json:"token"`
}

type stopResponse struct {
	Success bool `json:"success"`
}

// StopBrowser requests the pool tear down token's browser. Callers must
// check the Session Registry's client count themselves first: the pool
// refuses when it still believes clients are attached, but the
// authoritative check lives in the Registry.
func (c *Client) StopBrowser(ctx context.Context, token string) error {
	body, err := json.Marshal(stopRequest{Token: token})
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, "/stop", body)
	if err != nil {
		return err
	}
	var parsed stopResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return fmt.Errorf("pool: unmarshal stop response: %w", err)
	}
	if !parsed.Success {
		return fmt.Errorf("pool: stop refused for token %s", token)
	}
	return nil
}

type listResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Browsers []string `json:"browsers"`
	} `json:"data"`
}

// ListBrowsers returns every token the pool currently manages.
func (c *Client) ListBrowsers(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pool: list: %w", err)
	}
	defer resp.Body.Close()

	var parsed listResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("pool: unmarshal list response: %w", err)
	}
	return lo.Uniq(parsed.Data.Browsers), nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pool: post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("pool: post %s: status %d", path, resp.StatusCode)
	}
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
