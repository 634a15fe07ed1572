// Package litellm implements the generator port against a LiteLLM proxy's
// OpenAI-compatible chat completions endpoint.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/roundtable-chat/roundtable/internal/config"
	"github.com/roundtable-chat/roundtable/internal/resilience"
)

// Client talks to the LiteLLM proxy.
type Client struct {
	baseURL    string
	masterKey  string
	keySource  func() string
	model      string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a LiteLLM client. A nil breaker disables circuit breaking.
func NewClient(cfg config.LiteLLM, breaker *resilience.Breaker) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL:    cfg.URL,
		masterKey:  cfg.MasterKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
	}
}

// SetKeySource makes the client read the master key from fn on every
// request instead of the static config value.
func (c *Client) SetKeySource(fn func() string) { c.keySource = fn }

func (c *Client) key() string {
	if c.keySource != nil {
		if k := c.keySource(); k != "" {
			return k
		}
	}
	return c.masterKey
}

// Health checks if LiteLLM is reachable.
func (c *Client) Health(ctx context.Context) (bool, error) {
	_, err := c.doRequest(ctx, http.MethodGet, "/health/liveliness", nil)
	return err == nil, err
}

// APIError is a non-2xx response from the proxy.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("litellm API error %d: %s", e.Status, e.Body)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if key := c.key(); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return &APIError{Status: resp.StatusCode, Body: string(data)}
		}

		result = data
		return nil
	}

	if c.breaker == nil {
		if err := call(); err != nil {
			return nil, err
		}
		return result, nil
	}
	if err := c.breaker.Execute(call); err != nil {
		return nil, err
	}
	return result, nil
}

// postJSON marshals in, posts it to path and unmarshals the reply into out.
func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	data, err := c.doRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}
