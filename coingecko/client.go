// Package coingecko is a small typed client for the CoinGecko REST API.
package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/withobsrvr/coingecko-lake/logging"
	"github.com/withobsrvr/coingecko-lake/resilience"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://api.coingecko.com/api/v3"

// APIKeyHeader carries the demo API key.
const APIKeyHeader = "x-cg-demo-api-key"

// APIError represents an error response from the CoinGecko API.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coingecko api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Options configures a Client.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retry   resilience.RetryPolicy
	// OnRetry is called once per retried request, e.g. to count retries.
	OnRetry func(endpoint string)
	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client issues CoinGecko requests with retry and backoff.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      *resilience.RetryManager
	logger     *logging.ComponentLogger
}

// NewClient creates a CoinGecko client.
func NewClient(opts Options, logger *logging.ComponentLogger) *Client {
	if logger == nil {
		logger = logging.Nop()
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     opts.APIKey,
		httpClient: httpClient,
		retry:      resilience.NewRetryManager(opts.Retry, logger, opts.OnRetry),
		logger:     logger,
	}
}

// doRequest performs a single GET request.
func (c *Client) doRequest(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	fullURL := c.baseURL + "/" + endpoint
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
		}
	}
	return body, nil
}

// get performs a GET request with retries and decodes the JSON body into result.
// Transport errors and retryable API errors are retried; anything else fails at
// once.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, result any) error {
	var body []byte
	err := c.retry.Execute(ctx, endpoint, func() error {
		b, err := c.doRequest(ctx, endpoint, query)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.IsRetryable() {
				return resilience.Permanent(err)
			}
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return fmt.Errorf("GET %s: %w", endpoint, err)
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("GET %s: unmarshal response: %w", endpoint, err)
	}
	c.logger.Debug().Str("endpoint", endpoint).Int("bytes", len(body)).Msg("CoinGecko request completed")
	return nil
}
