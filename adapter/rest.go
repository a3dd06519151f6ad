package tradovate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/alexanimal/tradovate-mcp-server-sub000/metrics"
)

// Client is the thin authenticated JSON request layer over the trading and
// market-data REST bases. Every call acquires a token from the TokenManager;
// a 401 invalidates the token before the error surfaces, and a 429 is
// retried once after the throttle wait.
type Client struct {
	tokens            *TokenManager
	tradingBaseURL    string
	marketDataBaseURL string
	httpClient        *http.Client
	breaker           *gobreaker.CircuitBreaker
	logger            *zap.SugaredLogger

	throttleWait time.Duration
}

// NewClient creates a REST client bound to the configured environment.
func NewClient(tokens *TokenManager, cfg *Config, logger *zap.SugaredLogger) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "tradovate-rest",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 10
		},
	})

	return &Client{
		tokens:            tokens,
		tradingBaseURL:    cfg.TradingRESTURL,
		marketDataBaseURL: cfg.MarketDataRESTURL,
		httpClient:        &http.Client{Timeout: cfg.Tunables.RequestTimeout()},
		breaker:           breaker,
		logger:            logger,
		throttleWait:      cfg.Tunables.ThrottleRetry(),
	}
}

// Request performs an authenticated JSON call against the trading base, or
// the market-data base when marketData is true, and returns the raw decoded
// body.
func (c *Client) Request(ctx context.Context, method, endpoint string, body any, marketData bool) (json.RawMessage, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.do(ctx, method, endpoint, body, marketData)
	})
	if err != nil {
		metrics.RESTRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.RESTRequests.WithLabelValues("ok").Inc()
	return result.(json.RawMessage), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, marketData bool) (json.RawMessage, error) {
	base := c.tradingBaseURL
	if marketData {
		base = c.marketDataBaseURL
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", endpoint, err)
		}
	}

	// One retry on throttle, nothing else.
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, base+"/"+endpoint, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s request: %w", endpoint, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &TransportError{Endpoint: endpoint, Err: err}
		}

		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, &TransportError{Endpoint: endpoint, Err: err}
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			c.tokens.Invalidate(false)
			return nil, &AuthDeniedError{Text: errorText(raw)}

		case resp.StatusCode == http.StatusTooManyRequests:
			if attempt > 0 {
				return nil, ErrThrottled
			}
			c.logger.Warnw("Request throttled, retrying once",
				"endpoint", endpoint, "wait", c.throttleWait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.throttleWait):
			}
			continue

		case resp.StatusCode >= 400:
			return nil, &APIError{Status: resp.StatusCode, Text: string(bytes.TrimSpace(raw))}
		}

		return json.RawMessage(raw), nil
	}
}

// ContractFind resolves a contract by exact symbol via contract/find.
func (c *Client) ContractFind(ctx context.Context, name string) (*Contract, error) {
	raw, err := c.Request(ctx, http.MethodGet,
		"contract/find?name="+url.QueryEscape(name), nil, false)
	if err != nil {
		return nil, err
	}

	var contract Contract
	if err := json.Unmarshal(raw, &contract); err != nil {
		return nil, fmt.Errorf("failed to decode contract/find response: %w", err)
	}
	if contract.ID == 0 {
		return nil, fmt.Errorf("no contract found for %q", name)
	}
	return &contract, nil
}

// ContractSuggest returns contract suggestions for a partial symbol.
func (c *Client) ContractSuggest(ctx context.Context, name string) ([]Contract, error) {
	raw, err := c.Request(ctx, http.MethodGet,
		"contract/suggest?name="+url.QueryEscape(name), nil, false)
	if err != nil {
		return nil, err
	}

	var contracts []Contract
	if err := json.Unmarshal(raw, &contracts); err != nil {
		return nil, fmt.Errorf("failed to decode contract/suggest response: %w", err)
	}
	return contracts, nil
}

// ResolveContract maps a human symbol to its numeric contract id, preferring
// contract/find and falling back to the first contract/suggest hit.
func (c *Client) ResolveContract(ctx context.Context, symbol string) (*Contract, error) {
	contract, err := c.ContractFind(ctx, symbol)
	if err == nil {
		return contract, nil
	}

	suggestions, suggestErr := c.ContractSuggest(ctx, symbol)
	if suggestErr != nil {
		return nil, fmt.Errorf("failed to resolve symbol %q: %w", symbol, err)
	}
	if len(suggestions) == 0 {
		return nil, fmt.Errorf("no contract suggestions for %q", symbol)
	}
	return &suggestions[0], nil
}

// AccountList returns the accounts visible to the authenticated user.
func (c *Client) AccountList(ctx context.Context) ([]Account, error) {
	raw, err := c.Request(ctx, http.MethodGet, "account/list", nil, false)
	if err != nil {
		return nil, err
	}

	var accounts []Account
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("failed to decode account/list response: %w", err)
	}
	return accounts, nil
}
