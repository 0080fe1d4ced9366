package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/magic8ball/internal/magic8ball"
	"github.com/mbd888/magic8ball/internal/retry"
)

// Config holds the configuration for connecting to the registry API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	Timeout time.Duration

	// Attempts per GET, including the first. Zero means 3.
	Attempts int
}

// Client is a read-only HTTP client for the registry API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      retry.Policy
}

// NewClient creates a new client for the registry API.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry.Policy{Attempts: attempts, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
	}
}

// APIError is an error response from the registry.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Code)
}

// get issues a GET and decodes the JSON response into out. Transport
// failures and 5xx responses are retried; anything else is returned as is.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	return c.retry.Do(ctx, func(ctx context.Context) error {
		err := c.getOnce(ctx, u.String(), out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			return retry.Permanent(err)
		}
		return err
	})
}

func (c *Client) getOnce(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || (apiErr.Code == "" && apiErr.Message == "") {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// GetQuestion fetches a single question.
func (c *Client) GetQuestion(ctx context.Context, id uint64) (*magic8ball.Question, error) {
	var resp struct {
		Question *magic8ball.Question `json:"question"`
	}
	if err := c.get(ctx, "/v1/questions/"+strconv.FormatUint(id, 10), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Question, nil
}

// ListQuestions lists questions, optionally only those asked by asker.
func (c *Client) ListQuestions(ctx context.Context, asker *common.Address, offset, limit int) ([]*magic8ball.Question, error) {
	q := url.Values{}
	if asker != nil {
		q.Set("asker", asker.Hex())
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Questions []*magic8ball.Question `json:"questions"`
	}
	if err := c.get(ctx, "/v1/questions", q, &resp); err != nil {
		return nil, err
	}
	return resp.Questions, nil
}

// CanAnswer reports whether addr may answer question id.
func (c *Client) CanAnswer(ctx context.Context, id uint64, addr common.Address) (bool, error) {
	var resp struct {
		CanAnswer bool `json:"canAnswer"`
	}
	path := fmt.Sprintf("/v1/questions/%d/can-answer/%s", id, addr.Hex())
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.CanAnswer, nil
}

// ListEvents returns events with seq greater than after.
func (c *Client) ListEvents(ctx context.Context, after uint64, limit int) ([]*magic8ball.Event, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatUint(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Events []*magic8ball.Event `json:"events"`
	}
	if err := c.get(ctx, "/v1/events", q, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// TokenBalance returns holder's balance of token.
func (c *Client) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	var resp struct {
		Balance *big.Int `json:"balance"`
	}
	path := "/v1/tokens/" + token.Hex() + "/balances/" + holder.Hex()
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Balance == nil {
		return new(big.Int), nil
	}
	return resp.Balance, nil
}

// RegistryStatus returns the registry's owner, address and state.
func (c *Client) RegistryStatus(ctx context.Context) (*magic8ball.Status, error) {
	var resp struct {
		Registry *magic8ball.Status `json:"registry"`
	}
	if err := c.get(ctx, "/v1/registry", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Registry, nil
}
