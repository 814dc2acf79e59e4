// Package quantsys is a Go client for the backtest status API.
package quantsys

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Status is the state of a running or finished backtest.
type Status struct {
	RunID          string    `json:"run_id"`
	Algorithm      string    `json:"algorithm"`
	Status         string    `json:"status"`
	Requested      string    `json:"requested,omitempty"`
	Time           time.Time `json:"time"`
	PortfolioValue float64   `json:"portfolio_value"`
	Cash           float64   `json:"cash"`
	Orders         int       `json:"orders"`
	Clients        int       `json:"clients"`
	Error          string    `json:"error,omitempty"`
}

// Sample is one point of a result series.
type Sample struct {
	Series string    `json:"series"`
	Symbol string    `json:"symbol,omitempty"`
	Time   time.Time `json:"time"`
	Value  float64   `json:"value"`
}

// Order is an order placed by the run.
type Order struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	Qty            float64   `json:"qty"`
	LimitPrice     float64   `json:"limit_price,omitempty"`
	Status         string    `json:"status"`
	FilledQty      float64   `json:"filled_qty"`
	FilledAvgPrice float64   `json:"filled_avg_price"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Control is the answer to a stop or delete request.
type Control struct {
	RunID     string `json:"run_id"`
	Requested string `json:"requested"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Client talks to a backtest server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Status returns the run status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Samples returns a result series, optionally restricted to one symbol.
func (c *Client) Samples(ctx context.Context, series, symbol string) ([]Sample, error) {
	path := "/api/v1/samples/" + url.PathEscape(series)
	if symbol != "" {
		path += "?symbol=" + url.QueryEscape(symbol)
	}
	var out []Sample
	if err := c.do(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Orders returns every order of the run.
func (c *Client) Orders(ctx context.Context) ([]Order, error) {
	var out []Order
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stop asks the run to stop.
func (c *Client) Stop(ctx context.Context) (*Control, error) {
	return c.control(ctx, "/api/v1/stop")
}

// Delete asks the run to end as deleted, skipping its wind-down.
func (c *Client) Delete(ctx context.Context) (*Control, error) {
	return c.control(ctx, "/api/v1/delete")
}

func (c *Client) control(ctx context.Context, path string) (*Control, error) {
	var out Control
	if err := c.do(ctx, http.MethodPost, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
