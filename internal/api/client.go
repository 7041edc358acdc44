package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/soundbet/bookstream/internal/auth"
	"github.com/soundbet/bookstream/internal/book"
)

const (
	orderBookPath = "/api/event/orderbook"
	streamPath    = "/api/event/orderbook/stream"

	maxBodyBytes = 4 << 20
)

// ErrNoMarket is returned when a request is made without a market id.
var ErrNoMarket = errors.New("api: market id is required")

// HTTPError is a non-2xx response from the backend.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("api: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Config holds the parameters of a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the market backend's order book endpoints.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens auth.TokenSource
	log    logrus.FieldLogger

	nowFunc func() time.Time
}

// New creates a Client. tokens may be nil for anonymous access.
func New(cfg Config, tokens auth.TokenSource, log logrus.FieldLogger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("api: base url %q must be absolute", cfg.BaseURL)
	}
	if tokens == nil {
		tokens = auth.StaticToken("")
	}

	return &Client{
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		log:     log,
		nowFunc: time.Now,
	}, nil
}

// FetchOrderBook retrieves the current book for a market and normalizes it
// with book.DecodeResponse, so the result has the same shape as a
// streaming update.
func (c *Client) FetchOrderBook(ctx context.Context, marketID, side1, side2 string) (book.Snapshot, error) {
	if marketID == "" {
		return book.Snapshot{}, ErrNoMarket
	}

	u := c.endpoint(orderBookPath, url.Values{"market_id": {marketID}})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return book.Snapshot{}, fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return book.Snapshot{}, fmt.Errorf("api: fetch order book %s: %w", marketID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return book.Snapshot{}, fmt.Errorf("api: read order book %s: %w", marketID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return book.Snapshot{}, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	snap, err := book.DecodeResponse(body, side1, side2)
	if err != nil {
		return book.Snapshot{}, err
	}

	c.log.WithFields(logrus.Fields{
		"market_id": marketID,
		"bytes":     len(body),
	}).Debug("api: fetched order book")
	return snap, nil
}

// StreamURL returns the server-push endpoint for a market, with the current
// token and a cache-busting timestamp.
func (c *Client) StreamURL(ctx context.Context, marketID string) (string, error) {
	if marketID == "" {
		return "", ErrNoMarket
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("api: stream token: %w", err)
	}

	q := url.Values{
		"market_id": {marketID},
		"t":         {strconv.FormatInt(c.nowFunc().UnixMilli(), 10)},
	}
	if token != "" {
		q.Set("token", token)
	}
	return c.endpoint(streamPath, q), nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
