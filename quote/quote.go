package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/shopspring/decimal"

	"github.com/dhcgn/inbox-payout/metrics"
	"github.com/dhcgn/inbox-payout/model"
)

const (
	DefaultBaseURL = "https://api.coinbase.com"
	DefaultPair    = "ETH-USD"
	DefaultTimeout = 3 * time.Second
)

type Options struct {
	BaseURL string
	Pair    string
	Timeout time.Duration
	// HTTPClient defaults to a client without its own timeout; the per
	// request deadline comes from Timeout.
	HTTPClient *http.Client
}

// Client fetches spot prices. Every call is a single fresh request; there
// is no caching and no retry.
type Client struct {
	baseURL string
	pair    string
	timeout time.Duration
	http    *http.Client
	logger  *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Client {
	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		pair:    opts.Pair,
		timeout: opts.Timeout,
		http:    opts.HTTPClient,
		logger:  logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.pair == "" {
		c.pair = DefaultPair
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

type spotResponse struct {
	Data struct {
		Amount   json.Number `json:"amount"`
		Base     string      `json:"base"`
		Currency string      `json:"currency"`
	} `json:"data"`
}

// Fetch returns the current price for the configured pair, or None if the
// source is unreachable, slow, or returns something that is not a positive
// number.
func (c *Client) Fetch(ctx context.Context) fn.Option[model.Quote] {
	started := time.Now()
	price, err := c.fetch(ctx)
	metrics.QuoteDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.QuoteFailures.Inc()
		if c.logger != nil {
			c.logger.Warn("quote unavailable", "pair", c.pair, "err", err)
		}
		return fn.None[model.Quote]()
	}

	return fn.Some(model.Quote{Pair: c.pair, Price: price, FetchedAt: time.Now()})
}

func (c *Client) fetch(ctx context.Context) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/v2/prices/%s/spot", c.baseURL, c.pair)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return decimal.Decimal{}, fmt.Errorf("get %s: unexpected status %s", url, resp.Status)
	}

	var payload spotResponse
	dec := json.NewDecoder(io.LimitReader(resp.Body, 64*1024))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode spot price: %w", err)
	}

	price, err := decimal.NewFromString(strings.TrimSpace(payload.Data.Amount.String()))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse spot price %q: %w", payload.Data.Amount, err)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("non-positive spot price %s", price)
	}
	return price, nil
}
