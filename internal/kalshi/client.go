// Package kalshi provides a read-only client for the public Kalshi trade API.
package kalshi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rewired-gh/kalshibot/internal/logger"
	"github.com/rewired-gh/kalshibot/internal/models"
	"github.com/shopspring/decimal"
)

// Client provides access to the Kalshi market-data API.
type Client struct {
	baseURL    string
	limit      int
	maxMarkets int
	userAgent  string
	httpClient *http.Client
}

// ClientConfig holds optional tuning for the HTTP transport.
type ClientConfig struct {
	Limit               int // page size
	MaxMarkets          int // cap across all pages
	UserAgent           string
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// NewClient creates a new Kalshi client. The timeout bounds every request,
// including reading the body.
func NewClient(baseURL string, timeout time.Duration, cfg ClientConfig) *Client {
	if cfg.Limit <= 0 {
		cfg.Limit = 200
	}
	if cfg.MaxMarkets <= 0 {
		cfg.MaxMarkets = 1000
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 5
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}

	return &Client{
		baseURL:    baseURL,
		limit:      cfg.Limit,
		maxMarkets: cfg.MaxMarkets,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

type marketsResponse struct {
	Markets []apiMarket `json:"markets"`
	Cursor  string      `json:"cursor"`
}

type marketResponse struct {
	Market apiMarket `json:"market"`
}

// apiMarket is the subset of a Kalshi market record the bot uses. Prices come
// either as integer cents or, on newer payloads, as dollar strings.
type apiMarket struct {
	Ticker           string `json:"ticker"`
	Title            string `json:"title"`
	Status           string `json:"status"`
	YesBid           *int   `json:"yes_bid"`
	NoBid            *int   `json:"no_bid"`
	LastPrice        *int   `json:"last_price"`
	YesBidDollars    string `json:"yes_bid_dollars"`
	NoBidDollars     string `json:"no_bid_dollars"`
	LastPriceDollars string `json:"last_price_dollars"`
	Volume           int64  `json:"volume"`
}

// FetchOpenMarkets retrieves open markets, following the cursor until it runs
// out or maxMarkets records have been read. A failed page fails the whole
// call, so callers never see a partial snapshot. Transport problems map to
// models.ErrNetwork and undecodable bodies to models.ErrParse.
func (c *Client) FetchOpenMarkets(ctx context.Context) ([]models.Market, error) {
	markets := make([]models.Market, 0, c.limit)
	cursor := ""
	fetched, skipped, pages := 0, 0, 0

	for {
		pageSize := c.limit
		if remaining := c.maxMarkets - fetched; remaining < pageSize {
			pageSize = remaining
		}
		page, err := c.fetchMarketsPage(ctx, cursor, pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch markets (page %d): %w", pages+1, err)
		}
		pages++
		fetched += len(page.Markets)

		for _, am := range page.Markets {
			m, ok := normalize(am)
			if !ok {
				skipped++
				continue
			}
			markets = append(markets, m)
		}

		if page.Cursor == "" || page.Cursor == cursor || len(page.Markets) == 0 || fetched >= c.maxMarkets {
			break
		}
		cursor = page.Cursor
	}

	if skipped > 0 {
		logger.Debug("Skipped %d market records without ticker or usable price", skipped)
	}
	logger.Debug("Read %d market records in %d pages", fetched, pages)
	return markets, nil
}

func (c *Client) fetchMarketsPage(ctx context.Context, cursor string, pageSize int) (marketsResponse, error) {
	var payload marketsResponse
	u, err := url.Parse(c.baseURL + "/markets")
	if err != nil {
		return payload, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("status", "open")
	q.Set("limit", strconv.Itoa(pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()

	err = c.getJSON(ctx, u.String(), &payload)
	return payload, err
}

// FetchMarket retrieves one market by ticker.
func (c *Client) FetchMarket(ctx context.Context, ticker string) (models.Market, error) {
	u := c.baseURL + "/markets/" + url.PathEscape(ticker)

	var payload marketResponse
	if err := c.getJSON(ctx, u, &payload); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Market{}, fmt.Errorf("%w: no market with ticker %s", models.ErrNotFound, ticker)
		}
		return models.Market{}, fmt.Errorf("failed to fetch market %s: %w", ticker, err)
	}
	m, ok := normalize(payload.Market)
	if !ok {
		return models.Market{}, fmt.Errorf("%w: market %s has no usable price", models.ErrNotFound, ticker)
	}
	return m, nil
}

// getJSON performs a single GET and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, urlStr string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrNetwork, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", models.ErrNotFound, urlStr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%w: status %d: %s", models.ErrNetwork, resp.StatusCode, snippet)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A deadline hit while streaming the body is still a transport failure.
		var netErr net.Error
		if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
			return fmt.Errorf("%w: %v", models.ErrNetwork, err)
		}
		return fmt.Errorf("%w: %v", models.ErrParse, err)
	}
	return nil
}

var hundred = decimal.NewFromInt(100)

// normalize maps an API record to a Market. The YES price is the best YES bid,
// else 100 minus the best NO bid, else the last traded price.
func normalize(am apiMarket) (models.Market, bool) {
	if am.Ticker == "" {
		return models.Market{}, false
	}

	price, ok := cents(am.YesBid, am.YesBidDollars)
	if !ok {
		if no, noOK := cents(am.NoBid, am.NoBidDollars); noOK {
			price, ok = 100-no, true
		}
	}
	if !ok {
		price, ok = cents(am.LastPrice, am.LastPriceDollars)
	}
	if !ok {
		return models.Market{}, false
	}

	m := models.Market{
		Ticker:        am.Ticker,
		Title:         am.Title,
		YesPriceCents: price,
		Volume:        am.Volume,
	}
	if m.Volume < 0 {
		m.Volume = 0
	}
	if err := m.Validate(); err != nil {
		return models.Market{}, false
	}
	return m, true
}

// cents returns a positive quote in cents from either representation.
func cents(v *int, dollars string) (int, bool) {
	if v != nil && *v > 0 {
		return *v, true
	}
	if dollars == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(dollars)
	if err != nil {
		return 0, false
	}
	c := d.Mul(hundred).Round(0).IntPart()
	if c <= 0 {
		return 0, false
	}
	return int(c), true
}
