// Package rates fetches currency multipliers into the catalog's base
// currency. A fetch never fails: when the source is unreachable or returns
// garbage, the configured fallback table is used and the cause is attached
// to the result.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultURL returns rates as units of each currency per one USD.
const DefaultURL = "https://open.er-api.com/v6/latest/USD"

// DefaultFallback is used when the rate source cannot be reached.
func DefaultFallback() map[string]float64 {
	return map[string]float64{"RUB": 1, "USD": 92, "EUR": 100}
}

// Table maps currency codes to the multiplier converting one unit of that
// currency into the base currency.
type Table struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
	Live  bool               `json:"live"`
	Err   error              `json:"-"`
}

// Rate returns the multiplier for code. The base currency and unknown codes
// map to 1.0.
func (t Table) Rate(code string) float64 {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || code == t.Base {
		return 1
	}
	if r, ok := t.Rates[code]; ok && r > 0 {
		return r
	}
	return 1
}

// Config configures the rate client.
type Config struct {
	URL      string             // Default: DefaultURL.
	Base     string             // Default: "RUB".
	Timeout  time.Duration      // Default: 10s.
	Fallback map[string]float64 // Default: DefaultFallback().
	Client   *http.Client
	Logger   *slog.Logger
}

func (c *Config) defaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Base == "" {
		c.Base = "RUB"
	}
	c.Base = strings.ToUpper(c.Base)
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if len(c.Fallback) == 0 {
		c.Fallback = DefaultFallback()
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: c.Timeout}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client fetches rate tables.
type Client struct {
	cfg Config
}

// New creates a rate client.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{cfg: cfg}
}

// Fallback returns the static table used when the source is unavailable.
func (c *Client) Fallback(cause error) Table {
	rates := make(map[string]float64, len(c.cfg.Fallback)+1)
	for k, v := range c.cfg.Fallback {
		rates[strings.ToUpper(k)] = v
	}
	rates[c.cfg.Base] = 1
	return Table{Base: c.cfg.Base, Rates: rates, Live: false, Err: cause}
}

type response struct {
	Result string             `json:"result"`
	Rates  map[string]float64 `json:"rates"`
}

// Fetch retrieves the current table. On any failure the fallback table is
// returned with Live=false and Err set.
func (c *Client) Fetch(ctx context.Context) Table {
	t, err := c.fetch(ctx)
	if err != nil {
		c.cfg.Logger.Warn("rates: using fallback table", "error", err, "url", c.cfg.URL)
		return c.Fallback(err)
	}
	return t
}

func (c *Client) fetch(ctx context.Context) (Table, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return Table{}, fmt.Errorf("rates: new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return Table{}, fmt.Errorf("rates: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Table{}, fmt.Errorf("rates: http %d", resp.StatusCode)
	}

	var body response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return Table{}, fmt.Errorf("rates: decode: %w", err)
	}
	if body.Result != "" && body.Result != "success" {
		return Table{}, fmt.Errorf("rates: source result %q", body.Result)
	}
	return c.convert(body.Rates)
}

// convert turns units-per-USD quotes into base-currency multipliers:
// multiplier(C) = quote(Base) / quote(C).
func (c *Client) convert(quotes map[string]float64) (Table, error) {
	baseQuote, ok := quotes[c.cfg.Base]
	if !ok || baseQuote <= 0 {
		return Table{}, errors.New("rates: base currency " + c.cfg.Base + " missing from source")
	}
	base := decimal.NewFromFloat(baseQuote)

	out := make(map[string]float64, len(quotes))
	for code, q := range quotes {
		if q <= 0 {
			continue
		}
		out[strings.ToUpper(code)] = base.Div(decimal.NewFromFloat(q)).InexactFloat64()
	}
	out[c.cfg.Base] = 1
	return Table{Base: c.cfg.Base, Rates: out, Live: true}, nil
}
