// Package history fetches historical OHLCV rows from the venue's charting
// endpoint.
package history

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

	"ngefeed/internal/model"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	// DefaultEndpoint is the history path relative to the venue host.
	DefaultEndpoint = "/history"

	defaultTimeout = 10 * time.Second
	statusOK       = "ok"
)

// ErrFetch wraps every failure to obtain usable history.
var ErrFetch = errors.New("history fetch failed")

// Source is anything that can return system-resolution bars for a range.
type Source interface {
	Bars(ctx context.Context, symbol, resolution string, from, to time.Time) ([]model.Bar, error)
}

// payload is the parallel-array response body.
type payload struct {
	Status string            `json:"s" validate:"required"`
	Error  string            `json:"errmsg,omitempty"`
	Time   []int64           `json:"t"`
	Open   []decimal.Decimal `json:"o"`
	High   []decimal.Decimal `json:"h"`
	Low    []decimal.Decimal `json:"l"`
	Close  []decimal.Decimal `json:"c"`
	Volume []decimal.Decimal `json:"v"`
}

// Client queries the history endpoint over HTTP.
type Client struct {
	baseURL  string
	endpoint string
	http     *http.Client
	validate *validator.Validate
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithEndpoint overrides DefaultEndpoint.
func WithEndpoint(path string) Option {
	return func(cl *Client) {
		if path != "" {
			cl.endpoint = path
		}
	}
}

// NewClient returns a client for the venue at baseURL (scheme and host).
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		endpoint: DefaultEndpoint,
		http:     &http.Client{Timeout: defaultTimeout},
		validate: validator.New(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Bars returns the bars between from and to, oldest first. resolution is the
// system resolution string ("1", "5", "60", "1D").
func (c *Client) Bars(ctx context.Context, symbol, resolution string, from, to time.Time) ([]model.Bar, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("resolution", resolution)
	q.Set("from", strconv.FormatInt(from.Unix(), 10))
	q.Set("to", strconv.FormatInt(to.Unix(), 10))
	endpoint := c.baseURL + c.endpoint + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrFetch, err)
	}

	log.Debug().Str("symbol", symbol).Str("resolution", resolution).
		Time("from", from).Time("to", to).Msg("fetching history")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrFetch, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrFetch, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrFetch, err)
	}
	if err := c.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: invalid payload: %v", ErrFetch, err)
	}

	return p.bars(symbol)
}

func (p payload) bars(symbol string) ([]model.Bar, error) {
	if p.Status != statusOK {
		return nil, fmt.Errorf("%w: status %q: %s", ErrFetch, p.Status, p.Error)
	}

	n := len(p.Time)
	if len(p.Open) != n || len(p.High) != n || len(p.Low) != n || len(p.Close) != n || len(p.Volume) != n {
		return nil, fmt.Errorf("%w: mismatched array lengths t=%d o=%d h=%d l=%d c=%d v=%d",
			ErrFetch, n, len(p.Open), len(p.High), len(p.Low), len(p.Close), len(p.Volume))
	}

	out := make([]model.Bar, n)
	for i := range p.Time {
		out[i] = model.Bar{
			Symbol:    symbol,
			Timestamp: time.Unix(p.Time[i], 0).UTC(),
			Open:      p.Open[i],
			High:      p.High[i],
			Low:       p.Low[i],
			Close:     p.Close[i],
			Volume:    p.Volume[i],
		}
	}
	return out, nil
}
