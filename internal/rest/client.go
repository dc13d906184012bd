// Package rest is the signed request/response client for the venue's REST API.
//
// Only the handful of calls the trader forwards are wrapped; everything else
// can go through Call.
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ngefeed/internal/signer"
	"ngefeed/internal/table"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	apiPrefix      = "/api/v1"
	defaultTimeout = 10 * time.Second
)

var (
	// ErrRequest is returned for transport failures and non-2xx responses.
	ErrRequest = errors.New("rest request failed")

	// ErrUnauthenticated is returned by private calls on a client without credentials.
	ErrUnauthenticated = errors.New("api credentials required")
)

// Client signs and sends REST requests.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
	validate  *validator.Validate
	now       func() time.Time
}

// NewClient returns a client for host. Credentials may be empty for public calls.
func NewClient(host, apiKey, apiSecret string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:   strings.TrimRight(host, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      httpClient,
		validate:  validator.New(),
		now:       time.Now,
	}
}

// Authenticated reports whether requests will be signed.
func (c *Client) Authenticated() bool {
	return c.apiKey != "" && c.apiSecret != ""
}

// Call sends method path?query with body encoded as JSON and decodes the
// response into out when it is non-nil. path is relative to /api/v1.
func (c *Client) Call(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	requestPath := apiPrefix + path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%w: encode body: %v", ErrRequest, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Authenticated() {
		expires := signer.Expires(c.now(), signer.DefaultGrace)
		req.Header.Set("api-expires", strconv.FormatInt(expires, 10))
		req.Header.Set("api-key", c.apiKey)
		req.Header.Set("api-signature", signer.Signature(c.apiSecret, method, requestPath, expires, string(payload)))
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrRequest, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrRequest, err)
	}
	log.Debug().Str("method", method).Str("path", requestPath).Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).Msg("rest call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrRequest, method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRequest, err)
	}
	return nil
}

// OrderRequest is a new order.
type OrderRequest struct {
	Symbol   string           `json:"symbol" validate:"required"`
	Side     string           `json:"side" validate:"required,oneof=Buy Sell"`
	OrderQty decimal.Decimal  `json:"orderQty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	OrdType  string           `json:"ordType,omitempty" validate:"omitempty,oneof=Limit Market Stop StopLimit"`
	ClOrdID  string           `json:"clOrdID,omitempty"`
	ExecInst string           `json:"execInst,omitempty"`
}

// PlaceOrder submits o and returns the venue's order row.
func (c *Client) PlaceOrder(ctx context.Context, o OrderRequest) (table.Row, error) {
	if !c.Authenticated() {
		return nil, ErrUnauthenticated
	}
	if err := c.validate.Struct(o); err != nil {
		return nil, fmt.Errorf("invalid order: %w", err)
	}
	if !o.OrderQty.IsPositive() {
		return nil, fmt.Errorf("invalid order: quantity %s must be positive", o.OrderQty)
	}

	var row table.Row
	if err := c.Call(ctx, http.MethodPost, "/order", nil, o, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// CancelOrder cancels by venue order ID or, when orderIDs is empty, by clOrdIDs.
func (c *Client) CancelOrder(ctx context.Context, orderIDs, clOrdIDs []string) ([]table.Row, error) {
	if !c.Authenticated() {
		return nil, ErrUnauthenticated
	}
	body := map[string]any{}
	switch {
	case len(orderIDs) > 0:
		body["orderID"] = orderIDs
	case len(clOrdIDs) > 0:
		body["clOrdID"] = clOrdIDs
	default:
		return nil, errors.New("cancel needs an order id or a client order id")
	}

	var rows []table.Row
	if err := c.Call(ctx, http.MethodDelete, "/order", nil, body, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Orders lists orders for symbol, open ones only when openOnly is set.
func (c *Client) Orders(ctx context.Context, symbol string, openOnly bool) ([]table.Row, error) {
	if !c.Authenticated() {
		return nil, ErrUnauthenticated
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	if openOnly {
		q.Set("filter", `{"open":true}`)
	}

	var rows []table.Row
	if err := c.Call(ctx, http.MethodGet, "/order", q, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
