package rest

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"predmkt/internal/schema"
	"predmkt/internal/venue"
	"predmkt/pkg/exception"
)

var _ venue.Client = (*Client)(nil)

const (
	_quotePath  = "/v1/quote"
	_ordersPath = "/v1/orders"

	_headerAPIKey = "X-API-KEY"
)

// Config controls the REST venue client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the venue order API over HTTP JSON.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates a REST venue client. A nil http.Client gets a default
// with the configured timeout.
func NewClient(cfg Config, client *http.Client) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, client: client}
}

type placeOrderBody struct {
	ClientOrderID string          `json:"clientOrderId"`
	Instrument    string          `json:"instrument"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	TimeInForce   string          `json:"timeInForce"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
}

type orderResponse struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Status        string          `json:"status"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	Fee           decimal.Decimal `json:"fee"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func wireSide(side schema.OrderSide) string {
	switch side {
	case schema.OrderSideSell:
		return "sell"
	default:
		return "buy"
	}
}

// BestPrice fetches the current quote payload and decodes it.
func (c *Client) BestPrice(ctx context.Context, instrument string) (venue.Quote, error) {
	q := url.Values{}
	q.Set("instrument", instrument)
	raw, err := c.do(ctx, http.MethodGet, _quotePath+"?"+q.Encode(), nil)
	if err != nil {
		return venue.Quote{}, err
	}
	quote, err := venue.DecodeQuote(raw)
	if err != nil {
		return venue.Quote{}, err
	}
	if quote.Instrument == "" {
		quote.Instrument = instrument
	}
	return quote, nil
}

// PlaceOrder sends an immediate-or-cancel limit order. The venue returns
// the original order when the client order id was already used.
func (c *Client) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	payload, err := sonic.ConfigStd.Marshal(placeOrderBody{
		ClientOrderID: req.ClientOrderID,
		Instrument:    req.Instrument,
		Side:          wireSide(req.Side),
		Type:          "limit",
		TimeInForce:   "ioc",
		Price:         req.Price,
		Qty:           req.Qty,
	})
	if err != nil {
		return venue.OrderResult{}, err
	}

	raw, err := c.do(ctx, http.MethodPost, _ordersPath, payload)
	if err != nil {
		return venue.OrderResult{}, err
	}

	var resp orderResponse
	if err := sonic.ConfigStd.Unmarshal(raw, &resp); err != nil {
		return venue.OrderResult{}, errors.Wrap(exception.ErrVenueUnknownPayload, err.Error())
	}
	return venue.OrderResult{
		ClientOrderID:   resp.ClientOrderID,
		ExternalOrderID: resp.OrderID,
		State:           venue.ParseOrderState(resp.Status),
		FilledQty:       resp.FilledQty,
		AvgPrice:        resp.AvgPrice,
		Fee:             resp.Fee,
	}, nil
}

// CancelOrder cancels a resting order by venue id.
func (c *Client) CancelOrder(ctx context.Context, externalOrderID string) error {
	_, err := c.do(ctx, http.MethodDelete, _ordersPath+"/"+url.PathEscape(externalOrderID), nil)
	return err
}

// do runs one request and maps transport failures and 5xx responses to
// ErrVenueTimeout and 4xx responses to ErrVenueRejected.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	r, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		r.Header.Set(_headerAPIKey, c.cfg.APIKey)
	}

	resp, err := c.client.Do(r)
	if err != nil {
		if isTimeout(err) {
			return nil, errors.Wrap(exception.ErrVenueTimeout, err.Error())
		}
		return nil, errors.Wrap(exception.ErrVenueTimeout, "transport: "+err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(exception.ErrVenueTimeout, "read body: "+err.Error())
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return raw, nil
	case resp.StatusCode >= 500:
		return nil, errors.Wrapf(exception.ErrVenueTimeout, "status %d", resp.StatusCode)
	default:
		var e errorResponse
		_ = sonic.ConfigStd.Unmarshal(raw, &e)
		return nil, errors.Wrapf(exception.ErrVenueRejected, "status %d, code %s, message %s", resp.StatusCode, e.Code, e.Message)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
