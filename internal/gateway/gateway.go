// Package gateway talks to the payment processor's order API and checks the
// signatures it returns to the kiosk after payment.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/civickiosk/server/internal/metrics"
	"github.com/go-resty/resty/v2"
)

var (
	// ErrUnavailable means the processor could not be reached and demo fallback is off
	ErrUnavailable = errors.New("gateway: unavailable")
	// ErrRejected means the processor refused the order
	ErrRejected = errors.New("gateway: order rejected")
)

const defaultTimeout = 10 * time.Second

// Config configures the adapter. An empty BaseURL or KeyID means the gateway
// is not configured.
type Config struct {
	BaseURL      string
	KeyID        string
	KeySecret    string
	Timeout      time.Duration
	DemoFallback bool
}

// OrderRequest is a payment order to open at the processor
type OrderRequest struct {
	// Amount in minor units
	Amount   int64
	Currency string
	// Receipt is the kiosk's internal reference
	Receipt string
	Notes   map[string]string
}

// Order is the processor's order, or a synthesized one when Demo is set
type Order struct {
	ID       string
	Amount   int64
	Currency string
	// Key is the public key id the payment UI needs; never the secret
	Key  string
	Demo bool
}

// Adapter is the payment gateway client
type Adapter struct {
	client *resty.Client
	cfg    Config
	signer Signer
	log    *slog.Logger
}

// New creates an Adapter
func New(cfg Config, log *slog.Logger) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetBasicAuth(cfg.KeyID, cfg.KeySecret).
		SetHeader("Content-Type", "application/json")
	return &Adapter{client: client, cfg: cfg, signer: NewSigner(cfg.KeySecret), log: log}
}

func (a *Adapter) configured() bool {
	return a.cfg.BaseURL != "" && a.cfg.KeyID != ""
}

// KeyID returns the public key id
func (a *Adapter) KeyID() string { return a.cfg.KeyID }

type createOrderBody struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type orderResponse struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// CreateOrder opens an order at the processor. When the processor is
// unreachable and demo fallback is enabled the order is synthesized and
// marked Demo; rejections never fall back.
func (a *Adapter) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if !a.configured() {
		return a.fallback(ctx, req, "not configured", nil)
	}

	start := time.Now()
	var out orderResponse
	var apiErr errorResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(createOrderBody{Amount: req.Amount, Currency: req.Currency, Receipt: req.Receipt, Notes: req.Notes}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v1/orders")

	switch {
	case err != nil:
		observe("create_order", "transport_error", start)
		return a.fallback(ctx, req, "transport error", err)
	case resp.StatusCode() >= http.StatusInternalServerError || resp.StatusCode() == http.StatusTooManyRequests:
		observe("create_order", "unavailable", start)
		return a.fallback(ctx, req, "processor unavailable", fmt.Errorf("status=%d", resp.StatusCode()))
	case resp.IsError():
		observe("create_order", "rejected", start)
		a.log.WarnContext(ctx, "gateway rejected order",
			slog.Int("status", resp.StatusCode()),
			slog.String("code", apiErr.Error.Code),
			slog.String("receipt", req.Receipt),
		)
		return Order{}, fmt.Errorf("%w: status=%d %s", ErrRejected, resp.StatusCode(), apiErr.Error.Description)
	}
	observe("create_order", "ok", start)

	if out.ID == "" {
		return Order{}, fmt.Errorf("%w: response without order id", ErrRejected)
	}
	if out.Amount != 0 && out.Amount != req.Amount {
		return Order{}, fmt.Errorf("%w: amount mismatch: sent %d, got %d", ErrRejected, req.Amount, out.Amount)
	}
	currency := out.Currency
	if currency == "" {
		currency = req.Currency
	}
	return Order{ID: out.ID, Amount: req.Amount, Currency: currency, Key: a.cfg.KeyID}, nil
}

func (a *Adapter) fallback(ctx context.Context, req OrderRequest, reason string, cause error) (Order, error) {
	if !a.cfg.DemoFallback {
		if cause != nil {
			return Order{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, reason, cause)
		}
		return Order{}, fmt.Errorf("%w: %s", ErrUnavailable, reason)
	}
	attrs := []any{slog.String("reason", reason), slog.String("receipt", req.Receipt)}
	if cause != nil {
		attrs = append(attrs, slog.Any("error", cause))
	}
	a.log.WarnContext(ctx, "gateway unavailable, using demo order", attrs...)
	return Order{
		ID:       "order_demo_" + req.Receipt,
		Amount:   req.Amount,
		Currency: req.Currency,
		Key:      a.cfg.KeyID,
		Demo:     true,
	}, nil
}

// VerifySignature checks the signature the payment UI received for a payment
func (a *Adapter) VerifySignature(orderID, paymentID, signature string) bool {
	return a.signer.Verify(orderID, paymentID, signature)
}

// Sign produces the signature the processor would send for a payment. Only the
// demo path uses it.
func (a *Adapter) Sign(orderID, paymentID string) string {
	return a.signer.Sign(orderID, paymentID)
}

func observe(operation, outcome string, start time.Time) {
	metrics.GatewayRequestDuration.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
}
