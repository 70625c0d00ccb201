// Package settlement drives payment orders from creation through gateway
// handoff to signature-verified settlement.
package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/civickiosk/server/internal/apperr"
	"github.com/civickiosk/server/internal/gateway"
	"github.com/civickiosk/server/internal/mask"
	"github.com/civickiosk/server/internal/metrics"
	"github.com/civickiosk/server/internal/model"
	"github.com/civickiosk/server/internal/receipt"
	"github.com/civickiosk/server/internal/repo"
	"github.com/google/uuid"
)

const (
	defaultCurrency = "INR"

	// Failure reasons recorded on FAILED orders
	ReasonSignatureInvalid = "SIGNATURE_INVALID"
	ReasonDuplicatePayment = "DUPLICATE_PAYMENT"
)

// Gateway is the part of the payment gateway adapter the pipeline uses
type Gateway interface {
	CreateOrder(ctx context.Context, req gateway.OrderRequest) (gateway.Order, error)
	VerifySignature(orderID, paymentID, signature string) bool
	Sign(orderID, paymentID string) string
}

// Pipeline is the settlement state machine
// CREATED -> AWAITING_CONFIRMATION -> VERIFIED | FAILED
type Pipeline struct {
	gw       Gateway
	orders   repo.OrderRepo
	currency string
	log      *slog.Logger
	nowF     func() time.Time
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithCurrency sets the ISO currency of new orders
func WithCurrency(currency string) Option {
	return func(p *Pipeline) {
		if currency != "" {
			p.currency = strings.ToUpper(currency)
		}
	}
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// NewPipeline creates a Pipeline
func NewPipeline(gw Gateway, orders repo.OrderRepo, opts ...Option) *Pipeline {
	p := &Pipeline{
		gw:       gw,
		orders:   orders,
		currency: defaultCurrency,
		log:      slog.Default(),
		nowF:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreateOrderRequest asks for a payment order for one bill
type CreateOrderRequest struct {
	// SessionID owns the order; no other session can see or settle it
	SessionID uuid.UUID
	// Amount in minor units
	Amount        int64
	AccountNumber string
	Department    string
	BillID        string
}

// Created is a new order plus the public key the payment UI opens it with
type Created struct {
	Order model.PaymentOrder
	Key   string
}

// VerifyRequest carries what the payment UI returned after payment
type VerifyRequest struct {
	SessionID uuid.UUID
	OrderID   string
	PaymentID string
	Signature string
}

// Simulation is a synthesized demo payment
type Simulation struct {
	PaymentID string
	Signature string
}

// now is truncated to microseconds so that stored and in-memory times agree
func (p *Pipeline) now() time.Time {
	return p.nowF().UTC().Truncate(time.Microsecond)
}

// CreateOrder opens a gateway order and records it as CREATED
func (p *Pipeline) CreateOrder(ctx context.Context, req CreateOrderRequest) (Created, error) {
	if req.Amount <= 0 {
		return Created{}, apperr.New(apperr.CodeInvalidAmount, "amount must be a positive number of minor units")
	}
	req.Department = strings.TrimSpace(req.Department)
	req.AccountNumber = strings.TrimSpace(req.AccountNumber)
	req.BillID = strings.TrimSpace(req.BillID)
	if req.Department == "" || req.AccountNumber == "" || req.BillID == "" {
		return Created{}, apperr.New(apperr.CodeInvalidRequest, "department, accountNumber and billId are required")
	}
	if req.SessionID == uuid.Nil {
		return Created{}, apperr.New(apperr.CodeUnauthorized, "orders belong to a session")
	}

	if _, err := p.orders.FindVerifiedByBill(ctx, req.Department, req.BillID); err == nil {
		return Created{}, apperr.New(apperr.CodeAlreadyPaid, "bill is already paid")
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Created{}, apperr.Wrap(apperr.CodeInternal, "failed to check bill", err)
	}

	ref := "txn_" + uuid.NewString()
	gwOrder, err := p.gw.CreateOrder(ctx, gateway.OrderRequest{
		Amount:   req.Amount,
		Currency: p.currency,
		Receipt:  ref,
		Notes: map[string]string{
			"department": req.Department,
			"bill_id":    req.BillID,
		},
	})
	switch {
	case errors.Is(err, gateway.ErrRejected):
		return Created{}, apperr.Wrap(apperr.CodeGatewayRejected, "payment gateway rejected the order", err)
	case err != nil:
		return Created{}, apperr.Wrap(apperr.CodeGatewayUnavailable, "payment gateway unavailable", err)
	}

	now := p.now()
	o := model.PaymentOrder{
		OrderID:           gwOrder.ID,
		InternalReference: ref,
		SessionID:         req.SessionID,
		Amount:            req.Amount,
		Currency:          gwOrder.Currency,
		Department:        req.Department,
		BillID:            req.BillID,
		AccountNumber:     req.AccountNumber,
		Status:            model.OrderCreated,
		Demo:              gwOrder.Demo,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := p.orders.Create(ctx, &o); err != nil {
		return Created{}, apperr.Wrap(apperr.CodeInternal, "failed to save order", err)
	}

	mode := model.MethodGateway
	if o.Demo {
		mode = model.MethodDemo
	}
	metrics.OrdersCreated.WithLabelValues(mode).Inc()
	p.log.InfoContext(ctx, "payment order created",
		slog.String("order_id", o.OrderID),
		slog.String("reference", o.InternalReference),
		slog.String("department", o.Department),
		slog.String("account", mask.Account(o.AccountNumber)),
		slog.Int64("amount", o.Amount),
		slog.Bool("demo", o.Demo),
	)
	return Created{Order: o, Key: gwOrder.Key}, nil
}

// MarkAwaiting records that the citizen was handed off to the payment UI
func (p *Pipeline) MarkAwaiting(ctx context.Context, sessionID uuid.UUID, orderID string) (model.PaymentOrder, error) {
	o, err := p.Order(ctx, sessionID, orderID)
	if err != nil {
		return model.PaymentOrder{}, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		switch {
		case o.Status == model.OrderAwaitingConfirmation:
			return o, nil
		case o.Status.Terminal():
			return o, apperr.New(apperr.CodeAlreadyFinalized, "order is already "+string(o.Status))
		}
		updated, err := p.orders.Transition(ctx, orderID, []model.OrderStatus{model.OrderCreated}, repo.OrderUpdate{
			Status:    model.OrderAwaitingConfirmation,
			UpdatedAt: p.now(),
		})
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, repo.ErrConflict) {
			return model.PaymentOrder{}, apperr.Wrap(apperr.CodeInternal, "failed to update order", err)
		}
		if o, err = p.load(ctx, orderID); err != nil {
			return model.PaymentOrder{}, err
		}
	}
	return o, apperr.New(apperr.CodeAlreadyFinalized, "order is already "+string(o.Status))
}

// Verify settles an order from the payment UI's callback. A VERIFIED order
// returns its receipt again without re-checking the signature; a FAILED order
// is never re-validated.
func (p *Pipeline) Verify(ctx context.Context, req VerifyRequest) (model.Receipt, error) {
	r, err := p.verify(ctx, req)
	metrics.PaymentVerifications.WithLabelValues(verifyResult(err)).Inc()
	return r, err
}

func (p *Pipeline) verify(ctx context.Context, req VerifyRequest) (model.Receipt, error) {
	if req.OrderID == "" || req.PaymentID == "" || req.Signature == "" {
		return model.Receipt{}, apperr.New(apperr.CodeInvalidRequest, "orderId, paymentId and signature are required")
	}
	o, err := p.Order(ctx, req.SessionID, req.OrderID)
	if err != nil {
		return model.Receipt{}, err
	}
	switch o.Status {
	case model.OrderVerified:
		return receipt.Project(o)
	case model.OrderFailed:
		return model.Receipt{}, apperr.New(apperr.CodeAlreadyFinalized, "order already failed")
	}

	open := []model.OrderStatus{model.OrderCreated, model.OrderAwaitingConfirmation}
	now := p.now()

	if !p.gw.VerifySignature(o.OrderID, req.PaymentID, req.Signature) {
		_, err := p.orders.Transition(ctx, o.OrderID, open, repo.OrderUpdate{
			Status:        model.OrderFailed,
			PaymentID:     req.PaymentID,
			FailureReason: ReasonSignatureInvalid,
			UpdatedAt:     now,
		})
		if err != nil {
			_, err = p.lostTransition(ctx, o.OrderID, "", err)
			return model.Receipt{}, err
		}
		p.log.WarnContext(ctx, "payment signature invalid",
			slog.String("order_id", o.OrderID),
			slog.String("payment_id", req.PaymentID),
		)
		return model.Receipt{}, apperr.New(apperr.CodeSignatureInvalid, "payment signature is invalid")
	}

	method := model.MethodGateway
	if o.Demo {
		method = model.MethodDemo
	}
	verified, err := p.orders.Transition(ctx, o.OrderID, open, repo.OrderUpdate{
		Status:        model.OrderVerified,
		PaymentID:     req.PaymentID,
		PaymentMethod: method,
		VerifiedAt:    &now,
		UpdatedAt:     now,
	})
	if errors.Is(err, repo.ErrAlreadyPaid) {
		return model.Receipt{}, p.duplicatePayment(ctx, o, req.PaymentID, now)
	}
	if err != nil {
		return p.lostTransition(ctx, o.OrderID, req.PaymentID, err)
	}

	p.log.InfoContext(ctx, "payment verified",
		slog.String("order_id", verified.OrderID),
		slog.String("payment_id", verified.PaymentID),
		slog.String("method", method),
		slog.Int64("amount", verified.Amount),
	)
	return receipt.Project(verified)
}

// lostTransition resolves a failed compare-and-set. A concurrent verify that
// settled the order with the same payment yields its receipt; any other
// outcome is final.
func (p *Pipeline) lostTransition(ctx context.Context, orderID, paymentID string, err error) (model.Receipt, error) {
	if !errors.Is(err, repo.ErrConflict) {
		return model.Receipt{}, apperr.Wrap(apperr.CodeInternal, "failed to update order", err)
	}
	o, getErr := p.load(ctx, orderID)
	if getErr != nil {
		return model.Receipt{}, getErr
	}
	if paymentID != "" && o.Status == model.OrderVerified && o.PaymentID == paymentID {
		return receipt.Project(o)
	}
	return model.Receipt{}, apperr.Wrap(apperr.CodeAlreadyFinalized, "order was finalized concurrently", err)
}

// duplicatePayment fails an order whose bill another order already settled.
// The money was taken, so this is logged for a manual refund.
func (p *Pipeline) duplicatePayment(ctx context.Context, o model.PaymentOrder, paymentID string, now time.Time) error {
	_, err := p.orders.Transition(ctx, o.OrderID,
		[]model.OrderStatus{model.OrderCreated, model.OrderAwaitingConfirmation},
		repo.OrderUpdate{
			Status:        model.OrderFailed,
			PaymentID:     paymentID,
			FailureReason: ReasonDuplicatePayment,
			UpdatedAt:     now,
		})
	if err != nil && !errors.Is(err, repo.ErrConflict) {
		p.log.ErrorContext(ctx, "failed to mark duplicate payment", slog.String("order_id", o.OrderID), slog.Any("error", err))
	}
	p.log.ErrorContext(ctx, "duplicate payment for settled bill, refund required",
		slog.String("order_id", o.OrderID),
		slog.String("payment_id", paymentID),
		slog.String("department", o.Department),
		slog.String("bill_id", o.BillID),
		slog.Int64("amount", o.Amount),
	)
	return apperr.New(apperr.CodeAlreadyPaid, "bill is already paid")
}

// SimulatePayment produces a payment for a demo order, signed the same way
// the processor signs real ones, so Verify runs the production path.
func (p *Pipeline) SimulatePayment(ctx context.Context, sessionID uuid.UUID, orderID string) (Simulation, error) {
	o, err := p.Order(ctx, sessionID, orderID)
	if err != nil {
		return Simulation{}, err
	}
	if !o.Demo {
		return Simulation{}, apperr.New(apperr.CodeNotDemo, "order was created with the live gateway")
	}
	paymentID := demoPaymentID(o.OrderID)
	return Simulation{PaymentID: paymentID, Signature: p.gw.Sign(o.OrderID, paymentID)}, nil
}

func demoPaymentID(orderID string) string {
	sum := sha256.Sum256([]byte(orderID))
	return "pay_demo_" + hex.EncodeToString(sum[:])[:14]
}

// Order returns the session's order for status polling. An order owned by
// another session is reported as not found.
func (p *Pipeline) Order(ctx context.Context, sessionID uuid.UUID, orderID string) (model.PaymentOrder, error) {
	o, err := p.load(ctx, orderID)
	if err != nil {
		return model.PaymentOrder{}, err
	}
	if o.SessionID != sessionID {
		return model.PaymentOrder{}, apperr.New(apperr.CodeOrderNotFound, "order not found")
	}
	return o, nil
}

func (p *Pipeline) load(ctx context.Context, orderID string) (model.PaymentOrder, error) {
	if orderID == "" {
		return model.PaymentOrder{}, apperr.New(apperr.CodeInvalidRequest, "orderId is required")
	}
	o, err := p.orders.GetByOrderID(ctx, orderID)
	if errors.Is(err, repo.ErrNotFound) {
		return model.PaymentOrder{}, apperr.Wrap(apperr.CodeOrderNotFound, "order not found", err)
	}
	if err != nil {
		return model.PaymentOrder{}, apperr.Wrap(apperr.CodeInternal, "failed to load order", err)
	}
	return o, nil
}

func verifyResult(err error) string {
	if err == nil {
		return "verified"
	}
	return strings.ToLower(string(apperr.CodeOf(err)))
}
