// Package receipt projects verified payment orders into the receipts handed to
// the print and export collaborators.
package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/civickiosk/server/internal/apperr"
	"github.com/civickiosk/server/internal/model"
	"github.com/civickiosk/server/internal/repo"
	"github.com/google/uuid"
)

// Project builds the receipt of a VERIFIED order. It reads nothing but the
// order, so the same order always yields the same receipt.
func Project(o model.PaymentOrder) (model.Receipt, error) {
	if o.Status != model.OrderVerified || o.VerifiedAt == nil {
		return model.Receipt{}, apperr.New(apperr.CodeNotVerified, fmt.Sprintf("order is %s", o.Status))
	}
	method := o.PaymentMethod
	if method == "" {
		method = model.MethodGateway
		if o.Demo {
			method = model.MethodDemo
		}
	}
	return model.Receipt{
		OrderID:       o.OrderID,
		TransactionID: o.InternalReference,
		Reference:     o.PaymentID,
		Amount:        o.Amount,
		Currency:      o.Currency,
		Department:    o.Department,
		AccountNumber: o.AccountNumber,
		BillID:        o.BillID,
		PaymentDate:   o.VerifiedAt.UTC().Truncate(time.Microsecond),
		PaymentMethod: method,
		Demo:          o.Demo,
	}, nil
}

// Emitter serves receipts for stored orders
type Emitter struct {
	orders repo.OrderRepo
}

// NewEmitter creates an Emitter
func NewEmitter(orders repo.OrderRepo) *Emitter {
	return &Emitter{orders: orders}
}

// ForOrder loads the session's order and projects its receipt. Orders owned
// by another session are reported as not found.
func (e *Emitter) ForOrder(ctx context.Context, sessionID uuid.UUID, orderID string) (model.Receipt, error) {
	o, err := e.orders.GetByOrderID(ctx, orderID)
	if errors.Is(err, repo.ErrNotFound) {
		return model.Receipt{}, apperr.Wrap(apperr.CodeOrderNotFound, "order not found", err)
	}
	if err != nil {
		return model.Receipt{}, apperr.Wrap(apperr.CodeInternal, "failed to load order", err)
	}
	if o.SessionID != sessionID {
		return model.Receipt{}, apperr.New(apperr.CodeOrderNotFound, "order not found")
	}
	return Project(o)
}

// Encode renders the canonical JSON form of a receipt: fixed field order and
// an RFC 3339 UTC payment date.
func Encode(r model.Receipt) ([]byte, error) {
	r.PaymentDate = r.PaymentDate.UTC()
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}
	return b, nil
}
