package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/civickiosk/server/internal/model"
	"github.com/lib/pq"
)

// OrderUpdate carries the fields written by a status transition. Empty strings
// and nil pointers leave the stored value unchanged.
type OrderUpdate struct {
	Status        model.OrderStatus
	PaymentID     string
	PaymentMethod string
	FailureReason string
	VerifiedAt    *time.Time
	UpdatedAt     time.Time
}

// OrderRepo defines the persistence operations for payment orders
type OrderRepo interface {
	// Create inserts a new order; ErrConflict when the order id or internal reference exists.
	Create(ctx context.Context, o *model.PaymentOrder) error
	GetByOrderID(ctx context.Context, orderID string) (model.PaymentOrder, error)
	// FindVerifiedByBill returns the VERIFIED order for the bill, or ErrNotFound.
	FindVerifiedByBill(ctx context.Context, department, billID string) (model.PaymentOrder, error)
	// Transition applies u only if the order's current status is one of from.
	// It returns ErrConflict when the status moved on, and ErrAlreadyPaid when
	// u would make a second VERIFIED order for the same bill.
	Transition(ctx context.Context, orderID string, from []model.OrderStatus, u OrderUpdate) (model.PaymentOrder, error)
}

// Name of the partial unique index enforcing one VERIFIED order per bill
const verifiedBillIndex = "payment_orders_verified_bill_idx"

type orderRepo struct {
	db *sql.DB
}

// NewOrderRepo creates a PostgreSQL-backed OrderRepo
func NewOrderRepo(db *sql.DB) OrderRepo {
	return &orderRepo{db: db}
}

const orderColumns = `order_id, internal_reference, session_id, amount, currency, department, bill_id, account_number,
	status, demo, payment_id, payment_method, failure_reason, created_at, updated_at, verified_at`

func (r *orderRepo) Create(ctx context.Context, o *model.PaymentOrder) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, o.OrderID, o.InternalReference, o.SessionID, o.Amount, o.Currency, o.Department, o.BillID, o.AccountNumber,
		string(o.Status), o.Demo, o.PaymentID, o.PaymentMethod, o.FailureReason, o.CreatedAt, o.UpdatedAt, o.VerifiedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("order %s: %w", o.OrderID, ErrConflict)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderRepo) GetByOrderID(ctx context.Context, orderID string) (model.PaymentOrder, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM payment_orders WHERE order_id = $1`, orderID)
	return scanOrder(row)
}

func (r *orderRepo) FindVerifiedByBill(ctx context.Context, department, billID string) (model.PaymentOrder, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM payment_orders
		WHERE department = $1 AND bill_id = $2 AND status = 'VERIFIED'
	`, department, billID)
	return scanOrder(row)
}

func (r *orderRepo) Transition(ctx context.Context, orderID string, from []model.OrderStatus, u OrderUpdate) (model.PaymentOrder, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	row := r.db.QueryRowContext(ctx, `
		UPDATE payment_orders
		SET status = $2,
		    payment_id = COALESCE(NULLIF($3, ''), payment_id),
		    payment_method = COALESCE(NULLIF($4, ''), payment_method),
		    failure_reason = COALESCE(NULLIF($5, ''), failure_reason),
		    verified_at = COALESCE($6, verified_at),
		    updated_at = $7
		WHERE order_id = $1 AND status = ANY($8)
		RETURNING `+orderColumns,
		orderID, string(u.Status), u.PaymentID, u.PaymentMethod, u.FailureReason, u.VerifiedAt, u.UpdatedAt,
		pq.Array(fromStrs))
	o, err := scanOrder(row)
	switch {
	case err == nil:
		return o, nil
	case isUniqueViolation(err, verifiedBillIndex):
		return model.PaymentOrder{}, fmt.Errorf("order %s: %w", orderID, ErrAlreadyPaid)
	case errors.Is(err, ErrNotFound):
		if _, getErr := r.GetByOrderID(ctx, orderID); getErr != nil {
			return model.PaymentOrder{}, getErr
		}
		return model.PaymentOrder{}, fmt.Errorf("order %s: %w", orderID, ErrConflict)
	default:
		return model.PaymentOrder{}, err
	}
}

// isUniqueViolation reports a 23505 error, optionally on a specific constraint
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

func scanOrder(row rowScanner) (model.PaymentOrder, error) {
	var o model.PaymentOrder
	var status string
	err := row.Scan(
		&o.OrderID,
		&o.InternalReference,
		&o.SessionID,
		&o.Amount,
		&o.Currency,
		&o.Department,
		&o.BillID,
		&o.AccountNumber,
		&status,
		&o.Demo,
		&o.PaymentID,
		&o.PaymentMethod,
		&o.FailureReason,
		&o.CreatedAt,
		&o.UpdatedAt,
		&o.VerifiedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PaymentOrder{}, fmt.Errorf("order: %w", ErrNotFound)
		}
		return model.PaymentOrder{}, fmt.Errorf("scan order: %w", err)
	}
	o.Status = model.OrderStatus(status)
	return o, nil
}
