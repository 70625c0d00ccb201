package repo

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/civickiosk/server/internal/model"
)

// MemoryOrderRepo is an in-memory OrderRepo for tests and STORE=memory
type MemoryOrderRepo struct {
	mu     sync.Mutex
	orders map[string]*model.PaymentOrder
}

// NewMemoryOrderRepo creates an empty in-memory order store
func NewMemoryOrderRepo() *MemoryOrderRepo {
	return &MemoryOrderRepo{orders: make(map[string]*model.PaymentOrder)}
}

func (r *MemoryOrderRepo) Create(_ context.Context, o *model.PaymentOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[o.OrderID]; exists {
		return fmt.Errorf("order %s: %w", o.OrderID, ErrConflict)
	}
	for _, existing := range r.orders {
		if existing.InternalReference == o.InternalReference {
			return fmt.Errorf("order reference %s: %w", o.InternalReference, ErrConflict)
		}
	}
	stored := *o
	r.orders[o.OrderID] = &stored
	return nil
}

func (r *MemoryOrderRepo) GetByOrderID(_ context.Context, orderID string) (model.PaymentOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return model.PaymentOrder{}, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return *o, nil
}

func (r *MemoryOrderRepo) FindVerifiedByBill(_ context.Context, department, billID string) (model.PaymentOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o := r.verifiedForBill(department, billID); o != nil {
		return *o, nil
	}
	return model.PaymentOrder{}, fmt.Errorf("verified order for bill %s: %w", billID, ErrNotFound)
}

func (r *MemoryOrderRepo) verifiedForBill(department, billID string) *model.PaymentOrder {
	for _, o := range r.orders {
		if o.Department == department && o.BillID == billID && o.Status == model.OrderVerified {
			return o
		}
	}
	return nil
}

func (r *MemoryOrderRepo) Transition(_ context.Context, orderID string, from []model.OrderStatus, u OrderUpdate) (model.PaymentOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return model.PaymentOrder{}, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if !slices.Contains(from, o.Status) {
		return model.PaymentOrder{}, fmt.Errorf("order %s is %s: %w", orderID, o.Status, ErrConflict)
	}
	if u.Status == model.OrderVerified {
		if paid := r.verifiedForBill(o.Department, o.BillID); paid != nil && paid.OrderID != orderID {
			return model.PaymentOrder{}, fmt.Errorf("order %s: %w", orderID, ErrAlreadyPaid)
		}
	}

	o.Status = u.Status
	if u.PaymentID != "" {
		o.PaymentID = u.PaymentID
	}
	if u.PaymentMethod != "" {
		o.PaymentMethod = u.PaymentMethod
	}
	if u.FailureReason != "" {
		o.FailureReason = u.FailureReason
	}
	if u.VerifiedAt != nil {
		at := *u.VerifiedAt
		o.VerifiedAt = &at
	}
	o.UpdatedAt = u.UpdatedAt
	return *o, nil
}
