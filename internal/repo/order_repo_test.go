package repo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/civickiosk/server/internal/db"
	"github.com/civickiosk/server/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type OrderRepoSuite struct {
	suite.Suite
	newRepo func() OrderRepo
	repo    OrderRepo
	ctx     context.Context
	now     time.Time
}

func (s *OrderRepoSuite) SetupTest() {
	s.repo = s.newRepo()
	s.ctx = context.Background()
	s.now = time.Now().UTC().Truncate(time.Microsecond)
}

func (s *OrderRepoSuite) order(billID string) *model.PaymentOrder {
	ref := "txn_" + uuid.NewString()
	return &model.PaymentOrder{
		OrderID:           "order_" + ref[4:18],
		InternalReference: ref,
		SessionID:         uuid.New(),
		Amount:            99050,
		Currency:          "INR",
		Department:        "electricity",
		BillID:            billID,
		AccountNumber:     "ELEC123456",
		Status:            model.OrderCreated,
		CreatedAt:         s.now,
		UpdatedAt:         s.now,
	}
}

func (s *OrderRepoSuite) verify(orderID string) (model.PaymentOrder, error) {
	at := s.now
	return s.repo.Transition(s.ctx, orderID,
		[]model.OrderStatus{model.OrderCreated, model.OrderAwaitingConfirmation},
		OrderUpdate{Status: model.OrderVerified, PaymentID: "pay_1", PaymentMethod: model.MethodGateway, VerifiedAt: &at, UpdatedAt: at})
}

func (s *OrderRepoSuite) TestCreateAndGet() {
	o := s.order("bill-1")
	s.Require().NoError(s.repo.Create(s.ctx, o))

	got, err := s.repo.GetByOrderID(s.ctx, o.OrderID)
	s.Require().NoError(err)
	s.Equal(o.InternalReference, got.InternalReference)
	s.Equal(o.SessionID, got.SessionID)
	s.Equal(o.Amount, got.Amount)
	s.Equal(o.BillID, got.BillID)
	s.Equal(model.OrderCreated, got.Status)
	s.True(o.CreatedAt.Equal(got.CreatedAt))
	s.Nil(got.VerifiedAt)

	s.ErrorIs(s.repo.Create(s.ctx, o), ErrConflict)
	_, err = s.repo.GetByOrderID(s.ctx, "order_missing")
	s.ErrorIs(err, ErrNotFound)
}

func (s *OrderRepoSuite) TestTransitionToVerified() {
	o := s.order("bill-1")
	s.Require().NoError(s.repo.Create(s.ctx, o))

	got, err := s.verify(o.OrderID)
	s.Require().NoError(err)
	s.Equal(model.OrderVerified, got.Status)
	s.Equal("pay_1", got.PaymentID)
	s.Equal(int64(99050), got.Amount)
	s.Require().NotNil(got.VerifiedAt)
	s.True(s.now.Equal(*got.VerifiedAt))

	found, err := s.repo.FindVerifiedByBill(s.ctx, "electricity", "bill-1")
	s.Require().NoError(err)
	s.Equal(o.OrderID, found.OrderID)
}

func (s *OrderRepoSuite) TestTerminalStatusCannotMove() {
	o := s.order("bill-1")
	s.Require().NoError(s.repo.Create(s.ctx, o))
	_, err := s.repo.Transition(s.ctx, o.OrderID,
		[]model.OrderStatus{model.OrderCreated, model.OrderAwaitingConfirmation},
		OrderUpdate{Status: model.OrderFailed, FailureReason: "SIGNATURE_INVALID", UpdatedAt: s.now})
	s.Require().NoError(err)

	_, err = s.verify(o.OrderID)
	s.ErrorIs(err, ErrConflict)

	got, err := s.repo.GetByOrderID(s.ctx, o.OrderID)
	s.Require().NoError(err)
	s.Equal(model.OrderFailed, got.Status)
	s.Equal("SIGNATURE_INVALID", got.FailureReason)

	_, err = s.repo.Transition(s.ctx, "order_missing", []model.OrderStatus{model.OrderCreated}, OrderUpdate{Status: model.OrderFailed, UpdatedAt: s.now})
	s.ErrorIs(err, ErrNotFound)
}

func (s *OrderRepoSuite) TestSecondVerifiedOrderForBillRefused() {
	first := s.order("bill-1")
	second := s.order("bill-1")
	s.Require().NoError(s.repo.Create(s.ctx, first))
	s.Require().NoError(s.repo.Create(s.ctx, second))

	_, err := s.verify(first.OrderID)
	s.Require().NoError(err)
	_, err = s.verify(second.OrderID)
	s.ErrorIs(err, ErrAlreadyPaid)

	got, err := s.repo.GetByOrderID(s.ctx, second.OrderID)
	s.Require().NoError(err)
	s.Equal(model.OrderCreated, got.Status)
}

func (s *OrderRepoSuite) TestConcurrentVerifyHasOneWinner() {
	o := s.order("bill-1")
	s.Require().NoError(s.repo.Create(s.ctx, o))

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.verify(o.OrderID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if s.ErrorIs(err, ErrConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()
	s.Equal(1, wins)
	s.Equal(workers-1, conflicts)
}

func TestMemoryOrderRepo(t *testing.T) {
	suite.Run(t, &OrderRepoSuite{newRepo: func() OrderRepo { return NewMemoryOrderRepo() }})
}

func TestPostgresOrderRepo(t *testing.T) {
	database := openTestDB(t)
	suite.Run(t, &OrderRepoSuite{newRepo: func() OrderRepo {
		require.NoError(t, db.Truncate(database))
		return NewOrderRepo(database)
	}})
}
