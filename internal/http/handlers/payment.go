package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/civickiosk/server/internal/apperr"
	"github.com/civickiosk/server/internal/link"
	"github.com/civickiosk/server/internal/model"
	"github.com/civickiosk/server/internal/receipt"
	"github.com/civickiosk/server/internal/settlement"
	"github.com/go-chi/chi/v5"
)

// PaymentHandler handles order, verification and receipt endpoints
type PaymentHandler struct {
	pipeline *settlement.Pipeline
	receipts *receipt.Emitter
	links    *link.Authenticator
	log      *slog.Logger
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(pipeline *settlement.Pipeline, receipts *receipt.Emitter, links *link.Authenticator, log *slog.Logger) *PaymentHandler {
	return &PaymentHandler{pipeline: pipeline, receipts: receipts, links: links, log: log}
}

// createOrderRequest is the request body for POST /payment/create-order.
// Amount is in minor units.
type createOrderRequest struct {
	Amount        int64  `json:"amount"`
	AccountNumber string `json:"accountNumber"`
	Department    string `json:"department"`
	BillID        string `json:"billId"`
}

type orderView struct {
	ID        string `json:"id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

type createOrderResponse struct {
	Success bool      `json:"success"`
	Demo    bool      `json:"demo,omitempty"`
	Order   orderView `json:"order"`
	Key     string    `json:"key,omitempty"`
}

type orderIDRequest struct {
	OrderID string `json:"orderId"`
}

type verifyRequest struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
}

type verifyResponse struct {
	Success bool            `json:"success"`
	Receipt json.RawMessage `json:"receipt"`
}

type orderStatusResponse struct {
	Success       bool              `json:"success"`
	OrderID       string            `json:"orderId"`
	Reference     string            `json:"reference"`
	Status        model.OrderStatus `json:"status"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Department    string            `json:"department"`
	BillID        string            `json:"billId"`
	Demo          bool              `json:"demo"`
	FailureReason string            `json:"failureReason,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// HandleCreateOrder handles POST /payment/create-order. The account must be
// linked in the calling session.
func (h *PaymentHandler) HandleCreateOrder(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFrom(r)
	if err != nil {
		respondWithPaymentError(w, r, h.log, err)
		return
	}
	var req createOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithPaymentError(w, r, h.log, err)
		return
	}
	if req.Amount <= 0 {
		respondWithPaymentError(w, r, h.log, apperr.New(apperr.CodeInvalidAmount, "amount must be a positive number of minor units"))
		return
	}

	linked, err := h.links.Linked(r.Context(), sess, strings.TrimSpace(req.Department))
	if err != nil {
		respondWithPaymentError(w, r, h.log, err)
		return
	}
	if !strings.EqualFold(linked.AccountNumber, strings.TrimSpace(req.AccountNumber)) {
		respondWithPaymentError(w, r, h.log, apperr.New(apperr.CodeAccountNotLinked, "account is not linked in this session"))
		return
	}

	created, err := h.pipeline.CreateOrder(r.Context(), settlement.CreateOrderRequest{
		SessionID:     sess.ID,
		Amount:        req.Amount,
		AccountNumber: linked.AccountNumber,
		Department:    linked.Department,
		BillID:        req.BillID,
	})
	if err != nil {
		respondWithPaymentError(w, r, h.log, err)
		return
	}
	o := created.Order
	respondWithJSON(w, http.StatusOK, createOrderResponse{
		Success: true,
		Demo:    o.Demo,
		Order:   orderView{ID: o.OrderID, Amount: o.Amount, Currency: o.Currency, Reference: o.InternalReference},
		Key:     created.Key,
	})
}

// HandleHandoff handles POST /payment/handoff
func (h *PaymentHandler) HandleHandoff(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFrom(r)
	if err != nil {
		respondWithPaymentError(w, r, h.log, err)
		return
	}
	var req orderIDRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithPaymentError(w, r, h.log, err)
		return
	}
	o, err := h.pipeline.MarkAwaiting(r.Context(), sess.ID, req.OrderID)
	if err != nil {
		respondWithPaymentError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"success": true, "status": o.Status})
}

// HandleSimulate handles POST /payment/simulate (demo orders only)
func (h *PaymentHandler) HandleSimulate(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFrom(r)
	if err != nil {
		respondWithPaymentError(w, r, h.log, err)
		return
	}
	var req orderIDRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithPaymentError(w, r, h.log, err)
		return
	}
	sim, err := h.pipeline.SimulatePayment(r.Context(), sess.ID, req.OrderID)
	if err != nil {
		respondWithPaymentError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"paymentId": sim.PaymentID,
		"signature": sim.Signature,
	})
}

// HandleVerify handles POST /payment/verify
func (h *PaymentHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFrom(r)
	if err != nil {
		respondWithPaymentError(w, r, h.log, err)
		return
	}
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithPaymentError(w, r, h.log, err)
		return
	}
	rcpt, err := h.pipeline.Verify(r.Context(), settlement.VerifyRequest{
		SessionID: sess.ID,
		OrderID:   req.OrderID,
		PaymentID: req.PaymentID,
		Signature: req.Signature,
	})
	if err != nil {
		respondWithPaymentError(w, r, h.log, err)
		return
	}
	body, err := receipt.Encode(rcpt)
	if err != nil {
		respondWithPaymentError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, verifyResponse{Success: true, Receipt: body})
}

// HandleOrder handles GET /payment/orders/{orderId}
func (h *PaymentHandler) HandleOrder(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFrom(r)
	if err != nil {
		respondWithPaymentError(w, r, h.log, err)
		return
	}
	o, err := h.pipeline.Order(r.Context(), sess.ID, chi.URLParam(r, "orderId"))
	if err != nil {
		respondWithPaymentError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, orderStatusResponse{
		Success:       true,
		OrderID:       o.OrderID,
		Reference:     o.InternalReference,
		Status:        o.Status,
		Amount:        o.Amount,
		Currency:      o.Currency,
		Department:    o.Department,
		BillID:        o.BillID,
		Demo:          o.Demo,
		FailureReason: o.FailureReason,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	})
}

// HandleReceipt handles GET /payment/receipt/{orderId}. The body is the
// canonical receipt encoding, byte for byte.
func (h *PaymentHandler) HandleReceipt(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFrom(r)
	if err != nil {
		respondWithPaymentError(w, r, h.log, err)
		return
	}
	rcpt, err := h.receipts.ForOrder(r.Context(), sess.ID, chi.URLParam(r, "orderId"))
	if err != nil {
		respondWithPaymentError(w, r, h.log, err)
		return
	}
	body, err := receipt.Encode(rcpt)
	if err != nil {
		respondWithPaymentError(w, r, h.log, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
