package model

import (
	"time"

	"github.com/google/uuid"
)

// Purpose scopes an OTP challenge to the flow that requested it
type Purpose string

const (
	PurposeLink Purpose = "LINK"
	PurposeNone Purpose = "NONE"
)

// ChallengeStatus is the lifecycle state of an OTP challenge. Every status except
// ChallengePending is terminal.
type ChallengeStatus string

const (
	ChallengePending    ChallengeStatus = "PENDING"
	ChallengeConsumed   ChallengeStatus = "CONSUMED"
	ChallengeExhausted  ChallengeStatus = "EXHAUSTED"
	ChallengeExpired    ChallengeStatus = "EXPIRED"
	ChallengeSuperseded ChallengeStatus = "SUPERSEDED"
)

// OtpChallenge represents a one-time code issued to prove control of the mobile
// number registered on a department account
type OtpChallenge struct {
	ID                uuid.UUID
	SessionID         uuid.UUID
	Department        string
	AccountNumber     string
	Purpose           Purpose
	CodeHash          []byte
	Status            ChallengeStatus
	IssuedAt          time.Time
	ExpiresAt         time.Time
	AttemptsRemaining int
	ConsumedAt        *time.Time
}

// Consumed reports whether the challenge reached a terminal state
func (c *OtpChallenge) Consumed() bool {
	return c.Status != ChallengePending
}

// ExpiredAt reports whether the challenge TTL has elapsed at now
func (c *OtpChallenge) ExpiredAt(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Session is the kiosk session on whose behalf link operations run
type Session struct {
	ID        uuid.UUID
	ExpiresAt time.Time
}

// LinkedAccount binds a department account to a kiosk session
type LinkedAccount struct {
	SessionID     uuid.UUID `json:"session_id"`
	Department    string    `json:"department"`
	AccountNumber string    `json:"account_number"`
	LinkedAt      time.Time `json:"linked_at"`
	ChallengeID   uuid.UUID `json:"challenge_id"`
}

// LinkStatus is the per (session, department) link state
type LinkStatus string

const (
	LinkUnlinked    LinkStatus = "UNLINKED"
	LinkAwaitingOTP LinkStatus = "AWAITING_OTP"
	LinkLinked      LinkStatus = "LINKED"
)

// LinkState is the persisted link record for one session and department
type LinkState struct {
	SessionID      uuid.UUID      `json:"session_id"`
	Department     string         `json:"department"`
	Linked         *LinkedAccount `json:"linked,omitempty"`
	PendingAccount string         `json:"pending_account,omitempty"`
	PendingID      uuid.UUID      `json:"pending_challenge_id"`
	PendingUntil   time.Time      `json:"pending_until"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Status derives the state machine position at now. A pending challenge that
// has passed its TTL no longer counts as AWAITING_OTP.
func (s *LinkState) Status(now time.Time) LinkStatus {
	if s == nil {
		return LinkUnlinked
	}
	if s.PendingID != uuid.Nil && now.Before(s.PendingUntil) {
		return LinkAwaitingOTP
	}
	if s.Linked != nil {
		return LinkLinked
	}
	return LinkUnlinked
}

// OrderStatus is the settlement state of a payment order
type OrderStatus string

const (
	OrderCreated              OrderStatus = "CREATED"
	OrderAwaitingConfirmation OrderStatus = "AWAITING_CONFIRMATION"
	OrderVerified             OrderStatus = "VERIFIED"
	OrderFailed               OrderStatus = "FAILED"
)

// Terminal reports whether no transition leaves the status
func (s OrderStatus) Terminal() bool {
	return s == OrderVerified || s == OrderFailed
}

// Payment methods recorded on verified orders
const (
	MethodGateway = "gateway"
	MethodDemo    = "demo"
)

// PaymentOrder is a gateway-tracked payment intent for one bill. Only the
// session that created it may act on it or read it.
type PaymentOrder struct {
	OrderID           string
	InternalReference string
	SessionID         uuid.UUID
	Amount            int64
	Currency          string
	Department        string
	BillID            string
	AccountNumber     string
	Status            OrderStatus
	Demo              bool
	PaymentID         string
	PaymentMethod     string
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	VerifiedAt        *time.Time
}

// Receipt is the immutable record of a verified order, as consumed by the
// print and export collaborators
type Receipt struct {
	OrderID       string    `json:"orderId"`
	TransactionID string    `json:"transactionId"`
	Reference     string    `json:"reference"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Department    string    `json:"department"`
	AccountNumber string    `json:"accountNumber"`
	BillID        string    `json:"billId"`
	PaymentDate   time.Time `json:"paymentDate"`
	PaymentMethod string    `json:"paymentMethod"`
	Demo          bool      `json:"demo"`
}
