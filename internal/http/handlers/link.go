package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/civickiosk/server/internal/apperr"
	"github.com/civickiosk/server/internal/link"
	"github.com/civickiosk/server/internal/middleware"
	"github.com/civickiosk/server/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// LinkHandler handles account linking endpoints
type LinkHandler struct {
	auth *link.Authenticator
	log  *slog.Logger
}

// NewLinkHandler creates a new link handler
func NewLinkHandler(auth *link.Authenticator, log *slog.Logger) *LinkHandler {
	return &LinkHandler{auth: auth, log: log}
}

// linkRequest is the request body for POST /link/request
type linkRequest struct {
	Department    string `json:"department"`
	AccountNumber string `json:"accountNumber"`
}

type linkRequestResponse struct {
	ChallengeID string    `json:"challengeId"`
	ExpiresAt   time.Time `json:"expiresAt"`
	MaskedPhone string    `json:"maskedPhone"`
	DevOTP      string    `json:"devOtp,omitempty"`
}

// confirmRequest is the request body for POST /link/confirm
type confirmRequest struct {
	ChallengeID string `json:"challengeId"`
	Code        string `json:"code"`
}

type linkedResponse struct {
	Department    string    `json:"department"`
	AccountNumber string    `json:"accountNumber"`
	LinkedAt      time.Time `json:"linkedAt"`
}

type stateResponse struct {
	Department    string           `json:"department"`
	State         model.LinkStatus `json:"state"`
	AccountNumber string           `json:"accountNumber,omitempty"`
	LinkedAt      *time.Time       `json:"linkedAt,omitempty"`
	PendingUntil  *time.Time       `json:"pendingUntil,omitempty"`
}

func toState(s link.Status) stateResponse {
	out := stateResponse{Department: s.Department, State: s.State, PendingUntil: s.PendingUntil}
	if s.Linked != nil {
		at := s.Linked.LinkedAt
		out.AccountNumber = s.Linked.AccountNumber
		out.LinkedAt = &at
	}
	return out
}

func sessionFrom(r *http.Request) (model.Session, error) {
	sess, ok := middleware.GetSession(r.Context())
	if !ok {
		return model.Session{}, apperr.New(apperr.CodeUnauthorized, "no session")
	}
	return sess, nil
}

// HandleRequest handles POST /link/request
func (h *LinkHandler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFrom(r)
	if err != nil {
		respondWithAppError(w, r, h.log, err)
		return
	}
	var req linkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithAppError(w, r, h.log, err)
		return
	}

	res, err := h.auth.RequestLink(r.Context(), sess, req.Department, req.AccountNumber)
	if err != nil {
		respondWithAppError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, linkRequestResponse{
		ChallengeID: res.ChallengeID.String(),
		ExpiresAt:   res.ExpiresAt,
		MaskedPhone: res.MaskedPhone,
		DevOTP:      res.DevCode,
	})
}

// HandleConfirm handles POST /link/confirm
func (h *LinkHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFrom(r)
	if err != nil {
		respondWithAppError(w, r, h.log, err)
		return
	}
	var req confirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithAppError(w, r, h.log, err)
		return
	}
	challengeID, err := uuid.Parse(req.ChallengeID)
	if err != nil {
		respondWithError(w, http.StatusNotFound, apperr.CodeChallengeNotFound, "challenge not found")
		return
	}

	linked, err := h.auth.ConfirmLink(r.Context(), sess, challengeID, req.Code)
	if err != nil {
		respondWithAppError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, linkedResponse{
		Department:    linked.Department,
		AccountNumber: linked.AccountNumber,
		LinkedAt:      linked.LinkedAt,
	})
}

// HandleState handles GET /link/{department}
func (h *LinkHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFrom(r)
	if err != nil {
		respondWithAppError(w, r, h.log, err)
		return
	}
	st, err := h.auth.State(r.Context(), sess, chi.URLParam(r, "department"))
	if err != nil {
		respondWithAppError(w, r, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toState(st))
}

// HandleList handles GET /link
func (h *LinkHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFrom(r)
	if err != nil {
		respondWithAppError(w, r, h.log, err)
		return
	}
	states, err := h.auth.List(r.Context(), sess)
	if err != nil {
		respondWithAppError(w, r, h.log, err)
		return
	}
	out := make([]stateResponse, 0, len(states))
	for _, s := range states {
		out = append(out, toState(s))
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"links": out})
}

// HandleUnlink handles DELETE /link/{department}
func (h *LinkHandler) HandleUnlink(w http.ResponseWriter, r *http.Request) {
	sess, err := sessionFrom(r)
	if err != nil {
		respondWithAppError(w, r, h.log, err)
		return
	}
	if err := h.auth.Unlink(r.Context(), sess, chi.URLParam(r, "department")); err != nil {
		respondWithAppError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
