package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/civickiosk/server/internal/auth"
)

// SessionHandler starts kiosk sessions
type SessionHandler struct {
	jwtService *auth.JWTService
	log        *slog.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(jwtService *auth.JWTService, log *slog.Logger) *SessionHandler {
	return &SessionHandler{jwtService: jwtService, log: log}
}

// sessionResponse is the JSON response for POST /session
type sessionResponse struct {
	SessionToken string    `json:"session_token"`
	SessionID    string    `json:"session_id"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// HandleCreate handles POST /session
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	sess, token, err := h.jwtService.NewSession()
	if err != nil {
		respondWithAppError(w, r, h.log, err)
		return
	}
	h.log.InfoContext(r.Context(), "session started", slog.String("session_id", sess.ID.String()))
	respondWithJSON(w, http.StatusCreated, sessionResponse{
		SessionToken: token,
		SessionID:    sess.ID.String(),
		TokenType:    "Bearer",
		ExpiresAt:    sess.ExpiresAt,
	})
}
