package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/civickiosk/server/internal/apperr"
	"github.com/civickiosk/server/internal/auth"
	"github.com/civickiosk/server/internal/model"
)

type contextKey string

const sessionKey contextKey = "session"

// SessionAuth validates the session token and attaches the kiosk session to
// the request context
func SessionAuth(jwtService *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				respondWithError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				respondWithError(w, http.StatusUnauthorized, "missing token")
				return
			}

			claims, err := jwtService.VerifyToken(tokenString)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired session")
				return
			}

			ctx := WithSession(r.Context(), claims.Session())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithSession returns ctx carrying sess
func WithSession(ctx context.Context, sess model.Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

// GetSession returns the session attached by SessionAuth
func GetSession(ctx context.Context) (model.Session, bool) {
	s, ok := ctx.Value(sessionKey).(model.Session)
	return s, ok
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	code := apperr.CodeUnauthorized
	if statusCode == http.StatusTooManyRequests {
		code = apperr.CodeRateLimited
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": string(code), "message": message}
	_ = json.NewEncoder(w).Encode(response)
}
