package http

import (
	"log/slog"

	"github.com/civickiosk/server/internal/auth"
	"github.com/civickiosk/server/internal/http/handlers"
	"github.com/civickiosk/server/internal/metrics"
	"github.com/civickiosk/server/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Handlers groups the endpoint handlers the router mounts
type Handlers struct {
	Session *handlers.SessionHandler
	Link    *handlers.LinkHandler
	Payment *handlers.PaymentHandler
	Health  *handlers.HealthHandler
}

// Limiters are the per-caller rate limiters applied in front of the
// endpoints that start sessions or send SMS
type Limiters struct {
	Session *middleware.RateLimiter
	OTP     *middleware.RateLimiter
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(h Handlers, limiters Limiters, jwtService *auth.JWTService, log *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimw.Recoverer)

	r.Get("/health", h.Health.ServeHTTP)
	r.Handle("/metrics", metrics.Handler())

	r.With(middleware.RateLimitMiddleware(limiters.Session, middleware.ClientIPKey)).
		Post("/session", h.Session.HandleCreate)

	// Session routes (require a valid session token)
	r.Group(func(r chi.Router) {
		r.Use(middleware.SessionAuth(jwtService))

		r.Route("/link", func(r chi.Router) {
			r.With(middleware.RateLimitMiddleware(limiters.OTP, middleware.SessionKey)).
				Post("/request", h.Link.HandleRequest)
			r.Post("/confirm", h.Link.HandleConfirm)
			r.Get("/", h.Link.HandleList)
			r.Get("/{department}", h.Link.HandleState)
			r.Delete("/{department}", h.Link.HandleUnlink)
		})

		r.Route("/payment", func(r chi.Router) {
			r.Post("/create-order", h.Payment.HandleCreateOrder)
			r.Post("/handoff", h.Payment.HandleHandoff)
			r.Post("/simulate", h.Payment.HandleSimulate)
			r.Post("/verify", h.Payment.HandleVerify)
			r.Get("/orders/{orderId}", h.Payment.HandleOrder)
			r.Get("/receipt/{orderId}", h.Payment.HandleReceipt)
		})
	})

	return r
}
