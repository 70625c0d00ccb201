package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OTPIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_otp_issued_total",
		Help: "OTP challenges issued, by department",
	}, []string{"department"})

	OTPVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_otp_verifications_total",
		Help: "OTP verification attempts, by result",
	}, []string{"result"})

	AccountsLinked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_accounts_linked_total",
		Help: "Accounts linked to kiosk sessions, by department",
	}, []string{"department"})

	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_payment_orders_created_total",
		Help: "Payment orders created, by mode (gateway or demo)",
	}, []string{"mode"})

	PaymentVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_payment_verifications_total",
		Help: "Payment verification outcomes, by result",
	}, []string{"result"})

	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kiosk_gateway_request_duration_seconds",
		Help:    "Latency of outbound payment gateway calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"operation", "outcome"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_http_requests_total",
		Help: "HTTP requests served, by route pattern and status code",
	}, []string{"route", "status"})
)

// Handler exposes the default registry for scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
