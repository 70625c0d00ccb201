package tests

import (
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestKioskE2E runs the full kiosk flow over HTTP: session, account link,
// demo order, settlement and receipt.
func TestKioskE2E(t *testing.T) {
	ts := newTestServer(t, nil)

	t.Run("A_Health", func(t *testing.T) {
		status, raw := ts.do(http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, status, "body: %s", raw)
		body := decode[map[string]any](t, raw)
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("B_FullFlow", func(t *testing.T) {
		token := ts.newSession()

		// wrong code first, then the right one
		status, raw := ts.do(http.MethodPost, "/link/request", token, map[string]string{
			"department":    "electricity",
			"accountNumber": "elec123456",
		})
		require.Equal(t, http.StatusOK, status, "body: %s", raw)
		req := decode[linkRequestResponse](t, raw)
		assert.Equal(t, "123456", req.DevOTP)
		assert.NotContains(t, req.MaskedPhone, "0000")

		status, raw = ts.do(http.MethodPost, "/link/confirm", token, map[string]string{
			"challengeId": req.ChallengeID,
			"code":        "000000",
		})
		require.Equal(t, http.StatusUnauthorized, status, "body: %s", raw)
		bad := decode[errorResponse](t, raw)
		assert.Equal(t, "INVALID_OTP", bad.Error)
		require.NotNil(t, bad.AttemptsRemaining)
		assert.Equal(t, 4, *bad.AttemptsRemaining)

		status, raw = ts.do(http.MethodPost, "/link/confirm", token, map[string]string{
			"challengeId": req.ChallengeID,
			"code":        req.DevOTP,
		})
		require.Equal(t, http.StatusOK, status, "body: %s", raw)

		status, raw = ts.do(http.MethodGet, "/link/electricity", token, nil)
		require.Equal(t, http.StatusOK, status, "body: %s", raw)
		state := decode[linkStateResponse](t, raw)
		assert.Equal(t, "LINKED", state.State)
		assert.Equal(t, "ELEC123456", state.AccountNumber)

		// order
		status, raw = ts.do(http.MethodPost, "/payment/create-order", token, map[string]any{
			"amount":        45000,
			"accountNumber": "ELEC123456",
			"department":    "electricity",
			"billId":        "BILL-2026-10",
		})
		require.Equal(t, http.StatusOK, status, "body: %s", raw)
		created := decode[createOrderResponse](t, raw)
		assert.True(t, created.Success)
		assert.True(t, created.Demo)
		assert.Equal(t, int64(45000), created.Order.Amount)
		assert.Equal(t, "INR", created.Order.Currency)
		assert.Regexp(t, `^order_demo_txn_`, created.Order.ID)
		orderID := created.Order.ID

		status, raw = ts.do(http.MethodPost, "/payment/handoff", token, map[string]string{"orderId": orderID})
		require.Equal(t, http.StatusOK, status, "body: %s", raw)

		status, raw = ts.do(http.MethodPost, "/payment/simulate", token, map[string]string{"orderId": orderID})
		require.Equal(t, http.StatusOK, status, "body: %s", raw)
		sim := decode[simulateResponse](t, raw)
		assert.Regexp(t, `^pay_demo_[0-9a-f]{14}$`, sim.PaymentID)

		verify := map[string]string{"orderId": orderID, "paymentId": sim.PaymentID, "signature": sim.Signature}
		status, raw = ts.do(http.MethodPost, "/payment/verify", token, verify)
		require.Equal(t, http.StatusOK, status, "body: %s", raw)
		first := decode[verifyResponse](t, raw)
		assert.True(t, first.Success)

		// repeat verify returns the same receipt
		status, raw = ts.do(http.MethodPost, "/payment/verify", token, verify)
		require.Equal(t, http.StatusOK, status, "body: %s", raw)
		second := decode[verifyResponse](t, raw)
		assert.JSONEq(t, string(first.Receipt), string(second.Receipt))

		// receipt endpoint serves the canonical bytes
		status, raw = ts.do(http.MethodGet, "/payment/receipt/"+orderID, token, nil)
		require.Equal(t, http.StatusOK, status, "body: %s", raw)
		assert.Equal(t, string(first.Receipt), string(raw))
		_, again := ts.do(http.MethodGet, "/payment/receipt/"+orderID, token, nil)
		assert.Equal(t, raw, again)

		rcpt := decode[map[string]any](t, raw)
		assert.Equal(t, orderID, rcpt["orderId"])
		assert.Equal(t, "BILL-2026-10", rcpt["billId"])
		assert.Equal(t, "ELEC123456", rcpt["accountNumber"])
		assert.Equal(t, true, rcpt["demo"])

		status, raw = ts.do(http.MethodGet, "/payment/orders/"+orderID, token, nil)
		require.Equal(t, http.StatusOK, status, "body: %s", raw)
		assert.Equal(t, "VERIFIED", decode[orderStatusResponse](t, raw).Status)

		// the bill is settled
		status, raw = ts.do(http.MethodPost, "/payment/create-order", token, map[string]any{
			"amount":        45000,
			"accountNumber": "ELEC123456",
			"department":    "electricity",
			"billId":        "BILL-2026-10",
		})
		require.Equal(t, http.StatusConflict, status, "body: %s", raw)
		assert.Equal(t, "ALREADY_PAID", decode[paymentFailure](t, raw).Reason)
	})

	t.Run("C_BadSignature", func(t *testing.T) {
		token := ts.newSession()
		ts.link(token, "water", "WAT1234567")

		status, raw := ts.do(http.MethodPost, "/payment/create-order", token, map[string]any{
			"amount":        1200,
			"accountNumber": "WAT1234567",
			"department":    "water",
			"billId":        "W-77",
		})
		require.Equal(t, http.StatusOK, status, "body: %s", raw)
		orderID := decode[createOrderResponse](t, raw).Order.ID

		status, raw = ts.do(http.MethodPost, "/payment/simulate", token, map[string]string{"orderId": orderID})
		require.Equal(t, http.StatusOK, status, "body: %s", raw)
		sim := decode[simulateResponse](t, raw)

		status, raw = ts.do(http.MethodPost, "/payment/verify", token, map[string]string{
			"orderId":   orderID,
			"paymentId": sim.PaymentID,
			"signature": "00" + sim.Signature[2:],
		})
		require.Equal(t, http.StatusBadRequest, status, "body: %s", raw)
		failure := decode[paymentFailure](t, raw)
		assert.False(t, failure.Success)
		assert.Equal(t, "SIGNATURE_INVALID", failure.Reason)

		// the order is final; the genuine signature no longer settles it
		status, raw = ts.do(http.MethodPost, "/payment/verify", token, map[string]string{
			"orderId":   orderID,
			"paymentId": sim.PaymentID,
			"signature": sim.Signature,
		})
		require.Equal(t, http.StatusConflict, status, "body: %s", raw)
		assert.Equal(t, "ALREADY_FINALIZED", decode[paymentFailure](t, raw).Reason)

		status, raw = ts.do(http.MethodGet, "/payment/orders/"+orderID, token, nil)
		require.Equal(t, http.StatusOK, status, "body: %s", raw)
		order := decode[orderStatusResponse](t, raw)
		assert.Equal(t, "FAILED", order.Status)
		assert.Equal(t, "SIGNATURE_INVALID", order.FailureReason)

		status, raw = ts.do(http.MethodGet, "/payment/receipt/"+orderID, token, nil)
		require.Equal(t, http.StatusConflict, status, "body: %s", raw)
		assert.Equal(t, "NOT_VERIFIED", decode[paymentFailure](t, raw).Reason)
	})

	t.Run("D_ConcurrentVerify", func(t *testing.T) {
		token := ts.newSession()
		ts.link(token, "gas", "GAS654321")

		status, raw := ts.do(http.MethodPost, "/payment/create-order", token, map[string]any{
			"amount":        999,
			"accountNumber": "GAS654321",
			"department":    "gas",
			"billId":        "G-1",
		})
		require.Equal(t, http.StatusOK, status, "body: %s", raw)
		orderID := decode[createOrderResponse](t, raw).Order.ID
		_, raw = ts.do(http.MethodPost, "/payment/simulate", token, map[string]string{"orderId": orderID})
		sim := decode[simulateResponse](t, raw)
		verify := map[string]string{"orderId": orderID, "paymentId": sim.PaymentID, "signature": sim.Signature}

		const n = 8
		statuses := make([]int, n)
		bodies := make([][]byte, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				statuses[i], bodies[i] = ts.do(http.MethodPost, "/payment/verify", token, verify)
			}(i)
		}
		wg.Wait()

		var receipt string
		for i := 0; i < n; i++ {
			require.Equal(t, http.StatusOK, statuses[i], "body: %s", bodies[i])
			got := string(decode[verifyResponse](t, bodies[i]).Receipt)
			if receipt == "" {
				receipt = got
			}
			assert.Equal(t, receipt, got)
		}
	})

	t.Run("E_LinkRequired", func(t *testing.T) {
		token := ts.newSession()
		status, raw := ts.do(http.MethodPost, "/payment/create-order", token, map[string]any{
			"amount":        500,
			"accountNumber": "MUN123456",
			"department":    "municipal",
			"billId":        "M-1",
		})
		require.Equal(t, http.StatusForbidden, status, "body: %s", raw)
		assert.Equal(t, "ACCOUNT_NOT_LINKED", decode[paymentFailure](t, raw).Reason)
	})

	t.Run("F_LinkErrors", func(t *testing.T) {
		token := ts.newSession()

		status, raw := ts.do(http.MethodPost, "/link/request", token, map[string]string{
			"department":    "library",
			"accountNumber": "LIB1",
		})
		require.Equal(t, http.StatusBadRequest, status, "body: %s", raw)
		assert.Equal(t, "UNKNOWN_DEPARTMENT", decode[errorResponse](t, raw).Error)

		status, raw = ts.do(http.MethodPost, "/link/request", token, map[string]string{
			"department":    "electricity",
			"accountNumber": "123",
		})
		require.Equal(t, http.StatusUnprocessableEntity, status, "body: %s", raw)
		assert.Equal(t, "INVALID_ACCOUNT", decode[errorResponse](t, raw).Error)

		status, raw = ts.do(http.MethodPost, "/link/confirm", token, map[string]string{
			"challengeId": "not-a-uuid",
			"code":        "123456",
		})
		require.Equal(t, http.StatusNotFound, status, "body: %s", raw)
		assert.Equal(t, "CHALLENGE_NOT_FOUND", decode[errorResponse](t, raw).Error)

		// a challenge cannot be confirmed from another session
		status, raw = ts.do(http.MethodPost, "/link/request", token, map[string]string{
			"department":    "property-tax",
			"accountNumber": "PTX12345678",
		})
		require.Equal(t, http.StatusOK, status, "body: %s", raw)
		req := decode[linkRequestResponse](t, raw)
		other := ts.newSession()
		status, raw = ts.do(http.MethodPost, "/link/confirm", other, map[string]string{
			"challengeId": req.ChallengeID,
			"code":        req.DevOTP,
		})
		require.Equal(t, http.StatusNotFound, status, "body: %s", raw)
		assert.Equal(t, "CHALLENGE_NOT_FOUND", decode[errorResponse](t, raw).Error)

		// unlink
		status, raw = ts.do(http.MethodPost, "/link/confirm", token, map[string]string{
			"challengeId": req.ChallengeID,
			"code":        req.DevOTP,
		})
		require.Equal(t, http.StatusOK, status, "body: %s", raw)
		status, _ = ts.do(http.MethodDelete, "/link/property-tax", token, nil)
		assert.Equal(t, http.StatusNoContent, status)
		status, raw = ts.do(http.MethodGet, "/link/property-tax", token, nil)
		require.Equal(t, http.StatusOK, status, "body: %s", raw)
		assert.Equal(t, "UNLINKED", decode[linkStateResponse](t, raw).State)
	})

	t.Run("G_Unauthorized", func(t *testing.T) {
		status, raw := ts.do(http.MethodGet, "/link/", "", nil)
		require.Equal(t, http.StatusUnauthorized, status, "body: %s", raw)
		assert.Equal(t, "UNAUTHORIZED", decode[errorResponse](t, raw).Error)

		status, _ = ts.do(http.MethodGet, "/link/", "garbage.token.value", nil)
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("H_OrdersStayInTheirSession", func(t *testing.T) {
		owner := ts.newSession()
		ts.link(owner, "municipal", "MUN246810")

		status, raw := ts.do(http.MethodPost, "/payment/create-order", owner, map[string]any{
			"amount":        7500,
			"accountNumber": "MUN246810",
			"department":    "municipal",
			"billId":        "M-42",
		})
		require.Equal(t, http.StatusOK, status, "body: %s", raw)
		orderID := decode[createOrderResponse](t, raw).Order.ID

		status, raw = ts.do(http.MethodPost, "/payment/simulate", owner, map[string]string{"orderId": orderID})
		require.Equal(t, http.StatusOK, status, "body: %s", raw)
		sim := decode[simulateResponse](t, raw)

		intruder := ts.newSession()
		foreign := []struct {
			method, path string
			body         any
		}{
			{http.MethodPost, "/payment/handoff", map[string]string{"orderId": orderID}},
			{http.MethodPost, "/payment/simulate", map[string]string{"orderId": orderID}},
			{http.MethodPost, "/payment/verify", map[string]string{
				"orderId":   orderID,
				"paymentId": sim.PaymentID,
				"signature": sim.Signature,
			}},
			{http.MethodGet, "/payment/orders/" + orderID, nil},
			{http.MethodGet, "/payment/receipt/" + orderID, nil},
		}
		for _, c := range foreign {
			status, raw := ts.do(c.method, c.path, intruder, c.body)
			require.Equal(t, http.StatusNotFound, status, "%s %s body: %s", c.method, c.path, raw)
			failure := decode[paymentFailure](t, raw)
			assert.False(t, failure.Success)
			assert.Equal(t, "ORDER_NOT_FOUND", failure.Reason, c.path)
		}

		status, raw = ts.do(http.MethodGet, "/payment/orders/"+orderID, owner, nil)
		require.Equal(t, http.StatusOK, status, "body: %s", raw)
		assert.Equal(t, "CREATED", decode[orderStatusResponse](t, raw).Status)

		status, raw = ts.do(http.MethodPost, "/payment/verify", owner, map[string]string{
			"orderId":   orderID,
			"paymentId": sim.PaymentID,
			"signature": sim.Signature,
		})
		require.Equal(t, http.StatusOK, status, "body: %s", raw)
		assert.True(t, decode[verifyResponse](t, raw).Success)
	})
}

// TestProductionModeHidesCodes checks codes are never echoed outside dev mode
func TestProductionModeHidesCodes(t *testing.T) {
	ts := newTestServer(t, map[string]string{"OTP_DEV_MODE": "false"})
	token := ts.newSession()

	status, raw := ts.do(http.MethodPost, "/link/request", token, map[string]string{
		"department":    "electricity",
		"accountNumber": "ELEC000111",
	})
	require.Equal(t, http.StatusOK, status, "body: %s", raw)
	res := decode[linkRequestResponse](t, raw)
	assert.NotEmpty(t, res.ChallengeID)
	assert.Empty(t, res.DevOTP, "devOtp must not be exposed when OTP_DEV_MODE=false")
}

// TestLinkRequestRateLimit checks an account cannot be flooded with codes
func TestLinkRequestRateLimit(t *testing.T) {
	ts := newTestServer(t, nil)
	token := ts.newSession()

	body := map[string]string{"department": "municipal", "accountNumber": "MUN777777"}
	var status int
	var raw []byte
	for i := 0; i < 4; i++ {
		status, raw = ts.do(http.MethodPost, "/link/request", token, body)
		if status == http.StatusTooManyRequests {
			break
		}
	}
	require.Equal(t, http.StatusTooManyRequests, status, "4th request must be refused; body: %s", raw)
	assert.Equal(t, "RATE_LIMITED", decode[errorResponse](t, raw).Error)
}
