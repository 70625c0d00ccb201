// Package tests exercises the assembled API over HTTP.
package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/civickiosk/server/internal/app"
	"github.com/civickiosk/server/internal/config"
	"github.com/civickiosk/server/internal/db"
	"github.com/stretchr/testify/require"
)

// baseEnv is the environment every test server starts from
var baseEnv = map[string]string{
	"JWT_SECRET":       "test-jwt-secret-at-least-32-characters-long",
	"OTP_SALT":         "test-otp-salt",
	"OTP_DEV_MODE":     "true",
	"DEV_MODE":         "true",
	"STORE":            config.StoreMemory,
	"REDIS_URL":        "",
	"DIRECTORY_URL":    "",
	"SMS_API_KEY":      "",
	"GATEWAY_KEY_ID":   "",
	"GATEWAY_BASE_URL": "",
}

// testServer is an assembled API behind httptest
type testServer struct {
	Server *httptest.Server
	t      *testing.T
}

// newTestServer builds the API with in-memory stores, applying overrides on
// top of baseEnv. Set TEST_DATABASE_URL to run against Postgres instead.
func newTestServer(t *testing.T, overrides map[string]string) *testServer {
	t.Helper()

	for k, v := range baseEnv {
		t.Setenv(k, v)
	}
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		t.Setenv("STORE", config.StorePostgres)
		t.Setenv("DATABASE_URL", url)
	}
	for k, v := range overrides {
		t.Setenv(k, v)
	}

	cfg, err := config.Load()
	require.NoError(t, err, "config load must succeed for e2e test")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.Build(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	if cfg.Store == config.StorePostgres {
		database, err := db.Open(context.Background(), cfg.DatabaseURL, log)
		require.NoError(t, err)
		require.NoError(t, db.Truncate(database))
		_ = database.Close()
	}

	server := httptest.NewServer(a.Handler)
	t.Cleanup(server.Close)
	return &testServer{Server: server, t: t}
}

// do sends a JSON request and returns the status and raw body
func (s *testServer) do(method, path, token string, body any) (int, []byte) {
	s.t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.Server.URL+path, rd)
	require.NoError(s.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.Server.Client().Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	return resp.StatusCode, raw
}

// decode unmarshals raw into a fresh T
func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	return out
}

// newSession starts a kiosk session and returns its bearer token
func (s *testServer) newSession() string {
	s.t.Helper()
	status, raw := s.do(http.MethodPost, "/session", "", nil)
	require.Equal(s.t, http.StatusCreated, status, "body: %s", raw)
	res := decode[sessionResponse](s.t, raw)
	require.NotEmpty(s.t, res.SessionToken)
	return res.SessionToken
}

// link runs request and confirm for an account using the dev code
func (s *testServer) link(token, department, account string) {
	s.t.Helper()
	status, raw := s.do(http.MethodPost, "/link/request", token, map[string]string{
		"department":    department,
		"accountNumber": account,
	})
	require.Equal(s.t, http.StatusOK, status, "body: %s", raw)
	req := decode[linkRequestResponse](s.t, raw)
	require.NotEmpty(s.t, req.DevOTP)

	status, raw = s.do(http.MethodPost, "/link/confirm", token, map[string]string{
		"challengeId": req.ChallengeID,
		"code":        req.DevOTP,
	})
	require.Equal(s.t, http.StatusOK, status, "body: %s", raw)
}

type sessionResponse struct {
	SessionToken string `json:"session_token"`
	SessionID    string `json:"session_id"`
	TokenType    string `json:"token_type"`
}

type errorResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	AttemptsRemaining *int   `json:"attemptsRemaining"`
}

type linkRequestResponse struct {
	ChallengeID string `json:"challengeId"`
	MaskedPhone string `json:"maskedPhone"`
	DevOTP      string `json:"devOtp"`
}

type linkStateResponse struct {
	Department    string `json:"department"`
	State         string `json:"state"`
	AccountNumber string `json:"accountNumber"`
}

type createOrderResponse struct {
	Success bool `json:"success"`
	Demo    bool `json:"demo"`
	Order   struct {
		ID        string `json:"id"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
		Reference string `json:"reference"`
	} `json:"order"`
	Key string `json:"key"`
}

type simulateResponse struct {
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
}

type verifyResponse struct {
	Success bool            `json:"success"`
	Receipt json.RawMessage `json:"receipt"`
}

type paymentFailure struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

type orderStatusResponse struct {
	Status        string `json:"status"`
	FailureReason string `json:"failureReason"`
	Demo          bool   `json:"demo"`
}
