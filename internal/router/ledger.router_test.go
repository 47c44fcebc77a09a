package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	hrest "github.com/avu-1/CREDORA/internal/handler/rest"
	wshandler "github.com/avu-1/CREDORA/internal/handler/ws"
	"github.com/avu-1/CREDORA/internal/notifier/ws"
	"github.com/avu-1/CREDORA/internal/repository"
	"github.com/avu-1/CREDORA/internal/usecase"
	"github.com/avu-1/CREDORA/pkg/auth/jwtutil"
	authmw "github.com/avu-1/CREDORA/pkg/auth/middleware"
	"github.com/avu-1/CREDORA/pkg/utils/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type apiFixture struct {
	mr      *miniredis.Miniredis
	store   *repository.MemoryStore
	handler http.Handler
}

func newAPIFixture(t *testing.T, transferLimit int) *apiFixture {
	t.Helper()
	logger := zap.NewNop()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := cache.NewCacheFromClient(rdb)

	store := repository.NewMemoryStore(time.Second)
	users := repository.MemoryUsers{MemoryStore: store}

	pool := usecase.NewFanoutPool(2, 64, time.Second, logger)
	pool.Start()
	t.Cleanup(pool.Stop)

	auditor := usecase.NewAuditor(store, pool, logger)
	views := usecase.NewViewUsecase(c, store, users, usecase.ViewTTLs{
		Profile: time.Minute, Accounts: time.Minute, Balance: time.Minute, History: time.Minute,
	}, logger)
	transfers := usecase.NewTransferUsecase(store, views, nil, auditor, pool, 5*time.Second, logger)
	otp := usecase.NewOTPUsecase(c, usecase.NewOTPLimiter(c, 5*time.Minute, 10, 0, 0), auditor, usecase.OTPConfig{
		TTL: time.Minute, Length: 6, MaxAttempts: 3, Lockout: 5 * time.Minute,
	}, logger)

	jwtCfg := jwtutil.JWTConfig{Secret: "test-secret", Issuer: "ledger", Audience: "ledger-api", TTL: time.Hour}
	signer := jwtutil.NewSigner(jwtCfg)
	auth := usecase.NewAuthUsecase(users, otp, signer, auditor,
		decimal.RequireFromString("100.00"), "USD", logger)
	sessions := usecase.NewSessionUsecase(c, signer, views, auditor, jwtCfg.TTL, logger)

	h := SetupRoutes(Deps{
		Auth:      hrest.NewAuthHandler(auth, sessions, logger),
		Ledger:    hrest.NewLedgerHandler(transfers, views, logger),
		WS:        wshandler.NewWSHandler(ws.NewManager(logger), views, nil, logger),
		Guard:     authmw.NewAuthMiddleware(jwtutil.NewVerifier(jwtCfg), sessions, logger),
		Redis:     rdb,
		Transfers: RateLimit{Limit: transferLimit, Window: time.Minute, Block: time.Minute},
	}, logger)

	return &apiFixture{mr: mr, store: store, handler: h}
}

type envelope struct {
	Status  string          `json:"status"`
	Reason  string          `json:"reason"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}, headers ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

type session struct {
	userID        string
	accountID     string
	accountNumber string
	token         string
}

// signup registers a user and completes the login code check.
func (f *apiFixture) signup(t *testing.T, email string) session {
	t.Helper()
	rec, env := f.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"email": email, "password": "correct-horse", "firstName": "Test",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res usecase.SignupResult
	require.NoError(t, json.Unmarshal(env.Data, &res))

	code, err := f.mr.Get("otp:" + res.UserID + ":login")
	require.NoError(t, err)

	rec, env = f.do(t, http.MethodPost, "/api/v1/auth/otp/verify", "", map[string]string{"userId": res.UserID, "otp": code})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sess usecase.SessionResult
	require.NoError(t, json.Unmarshal(env.Data, &sess))
	require.NotEmpty(t, sess.Token)

	return session{userID: res.UserID, accountID: res.AccountID, accountNumber: res.AccountNumber, token: sess.Token}
}

func TestTransferEndToEnd(t *testing.T) {
	f := newAPIFixture(t, 100)
	s := f.signup(t, "sender@example.com")
	r := f.signup(t, "receiver@example.com")

	rec, env := f.do(t, http.MethodPost, "/api/v1/transactions", s.token, map[string]string{
		"fromAccountId": s.accountID, "toAccountNumber": r.accountNumber, "amount": "30.00", "description": "rent",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &raw))
	for _, k := range []string{"transactionId", "referenceNumber", "amount", "balanceAfter", "timestamp"} {
		assert.Contains(t, raw, k)
	}
	var res struct {
		ReferenceNumber string          `json:"referenceNumber"`
		BalanceAfter    decimal.Decimal `json:"balanceAfter"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.True(t, res.BalanceAfter.Equal(decimal.RequireFromString("70")))
	assert.Equal(t, res.ReferenceNumber, rec.Header().Get(hrest.HeaderReferenceNumber))

	rec, env = f.do(t, http.MethodGet, "/api/v1/accounts/"+r.accountID+"/balance?fresh=true", r.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bal struct {
		Balance decimal.Decimal `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &bal))
	assert.True(t, bal.Balance.Equal(decimal.RequireFromString("130")))

	rec, env = f.do(t, http.MethodGet, "/api/v1/transactions/history/"+s.accountID+"?limit=10", s.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &history))
	require.Len(t, history, 1)
	assert.Equal(t, res.ReferenceNumber, history[0]["reference_number"])

	// the recipient cannot read the sender's history
	rec, env = f.do(t, http.MethodGet, "/api/v1/transactions/history/"+s.accountID, r.token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "account_access_denied", env.Reason)
}

func TestTransferErrorStatuses(t *testing.T) {
	f := newAPIFixture(t, 100)
	s := f.signup(t, "a@example.com")
	r := f.signup(t, "b@example.com")

	cases := []struct {
		name   string
		token  string
		body   map[string]string
		status int
		reason string
	}{
		{"no token", "", map[string]string{"fromAccountId": s.accountID, "toAccountNumber": r.accountNumber, "amount": "1"}, http.StatusUnauthorized, "unauthorized"},
		{"bad amount", s.token, map[string]string{"fromAccountId": s.accountID, "toAccountNumber": r.accountNumber, "amount": "0.001"}, http.StatusBadRequest, "invalid_amount"},
		{"insufficient", s.token, map[string]string{"fromAccountId": s.accountID, "toAccountNumber": r.accountNumber, "amount": "100.01"}, http.StatusUnprocessableEntity, "insufficient_funds"},
		{"self", s.token, map[string]string{"fromAccountId": s.accountID, "toAccountNumber": s.accountNumber, "amount": "1"}, http.StatusUnprocessableEntity, "self_transfer_rejected"},
		{"unknown recipient", s.token, map[string]string{"fromAccountId": s.accountID, "toAccountNumber": "1009999999", "amount": "1"}, http.StatusNotFound, "recipient_not_found"},
		{"foreign account", r.token, map[string]string{"fromAccountId": s.accountID, "toAccountNumber": r.accountNumber, "amount": "1"}, http.StatusForbidden, "account_access_denied"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, env := f.do(t, http.MethodPost, "/api/v1/transactions", tc.token, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.reason, env.Reason)
			assert.Equal(t, "error", env.Status)
			if tc.token != "" {
				assert.NotEmpty(t, rec.Header().Get(hrest.HeaderReferenceNumber))
			}
		})
	}
	assert.Equal(t, 0, f.store.TransactionCount())
}

func TestTransferIdempotencyKeyReplays(t *testing.T) {
	f := newAPIFixture(t, 100)
	s := f.signup(t, "a@example.com")
	r := f.signup(t, "b@example.com")
	body := map[string]string{"fromAccountId": s.accountID, "toAccountNumber": r.accountNumber, "amount": "10"}

	rec, _ := f.do(t, http.MethodPost, "/api/v1/transactions", s.token, body, hrest.HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	first := rec.Header().Get(hrest.HeaderReferenceNumber)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/transactions", s.token, body, hrest.HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first, rec.Header().Get(hrest.HeaderReferenceNumber))
	assert.Equal(t, 1, f.store.TransactionCount())
}

func TestTransferRateLimited(t *testing.T) {
	f := newAPIFixture(t, 1)
	s := f.signup(t, "a@example.com")
	r := f.signup(t, "b@example.com")
	body := map[string]string{"fromAccountId": s.accountID, "toAccountNumber": r.accountNumber, "amount": "1"}

	rec, _ := f.do(t, http.MethodPost, "/api/v1/transactions", s.token, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec, env := f.do(t, http.MethodPost, "/api/v1/transactions", s.token, body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "too_many_requests", env.Reason)
}

func TestOTPVerifyLockout(t *testing.T) {
	f := newAPIFixture(t, 100)
	rec, env := f.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"email": "locked@example.com", "password": "correct-horse",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var res usecase.SignupResult
	require.NoError(t, json.Unmarshal(env.Data, &res))

	code, err := f.mr.Get("otp:" + res.UserID + ":login")
	require.NoError(t, err)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 0; i < 2; i++ {
		rec, env = f.do(t, http.MethodPost, "/api/v1/auth/otp/verify", "", map[string]string{"userId": res.UserID, "otp": wrong})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "otp_invalid", env.Reason)
		var vr map[string]interface{}
		require.NoError(t, json.Unmarshal(env.Data, &vr))
		assert.Equal(t, false, vr["valid"])
		assert.Equal(t, "invalid", vr["reason"])
	}

	rec, env = f.do(t, http.MethodPost, "/api/v1/auth/otp/verify", "", map[string]string{"userId": res.UserID, "otp": wrong})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "otp_locked", env.Reason)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// the right code no longer helps while locked
	rec, _ = f.do(t, http.MethodPost, "/api/v1/auth/otp/verify", "", map[string]string{"userId": res.UserID, "otp": code})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	f := newAPIFixture(t, 100)
	f.signup(t, "user@example.com")

	rec, env := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "user@example.com", "password": "nope-nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_credentials", env.Reason)

	rec, env = f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "user@example.com", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"otpRequired":true`)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t, 100)
	rec, env := f.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", env.Status)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mrec := httptest.NewRecorder()
	f.handler.ServeHTTP(mrec, req)
	assert.Equal(t, http.StatusOK, mrec.Code)
}

func TestRequestIDEchoedOrMinted(t *testing.T) {
	f := newAPIFixture(t, 100)

	rec, _ := f.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Regexp(t, `^req_[0-9A-Z]{26}$`, rec.Header().Get("X-Request-Id"))

	rec, _ = f.do(t, http.MethodGet, "/api/v1/health", "", nil, "X-Request-Id", "client-42")
	assert.Equal(t, "client-42", rec.Header().Get("X-Request-Id"))
}

func TestLogoutRevokesToken(t *testing.T) {
	f := newAPIFixture(t, 100)
	s := f.signup(t, "leaver@example.com")

	rec, _ := f.do(t, http.MethodGet, "/api/v1/profile", s.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, f.mr.Keys())

	rec, _ = f.do(t, http.MethodPost, "/api/v1/auth/logout", s.token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, f.mr.Exists("user:profile:"+s.userID))

	rec, env := f.do(t, http.MethodGet, "/api/v1/profile", s.token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "revoked_token", env.Reason)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/auth/logout", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshTokenRotatesSession(t *testing.T) {
	f := newAPIFixture(t, 100)
	s := f.signup(t, "rotor@example.com")

	rec, env := f.do(t, http.MethodPost, "/api/v1/auth/refresh-token", s.token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var next usecase.SessionResult
	require.NoError(t, json.Unmarshal(env.Data, &next))
	require.NotEmpty(t, next.Token)
	assert.NotEqual(t, s.token, next.Token)
	assert.Equal(t, s.userID, next.UserID)

	rec, env = f.do(t, http.MethodGet, "/api/v1/accounts", s.token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "revoked_token", env.Reason)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/accounts", next.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// the old token cannot be refreshed a second time
	rec, _ = f.do(t, http.MethodPost, "/api/v1/auth/refresh-token", s.token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAccountDetailsOwnerOnly(t *testing.T) {
	f := newAPIFixture(t, 100)
	a := f.signup(t, "owner@example.com")
	b := f.signup(t, "other@example.com")

	rec, env := f.do(t, http.MethodGet, "/api/v1/accounts/"+a.accountID, a.token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var acct map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &acct))
	assert.Equal(t, a.accountID, acct["id"])
	assert.Equal(t, a.accountNumber, acct["account_number"])

	rec, env = f.do(t, http.MethodGet, "/api/v1/accounts/"+a.accountID, b.token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "account_access_denied", env.Reason)
}
