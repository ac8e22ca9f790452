package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"lendpool/core/state"
	"lendpool/crypto"
	nativecommon "lendpool/native/common"
	"lendpool/native/pool"
	"lendpool/services/poold/idempotency"
	"lendpool/services/poold/oracle"
	"lendpool/storage"
)

const testSecret = "test-secret"

type fixedOracle struct {
	price *uint256.Int
	err   error
	now   func() time.Time
}

func (o *fixedOracle) Latest(context.Context) (oracle.Quote, error) {
	if o.err != nil {
		return oracle.Quote{}, o.err
	}
	return oracle.Quote{Price: new(uint256.Int).Set(o.price), Timestamp: o.now(), Source: "fixed"}, nil
}

type harness struct {
	t        *testing.T
	srv      *httptest.Server
	engine   *pool.Engine
	clock    time.Time
	oracle   *fixedOracle
	operator *crypto.PrivateKey
}

type harnessOption func(*Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{t: t, clock: time.Unix(1_700_000_000, 0)}
	now := func() time.Time { return h.clock }

	engine, err := pool.NewEngine(common.HexToAddress("0xAA"), common.HexToAddress("0xBB"), pool.DefaultConfig())
	require.NoError(t, err)
	engine.SetState(state.NewManager(storage.NewMemDB()))
	engine.SetClock(now)
	h.engine = engine

	price, err := pool.ParseAmount("2000", 8)
	require.NoError(t, err)
	h.oracle = &fixedOracle{price: price, now: now}

	idem, err := idempotency.Open(":memory:", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idem.Close() })

	h.operator, err = crypto.GeneratePrivateKey()
	require.NoError(t, err)

	cfg := Config{
		Ledger:      engine,
		Oracle:      h.oracle,
		Idempotency: idem,
		Auth: AuthConfig{
			HMACSecret: testSecret,
			Issuer:     "poold",
			Audience:   "lendpool",
			Domain:     "lendpool.test",
			Operators:  []common.Address{h.operator.Address()},
		},
		Now: now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	h.srv = httptest.NewServer(s.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(method, path, token string, body any, headers ...string) (*http.Response, map[string]any) {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (h *harness) login(key *crypto.PrivateKey) string {
	h.t.Helper()
	resp, challenge := h.do(http.MethodPost, "/v1/auth/challenge", "", map[string]string{"address": key.Address().Hex()})
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
	sig, err := crypto.SignText(key, challenge["message"].(string))
	require.NoError(h.t, err)
	resp, login := h.do(http.MethodPost, "/v1/auth/login", "", map[string]string{
		"address":   key.Address().Hex(),
		"nonce":     challenge["nonce"].(string),
		"signature": "0x" + hex.EncodeToString(sig),
	})
	require.Equal(h.t, http.StatusOK, resp.StatusCode, "%v", login)
	return login["token"].(string)
}

func (h *harness) fund(token string, actor common.Address, asset, amount string) {
	h.t.Helper()
	resp, body := h.do(http.MethodPost, "/v1/custody/fund", token, map[string]string{"actor": actor.Hex(), "asset": asset, "amount": amount})
	require.Equal(h.t, http.StatusOK, resp.StatusCode, "%v", body)
}

func newKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key
}

func TestLendingLifecycle(t *testing.T) {
	h := newHarness(t)
	opToken := h.login(h.operator)
	lender, borrower := newKey(t), newKey(t)
	lenderToken, borrowerToken := h.login(lender), h.login(borrower)

	h.fund(opToken, lender.Address(), "DAI", "1000")
	h.fund(opToken, borrower.Address(), "collateral", "10")

	resp, body := h.do(http.MethodPost, "/v1/deposit", lenderToken, map[string]string{"amount": "1000"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", body)
	require.Equal(t, "1000", body["principal"])

	resp, body = h.do(http.MethodGet, "/v1/quote?amount=100", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", body)
	require.Equal(t, "0.0625", body["collateral"])

	resp, body = h.do(http.MethodPost, "/v1/borrow", borrowerToken, map[string]any{"amount": "100", "durationDays": 180})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "%v", body)
	require.Equal(t, "0.0625", body["collateral"])
	require.Equal(t, "2000", body["price"])
	require.EqualValues(t, 1, body["id"])

	h.clock = h.clock.Add(15_768_000 * time.Second)
	h.fund(opToken, borrower.Address(), "lend", "4")

	resp, body = h.do(http.MethodPost, "/v1/loans/1/accrue", borrowerToken, map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", body)
	require.Equal(t, "104", body["repayAmount"])

	resp, body = h.do(http.MethodPost, "/v1/loans/1/repay", borrowerToken, map[string]string{"amount": "103"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "underpayment", body["code"])

	resp, body = h.do(http.MethodPost, "/v1/loans/1/repay", borrowerToken, map[string]string{"amount": "104"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", body)
	require.Equal(t, "104", body["paid"])
	require.Equal(t, "0.0625", body["unlocked"])

	resp, body = h.do(http.MethodPost, "/v1/loans/1/repay", borrowerToken, map[string]string{"amount": "104"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "already_repaid", body["code"])

	resp, body = h.do(http.MethodPost, "/v1/collateral/claim", borrowerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", body)
	require.Equal(t, "0.0625", body["amount"])

	resp, body = h.do(http.MethodGet, "/v1/balances/"+borrower.Address().Hex(), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "10", body["collateral"])
	require.Equal(t, "0", body["lend"])

	resp, body = h.do(http.MethodGet, "/v1/pool", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "4", body["interestCollected"])
	require.Equal(t, "0", body["totalBorrowed"])

	resp, body = h.do(http.MethodGet, "/v1/loans", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []any{float64(1)}, body["ids"])

	resp, _ = h.do(http.MethodGet, "/v1/loans/9", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthRequirements(t *testing.T) {
	h := newHarness(t)
	actor := newKey(t)
	token := h.login(actor)

	resp, _ := h.do(http.MethodPost, "/v1/deposit", "", map[string]string{"amount": "1"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, "/v1/deposit", "garbage", map[string]string{"amount": "1"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(http.MethodPost, "/v1/custody/fund", token, map[string]string{"actor": actor.Address().Hex(), "asset": "lend", "amount": "1"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// A signature from another key does not log in and burns the challenge.
	resp, challenge := h.do(http.MethodPost, "/v1/auth/challenge", "", map[string]string{"address": actor.Address().Hex()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sig, err := crypto.SignText(newKey(t), challenge["message"].(string))
	require.NoError(t, err)
	login := map[string]string{"address": actor.Address().Hex(), "nonce": challenge["nonce"].(string), "signature": hex.EncodeToString(sig)}
	resp, _ = h.do(http.MethodPost, "/v1/auth/login", "", login)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = h.do(http.MethodPost, "/v1/auth/login", "", login)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Tokens expire.
	h.clock = h.clock.Add(2 * time.Hour)
	resp, _ = h.do(http.MethodPost, "/v1/deposit", token, map[string]string{"amount": "1"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIdempotentReplay(t *testing.T) {
	h := newHarness(t)
	opToken := h.login(h.operator)
	lender := newKey(t)
	token := h.login(lender)
	h.fund(opToken, lender.Address(), "lend", "10")

	resp, first := h.do(http.MethodPost, "/v1/deposit", token, map[string]string{"amount": "4"}, headerIdempotencyKey, "dep-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get(headerReplayed))

	resp, second := h.do(http.MethodPost, "/v1/deposit", token, map[string]string{"amount": "4"}, headerIdempotencyKey, "dep-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "true", resp.Header.Get(headerReplayed))
	require.Equal(t, first, second)

	account, err := h.engine.Depositor(lender.Address())
	require.NoError(t, err)
	require.Equal(t, "4000000000000000000", account.Principal.Dec())

	resp, body := h.do(http.MethodPost, "/v1/deposit", token, map[string]string{"amount": "5"}, headerIdempotencyKey, "dep-1")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "idempotency_mismatch", body["code"])
}

func TestQuotaAndRateLimit(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Quotas = nativecommon.NewQuotaTracker(nativecommon.Quota{MaxRequests: 1, EpochSeconds: 60})
	})
	token := h.login(newKey(t))
	resp, _ := h.do(http.MethodPost, "/v1/collateral/claim", token, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, body := h.do(http.MethodPost, "/v1/collateral/claim", token, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "quota_exceeded", body["code"])

	limited := newHarness(t, func(cfg *Config) {
		cfg.RateLimit = RateLimit{RequestsPerMinute: 1, Burst: 1}
	})
	resp, _ = limited.do(http.MethodGet, "/v1/pool", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = limited.do(http.MethodGet, "/v1/pool", "", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "rate_limited", body["code"])
}

func TestPriceUnavailable(t *testing.T) {
	h := newHarness(t)
	token := h.login(newKey(t))
	h.oracle.err = fmt.Errorf("%w: feed down", oracle.ErrStale)

	resp, body := h.do(http.MethodPost, "/v1/borrow", token, map[string]any{"amount": "1", "durationDays": 1})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "price_unavailable", body["code"])

	resp, _ = h.do(http.MethodGet, "/v1/price", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthAndRequestID(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(http.MethodGet, "/healthz", "", nil, headerRequestID, "req-42")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "req-42", resp.Header.Get(headerRequestID))

	resp, _ = h.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBadInputs(t *testing.T) {
	h := newHarness(t)
	token := h.login(newKey(t))

	resp, body := h.do(http.MethodPost, "/v1/deposit", token, map[string]string{"amount": "1.0000000000000000001"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_amount", body["code"])

	resp, body = h.do(http.MethodPost, "/v1/deposit", token, map[string]string{"amount": "1", "extra": "x"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "bad_request", body["code"])

	resp, _ = h.do(http.MethodGet, "/v1/depositors/not-an-address", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = h.do(http.MethodPost, "/v1/interest/accrue", token, map[string]int64{"at": h.clock.Unix() + 10})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_timestamp", body["code"])
}

func TestWriteErrorLogLevels(t *testing.T) {
	var buf bytes.Buffer
	s := &Server{logger: slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}
	cases := []struct {
		err    error
		status int
		level  string
	}{
		{fmt.Errorf("deposit: %w", pool.ErrReservedAccount), http.StatusBadRequest, "DEBUG"},
		{pool.ErrUnderpayment, http.StatusUnprocessableEntity, "DEBUG"},
		{nativecommon.ErrModulePaused, http.StatusServiceUnavailable, "INFO"},
		{pool.ErrHalted, http.StatusInternalServerError, "ERROR"},
	}
	for _, tc := range cases {
		buf.Reset()
		rec := httptest.NewRecorder()
		s.writeError(rec, httptest.NewRequest(http.MethodPost, "/v1/deposit", nil), tc.err)
		require.Equal(t, tc.status, rec.Code, tc.err.Error())

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		require.Equal(t, tc.level, line["level"], tc.err.Error())
	}
}

func TestChallengesAreBounded(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	auth, err := newAuthenticator(AuthConfig{
		HMACSecret:              testSecret,
		Domain:                  "lendpool.test",
		ChallengeTTL:            time.Minute,
		MaxChallengesPerAddress: 2,
		MaxPendingChallenges:    3,
	}, func() time.Time { return clock })
	require.NoError(t, err)

	alice := common.HexToAddress("0x01")
	first, _, _, err := auth.challenge(alice)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, _, _, err = auth.challenge(alice)
		require.NoError(t, err)
	}
	require.Equal(t, 2, auth.outstanding())
	_, _, err = auth.login(alice, first, make([]byte, 65))
	require.ErrorIs(t, err, errUnauthorized)

	_, _, _, err = auth.challenge(common.HexToAddress("0x02"))
	require.NoError(t, err)
	_, _, _, err = auth.challenge(common.HexToAddress("0x03"))
	require.ErrorIs(t, err, errChallengeLimit)
	status, code := toStatus(err)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, "challenge_limit", code)

	clock = clock.Add(2 * time.Minute)
	_, _, _, err = auth.challenge(common.HexToAddress("0x03"))
	require.NoError(t, err)
	require.Equal(t, 1, auth.outstanding())
}

func TestToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{pool.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
		{pool.ErrInvalidPrice, http.StatusBadRequest, "invalid_price"},
		{pool.ErrUnknownLoan, http.StatusNotFound, "unknown_loan"},
		{pool.ErrAlreadyRepaid, http.StatusConflict, "already_repaid"},
		{pool.ErrUnderpayment, http.StatusUnprocessableEntity, "underpayment"},
		{pool.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
		{pool.ErrInsufficientCustody, http.StatusUnprocessableEntity, "insufficient_custody"},
		{nativecommon.ErrModulePaused, http.StatusServiceUnavailable, "paused"},
		{pool.ErrHalted, http.StatusInternalServerError, "halted"},
		{pool.ErrInvariantViolation, http.StatusInternalServerError, "halted"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		status, code := toStatus(fmt.Errorf("wrap: %w", tc.err))
		require.Equal(t, tc.status, status, tc.err.Error())
		require.Equal(t, tc.code, code, tc.err.Error())
	}
}
