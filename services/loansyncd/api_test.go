package loansyncd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"lendearn/native/loan"
	"lendearn/services/loansyncd/ledger"
	"lendearn/services/loansyncd/ledger/ledgertest"
	"lendearn/services/loansyncd/lifecycle"
	"lendearn/services/loansyncd/referral"
	"lendearn/services/loansyncd/registry"
	"lendearn/services/loansyncd/rewardpool"
	"lendearn/services/loansyncd/session"
	"lendearn/services/loansyncd/syncer"
	"lendearn/storage"
)

var (
	poolOwner  = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	lenderAcct = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	borrowAcct = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	refAcct    = common.HexToAddress("0x00000000000000000000000000000000000000d4")
	apiNow     = time.Unix(1_700_000_000, 0)
)

type apiHarness struct {
	t         *testing.T
	contract  *ledgertest.Contract
	holder    *session.Holder
	engine    *syncer.Engine
	referrals *referral.Store
	server    *Server
}

func newAPIHarness(t *testing.T, mutate func(*ServerDeps)) *apiHarness {
	t.Helper()
	now := func() time.Time { return apiNow }
	contract := ledgertest.NewContract(poolOwner)
	contract.SetClock(now)
	referrals, err := referral.New(storage.NewMemDB())
	require.NoError(t, err)
	holder := session.NewHolder()
	engine := syncer.New(registry.New(), syncer.WithClock(now), syncer.WithReferralCounter(referrals))
	engine.Attach(holder)
	ctrl, err := lifecycle.New(holder, engine.Registry(), engine, lifecycle.WithClock(now), lifecycle.WithReferrals(referrals))
	require.NoError(t, err)
	pool, err := rewardpool.New(ctrl, holder, nil, nil)
	require.NoError(t, err)
	deps := ServerDeps{
		Sessions:   holder,
		Engine:     engine,
		Controller: ctrl,
		Pool:       pool,
		Referrals:  referrals,
		Auth:       NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "lendearn", Audience: "loansyncd"}, nil),
		Limiter:    NewRateLimiter(1000),
		LinkBase:   "https://lendearn.example/app",
		Clock:      now,
	}
	if mutate != nil {
		mutate(&deps)
	}
	server, err := NewServer(deps)
	require.NoError(t, err)
	return &apiHarness{t: t, contract: contract, holder: holder, engine: engine, referrals: referrals, server: server}
}

func (h *apiHarness) as(addr common.Address) {
	h.t.Helper()
	h.holder.Swap(&session.Session{Account: addr, ChainID: big.NewInt(8080), Ledger: h.contract.As(addr)})
	h.sync()
}

func (h *apiHarness) sync() {
	h.t.Helper()
	_, err := h.engine.Refresh(context.Background())
	require.NoError(h.t, err)
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func validToken(t *testing.T) string {
	return signToken(t, jwt.MapClaims{
		"iss": "lendearn",
		"aud": "loansyncd",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
}

func (h *apiHarness) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func createBody() loan.CreateRequest {
	return loan.CreateRequest{Amount: "1", Payback: "1.1", DueDays: 5, Collateral: "0.5"}
}

func TestAPICreateAndListLoans(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.as(lenderAcct)

	rec := h.do(http.MethodPost, "/v1/loans", createBody(), validToken(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decode[receiptView](t, rec)
	require.Equal(t, string(ledger.ActionCreateLoan), receipt.Action)
	h.sync()

	rec = h.do(http.MethodGet, "/v1/loans/0", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[loanView](t, rec)
	require.Equal(t, lenderAcct.Hex(), view.Lender)
	require.Empty(t, view.Borrower)
	require.Equal(t, "1", view.Amount.Ether)
	require.Equal(t, "1000000000000000000", view.Amount.Wei)
	require.Equal(t, "0.1", view.Interest.Ether)
	require.Equal(t, "open", view.Status)
	require.True(t, view.CanCancel)
	require.False(t, view.CanAccept)
	require.Nil(t, view.Deadline)

	mine := decode[[]loanView](t, h.do(http.MethodGet, "/v1/loans/mine", nil, ""))
	require.Len(t, mine, 1)
	open := decode[[]loanView](t, h.do(http.MethodGet, "/v1/loans/open", nil, ""))
	require.Len(t, open, 1)

	h.as(borrowAcct)
	mine = decode[[]loanView](t, h.do(http.MethodGet, "/v1/loans/mine", nil, ""))
	require.Empty(t, mine)
	all := decode[[]loanView](t, h.do(http.MethodGet, "/v1/loans", nil, ""))
	require.Len(t, all, 1)
	require.True(t, all[0].CanAccept)

	snap := decode[snapshotView](t, h.do(http.MethodGet, "/v1/snapshot", nil, ""))
	require.Equal(t, borrowAcct.Hex(), snap.Account)
	require.Len(t, snap.Loans, 1)
}

func TestAPIAcceptRepayFlow(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.as(lenderAcct)
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/loans", createBody(), validToken(t)).Code)

	h.as(borrowAcct)
	rec := h.do(http.MethodPost, "/v1/loans/0/accept", nil, validToken(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	h.sync()

	view := decode[loanView](t, h.do(http.MethodGet, "/v1/loans/0", nil, ""))
	require.Equal(t, "active", view.Status)
	require.Equal(t, borrowAcct.Hex(), view.Borrower)
	require.True(t, view.CanRepay)
	require.NotNil(t, view.Deadline)

	rec = h.do(http.MethodPost, "/v1/loans/0/repay", nil, validToken(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	h.sync()

	refs := decode[referralView](t, h.do(http.MethodGet, "/v1/referrals", nil, ""))
	require.Equal(t, 1, refs.Completed)
	require.Equal(t, referral.StatusActive, refs.Status)
}

func TestAPIActionsRequireToken(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.as(borrowAcct)

	rec := h.do(http.MethodPost, "/v1/loans/0/accept", nil, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongAudience := signToken(t, jwt.MapClaims{"iss": "lendearn", "aud": "other", "exp": time.Now().Add(time.Hour).Unix()})
	require.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/v1/loans/0/accept", nil, wrongAudience).Code)

	expired := signToken(t, jwt.MapClaims{"iss": "lendearn", "aud": "loansyncd", "exp": time.Now().Add(-time.Hour).Unix()})
	require.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/v1/loans/0/accept", nil, expired).Code)

	noExpiry := signToken(t, jwt.MapClaims{"iss": "lendearn", "aud": "loansyncd"})
	require.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/v1/loans/0/accept", nil, noExpiry).Code)

	require.Empty(t, h.contract.Submissions())
}

func TestAPIOptionalAuthSkipsTokens(t *testing.T) {
	h := newAPIHarness(t, func(d *ServerDeps) {
		d.Auth = NewAuthenticator(AuthConfig{Optional: true}, nil)
	})
	h.as(lenderAcct)
	rec := h.do(http.MethodPost, "/v1/loans", createBody(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAPIErrorMapping(t *testing.T) {
	t.Run("validation", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		h.as(lenderAcct)
		body := createBody()
		body.Payback = "1"
		rec := h.do(http.MethodPost, "/v1/loans", body, validToken(t))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, "validation", decode[errorView](t, rec).Class)
		require.Empty(t, h.contract.Submissions())
	})

	t.Run("not found", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		h.as(borrowAcct)
		require.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/loans/9", nil, "").Code)
		require.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/loans/x", nil, "").Code)
		require.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/loans/9/accept", nil, validToken(t)).Code)
	})

	t.Run("authorization", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		h.as(lenderAcct)
		require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/loans", createBody(), validToken(t)).Code)
		h.as(borrowAcct)
		rec := h.do(http.MethodPost, "/v1/loans/0/cancel", nil, validToken(t))
		require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	})

	t.Run("rejected", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		h.as(lenderAcct)
		require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/loans", createBody(), validToken(t)).Code)
		h.as(borrowAcct)
		h.contract.SubmitHook = func(context.Context, common.Address, ledger.Call) error {
			return ledger.Rejected("acceptLoan", "Loan already active", nil)
		}
		rec := h.do(http.MethodPost, "/v1/loans/0/accept", nil, validToken(t))
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		require.Equal(t, "rejected", decode[errorView](t, rec).Class)
	})

	t.Run("transport", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		h.as(lenderAcct)
		h.contract.SubmitHook = func(context.Context, common.Address, ledger.Call) error {
			return ledger.Transport("createLoan", errors.New("connection reset"))
		}
		rec := h.do(http.MethodPost, "/v1/loans", createBody(), validToken(t))
		require.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("not connected", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		rec := h.do(http.MethodPost, "/v1/loans", createBody(), validToken(t))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodPost, "/v1/refresh", nil, validToken(t)).Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		h := newAPIHarness(t, nil)
		h.as(lenderAcct)
		req := httptest.NewRequest(http.MethodPost, "/v1/loans", strings.NewReader("{"))
		req.Header.Set("Authorization", "Bearer "+validToken(t))
		rec := httptest.NewRecorder()
		h.server.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStatusForClasses(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&lifecycle.ActionError{Class: lifecycle.ClassBusy, Err: lifecycle.ErrBusy}, http.StatusConflict},
		{lifecycle.Validation(ledger.ActionCreateLoan, lifecycle.ErrNotConnected), http.StatusServiceUnavailable},
		{lifecycle.Validation(ledger.ActionCreateLoan, loan.ErrInvalidDueDays), http.StatusBadRequest},
		{lifecycle.Authorization(ledger.ActionCancelLoan, lifecycle.ErrNotLender), http.StatusForbidden},
		{ledger.Transport("owner", errors.New("eof")), http.StatusBadGateway},
		{syncer.ErrNotConnected, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		code, _ := statusFor(tc.err)
		require.Equal(t, tc.code, code, tc.err.Error())
	}
}

func TestAPIReferrals(t *testing.T) {
	h := newAPIHarness(t, nil)
	_, ok, err := h.referrals.Visit(refAcct.Hex())
	require.NoError(t, err)
	require.True(t, ok)

	rec := h.do(http.MethodGet, "/v1/referrals", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[referralView](t, rec)
	require.Empty(t, view.Account)
	require.Equal(t, refAcct.Hex(), view.Pending)

	h.as(refAcct)
	view = decode[referralView](t, h.do(http.MethodGet, "/v1/referrals", nil, ""))
	require.Equal(t, refAcct.Hex(), view.Account)
	require.Equal(t, 1, view.Count)
	require.Equal(t, referral.StatusPending, view.Status)
	require.Contains(t, view.Link, "ref="+refAcct.Hex())

	h.as(borrowAcct)
	rec = h.do(http.MethodPost, "/v1/referrer", referrerRequest{Referrer: refAcct.Hex()}, validToken(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	h.sync()
	view = decode[referralView](t, h.do(http.MethodGet, "/v1/referrals", nil, ""))
	require.Equal(t, refAcct.Hex(), view.Referrer)

	rec = h.do(http.MethodPost, "/v1/referrer", referrerRequest{Referrer: "nope"}, validToken(t))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPISetPendingReferrer(t *testing.T) {
	h := newAPIHarness(t, nil)
	rec := h.do(http.MethodPost, "/v1/referrals/pending", referrerRequest{Referrer: refAcct.Hex()}, validToken(t))
	require.Equal(t, http.StatusNoContent, rec.Code)
	pending, ok := h.referrals.Pending()
	require.True(t, ok)
	require.Equal(t, refAcct, pending)

	require.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/referrals/pending", referrerRequest{Referrer: "0x12"}, validToken(t)).Code)

	require.Equal(t, http.StatusNoContent, h.do(http.MethodPost, "/v1/referrals/pending", referrerRequest{}, validToken(t)).Code)
	_, ok = h.referrals.Pending()
	require.False(t, ok)
}

func TestAPIRewardPool(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.as(poolOwner)

	rec := h.do(http.MethodPost, "/v1/pool/deposit", poolRequest{Amount: "2"}, validToken(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decode[receiptView](t, rec)
	require.NotNil(t, receipt.PoolBalance)
	require.Equal(t, "2", receipt.PoolBalance.Ether)

	pool := decode[poolView](t, h.do(http.MethodGet, "/v1/pool", nil, ""))
	require.Equal(t, poolOwner.Hex(), pool.Owner)
	require.True(t, pool.IsOwner)
	require.Equal(t, "0.001", pool.ReferrerReward.Ether)

	rec = h.do(http.MethodPost, "/v1/pool/withdraw", poolRequest{Amount: "1"}, validToken(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "1", decode[receiptView](t, rec).PoolBalance.Ether)

	h.as(lenderAcct)
	rec = h.do(http.MethodPost, "/v1/pool/withdraw", poolRequest{Amount: "1", To: lenderAcct.Hex()}, validToken(t))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/v1/pool/deposit", poolRequest{Amount: "-1"}, validToken(t))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoanViewLongTermStaysEncodable(t *testing.T) {
	record := loan.Loan{
		ID: 7, Lender: lenderAcct, Borrower: borrowAcct, Active: true,
		Principal: big.NewInt(1), PaybackAmount: big.NewInt(2), CollateralAmount: big.NewInt(1),
		StartTime: uint64(apiNow.Unix()), DueDays: 1 << 40,
	}
	view := newLoanView(record, lenderAcct, apiNow.Add(time.Hour))
	require.Nil(t, view.Deadline)
	require.False(t, view.CanClaim)

	_, err := json.Marshal(view)
	require.NoError(t, err)

	record.DueDays = 30
	view = newLoanView(record, lenderAcct, apiNow)
	require.NotNil(t, view.Deadline)
	require.True(t, apiNow.Add(30*24*time.Hour).Equal(*view.Deadline))
}

func TestAPIRateLimit(t *testing.T) {
	h := newAPIHarness(t, func(d *ServerDeps) { d.Limiter = NewRateLimiter(1) })
	h.as(lenderAcct)
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/refresh", nil, validToken(t)).Code)
	require.Equal(t, http.StatusTooManyRequests, h.do(http.MethodPost, "/v1/refresh", nil, validToken(t)).Code)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/loans", nil, "").Code)
}

func TestAPIHealth(t *testing.T) {
	h := newAPIHarness(t, nil)
	body := decode[map[string]any](t, h.do(http.MethodGet, "/healthz", nil, ""))
	require.Equal(t, false, body["connected"])
	h.as(lenderAcct)
	body = decode[map[string]any](t, h.do(http.MethodGet, "/healthz", nil, ""))
	require.Equal(t, true, body["connected"])
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/metrics", nil, "").Code)
}

func TestAPISnapshotStream(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.as(lenderAcct)
	srv := httptest.NewServer(h.server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/snapshots", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	read := func() snapshotView {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var view snapshotView
		require.NoError(t, json.Unmarshal(data, &view))
		return view
	}
	first := read()
	require.Equal(t, lenderAcct.Hex(), first.Account)
	require.Empty(t, first.Loans)

	h.contract.Put(loan.Loan{Lender: lenderAcct, Principal: big.NewInt(1), PaybackAmount: big.NewInt(2), CollateralAmount: big.NewInt(0), DueDays: 1})
	h.sync()
	for {
		next := read()
		if len(next.Loans) == 1 {
			require.Greater(t, next.Pass, first.Pass)
			break
		}
	}
}
