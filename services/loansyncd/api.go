package loansyncd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"lendearn/native/loan"
	"lendearn/services/loansyncd/ledger"
	"lendearn/services/loansyncd/lifecycle"
	"lendearn/services/loansyncd/referral"
	"lendearn/services/loansyncd/registry"
	"lendearn/services/loansyncd/rewardpool"
	"lendearn/services/loansyncd/session"
	"lendearn/services/loansyncd/syncer"
)

const (
	wsWriteTimeout       = 10 * time.Second
	defaultActionTimeout = 2 * time.Minute
	maxBodyBytes         = 1 << 16
)

// ServerDeps wires the components exposed over HTTP.
type ServerDeps struct {
	Sessions      *session.Holder
	Engine        *syncer.Engine
	Controller    *lifecycle.Controller
	Pool          *rewardpool.Manager
	Referrals     *referral.Store
	Auth          *Authenticator
	Limiter       *RateLimiter
	LinkBase      string
	ActionTimeout time.Duration
	Logger        *slog.Logger
	Clock         func() time.Time
}

// Server serves the read views, the action endpoints and the snapshot
// stream.
type Server struct {
	deps   ServerDeps
	router chi.Router
	logger *slog.Logger
	clock  func() time.Time
}

// NewServer constructs the HTTP surface of loansyncd.
func NewServer(deps ServerDeps) (*Server, error) {
	if deps.Sessions == nil || deps.Engine == nil || deps.Controller == nil {
		return nil, fmt.Errorf("loansyncd: sessions, engine and controller required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("loansyncd: authenticator required")
	}
	if deps.Limiter == nil {
		deps.Limiter = NewRateLimiter(0)
	}
	if deps.ActionTimeout <= 0 {
		deps.ActionTimeout = defaultActionTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	s := &Server{deps: deps, logger: logger.With(slog.String("component", "api")), clock: clock}
	s.router = s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/snapshots", s.handleSnapshotStream)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/loans", s.handleLoans)
		r.Get("/loans/mine", s.handleMyLoans)
		r.Get("/loans/open", s.handleOpenLoans)
		r.Get("/loans/{id}", s.handleLoan)
		r.Get("/referrals", s.handleReferrals)
		r.Get("/pool", s.handlePool)

		r.Group(func(r chi.Router) {
			r.Use(s.deps.Limiter.Middleware, s.deps.Auth.Middleware)
			r.Post("/loans", s.handleCreate)
			r.Post("/loans/{id}/accept", s.loanAction(s.deps.Controller.AcceptLoan))
			r.Post("/loans/{id}/repay", s.loanAction(s.deps.Controller.RepayLoan))
			r.Post("/loans/{id}/cancel", s.loanAction(s.deps.Controller.CancelLoan))
			r.Post("/loans/{id}/claim", s.loanAction(s.deps.Controller.ClaimCollateral))
			r.Post("/referrer", s.handleSetReferrer)
			r.Post("/referrals/pending", s.handleSetPending)
			r.Post("/pool/deposit", s.handleDeposit)
			r.Post("/pool/withdraw", s.handleWithdraw)
			r.Post("/refresh", s.handleRefresh)
		})
	})
	return r
}

func (s *Server) snapshot() *registry.Snapshot {
	return s.deps.Engine.Registry().Load()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": s.deps.Sessions.Load().Connected(),
		"pass":      snap.Pass,
		"busy":      s.deps.Controller.Busy(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newSnapshotView(s.snapshot(), s.clock()))
}

func (s *Server) handleLoans(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot()
	writeJSON(w, http.StatusOK, loanViews(snap.List(), snap.Account, s.clock()))
}

func (s *Server) handleMyLoans(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot()
	writeJSON(w, http.StatusOK, loanViews(snap.MyLoans(snap.Account), snap.Account, s.clock()))
}

func (s *Server) handleOpenLoans(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot()
	writeJSON(w, http.StatusOK, loanViews(snap.OpenOffers(), snap.Account, s.clock()))
}

func (s *Server) handleLoan(w http.ResponseWriter, r *http.Request) {
	id, err := loanID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap := s.snapshot()
	record, ok := snap.Loan(id)
	if !ok {
		writeError(w, http.StatusNotFound, lifecycle.ErrLoanNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, newLoanView(record, snap.Account, s.clock()))
}

func (s *Server) handleReferrals(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot()
	account := s.deps.Sessions.Load().AccountOrZero()
	view := referralView{Status: referral.StatusPending}
	if store := s.deps.Referrals; store != nil {
		if pending, ok := store.Pending(); ok {
			view.Pending = pending.Hex()
		}
	}
	if account == (common.Address{}) {
		writeJSON(w, http.StatusOK, view)
		return
	}
	view.Account = account.Hex()
	view.Count = snap.ReferralCount
	if store := s.deps.Referrals; store != nil {
		count, err := store.CountFor(account)
		if err != nil {
			s.logger.Warn("referral count unavailable", "error", err)
		} else {
			view.Count = count
		}
		if s.deps.LinkBase != "" {
			link, err := store.Link(s.deps.LinkBase, account)
			if err != nil {
				s.logger.Warn("referral link unavailable", "error", err)
			}
			view.Link = link
		}
	}
	if snap.Account == account && snap.ReferrerOf != (common.Address{}) {
		view.Referrer = snap.ReferrerOf.Hex()
	}
	view.Completed = max(s.deps.Controller.Completed(account), snap.CompletedBy(account))
	view.Status = referral.Status(view.Completed)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	view := poolView{Balance: amountOf(snap.PoolBalance)}
	if s.deps.Pool == nil {
		writeJSON(w, http.StatusOK, view)
		return
	}
	owner, err := s.deps.Pool.Owner(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	rates, err := s.deps.Pool.Rates(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	view.Owner = owner.Hex()
	view.IsOwner = owner == s.deps.Sessions.Load().AccountOrZero()
	view.ReferrerReward = amountOf(rates.Referrer)
	view.BorrowerReward = amountOf(rates.Borrower)
	writeJSON(w, http.StatusOK, view)
}

// actionContext detaches the submission from the client connection so a
// disconnect does not abandon a transaction that is already in flight.
func (s *Server) actionContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), s.deps.ActionTimeout)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req loan.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	params, err := req.Params()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: err.Error(), Class: lifecycle.ClassValidation.String()})
		return
	}
	ctx, cancel := s.actionContext(r)
	defer cancel()
	receipt, err := s.deps.Controller.CreateLoan(ctx, params)
	s.writeReceipt(w, receipt, err)
}

func (s *Server) loanAction(fn func(context.Context, uint64) (ledger.Receipt, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := loanID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ctx, cancel := s.actionContext(r)
		defer cancel()
		receipt, err := fn(ctx, id)
		s.writeReceipt(w, receipt, err)
	}
}

type referrerRequest struct {
	Referrer string `json:"referrer"`
}

func (s *Server) handleSetReferrer(w http.ResponseWriter, r *http.Request) {
	var req referrerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ref, err := loan.ParseAddress(req.Referrer)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: err.Error(), Class: lifecycle.ClassValidation.String()})
		return
	}
	ctx, cancel := s.actionContext(r)
	defer cancel()
	receipt, err := s.deps.Controller.SetReferrer(ctx, ref)
	s.writeReceipt(w, receipt, err)
}

// handleSetPending records a manually entered referrer. An empty referrer
// clears the pending value.
func (s *Server) handleSetPending(w http.ResponseWriter, r *http.Request) {
	if s.deps.Referrals == nil {
		writeError(w, http.StatusServiceUnavailable, "referrals unavailable")
		return
	}
	var req referrerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var ref common.Address
	if req.Referrer != "" {
		parsed, err := loan.ParseAddress(req.Referrer)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorView{Error: err.Error(), Class: lifecycle.ClassValidation.String()})
			return
		}
		ref = parsed
	}
	s.deps.Referrals.SetPending(ref)
	w.WriteHeader(http.StatusNoContent)
}

type poolRequest struct {
	Amount string `json:"amount"`
	To     string `json:"to,omitempty"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.poolAction(w, r, func(ctx context.Context, amount *big.Int, _ string) (rewardpool.Result, error) {
		return s.deps.Pool.Deposit(ctx, amount)
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.poolAction(w, r, func(ctx context.Context, amount *big.Int, rawTo string) (rewardpool.Result, error) {
		to := s.deps.Sessions.Load().AccountOrZero()
		if rawTo != "" {
			parsed, err := loan.ParseAddress(rawTo)
			if err != nil {
				return rewardpool.Result{}, lifecycle.Validation(ledger.ActionWithdrawRewardPool, err)
			}
			to = parsed
		}
		return s.deps.Pool.Withdraw(ctx, amount, to)
	})
}

func (s *Server) poolAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, *big.Int, string) (rewardpool.Result, error)) {
	if s.deps.Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "reward pool unavailable")
		return
	}
	var req poolRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := loan.ParseEther(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: err.Error(), Class: lifecycle.ClassValidation.String()})
		return
	}
	ctx, cancel := s.actionContext(r)
	defer cancel()
	result, err := fn(ctx, amount, req.To)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	view := newReceiptView(result.Receipt)
	balance := amountOf(result.Balance)
	view.PoolBalance = &balance
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Engine.Refresh(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotView(snap, s.clock()))
}

func (s *Server) handleSnapshotStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamSnapshots(ctx, conn); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
			s.logger.Debug("snapshot stream ended", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamSnapshots(ctx context.Context, conn *websocket.Conn) error {
	updates, cancel := s.deps.Engine.Subscribe()
	defer cancel()
	if err := s.writeSnapshot(ctx, conn, s.snapshot()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if err := s.writeSnapshot(ctx, conn, snap); err != nil {
				return err
			}
		}
	}
}

func (s *Server) writeSnapshot(ctx context.Context, conn *websocket.Conn, snap *registry.Snapshot) error {
	data, err := json.Marshal(newSnapshotView(snap, s.clock()))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) writeReceipt(w http.ResponseWriter, receipt ledger.Receipt, err error) {
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptView(receipt))
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status, class := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, errorView{Error: err.Error(), Class: class})
}

// statusFor maps action and sync failures to HTTP status codes. A missing
// session is reported as unavailable regardless of its class.
func statusFor(err error) (int, string) {
	if errors.Is(err, lifecycle.ErrNotConnected) || errors.Is(err, syncer.ErrNotConnected) {
		return http.StatusServiceUnavailable, lifecycle.ClassValidation.String()
	}
	class := lifecycle.ClassOf(err)
	switch class {
	case lifecycle.ClassValidation:
		return http.StatusBadRequest, class.String()
	case lifecycle.ClassAuthorization:
		return http.StatusForbidden, class.String()
	case lifecycle.ClassBusy:
		return http.StatusConflict, class.String()
	case lifecycle.ClassRejected:
		return http.StatusUnprocessableEntity, class.String()
	case lifecycle.ClassTransport:
		return http.StatusBadGateway, class.String()
	}
	switch {
	case errors.Is(err, ledger.ErrRejected):
		return http.StatusUnprocessableEntity, lifecycle.ClassRejected.String()
	case errors.Is(err, ledger.ErrTransport), errors.Is(err, context.DeadlineExceeded):
		return http.StatusBadGateway, lifecycle.ClassTransport.String()
	case errors.Is(err, syncer.ErrSessionChanged):
		return http.StatusConflict, ""
	}
	return http.StatusInternalServerError, ""
}

func loanID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid loan id %q", raw)
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorView{Error: msg})
}
