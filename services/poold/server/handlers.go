package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"lendpool/crypto"
	"lendpool/native/pool"
	"lendpool/observability/logging"
)

type challengeRequest struct {
	Address string `json:"address"`
}

type challengeResponse struct {
	Nonce     string `json:"nonce"`
	Message   string `json:"message"`
	ExpiresAt int64  `json:"expiresAt"`
}

type loginRequest struct {
	Address   string `json:"address"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type accrueRequest struct {
	// At is a unix timestamp; zero uses the ledger clock.
	At int64 `json:"at,omitempty"`
}

type borrowRequest struct {
	Amount       string `json:"amount"`
	DurationDays uint64 `json:"durationDays"`
}

type custodyRequest struct {
	Actor  string `json:"actor"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func decode(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) format() formatter { return formatter{cfg: s.ledger.Config()} }

func (s *Server) actor(r *http.Request) common.Address {
	p, _ := principalFrom(r.Context())
	return p.Actor
}

func (s *Server) lendAmount(raw string) (*uint256.Int, error) {
	return pool.ParseAmount(raw, s.ledger.Config().LendAsset.Decimals)
}

func addressParam(r *http.Request) (common.Address, error) {
	addr, err := crypto.ParseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return addr, nil
}

func loanIDParam(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: loan id %q", errBadRequest, chi.URLParam(r, "id"))
	}
	return id, nil
}

func accrualTime(req accrueRequest) (time.Time, error) {
	if req.At < 0 {
		return time.Time{}, fmt.Errorf("%w: negative timestamp", pool.ErrInvalidTimestamp)
	}
	if req.At == 0 {
		return time.Time{}, nil
	}
	return time.Unix(req.At, 0), nil
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := crypto.ParseAddress(req.Address)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	nonce, message, expires, err := s.auth.challenge(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, challengeResponse{Nonce: nonce, Message: message, ExpiresAt: expires.Unix()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := crypto.ParseAddress(req.Address)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(req.Signature), "0x"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: signature: %v", errBadRequest, err))
		return
	}
	token, expires, err := s.auth.login(addr, strings.TrimSpace(req.Nonce), sig)
	if err != nil {
		s.logger.Warn("login rejected",
			slog.String("actor", addr.Hex()),
			logging.MaskField("signature", req.Signature),
			slog.String("requestId", requestID(r.Context())),
			slog.String("error", err.Error()))
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expires.Unix()})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	state, err := s.ledger.Pool()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reserve, err := s.ledger.Balance(s.ledger.ReserveAddress(), pool.AssetLend)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg := s.ledger.Config()
	f := s.format()
	view := poolView{
		LendAsset:         cfg.LendAsset.Symbol,
		CollateralAsset:   cfg.CollateralAsset.Symbol,
		Reserve:           s.ledger.ReserveAddress().Hex(),
		Escrow:            s.ledger.EscrowAddress().Hex(),
		DepositRateBps:    cfg.DepositRateBps,
		BorrowRateBps:     cfg.BorrowRateBps,
		MarginBps:         cfg.MarginBps,
		LastLoanID:        state.LastLoanID,
		TotalDeposits:     f.lend(state.TotalDeposits),
		TotalBorrowed:     f.lend(state.TotalBorrowed),
		TotalLocked:       f.collateral(state.TotalLocked),
		TotalUnlocked:     f.collateral(state.TotalUnlocked),
		InterestOwed:      f.lend(state.InterestOwed),
		InterestCollected: f.lend(state.InterestCollected),
		InterestPaid:      f.lend(state.InterestPaid),
		ReserveLend:       f.lend(reserve),
	}
	if halted := s.ledger.Halted(); halted != nil {
		view.Halted = halted.Error()
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	quote, err := s.oracle.Latest(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, priceView{Price: s.format().price(quote.Price), Timestamp: quote.Timestamp.Unix(), Source: quote.Source})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	amount, err := s.lendAmount(r.URL.Query().Get("amount"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	quote, err := s.oracle.Latest(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	collateral, err := s.ledger.QuoteCollateral(amount, quote.Price)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f := s.format()
	writeJSON(w, http.StatusOK, quoteView{Amount: f.lend(amount), Price: f.price(quote.Price), Collateral: f.collateral(collateral)})
}

func (s *Server) handleDepositor(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := s.ledger.Depositor(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.format().account(account))
}

func (s *Server) handleBorrower(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := s.ledger.Borrower(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.format().borrower(account))
}

func (s *Server) handleBorrowerLoans(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	openOnly, _ := strconv.ParseBool(r.URL.Query().Get("open"))
	loans, err := s.ledger.LoansOf(addr, openOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f := s.format()
	views := make([]loanView, 0, len(loans))
	for _, loan := range loans {
		views = append(views, f.loan(loan))
	}
	writeJSON(w, http.StatusOK, map[string]any{"loans": views})
}

func (s *Server) handleLoanIDs(w http.ResponseWriter, r *http.Request) {
	ids, err := s.ledger.LoanIDs()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ids": ids})
}

func (s *Server) handleLoan(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.ledger.Loan(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.format().loan(loan))
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lend, err := s.ledger.Balance(addr, pool.AssetLend)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	collateral, err := s.ledger.Balance(addr, pool.AssetCollateral)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f := s.format()
	writeJSON(w, http.StatusOK, balanceView{Address: addr.Hex(), Lend: f.lend(lend), Collateral: f.collateral(collateral)})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.lendAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := s.ledger.Deposit(s.actor(r), amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.refreshGauges()
	writeJSON(w, http.StatusOK, s.format().account(account))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.lendAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := s.ledger.Withdraw(s.actor(r), amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.refreshGauges()
	writeJSON(w, http.StatusOK, s.format().account(account))
}

func (s *Server) handleAccrueInterest(w http.ResponseWriter, r *http.Request) {
	var req accrueRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	at, err := accrualTime(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := s.ledger.AccrueInterest(s.actor(r), at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.refreshGauges()
	writeJSON(w, http.StatusOK, s.format().account(account))
}

func (s *Server) handleWithdrawInterest(w http.ResponseWriter, r *http.Request) {
	payout, err := s.ledger.WithdrawInterest(s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.refreshGauges()
	writeJSON(w, http.StatusOK, s.format().payout(payout))
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.lendAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	quote, err := s.oracle.Latest(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.ledger.Borrow(s.actor(r), amount, req.DurationDays, quote.Price)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.refreshGauges()
	writeJSON(w, http.StatusCreated, s.format().loan(loan))
}

func (s *Server) handleAccrueLoan(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req accrueRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	at, err := accrualTime(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.ledger.CalculateLoanInterest(id, at)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.format().loan(loan))
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	id, err := loanIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req amountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.lendAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.ledger.Repay(s.actor(r), id, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.refreshGauges()
	f := s.format()
	writeJSON(w, http.StatusOK, repayView{Loan: f.loan(result.Loan), Paid: f.lend(result.Paid), Unlocked: f.collateral(result.Unlocked)})
}

func (s *Server) handleClaimCollateral(w http.ResponseWriter, r *http.Request) {
	payout, err := s.ledger.GetBackCollateral(s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.refreshGauges()
	writeJSON(w, http.StatusOK, s.format().payout(payout))
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	s.custody(w, r, s.ledger.Fund)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.custody(w, r, s.ledger.Release)
}

func (s *Server) custody(w http.ResponseWriter, r *http.Request, apply func(common.Address, pool.Asset, *uint256.Int) (*uint256.Int, error)) {
	var req custodyRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor, err := crypto.ParseAddress(req.Actor)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	cfg := s.ledger.Config()
	asset, err := pool.ParseAsset(req.Asset, cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := pool.ParseAmount(req.Amount, cfg.Decimals(asset))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := apply(actor, asset, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, custodyView{Actor: actor.Hex(), Asset: cfg.Symbol(asset), Balance: s.format().asset(asset, balance)})
}
