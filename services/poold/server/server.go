package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	nativecommon "lendpool/native/common"
	"lendpool/native/pool"
	"lendpool/observability"
	"lendpool/services/poold/oracle"
)

// Ledger is the subset of the pool engine served over HTTP.
type Ledger interface {
	Config() pool.Config
	ReserveAddress() common.Address
	EscrowAddress() common.Address
	Halted() error

	Fund(actor common.Address, asset pool.Asset, amount *uint256.Int) (*uint256.Int, error)
	Release(actor common.Address, asset pool.Asset, amount *uint256.Int) (*uint256.Int, error)
	Deposit(actor common.Address, amount *uint256.Int) (*pool.DepositorAccount, error)
	Withdraw(actor common.Address, amount *uint256.Int) (*pool.DepositorAccount, error)
	AccrueInterest(actor common.Address, at time.Time) (*pool.DepositorAccount, error)
	WithdrawInterest(actor common.Address) (*pool.Payout, error)
	Borrow(actor common.Address, amount *uint256.Int, durationDays uint64, price *uint256.Int) (*pool.Loan, error)
	CalculateLoanInterest(id uint64, at time.Time) (*pool.Loan, error)
	Repay(payer common.Address, id uint64, amount *uint256.Int) (*pool.RepayResult, error)
	GetBackCollateral(actor common.Address) (*pool.Payout, error)

	Depositor(actor common.Address) (*pool.DepositorAccount, error)
	Borrower(actor common.Address) (*pool.BorrowerAccount, error)
	Loan(id uint64) (*pool.Loan, error)
	LoansOf(actor common.Address, openOnly bool) ([]*pool.Loan, error)
	LoanIDs() ([]uint64, error)
	Pool() (*pool.PoolState, error)
	Balance(owner common.Address, asset pool.Asset) (*uint256.Int, error)
	QuoteCollateral(amount, price *uint256.Int) (*uint256.Int, error)
}

// PriceOracle supplies the quote captured before price sensitive operations.
type PriceOracle interface {
	Latest(ctx context.Context) (oracle.Quote, error)
}

// RateLimit bounds requests per client address.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// Config wires the server dependencies.
type Config struct {
	Ledger      Ledger
	Oracle      PriceOracle
	Idempotency IdempotencyStore
	Quotas      *nativecommon.QuotaTracker
	Auth        AuthConfig
	RateLimit   RateLimit
	Logger      *slog.Logger
	Now         func() time.Time
}

// Server exposes the pool ledger as a JSON API.
type Server struct {
	ledger  Ledger
	oracle  PriceOracle
	idem    IdempotencyStore
	quotas  *nativecommon.QuotaTracker
	auth    *authenticator
	limiter *rateLimiter
	logger  *slog.Logger
	now     func() time.Time
}

// New validates cfg and builds a server.
func New(cfg Config) (*Server, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("server: ledger is required")
	}
	if cfg.Oracle == nil {
		return nil, errors.New("server: oracle is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth, err := newAuthenticator(cfg.Auth, now)
	if err != nil {
		return nil, err
	}
	var limiter *rateLimiter
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limiter = newRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, now)
	}
	return &Server{
		ledger:  cfg.Ledger,
		oracle:  cfg.Oracle,
		idem:    cfg.Idempotency,
		quotas:  cfg.Quotas,
		auth:    auth,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "poold.server")),
		now:     now,
	}, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID, s.observe)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}
		r.Post("/auth/challenge", s.handleChallenge)
		r.Post("/auth/login", s.handleLogin)

		r.Get("/pool", s.handlePool)
		r.Get("/price", s.handlePrice)
		r.Get("/quote", s.handleQuote)
		r.Get("/depositors/{addr}", s.handleDepositor)
		r.Get("/borrowers/{addr}", s.handleBorrower)
		r.Get("/borrowers/{addr}/loans", s.handleBorrowerLoans)
		r.Get("/loans", s.handleLoanIDs)
		r.Get("/loans/{id}", s.handleLoan)
		r.Get("/balances/{addr}", s.handleBalances)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.middleware(scopeActor), s.quota, s.idempotent)
			r.Post("/deposit", s.handleDeposit)
			r.Post("/withdraw", s.handleWithdraw)
			r.Post("/interest/accrue", s.handleAccrueInterest)
			r.Post("/interest/withdraw", s.handleWithdrawInterest)
			r.Post("/borrow", s.handleBorrow)
			r.Post("/loans/{id}/accrue", s.handleAccrueLoan)
			r.Post("/loans/{id}/repay", s.handleRepay)
			r.Post("/collateral/claim", s.handleClaimCollateral)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.auth.middleware(scopeOperator), s.idempotent)
			r.Post("/custody/fund", s.handleFund)
			r.Post("/custody/release", s.handleRelease)
		})
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Halted(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "halted", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// refreshGauges publishes the pool counters after a committed mutation.
func (s *Server) refreshGauges() {
	state, err := s.ledger.Pool()
	if err != nil {
		return
	}
	observability.Pool().ObservePool(state, s.ledger.Config())
}
