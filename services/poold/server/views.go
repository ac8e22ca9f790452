package server

import (
	"time"

	"github.com/holiman/uint256"

	"lendpool/native/pool"
)

type accountView struct {
	Address         string `json:"address"`
	Principal       string `json:"principal"`
	AccruedInterest string `json:"accruedInterest"`
	LastAccrual     uint64 `json:"lastAccrual"`
	InterestPaid    string `json:"interestPaid"`
}

type borrowerView struct {
	Address            string   `json:"address"`
	TotalLoaned        string   `json:"totalLoaned"`
	LockedCollateral   string   `json:"lockedCollateral"`
	UnlockedCollateral string   `json:"unlockedCollateral"`
	OpenLoans          []uint64 `json:"openLoans"`
	Loans              []uint64 `json:"loans"`
}

type loanView struct {
	ID           uint64 `json:"id"`
	Borrower     string `json:"borrower"`
	Principal    string `json:"principal"`
	Collateral   string `json:"collateral"`
	RepayAmount  string `json:"repayAmount"`
	Price        string `json:"price"`
	DurationDays uint64 `json:"durationDays"`
	StartTime    uint64 `json:"startTime"`
	AccruedAt    uint64 `json:"accruedAt"`
	MaturesAt    string `json:"maturesAt"`
	Status       string `json:"status"`
	RepaidAt     uint64 `json:"repaidAt,omitempty"`
	RepaidBy     string `json:"repaidBy,omitempty"`
}

type poolView struct {
	LendAsset         string `json:"lendAsset"`
	CollateralAsset   string `json:"collateralAsset"`
	Reserve           string `json:"reserve"`
	Escrow            string `json:"escrow"`
	DepositRateBps    uint64 `json:"depositRateBps"`
	BorrowRateBps     uint64 `json:"borrowRateBps"`
	MarginBps         uint64 `json:"marginBps"`
	LastLoanID        uint64 `json:"lastLoanId"`
	TotalDeposits     string `json:"totalDeposits"`
	TotalBorrowed     string `json:"totalBorrowed"`
	TotalLocked       string `json:"totalLocked"`
	TotalUnlocked     string `json:"totalUnlocked"`
	InterestOwed      string `json:"interestOwed"`
	InterestCollected string `json:"interestCollected"`
	InterestPaid      string `json:"interestPaid"`
	ReserveLend       string `json:"reserveBalance"`
	Halted            string `json:"halted,omitempty"`
}

type payoutView struct {
	Actor  string `json:"actor"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type custodyView struct {
	Actor   string `json:"actor"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

type repayView struct {
	Loan     loanView `json:"loan"`
	Paid     string   `json:"paid"`
	Unlocked string   `json:"unlocked"`
}

type balanceView struct {
	Address    string `json:"address"`
	Lend       string `json:"lend"`
	Collateral string `json:"collateral"`
}

type priceView struct {
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
}

type quoteView struct {
	Amount     string `json:"amount"`
	Price      string `json:"price"`
	Collateral string `json:"collateral"`
}

// formatter renders amounts with the decimals of the configured pair.
type formatter struct {
	cfg pool.Config
}

func (f formatter) lend(v *uint256.Int) string { return pool.FormatAmount(v, f.cfg.LendAsset.Decimals) }
func (f formatter) collateral(v *uint256.Int) string {
	return pool.FormatAmount(v, f.cfg.CollateralAsset.Decimals)
}
func (f formatter) price(v *uint256.Int) string { return pool.FormatAmount(v, f.cfg.PriceDecimals) }

func (f formatter) asset(asset pool.Asset, v *uint256.Int) string {
	return pool.FormatAmount(v, f.cfg.Decimals(asset))
}

func (f formatter) account(a *pool.DepositorAccount) accountView {
	return accountView{
		Address:         a.Address.Hex(),
		Principal:       f.lend(a.Principal),
		AccruedInterest: f.lend(a.AccruedInterest),
		LastAccrual:     a.LastAccrual,
		InterestPaid:    f.lend(a.InterestPaid),
	}
}

func (f formatter) borrower(b *pool.BorrowerAccount) borrowerView {
	return borrowerView{
		Address:            b.Address.Hex(),
		TotalLoaned:        f.lend(b.TotalLoaned),
		LockedCollateral:   f.collateral(b.LockedCollateral),
		UnlockedCollateral: f.collateral(b.UnlockedCollateral),
		OpenLoans:          append([]uint64{}, b.OpenLoans...),
		Loans:              append([]uint64{}, b.Loans...),
	}
}

func (f formatter) loan(l *pool.Loan) loanView {
	view := loanView{
		ID:           l.ID,
		Borrower:     l.Borrower.Hex(),
		Principal:    f.lend(l.Principal),
		Collateral:   f.collateral(l.Collateral),
		RepayAmount:  f.lend(l.RepayAmount),
		Price:        f.price(l.Price),
		DurationDays: l.DurationDays,
		StartTime:    l.StartTime,
		AccruedAt:    l.AccruedAt,
		MaturesAt:    l.MaturesAt().Format(time.RFC3339),
		Status:       string(l.Status()),
	}
	if l.Repaid {
		view.RepaidAt = l.RepaidAt
		view.RepaidBy = l.RepaidBy.Hex()
	}
	return view
}

func (f formatter) payout(p *pool.Payout) payoutView {
	return payoutView{Actor: p.Actor.Hex(), Asset: f.cfg.Symbol(p.Asset), Amount: f.asset(p.Asset, p.Amount)}
}
