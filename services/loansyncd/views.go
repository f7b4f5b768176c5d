package loansyncd

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lendearn/native/loan"
	"lendearn/services/loansyncd/ledger"
	"lendearn/services/loansyncd/lifecycle"
	"lendearn/services/loansyncd/registry"
)

type amountView struct {
	Ether string `json:"ether"`
	Wei   string `json:"wei"`
}

func amountOf(wei *big.Int) amountView {
	if wei == nil {
		wei = new(big.Int)
	}
	return amountView{Ether: loan.FormatEther(wei), Wei: wei.String()}
}

type loanView struct {
	ID               uint64     `json:"id"`
	Lender           string     `json:"lender"`
	Borrower         string     `json:"borrower,omitempty"`
	Amount           amountView `json:"amount"`
	PaybackAmount    amountView `json:"payback_amount"`
	CollateralAmount amountView `json:"collateral_amount"`
	Interest         amountView `json:"interest"`
	DueDays          uint64     `json:"due_days"`
	DueDate          uint64     `json:"due_date"`
	StartTime        uint64     `json:"start_time"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	PreSigned        bool       `json:"pre_signed"`
	Active           bool       `json:"active"`
	Repaid           bool       `json:"repaid"`
	Cancelled        bool       `json:"cancelled"`
	Status           string     `json:"status"`
	lifecycle.Flags
}

func loanStatus(l loan.Loan) string {
	switch {
	case l.Cancelled:
		return "cancelled"
	case l.Repaid:
		return "closed"
	case l.Active:
		return "active"
	default:
		return "open"
	}
}

func newLoanView(l loan.Loan, caller common.Address, now time.Time) loanView {
	view := loanView{
		ID:               l.ID,
		Lender:           l.Lender.Hex(),
		Amount:           amountOf(l.Principal),
		PaybackAmount:    amountOf(l.PaybackAmount),
		CollateralAmount: amountOf(l.CollateralAmount),
		Interest:         amountOf(l.Interest()),
		DueDays:          l.DueDays,
		DueDate:          l.DueDate,
		StartTime:        l.StartTime,
		PreSigned:        l.PreSigned,
		Active:           l.Active,
		Repaid:           l.Repaid,
		Cancelled:        l.Cancelled,
		Status:           loanStatus(l),
		Flags:            lifecycle.Evaluate(l, caller, now),
	}
	if !l.OpenToAnyone() {
		view.Borrower = l.Borrower.Hex()
	}
	// Terms past year 9999 cannot be encoded as RFC 3339; start_time and
	// due_days still describe them.
	if deadline := l.Deadline().UTC(); l.Active && deadline.Year() <= 9999 {
		view.Deadline = &deadline
	}
	return view
}

func loanViews(loans []loan.Loan, caller common.Address, now time.Time) []loanView {
	out := make([]loanView, 0, len(loans))
	for _, l := range loans {
		out = append(out, newLoanView(l, caller, now))
	}
	return out
}

type snapshotView struct {
	Pass           uint64     `json:"pass"`
	RefreshedAt    time.Time  `json:"refreshed_at"`
	Account        string     `json:"account,omitempty"`
	Loans          []loanView `json:"loans"`
	PoolBalance    amountView `json:"pool_balance"`
	AccountBalance amountView `json:"account_balance"`
	ReferrerOf     string     `json:"referrer_of,omitempty"`
	ReferralCount  int        `json:"referral_count"`
}

func newSnapshotView(snap *registry.Snapshot, now time.Time) snapshotView {
	view := snapshotView{
		Pass:           snap.Pass,
		RefreshedAt:    snap.RefreshedAt.UTC(),
		Loans:          loanViews(snap.List(), snap.Account, now),
		PoolBalance:    amountOf(snap.PoolBalance),
		AccountBalance: amountOf(snap.AccountBalance),
		ReferralCount:  snap.ReferralCount,
	}
	if snap.Account != (common.Address{}) {
		view.Account = snap.Account.Hex()
	}
	if snap.ReferrerOf != (common.Address{}) {
		view.ReferrerOf = snap.ReferrerOf.Hex()
	}
	return view
}

type receiptView struct {
	Action      string      `json:"action"`
	TxHash      string      `json:"tx_hash"`
	BlockNumber uint64      `json:"block_number"`
	GasUsed     uint64      `json:"gas_used"`
	PoolBalance *amountView `json:"pool_balance,omitempty"`
}

func newReceiptView(r ledger.Receipt) receiptView {
	return receiptView{
		Action:      string(r.Action),
		TxHash:      r.TxHash.Hex(),
		BlockNumber: r.BlockNumber,
		GasUsed:     r.GasUsed,
	}
}

type referralView struct {
	Account   string `json:"account,omitempty"`
	Count     int    `json:"count"`
	Pending   string `json:"pending,omitempty"`
	Referrer  string `json:"referrer,omitempty"`
	Link      string `json:"link,omitempty"`
	Completed int    `json:"completed"`
	Status    string `json:"status"`
}

type poolView struct {
	Balance        amountView `json:"balance"`
	Owner          string     `json:"owner,omitempty"`
	ReferrerReward amountView `json:"referrer_reward"`
	BorrowerReward amountView `json:"borrower_reward"`
	IsOwner        bool       `json:"is_owner"`
}

type errorView struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
}
