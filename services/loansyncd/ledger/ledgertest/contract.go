// Package ledgertest provides an in-memory loan contract for exercising the
// sync and lifecycle layers without a node.
package ledgertest

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"lendearn/native/loan"
	"lendearn/services/loansyncd/ledger"
)

// Contract simulates the loan contract state machine. Use As to obtain a
// Ledger bound to a calling account.
type Contract struct {
	mu        sync.Mutex
	loans     []loan.Loan
	pool      *big.Int
	owner     common.Address
	referrers map[common.Address]common.Address
	balances  map[common.Address]*big.Int
	rates     ledger.RewardRates
	block     uint64
	now       func() time.Time

	// NoReferralAccept hides acceptLoanWithRef.
	NoReferralAccept bool

	// ReadHook runs before every read with the method name. A non-nil error
	// is returned to the caller. It may block.
	ReadHook func(ctx context.Context, method string) error
	// SubmitHook runs before a submission is applied.
	SubmitHook func(ctx context.Context, from common.Address, call ledger.Call) error

	subMu   sync.Mutex
	subs    map[int]*subscription
	nextSub int

	submitted  []Submission
	loanCounts atomic.Int64
}

// Submission records an applied or attempted call.
type Submission struct {
	From common.Address
	Call ledger.Call
}

// NewContract returns an empty contract owned by owner.
func NewContract(owner common.Address) *Contract {
	return &Contract{
		pool:      new(big.Int),
		owner:     owner,
		referrers: make(map[common.Address]common.Address),
		balances:  make(map[common.Address]*big.Int),
		rates:     ledger.RewardRates{Referrer: big.NewInt(1e15), Borrower: big.NewInt(5e14)},
		now:       time.Now,
		subs:      make(map[int]*subscription),
	}
}

// SetClock overrides the contract's block time source.
func (c *Contract) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now != nil {
		c.now = now
	}
}

// Fund credits an account balance.
func (c *Contract) Fund(addr common.Address, wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balance(addr).Add(c.balance(addr), wei)
}

// SetReferrer binds a referrer directly, bypassing validation.
func (c *Contract) SetReferrer(addr, ref common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.referrers[addr] = ref
}

// Put inserts a raw record, assigning the next id.
func (c *Contract) Put(record loan.Loan) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	record.ID = uint64(len(c.loans))
	c.loans = append(c.loans, record.Clone())
	return record.ID
}

// Submissions returns every submission that reached the contract.
func (c *Contract) Submissions() []Submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Submission(nil), c.submitted...)
}

// LoanCountCalls reports how many LoanCount reads were served, which equals
// the number of sync passes started.
func (c *Contract) LoanCountCalls() int64 {
	return c.loanCounts.Load()
}

// Subscribers reports the number of open subscriptions.
func (c *Contract) Subscribers() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subs)
}

// Emit delivers an event to every matching subscriber.
func (c *Contract) Emit(name ledger.EventName) {
	c.mu.Lock()
	c.block++
	block := c.block
	c.mu.Unlock()

	c.subMu.Lock()
	targets := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		if s.name == name {
			targets = append(targets, s)
		}
	}
	c.subMu.Unlock()
	for _, s := range targets {
		s.handler(ledger.Event{Name: name, BlockNumber: block})
	}
}

// As returns a Ledger whose submissions come from addr.
func (c *Contract) As(addr common.Address) *Ledger {
	return &Ledger{contract: c, from: addr}
}

func (c *Contract) balance(addr common.Address) *big.Int {
	bal, ok := c.balances[addr]
	if !ok {
		bal = new(big.Int)
		c.balances[addr] = bal
	}
	return bal
}

func (c *Contract) read(ctx context.Context, method string) error {
	if c.ReadHook != nil {
		if err := c.ReadHook(ctx, method); err != nil {
			return err
		}
	}
	return nil
}

// Ledger is a view of the contract bound to a calling account.
type Ledger struct {
	contract *Contract
	from     common.Address
}

var _ ledger.Ledger = (*Ledger)(nil)

func (l *Ledger) LoanCount(ctx context.Context) (uint64, error) {
	l.contract.loanCounts.Add(1)
	if err := l.contract.read(ctx, "loanCount"); err != nil {
		return 0, err
	}
	l.contract.mu.Lock()
	defer l.contract.mu.Unlock()
	return uint64(len(l.contract.loans)), nil
}

func (l *Ledger) Loan(ctx context.Context, id uint64) (loan.Loan, error) {
	if err := l.contract.read(ctx, "getLoan"); err != nil {
		return loan.Loan{}, err
	}
	l.contract.mu.Lock()
	defer l.contract.mu.Unlock()
	if id >= uint64(len(l.contract.loans)) {
		return loan.Loan{}, ledger.Rejected("getLoan", "Invalid loan", nil)
	}
	return l.contract.loans[id].Clone(), nil
}

func (l *Ledger) PoolBalance(ctx context.Context) (*big.Int, error) {
	if err := l.contract.read(ctx, "getRewardPoolBalance"); err != nil {
		return nil, err
	}
	l.contract.mu.Lock()
	defer l.contract.mu.Unlock()
	return new(big.Int).Set(l.contract.pool), nil
}

func (l *Ledger) ReferrerOf(ctx context.Context, addr common.Address) (common.Address, error) {
	if err := l.contract.read(ctx, "referrerOf"); err != nil {
		return common.Address{}, err
	}
	l.contract.mu.Lock()
	defer l.contract.mu.Unlock()
	return l.contract.referrers[addr], nil
}

func (l *Ledger) Owner(ctx context.Context) (common.Address, error) {
	if err := l.contract.read(ctx, "owner"); err != nil {
		return common.Address{}, err
	}
	l.contract.mu.Lock()
	defer l.contract.mu.Unlock()
	return l.contract.owner, nil
}

func (l *Ledger) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	if err := l.contract.read(ctx, "balance"); err != nil {
		return nil, err
	}
	l.contract.mu.Lock()
	defer l.contract.mu.Unlock()
	return new(big.Int).Set(l.contract.balance(addr)), nil
}

func (l *Ledger) RewardRates(ctx context.Context) (ledger.RewardRates, error) {
	if err := l.contract.read(ctx, "rewardRates"); err != nil {
		return ledger.RewardRates{}, err
	}
	return ledger.RewardRates{
		Referrer: new(big.Int).Set(l.contract.rates.Referrer),
		Borrower: new(big.Int).Set(l.contract.rates.Borrower),
	}, nil
}

func (l *Ledger) SupportsReferralAccept() bool {
	return !l.contract.NoReferralAccept
}

// Submit applies call against the simulated contract and emits the matching
// event once the state change is committed.
func (l *Ledger) Submit(ctx context.Context, call ledger.Call) (ledger.Receipt, error) {
	c := l.contract
	if c.SubmitHook != nil {
		if err := c.SubmitHook(ctx, l.from, call); err != nil {
			return ledger.Receipt{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, ledger.Transport(string(call.Action), err)
	}

	c.mu.Lock()
	c.submitted = append(c.submitted, Submission{From: l.from, Call: call})
	event, err := c.apply(l.from, call)
	if err != nil {
		c.mu.Unlock()
		return ledger.Receipt{}, err
	}
	c.block++
	receipt := ledger.Receipt{
		Action:      call.Action,
		TxHash:      crypto.Keccak256Hash(l.from.Bytes(), new(big.Int).SetUint64(c.block).Bytes()),
		BlockNumber: c.block,
	}
	c.mu.Unlock()

	if event != "" {
		c.Emit(event)
	}
	return receipt, nil
}

func (l *Ledger) Subscribe(_ context.Context, name ledger.EventName, handler ledger.Handler) (ledger.Subscription, error) {
	if !name.Valid() {
		return nil, ledger.ErrUnknownEvent
	}
	c := l.contract
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextSub++
	s := &subscription{contract: c, id: c.nextSub, name: name, handler: handler}
	c.subs[s.id] = s
	return s, nil
}

type subscription struct {
	contract *Contract
	id       int
	name     ledger.EventName
	handler  ledger.Handler
}

func (s *subscription) Close() error {
	s.contract.subMu.Lock()
	defer s.contract.subMu.Unlock()
	delete(s.contract.subs, s.id)
	return nil
}

var errBadArgs = errors.New("ledgertest: malformed call arguments")

func (c *Contract) apply(from common.Address, call ledger.Call) (ledger.EventName, error) {
	method := string(call.Action)
	reject := func(reason string) (ledger.EventName, error) {
		return "", ledger.Rejected(method, reason, nil)
	}
	value := call.Funds()

	switch call.Action {
	case ledger.ActionCreateLoan:
		if len(call.Args) != 6 {
			return "", errBadArgs
		}
		borrower, _ := call.Args[0].(common.Address)
		amount, _ := call.Args[1].(*big.Int)
		payback, _ := call.Args[2].(*big.Int)
		days, _ := call.Args[3].(*big.Int)
		preSigned, _ := call.Args[4].(bool)
		collateral, _ := call.Args[5].(*big.Int)
		if amount == nil || payback == nil || days == nil || collateral == nil {
			return "", errBadArgs
		}
		if amount.Sign() <= 0 || value.Cmp(amount) != 0 {
			return reject("Send loan amount")
		}
		if payback.Cmp(amount) <= 0 {
			return reject("Payback must exceed amount")
		}
		c.loans = append(c.loans, loan.Loan{
			ID:               uint64(len(c.loans)),
			Lender:           from,
			Borrower:         borrower,
			Principal:        new(big.Int).Set(amount),
			PaybackAmount:    new(big.Int).Set(payback),
			CollateralAmount: new(big.Int).Set(collateral),
			DueDays:          days.Uint64(),
			PreSigned:        preSigned,
		})
		return ledger.EventLoanCreated, nil

	case ledger.ActionAcceptLoan, ledger.ActionAcceptLoanWithRef:
		record, err := c.target(method, call)
		if err != nil {
			return "", err
		}
		if call.Action == ledger.ActionAcceptLoanWithRef {
			if c.NoReferralAccept {
				return "", ledger.Transport(method, ledger.ErrUnsupported)
			}
			ref, _ := call.Args[1].(common.Address)
			if ref != from && c.referrers[from] == (common.Address{}) {
				c.referrers[from] = ref
			}
		}
		switch {
		case record.Active:
			return reject("Loan already active")
		case record.Cancelled || record.Repaid:
			return reject("Loan closed")
		case !record.OpenToAnyone() && record.Borrower != from:
			return reject("Not designated borrower")
		case value.Cmp(record.CollateralAmount) != 0:
			return reject("Incorrect collateral")
		}
		record.Active = true
		record.Borrower = from
		record.StartTime = uint64(c.now().Unix())
		record.DueDate = record.StartTime + record.DueDays*86400
		return ledger.EventLoanAccepted, nil

	case ledger.ActionRepayLoan:
		record, err := c.target(method, call)
		if err != nil {
			return "", err
		}
		switch {
		case !record.Active || record.Repaid:
			return reject("Loan not active")
		case record.Borrower != from:
			return reject("Only borrower")
		case value.Cmp(record.PaybackAmount) != 0:
			return reject("Incorrect payback")
		}
		record.Repaid = true
		return ledger.EventLoanRepaid, nil

	case ledger.ActionCancelLoan:
		record, err := c.target(method, call)
		if err != nil {
			return "", err
		}
		switch {
		case record.Lender != from:
			return reject("Only lender")
		case record.Active || record.Repaid || record.Cancelled:
			return reject("Cannot cancel")
		}
		record.Cancelled = true
		return ledger.EventLoanCancelled, nil

	case ledger.ActionClaimCollateral:
		record, err := c.target(method, call)
		if err != nil {
			return "", err
		}
		switch {
		case record.Lender != from:
			return reject("Only lender")
		case !record.Active || record.Repaid:
			return reject("Loan not active")
		case !record.Overdue(c.now()):
			return reject("Loan not overdue")
		}
		record.Repaid = true
		return ledger.EventCollateralClaimed, nil

	case ledger.ActionSetReferrer:
		if len(call.Args) != 1 {
			return "", errBadArgs
		}
		ref, _ := call.Args[0].(common.Address)
		switch {
		case ref == from:
			return reject("Cannot refer self")
		case c.referrers[from] != (common.Address{}):
			return reject("Referrer already set")
		}
		c.referrers[from] = ref
		return "", nil

	case ledger.ActionDepositRewardPool:
		if value.Sign() <= 0 {
			return reject("No value")
		}
		c.pool.Add(c.pool, value)
		return ledger.EventRewardPoolDeposited, nil

	case ledger.ActionWithdrawRewardPool:
		if len(call.Args) != 2 {
			return "", errBadArgs
		}
		amount, _ := call.Args[0].(*big.Int)
		to, _ := call.Args[1].(common.Address)
		switch {
		case from != c.owner:
			return reject("Only owner")
		case amount == nil || amount.Cmp(c.pool) > 0:
			return reject("Insufficient pool")
		}
		c.pool.Sub(c.pool, amount)
		c.balance(to).Add(c.balance(to), amount)
		return ledger.EventRewardPoolWithdrawn, nil
	}
	return "", ledger.Transport(method, ledger.ErrUnsupported)
}

func (c *Contract) target(method string, call ledger.Call) (*loan.Loan, error) {
	if len(call.Args) == 0 {
		return nil, errBadArgs
	}
	id, ok := call.Args[0].(*big.Int)
	if !ok || !id.IsUint64() || id.Uint64() >= uint64(len(c.loans)) {
		return nil, ledger.Rejected(method, "Invalid loan", nil)
	}
	return &c.loans[id.Uint64()], nil
}
