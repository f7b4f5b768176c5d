package registry

import (
	"math/big"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lendearn/native/loan"
)

// Snapshot is an immutable view of the ledger produced by one sync pass.
// Callers must not mutate the maps, slices or amounts it exposes.
type Snapshot struct {
	Loans          map[uint64]loan.Loan
	Order          []uint64
	PoolBalance    *big.Int
	AccountBalance *big.Int
	Account        common.Address
	ReferrerOf     common.Address
	ReferralCount  int
	RefreshedAt    time.Time
	Pass           uint64
}

// Empty returns the snapshot published before the first sync pass.
func Empty() *Snapshot {
	return &Snapshot{
		Loans:          map[uint64]loan.Loan{},
		PoolBalance:    new(big.Int),
		AccountBalance: new(big.Int),
	}
}

// Builder accumulates loan records for a new snapshot.
type Builder struct {
	snap *Snapshot
}

// NewBuilder starts a snapshot for the given pass number.
func NewBuilder(pass uint64, account common.Address) *Builder {
	snap := Empty()
	snap.Pass = pass
	snap.Account = account
	return &Builder{snap: snap}
}

// Add records a loan. Later records with the same id replace earlier ones.
func (b *Builder) Add(record loan.Loan) {
	if _, exists := b.snap.Loans[record.ID]; !exists {
		b.snap.Order = append(b.snap.Order, record.ID)
	}
	b.snap.Loans[record.ID] = record.Clone()
}

// SetPoolBalance sets the pool balance; nil means zero.
func (b *Builder) SetPoolBalance(v *big.Int) {
	b.snap.PoolBalance = orZero(v)
}

// SetAccountBalance sets the account balance; nil means zero.
func (b *Builder) SetAccountBalance(v *big.Int) {
	b.snap.AccountBalance = orZero(v)
}

// SetReferral records the on-ledger referrer and local referral count.
func (b *Builder) SetReferral(referrer common.Address, count int) {
	b.snap.ReferrerOf = referrer
	b.snap.ReferralCount = count
}

// Build seals the snapshot. The builder must not be reused.
func (b *Builder) Build(at time.Time) *Snapshot {
	sort.Slice(b.snap.Order, func(i, j int) bool { return b.snap.Order[i] < b.snap.Order[j] })
	b.snap.RefreshedAt = at
	snap := b.snap
	b.snap = nil
	return snap
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Loan returns the record for id.
func (s *Snapshot) Loan(id uint64) (loan.Loan, bool) {
	record, ok := s.Loans[id]
	return record, ok
}

// Len reports the number of loans in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.Order)
}

// List returns every loan in id order.
func (s *Snapshot) List() []loan.Loan {
	return s.filter(func(loan.Loan) bool { return true })
}

// MyLoans returns the loans where addr is lender or bound borrower.
func (s *Snapshot) MyLoans(addr common.Address) []loan.Loan {
	return s.filter(func(l loan.Loan) bool { return l.Involves(addr) })
}

// OpenOffers returns the loans that can still be accepted.
func (s *Snapshot) OpenOffers() []loan.Loan {
	return s.filter(loan.Loan.Available)
}

// CompletedBy counts repaid loans borrowed by addr.
func (s *Snapshot) CompletedBy(addr common.Address) int {
	return len(s.filter(func(l loan.Loan) bool {
		return l.Repaid && addr != (common.Address{}) && l.Borrower == addr
	}))
}

func (s *Snapshot) filter(keep func(loan.Loan) bool) []loan.Loan {
	out := make([]loan.Loan, 0, len(s.Order))
	for _, id := range s.Order {
		record := s.Loans[id]
		if keep(record) {
			out = append(out, record)
		}
	}
	return out
}

// Registry publishes the latest snapshot. Readers always observe a complete
// snapshot; records are never patched in place.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

// New returns a registry holding the empty snapshot.
func New() *Registry {
	r := &Registry{}
	r.current.Store(Empty())
	return r
}

// Load returns the current snapshot. It is never nil.
func (r *Registry) Load() *Snapshot {
	return r.current.Load()
}

// Replace publishes snap. Nil is ignored.
func (r *Registry) Replace(snap *Snapshot) {
	if snap == nil {
		return
	}
	r.current.Store(snap)
}
