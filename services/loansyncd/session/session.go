package session

import (
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"lendearn/services/loansyncd/ledger"
)

// Session binds an account to a ledger on a specific chain. Sessions are
// immutable; a change of account or network produces a new Session.
type Session struct {
	Account    common.Address
	ChainID    *big.Int
	Ledger     ledger.Ledger
	Generation uint64
}

// Connected reports whether the session has an account and a ledger binding.
func (s *Session) Connected() bool {
	return s != nil && s.Ledger != nil && s.Account != (common.Address{})
}

// AccountOrZero returns the bound account, or the zero address for a nil
// session.
func (s *Session) AccountOrZero() common.Address {
	if s == nil {
		return common.Address{}
	}
	return s.Account
}

// SameIdentity reports whether both sessions refer to the same account on the
// same chain.
func (s *Session) SameIdentity(other *Session) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.Account != other.Account {
		return false
	}
	if s.ChainID == nil || other.ChainID == nil {
		return s.ChainID == other.ChainID
	}
	return s.ChainID.Cmp(other.ChainID) == 0
}

// Listener is notified after a session swap.
type Listener func(prev, next *Session)

// Holder publishes the current session and notifies listeners on change.
type Holder struct {
	current   atomic.Pointer[Session]
	mu        sync.Mutex
	notify    sync.Mutex
	gen       uint64
	listeners []Listener
}

// NewHolder returns a holder with no session.
func NewHolder() *Holder {
	return &Holder{}
}

// Load returns the current session, or nil when disconnected.
func (h *Holder) Load() *Session {
	return h.current.Load()
}

// OnChange registers fn to run after every swap that changes the session.
func (h *Holder) OnChange(fn Listener) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Swap replaces the current session with a copy of next carrying a fresh
// generation number. Passing nil disconnects. A session with the same
// identity and ledger binding as the current one is a no-op and returns the
// current session.
//
// Listeners run synchronously in registration order, and concurrent swaps
// are delivered in generation order. Listeners must not call Swap.
func (h *Holder) Swap(next *Session) *Session {
	h.mu.Lock()
	prev := h.current.Load()
	if unchanged(prev, next) {
		h.mu.Unlock()
		return prev
	}
	var published *Session
	if next != nil {
		h.gen++
		clone := *next
		if next.ChainID != nil {
			clone.ChainID = new(big.Int).Set(next.ChainID)
		}
		clone.Generation = h.gen
		published = &clone
	}
	h.current.Store(published)
	listeners := append([]Listener(nil), h.listeners...)
	h.notify.Lock()
	h.mu.Unlock()
	defer h.notify.Unlock()

	for _, fn := range listeners {
		fn(prev, published)
	}
	return published
}

func unchanged(prev, next *Session) bool {
	if prev == nil || next == nil {
		return prev == next
	}
	return prev.SameIdentity(next) && prev.Ledger == next.Ledger
}
