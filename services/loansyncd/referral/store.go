package referral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"lendearn/native/loan"
	"lendearn/services/loansyncd/session"
	"lendearn/storage"
)

// CountsKey is the storage key holding the whole referral counter object.
const CountsKey = "referralCounts"

// DefaultParam is the query parameter carrying a referrer address.
const DefaultParam = "ref"

const (
	StatusPending = "Pending"
	StatusActive  = "Active"
)

// Binder submits a setReferrer call for the connected account.
type Binder func(ctx context.Context, referrer common.Address) error

// Option customises a Store.
type Option func(*Store)

// WithLogger overrides the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithParam overrides the referral query parameter name.
func WithParam(name string) Option {
	return func(s *Store) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			s.param = trimmed
		}
	}
}

// Store tracks locally observed referral visits and the pending referrer for
// the current process.
type Store struct {
	db     storage.Database
	logger *slog.Logger
	param  string

	mu        sync.Mutex
	pending   common.Address
	hasRef    bool
	attempted map[common.Address]struct{}
}

// New constructs a store over db.
func New(db storage.Database, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("referral: database required")
	}
	s := &Store{
		db:        db,
		logger:    slog.Default(),
		param:     DefaultParam,
		attempted: make(map[common.Address]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Param returns the referral query parameter name.
func (s *Store) Param() string {
	return s.param
}

// Visit records a session load carrying ref. Malformed values are ignored.
// Every call increments the counter, so repeated loads of the same link
// inflate it.
func (s *Store) Visit(ref string) (common.Address, bool, error) {
	addr, err := loan.ParseAddress(ref)
	if err != nil || addr == (common.Address{}) {
		return common.Address{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	counts, err := s.load()
	if err != nil {
		return common.Address{}, false, err
	}
	counts[addr.Hex()]++
	if err := s.save(counts); err != nil {
		return common.Address{}, false, err
	}
	s.pending = addr
	s.hasRef = true
	return addr, true, nil
}

// VisitURL extracts the referral parameter from a raw query string and
// records a visit when present.
func (s *Store) VisitURL(rawQuery string) (common.Address, bool, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return common.Address{}, false, nil
	}
	ref := values.Get(s.param)
	if ref == "" {
		return common.Address{}, false, nil
	}
	return s.Visit(ref)
}

// CountFor returns the local visit count for addr.
func (s *Store) CountFor(addr common.Address) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts, err := s.load()
	if err != nil {
		return 0, err
	}
	return counts[addr.Hex()], nil
}

// Pending returns the referrer captured from the session URL or manual input.
func (s *Store) Pending() (common.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, s.hasRef
}

// SetPending replaces the pending referrer. The zero address clears it.
func (s *Store) SetPending(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = addr
	s.hasRef = addr != (common.Address{})
}

// OnConnect binds the pending referrer for a freshly connected account. The
// binding is attempted at most once per account per process; failures are
// logged and skipped.
func (s *Store) OnConnect(ctx context.Context, sess *session.Session, bind Binder) {
	if !sess.Connected() || bind == nil {
		return
	}
	account := sess.Account

	s.mu.Lock()
	ref, ok := s.pending, s.hasRef
	_, done := s.attempted[account]
	if !ok || ref == account || done {
		s.mu.Unlock()
		return
	}
	s.attempted[account] = struct{}{}
	s.mu.Unlock()

	logger := s.logger.With("account", account.Hex(), "referrer", ref.Hex())
	existing, err := sess.Ledger.ReferrerOf(ctx, account)
	if err != nil {
		logger.Warn("referral: referrer lookup failed, skipping", "error", err)
		return
	}
	if existing != (common.Address{}) {
		logger.Debug("referral: referrer already bound", "bound", existing.Hex())
		return
	}
	if err := bind(ctx, ref); err != nil {
		logger.Warn("referral: setReferrer failed, skipping", "error", err)
		return
	}
	logger.Info("referral: referrer bound")
}

// Link builds the shareable referral URL for addr.
func (s *Store) Link(base string, addr common.Address) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("referral: link base: %w", err)
	}
	q := u.Query()
	q.Set(s.param, addr.Hex())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Status reports the referral programme status for an account that has
// completed the given number of loans.
func Status(completed int) string {
	if completed > 0 {
		return StatusActive
	}
	return StatusPending
}

func (s *Store) load() (map[string]int, error) {
	raw, err := s.db.Get([]byte(CountsKey))
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("referral: load counts: %w", err)
	}
	counts := map[string]int{}
	if len(raw) == 0 {
		return counts, nil
	}
	if err := json.Unmarshal(raw, &counts); err != nil {
		// A corrupt object is replaced on the next write.
		s.logger.Warn("referral: discarding unreadable counts", "error", err)
		return map[string]int{}, nil
	}
	return counts, nil
}

func (s *Store) save(counts map[string]int) error {
	raw, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("referral: encode counts: %w", err)
	}
	if err := s.db.Put([]byte(CountsKey), raw); err != nil {
		return fmt.Errorf("referral: save counts: %w", err)
	}
	return nil
}
