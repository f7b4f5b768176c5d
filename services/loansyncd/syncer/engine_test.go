package syncer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendearn/native/loan"
	"lendearn/services/loansyncd/ledger"
	"lendearn/services/loansyncd/ledger/ledgertest"
	"lendearn/services/loansyncd/registry"
	"lendearn/services/loansyncd/session"
)

var (
	owner  = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	lender = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	other  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type fakeCounter struct {
	countFn func(common.Address) (int, error)
}

func (f *fakeCounter) CountFor(addr common.Address) (int, error) {
	if f != nil && f.countFn != nil {
		return f.countFn(addr)
	}
	return 0, nil
}

func offer() loan.Loan {
	return loan.Loan{
		Lender:           lender,
		Principal:        big.NewInt(10),
		PaybackAmount:    big.NewInt(11),
		CollateralAmount: big.NewInt(2),
		DueDays:          5,
	}
}

func bind(e *Engine, contract *ledgertest.Contract, account common.Address) *session.Session {
	sess := &session.Session{Account: account, ChainID: big.NewInt(8080), Ledger: contract.As(account)}
	e.Rebind(sess)
	return sess
}

func TestRefreshBuildsSnapshot(t *testing.T) {
	contract := ledgertest.NewContract(owner)
	contract.Put(offer())
	contract.Put(offer())
	contract.Fund(lender, big.NewInt(77))
	contract.SetReferrer(lender, other)
	_, err := contract.As(other).Submit(context.Background(), ledger.DepositRewardPoolCall(big.NewInt(500)))
	require.NoError(t, err)

	at := time.Unix(1_700_000_000, 0)
	counter := &fakeCounter{countFn: func(addr common.Address) (int, error) {
		require.Equal(t, lender, addr)
		return 4, nil
	}}
	e := New(registry.New(), WithClock(func() time.Time { return at }), WithReferralCounter(counter))
	bind(e, contract, lender)

	snap, err := e.Refresh(context.Background())
	require.NoError(t, err)
	require.Same(t, snap, e.Registry().Load())
	require.Equal(t, 2, snap.Len())
	require.Equal(t, int64(500), snap.PoolBalance.Int64())
	require.Equal(t, int64(77), snap.AccountBalance.Int64())
	require.Equal(t, other, snap.ReferrerOf)
	require.Equal(t, 4, snap.ReferralCount)
	require.Equal(t, lender, snap.Account)
	require.Equal(t, at, snap.RefreshedAt)
}

func TestRefreshWithoutSession(t *testing.T) {
	e := New(registry.New())
	_, err := e.Refresh(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestConcurrentRefreshesCoalesceIntoOnePass(t *testing.T) {
	contract := ledgertest.NewContract(owner)
	contract.Put(offer())

	entered := make(chan struct{})
	release := make(chan struct{})
	var first sync.Once
	contract.ReadHook = func(_ context.Context, method string) error {
		if method != "loanCount" {
			return nil
		}
		blocked := false
		first.Do(func() { blocked = true })
		if blocked {
			close(entered)
			<-release
		}
		return nil
	}

	e := New(registry.New())
	bind(e, contract, lender)
	<-entered

	const n = 10
	var wg sync.WaitGroup
	results := make(chan *registry.Snapshot, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := e.Refresh(context.Background())
			assert.NoError(t, err)
			results <- snap
		}()
	}
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.next != nil && e.next.waiters == n
	}, time.Second, time.Millisecond)
	for i := 0; i < 5; i++ {
		e.Request()
	}

	close(release)
	wg.Wait()
	close(results)

	require.Equal(t, int64(2), contract.LoanCountCalls(), "one in-flight pass plus one follow-up")
	var shared *registry.Snapshot
	for snap := range results {
		if shared == nil {
			shared = snap
		}
		require.Same(t, shared, snap)
	}
	require.Equal(t, uint64(2), shared.Pass)
}

func TestFailedPassKeepsPreviousSnapshot(t *testing.T) {
	contract := ledgertest.NewContract(owner)
	contract.Put(offer())
	e := New(registry.New())
	bind(e, contract, lender)

	good, err := e.Refresh(context.Background())
	require.NoError(t, err)

	contract.ReadHook = func(_ context.Context, method string) error {
		if method == "getLoan" {
			return ledger.Transport(method, errors.New("connection reset"))
		}
		return nil
	}
	_, err = e.Refresh(context.Background())
	require.ErrorIs(t, err, ledger.ErrTransport)
	require.Same(t, good, e.Registry().Load())
}

func TestSecondaryReadsAreBestEffort(t *testing.T) {
	contract := ledgertest.NewContract(owner)
	contract.Put(offer())
	contract.ReadHook = func(_ context.Context, method string) error {
		switch method {
		case "getRewardPoolBalance", "balance", "referrerOf":
			return ledger.Transport(method, errors.New("timeout"))
		}
		return nil
	}
	counter := &fakeCounter{countFn: func(common.Address) (int, error) { return 0, errors.New("disk") }}
	e := New(registry.New(), WithReferralCounter(counter))
	bind(e, contract, lender)

	snap, err := e.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, snap.Len())
	require.Zero(t, snap.PoolBalance.Sign())
	require.Zero(t, snap.AccountBalance.Sign())
	require.Equal(t, common.Address{}, snap.ReferrerOf)
}

func TestLedgerEventRequestsRefresh(t *testing.T) {
	contract := ledgertest.NewContract(owner)
	e := New(registry.New())
	sess := bind(e, contract, lender)
	_, err := e.Refresh(context.Background())
	require.NoError(t, err)
	require.Zero(t, e.Registry().Load().Len())

	params := loan.CreateParams{Principal: big.NewInt(10), Payback: big.NewInt(11), DueDays: 5, Collateral: big.NewInt(2)}
	_, err = sess.Ledger.Submit(context.Background(), ledger.CreateLoanCall(params))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.Registry().Load().Len() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRebindReplacesSubscriptions(t *testing.T) {
	first := ledgertest.NewContract(owner)
	second := ledgertest.NewContract(owner)
	second.Put(offer())

	e := New(registry.New())
	bind(e, first, lender)
	require.Equal(t, len(ledger.Events), first.Subscribers())

	bind(e, second, other)
	require.Zero(t, first.Subscribers())
	require.Equal(t, len(ledger.Events), second.Subscribers())

	snap, err := e.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, other, snap.Account)
	require.Equal(t, 1, snap.Len())

	e.Rebind(nil)
	require.Zero(t, second.Subscribers())
	require.Zero(t, e.Registry().Load().Len())
}

func TestAttachFollowsHolder(t *testing.T) {
	contract := ledgertest.NewContract(owner)
	holder := session.NewHolder()
	e := New(registry.New())
	e.Attach(holder)
	require.Zero(t, contract.Subscribers())

	holder.Swap(&session.Session{Account: lender, ChainID: big.NewInt(1), Ledger: contract.As(lender)})
	require.Equal(t, len(ledger.Events), contract.Subscribers())
	require.Equal(t, holder.Load(), e.Session())

	holder.Swap(nil)
	require.Zero(t, contract.Subscribers())
}

func TestSubscribeKeepsLatestSnapshot(t *testing.T) {
	contract := ledgertest.NewContract(owner)
	e := New(registry.New())
	ch, cancel := e.Subscribe()
	defer cancel()

	bind(e, contract, lender)
	_, err := e.Refresh(context.Background())
	require.NoError(t, err)
	contract.Put(offer())
	last, err := e.Refresh(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case snap := <-ch:
			return snap == last
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	cancel()
	cancel()
	e.consumersMu.Lock()
	require.Empty(t, e.consumers)
	e.consumersMu.Unlock()
}

func TestRunClosesSubscriptionsOnShutdown(t *testing.T) {
	contract := ledgertest.NewContract(owner)
	e := New(registry.New(), WithInterval(time.Millisecond))
	bind(e, contract, lender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return contract.LoanCountCalls() >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Zero(t, contract.Subscribers())
}
