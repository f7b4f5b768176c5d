package registry

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"lendearn/native/loan"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

func TestRegistryStartsEmpty(t *testing.T) {
	r := New()
	snap := r.Load()
	require.NotNil(t, snap)
	require.Zero(t, snap.Len())
	require.Zero(t, snap.PoolBalance.Sign())
	_, ok := snap.Loan(0)
	require.False(t, ok)
}

func TestSnapshotAccessors(t *testing.T) {
	b := NewBuilder(3, alice)
	b.Add(loan.Loan{ID: 2, Lender: alice, Borrower: bob, Active: true, Principal: big.NewInt(1)})
	b.Add(loan.Loan{ID: 0, Lender: bob, Principal: big.NewInt(1)})
	b.Add(loan.Loan{ID: 1, Lender: carol, Cancelled: true})
	b.Add(loan.Loan{ID: 3, Lender: carol, Borrower: bob, Active: true, Repaid: true})
	b.SetPoolBalance(big.NewInt(7))
	b.SetReferral(carol, 2)
	snap := b.Build(time.Unix(10, 0))

	require.Equal(t, []uint64{0, 1, 2, 3}, snap.Order)
	require.Equal(t, uint64(3), snap.Pass)
	require.Equal(t, int64(7), snap.PoolBalance.Int64())
	require.Zero(t, snap.AccountBalance.Sign())
	require.Equal(t, carol, snap.ReferrerOf)
	require.Equal(t, 2, snap.ReferralCount)

	ids := func(loans []loan.Loan) []uint64 {
		out := make([]uint64, 0, len(loans))
		for _, l := range loans {
			out = append(out, l.ID)
		}
		return out
	}
	require.Equal(t, []uint64{0, 1, 2, 3}, ids(snap.List()))
	require.Equal(t, []uint64{0, 2, 3}, ids(snap.MyLoans(bob)))
	require.Equal(t, []uint64{2}, ids(snap.MyLoans(alice)))
	require.Equal(t, []uint64{0}, ids(snap.OpenOffers()))
	require.Equal(t, 1, snap.CompletedBy(bob))
}

func TestBuilderClonesRecords(t *testing.T) {
	principal := big.NewInt(5)
	b := NewBuilder(1, alice)
	b.Add(loan.Loan{ID: 0, Principal: principal})
	snap := b.Build(time.Now())

	principal.SetInt64(99)
	got, ok := snap.Loan(0)
	require.True(t, ok)
	require.Equal(t, int64(5), got.Principal.Int64())
}

func TestRegistryReplaceIsWholesale(t *testing.T) {
	r := New()
	first := NewBuilder(1, alice)
	first.Add(loan.Loan{ID: 0})
	first.Add(loan.Loan{ID: 1})
	r.Replace(first.Build(time.Now()))

	second := NewBuilder(2, alice)
	second.Add(loan.Loan{ID: 1, Active: true})
	r.Replace(second.Build(time.Now()))
	r.Replace(nil)

	snap := r.Load()
	require.Equal(t, uint64(2), snap.Pass)
	require.Equal(t, 1, snap.Len())
	got, _ := snap.Loan(1)
	require.True(t, got.Active)
}
