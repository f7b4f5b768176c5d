package loan

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func validParams() CreateParams {
	return CreateParams{
		Principal:  big.NewInt(10),
		Payback:    big.NewInt(11),
		DueDays:    5,
		Collateral: big.NewInt(2),
	}
}

func TestCreateParamsValidate(t *testing.T) {
	require.NoError(t, validParams().Validate())

	zeroCollateral := validParams()
	zeroCollateral.Collateral = new(big.Int)
	require.NoError(t, zeroCollateral.Validate())

	overflow := new(big.Int).Lsh(big.NewInt(1), 256)

	cases := []struct {
		name   string
		mutate func(*CreateParams)
		err    error
	}{
		{"zero principal", func(p *CreateParams) { p.Principal = new(big.Int) }, ErrInvalidAmount},
		{"negative principal", func(p *CreateParams) { p.Principal = big.NewInt(-1) }, ErrInvalidAmount},
		{"payback equals principal", func(p *CreateParams) { p.Payback = big.NewInt(10) }, ErrInvalidPayback},
		{"payback below principal", func(p *CreateParams) { p.Payback = big.NewInt(9) }, ErrInvalidPayback},
		{"zero due days", func(p *CreateParams) { p.DueDays = 0 }, ErrInvalidDueDays},
		{"negative due days", func(p *CreateParams) { p.DueDays = -3 }, ErrInvalidDueDays},
		{"negative collateral", func(p *CreateParams) { p.Collateral = big.NewInt(-1) }, ErrInvalidAmount},
		{"missing collateral", func(p *CreateParams) { p.Collateral = nil }, ErrInvalidAmount},
		{"payback overflow", func(p *CreateParams) { p.Payback = overflow }, ErrAmountOverflow},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			p := validParams()
			tc.mutate(&p)
			require.ErrorIs(t, p.Validate(), tc.err)
		})
	}
}

func TestCreateRequestParams(t *testing.T) {
	params, err := CreateRequest{Amount: "10", Payback: "11", DueDays: 5, Collateral: "0.5"}.Params()
	require.NoError(t, err)
	require.Nil(t, params.Borrower)
	require.Equal(t, "10000000000000000000", params.Principal.String())
	require.Equal(t, "500000000000000000", params.Collateral.String())
	require.NoError(t, params.Validate())

	_, err = CreateRequest{Borrower: "0x1234", Amount: "1", Payback: "2", DueDays: 1}.Params()
	require.ErrorIs(t, err, ErrInvalidAddress)

	withBorrower, err := CreateRequest{
		Borrower: "0x00000000000000000000000000000000000000aa",
		Amount:   "1", Payback: "2", DueDays: 1, Collateral: "0",
	}.Params()
	require.NoError(t, err)
	require.NotNil(t, withBorrower.Borrower)
}

func TestEtherRoundTrip(t *testing.T) {
	wei, err := ParseEther("1.25")
	require.NoError(t, err)
	require.Equal(t, "1250000000000000000", wei.String())
	require.Equal(t, "1.25", FormatEther(wei))
	require.Equal(t, "0", FormatEther(nil))

	_, err = ParseEther("0.0000000000000000001")
	require.ErrorIs(t, err, ErrInvalidDecimals)
	_, err = ParseEther("abc")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestFitsUint256(t *testing.T) {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	require.True(t, FitsUint256(max))
	require.False(t, FitsUint256(new(big.Int).Add(max, big.NewInt(1))))
	require.False(t, FitsUint256(big.NewInt(-1)))
	require.False(t, FitsUint256(nil))
}
