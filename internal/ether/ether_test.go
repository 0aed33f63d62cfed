package ether

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{name: "whole", in: "1", want: "1"},
		{name: "fraction", in: "0.0001", want: "0.0001"},
		{name: "surrounding space", in: "  2.5 ", want: "2.5"},
		{name: "zero parses", in: "0", want: "0"},
		{name: "negative parses", in: "-1", want: "-1"},
		{name: "smallest wei", in: "0.000000000000000001", want: "0.000000000000000001"},
		{name: "empty", in: "", wantErr: ErrEmptyAmount},
		{name: "garbage", in: "abc", wantErr: ErrInvalidAmount},
		{name: "two points", in: "1.2.3", wantErr: ErrInvalidAmount},
		{name: "sub-wei", in: "0.0000000000000000001", wantErr: ErrTooManyDigits},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestToWei(t *testing.T) {
	wei, err := ToWei(decimal.RequireFromString("1.5"))
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("1500000000000000000", 10)
	assert.Equal(t, 0, want.Cmp(wei))

	_, err = ToWei(decimal.RequireFromString("-1"))
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestFromWei(t *testing.T) {
	wei, _ := new(big.Int).SetString("2500000000000000000", 10)
	assert.True(t, decimal.RequireFromString("2.5").Equal(FromWei(wei)))
	assert.True(t, FromWei(nil).IsZero())
}

func TestWeiRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "0.0001", "1", "3.141592653589793238", "100"} {
		t.Run(s, func(t *testing.T) {
			d := decimal.RequireFromString(s)
			wei, err := ToWei(d)
			require.NoError(t, err)
			assert.True(t, d.Equal(FromWei(wei)))
		})
	}
}

func TestToGwei(t *testing.T) {
	assert.True(t, decimal.NewFromInt(100).Equal(ToGwei(big.NewInt(100_000_000_000))))
	assert.True(t, ToGwei(nil).IsZero())
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "1.2346", Format(decimal.RequireFromString("1.23456")))
	assert.Equal(t, "0.0000", Format(decimal.Zero))
}
