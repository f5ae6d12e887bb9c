package models

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

// minorUnits is the number of decimals kept for every supported currency.
const minorUnits = 2

var bpsDivisor = decimal.NewFromInt(10000)

type Fees struct {
	FeeAmount decimal.Decimal `json:"fee_amount"`
	NetAmount decimal.Decimal `json:"net_amount"`
}

// CalculateFees splits a gross amount into the platform fee and the amount
// payable to the seller. feeBPS is in basis points (150 = 1.5%).
func CalculateFees(amount decimal.Decimal, feeBPS int) (Fees, error) {
	if !amount.IsPositive() {
		return Fees{}, ErrInvalidAmount
	}
	if feeBPS < 0 || feeBPS > 10000 {
		return Fees{}, ErrInvalidAmount
	}

	fee := amount.Mul(decimal.NewFromInt(int64(feeBPS))).Div(bpsDivisor).Round(minorUnits)
	return Fees{
		FeeAmount: fee,
		NetAmount: amount.Sub(fee),
	}, nil
}

// HasMinorUnits reports whether amount fits the currency's minor unit.
func HasMinorUnits(amount decimal.Decimal) bool {
	return amount.Equal(amount.Round(minorUnits))
}
