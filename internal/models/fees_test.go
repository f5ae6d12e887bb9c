package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCalculateFees(t *testing.T) {
	tests := []struct {
		amount string
		bps    int
		fee    string
		net    string
	}{
		{"1000", 150, "15", "985"},
		{"1000.00", 150, "15", "985"},
		{"0.01", 150, "0", "0.01"},
		{"33.33", 150, "0.5", "32.83"},
		{"99.99", 300, "3", "96.99"},
		{"12345.67", 150, "185.19", "12160.48"},
		{"100", 0, "0", "100"},
		{"100", 10000, "100", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			fees, err := CalculateFees(decimal.RequireFromString(tt.amount), tt.bps)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !fees.FeeAmount.Equal(decimal.RequireFromString(tt.fee)) {
				t.Errorf("fee = %s, want %s", fees.FeeAmount, tt.fee)
			}
			if !fees.NetAmount.Equal(decimal.RequireFromString(tt.net)) {
				t.Errorf("net = %s, want %s", fees.NetAmount, tt.net)
			}
		})
	}
}

func TestCalculateFeesInvariant(t *testing.T) {
	rate := decimal.NewFromInt(150).Div(decimal.NewFromInt(10000))
	for cents := int64(1); cents < 200000; cents += 37 {
		amount := decimal.New(cents, -2)
		fees, err := CalculateFees(amount, 150)
		if err != nil {
			t.Fatalf("amount %s: %v", amount, err)
		}
		if !fees.FeeAmount.Add(fees.NetAmount).Equal(amount) {
			t.Fatalf("amount %s: fee+net = %s", amount, fees.FeeAmount.Add(fees.NetAmount))
		}
		if !fees.FeeAmount.Equal(amount.Mul(rate).Round(2)) {
			t.Fatalf("amount %s: fee %s not rounded product", amount, fees.FeeAmount)
		}
		if fees.FeeAmount.IsNegative() || fees.NetAmount.IsNegative() || fees.NetAmount.GreaterThan(amount) {
			t.Fatalf("amount %s: bad split %s/%s", amount, fees.FeeAmount, fees.NetAmount)
		}
	}
}

func TestCalculateFeesRejectsBadInput(t *testing.T) {
	for _, amount := range []string{"0", "-1", "-0.01"} {
		if _, err := CalculateFees(decimal.RequireFromString(amount), 150); err != ErrInvalidAmount {
			t.Errorf("amount %s: err = %v, want ErrInvalidAmount", amount, err)
		}
	}
	if _, err := CalculateFees(decimal.NewFromInt(10), -1); err != ErrInvalidAmount {
		t.Errorf("negative bps: err = %v", err)
	}
}

func TestHasMinorUnits(t *testing.T) {
	if !HasMinorUnits(decimal.RequireFromString("10.25")) {
		t.Error("10.25 should fit")
	}
	if HasMinorUnits(decimal.RequireFromString("10.255")) {
		t.Error("10.255 should not fit")
	}
}
