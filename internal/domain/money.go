package domain

import (
	"strings"

	"github.com/shopspring/decimal"

	"ledger-saga/internal/errors"
)

// MoneyScale is the number of fraction digits every persisted amount carries.
const MoneyScale = 2

// RoundMoney rounds half away from zero to MoneyScale digits (10.005 -> 10.01).
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// FormatMoney renders d the way it travels on the wire and in the database: "-40.00".
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(MoneyScale)
}

// ParseMoney parses a decimal string and rounds it to MoneyScale.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, errors.NewAppError(errors.InvalidAmount, "invalid amount format").WithDetails(err.Error())
	}
	return RoundMoney(d), nil
}

// PositiveMoney rounds amount and rejects anything that is not strictly positive afterwards.
func PositiveMoney(amount decimal.Decimal) (decimal.Decimal, error) {
	rounded := RoundMoney(amount)
	if !rounded.IsPositive() {
		return decimal.Zero, errors.ErrInvalidAmount
	}
	return rounded, nil
}
