/*
money.go - Amount canonicalization and share arithmetic

PURPOSE:
  Obligations are matched by exact amount equality, so every amount that
  enters the system must pass through one canonical representation.
  Client input ("1000", "1000.00", 1000) and engine-computed shares must
  compare equal when they denote the same value.

CANONICAL FORM:
  decimal.Decimal.String() of a parsed value. decimal normalizes
  trailing zeros on parse, so "1000.00" and "1000" canonicalize to the
  same string and the exact-match lookups in the stores behave.

SHARE ARITHMETIC:
  Share = sellingPrice / N, computed once at sale time with decimal's
  default division precision and applied uniformly to every member.
  There is no remainder redistribution: if the price does not divide
  evenly, every member carries the same fractional share.
*/
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ParseAmount parses a client-supplied amount string into a decimal,
// rejecting malformed or non-positive values.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "amount", Message: fmt.Sprintf("invalid amount %q", s)}
	}
	if !d.IsPositive() {
		return decimal.Zero, &ValidationError{Field: "amount", Message: "amount must be positive"}
	}
	return d, nil
}

// Canon returns the canonical string form used for storage and matching.
func Canon(d decimal.Decimal) string {
	return d.String()
}

// Share computes the uniform per-member cut of a sale.
func Share(sellingPrice decimal.Decimal, groupSize int) decimal.Decimal {
	return sellingPrice.Div(decimal.NewFromInt(int64(groupSize)))
}
