package services

import (
	"fmt"
	"math"
)

// Token economics.
const (
	TokensPerDollar          = 10
	DefaultPayoutPer10Tokens = 75 // cents paid out per 10 tokens (25% platform fee)
)

// maxCents is 2^63 as a float64; any rounded amount at or above it does not fit in int64.
const maxCents = float64(1 << 63)

// Cents is a USD amount at cent precision.
type Cents int64

// Dollars converts to a float for display and JSON only.
func (c Cents) Dollars() float64 {
	return float64(c) / 100
}

func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%02d", sign, v/100, v%100)
}

// CentsFromUSD rounds a dollar amount to the nearest cent. Non-positive and
// non-finite amounts are rejected.
func CentsFromUSD(usd float64) (Cents, error) {
	if math.IsNaN(usd) || math.IsInf(usd, 0) || usd <= 0 {
		return 0, fmt.Errorf("%w: usd amount must be a positive finite number", ErrInvalidAmount)
	}
	cents := math.Round(usd * 100)
	if cents >= maxCents {
		return 0, fmt.Errorf("%w: usd amount too large", ErrInvalidAmount)
	}
	return Cents(cents), nil
}

// ConversionPolicy maps currency to tokens and back. It holds no state
// beyond the configured payout rate.
type ConversionPolicy struct {
	payoutPer10Tokens int64
}

// NewConversionPolicy returns the policy with the given payout, in cents
// per 10 tokens. Zero selects the default of 75.
func NewConversionPolicy(payoutPer10Tokens int64) ConversionPolicy {
	if payoutPer10Tokens <= 0 {
		payoutPer10Tokens = DefaultPayoutPer10Tokens
	}
	return ConversionPolicy{payoutPer10Tokens: payoutPer10Tokens}
}

// TokensForPurchase is floor(usd * 10). Sub-token amounts yield 0; it is up
// to the caller to reject a purchase worth zero tokens.
func (p ConversionPolicy) TokensForPurchase(usd float64) (int64, error) {
	cents, err := CentsFromUSD(usd)
	if err != nil {
		return 0, err
	}
	return p.TokensForCents(cents)
}

// TokensForCents is the integer form of TokensForPurchase.
func (p ConversionPolicy) TokensForCents(cents Cents) (int64, error) {
	if cents <= 0 {
		return 0, fmt.Errorf("%w: usd amount must be positive", ErrInvalidAmount)
	}
	if int64(cents) > math.MaxInt64/TokensPerDollar {
		return 0, fmt.Errorf("%w: usd amount too large", ErrInvalidAmount)
	}
	return int64(cents) * TokensPerDollar / 100, nil
}

// USDForCashout is the payout owed for tokens, rounded down to the cent.
func (p ConversionPolicy) USDForCashout(tokens int64) (Cents, error) {
	if tokens <= 0 {
		return 0, fmt.Errorf("%w: token amount must be positive", ErrInvalidAmount)
	}
	if tokens > math.MaxInt64/p.payoutPer10Tokens {
		return 0, fmt.Errorf("%w: token amount too large", ErrInvalidAmount)
	}
	return Cents(tokens * p.payoutPer10Tokens / 10), nil
}
