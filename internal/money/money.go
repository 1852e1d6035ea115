// Package money is the terminal's amount engine: currency metadata,
// satoshi conversion, and tip/commission split arithmetic.
//
// All functions are pure. The exchange rate is an injected read-only
// snapshot; nothing here fetches or caches anything.
package money

import (
	"errors"
	"math"
	"time"
)

var (
	ErrRateUnavailable = errors.New("money: no exchange rate for fiat amount")
	ErrAmountTooSmall  = errors.New("money: amount below minimum")
	ErrUnknownCurrency = errors.New("money: unknown currency")
)

// Rate is a point-in-time exchange rate snapshot.
//
// SatPrice is the price of one satoshi expressed in the currency's
// minor units (e.g. 0.1 means one sat costs a tenth of a cent).
// A snapshot is never mutated; stale rates are replaced wholesale.
type Rate struct {
	SatPrice  float64   `json:"satPrice"`
	Currency  string    `json:"currency"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Split is the satoshi breakdown of one priced sale.
// BaseSats + TipSats + CommissionSats == TotalSats always holds exactly.
type Split struct {
	TotalSats      int64
	BaseSats       int64
	TipSats        int64
	CommissionSats int64
	TotalDisplay   float64 // grand total in the display currency
}

// ToSatoshis converts a display-currency amount to whole satoshis.
//
// For the sats currency the amount already is satoshis and is rounded
// to the nearest integer. For fiat the amount is taken to minor units
// and divided by the rate's per-sat price.
func ToSatoshis(amount float64, cur Currency, rate *Rate) (int64, error) {
	if cur.Sats {
		return int64(math.Round(amount)), nil
	}
	if rate == nil || rate.SatPrice <= 0 {
		return 0, ErrRateUnavailable
	}
	minor := amount * math.Pow10(cur.FractionDigits)
	return int64(math.Round(minor / rate.SatPrice)), nil
}

// ValidAmount reports whether an entered amount can become an invoice.
// Rejected: non-finite, zero or negative, below the currency's smallest
// representable unit, and anything that converts to less than one satoshi.
func ValidAmount(amount float64, cur Currency, rate *Rate) bool {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return false
	}
	smallest := 1 / math.Pow10(cur.FractionDigits)
	if amount < smallest {
		return false
	}
	sats, err := ToSatoshis(amount, cur, rate)
	if err != nil {
		// No rate yet: the amount itself is fine, creation will fail
		// later with ErrRateUnavailable.
		return true
	}
	return sats >= 1
}

// ComputeSplit takes the operator-entered base amount and derives the
// satoshi split for an invoice with an optional tip and commission.
//
// The total is converted to satoshis first and each boundary amount is
// converted independently; the tip and commission figures are then
// differences, never rounded on their own. Rounding each leg separately
// can violate base + tip + commission == total, which downstream
// forwarding depends on.
func ComputeSplit(base float64, tipPercent, commissionPercent int, cur Currency, rate *Rate) (Split, error) {
	if tipPercent < 0 || commissionPercent < 0 {
		return Split{}, ErrAmountTooSmall
	}
	if !ValidAmount(base, cur, rate) {
		return Split{}, ErrAmountTooSmall
	}

	withTip := base * (1 + float64(tipPercent)/100)
	total := withTip * (1 + float64(commissionPercent)/100)

	totalSats, err := ToSatoshis(total, cur, rate)
	if err != nil {
		return Split{}, err
	}
	tipBoundarySats, err := ToSatoshis(withTip, cur, rate)
	if err != nil {
		return Split{}, err
	}
	baseSats, err := ToSatoshis(base, cur, rate)
	if err != nil {
		return Split{}, err
	}
	if totalSats < 1 {
		return Split{}, ErrAmountTooSmall
	}

	return Split{
		TotalSats:      totalSats,
		BaseSats:       baseSats,
		TipSats:        tipBoundarySats - baseSats,
		CommissionSats: totalSats - tipBoundarySats,
		TotalDisplay:   total,
	}, nil
}
