package money

import (
	"fmt"
	"strconv"
)

// FormatDisplay renders an amount in the currency's customary form,
// e.g. "$2.20", "¥500", "2200 sats".
func FormatDisplay(amount float64, cur Currency) string {
	n := strconv.FormatFloat(amount, 'f', cur.FractionDigits, 64)
	if cur.Sats {
		return n + " " + cur.Symbol
	}
	return cur.Symbol + n
}

// MemoOptions carry the operator preferences that shape invoice memos.
type MemoOptions struct {
	Label             string // merchant label, e.g. the shop name
	TipPercent        int
	CommissionPercent int
}

// Memo assembles the human-readable invoice memo from a computed split.
// It is a pure function of its inputs; collaborators receive it verbatim.
func Memo(split Split, cur Currency, opts MemoOptions) string {
	memo := FormatDisplay(split.TotalDisplay, cur)
	if !cur.Sats {
		memo += fmt.Sprintf(" (%d sats)", split.TotalSats)
	}
	if opts.TipPercent > 0 {
		memo += fmt.Sprintf(", %d%% tip", opts.TipPercent)
	}
	if opts.CommissionPercent > 0 {
		memo += fmt.Sprintf(", %d%% commission", opts.CommissionPercent)
	}
	if opts.Label != "" {
		memo = opts.Label + ": " + memo
	}
	return memo
}
