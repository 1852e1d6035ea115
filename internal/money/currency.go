package money

import "strings"

// Currency describes a display currency the terminal can price in.
//
// Satoshis are treated as a regular currency with zero fraction digits
// so the keypad and formatting code never special-cases bitcoin.
type Currency struct {
	Code           string // ISO-ish code, e.g. "USD", or "SATS"
	Symbol         string
	FractionDigits int  // smallest unit = 1/10^FractionDigits
	Sats           bool // bitcoin-denominated: amounts are already satoshis
}

// Sats is the bitcoin-denominated currency. No conversion, no decimals.
var Sats = Currency{Code: "SATS", Symbol: "sats", FractionDigits: 0, Sats: true}

// currencies is the built-in currency table. Extend via Register for
// deployments that price in something else.
var currencies = map[string]Currency{
	"SATS": Sats,
	"USD":  {Code: "USD", Symbol: "$", FractionDigits: 2},
	"EUR":  {Code: "EUR", Symbol: "€", FractionDigits: 2},
	"GBP":  {Code: "GBP", Symbol: "£", FractionDigits: 2},
	"CHF":  {Code: "CHF", Symbol: "CHF", FractionDigits: 2},
	"JPY":  {Code: "JPY", Symbol: "¥", FractionDigits: 0},
}

// Lookup returns the currency for a code (case-insensitive).
func Lookup(code string) (Currency, bool) {
	c, ok := currencies[strings.ToUpper(code)]
	return c, ok
}

// Register adds or replaces a currency in the table. Intended for
// startup wiring only; the table is not safe for concurrent mutation.
func Register(c Currency) {
	currencies[strings.ToUpper(c.Code)] = c
}
