package money

import (
	"strconv"
	"strings"
)

// Entry is the keypad amount editor. It accumulates digit presses into
// a display string honoring the currency's fraction digits.
type Entry struct {
	cur  Currency
	text string
}

// NewEntry creates an empty editor for the given currency.
func NewEntry(cur Currency) *Entry {
	return &Entry{cur: cur}
}

// Press applies a single keypad key: "0"–"9", ".", or "backspace".
// Unknown keys are ignored.
func (e *Entry) Press(key string) {
	switch {
	case key == ".":
		// Zero-fraction currencies have no decimal point at all.
		if e.cur.FractionDigits == 0 || strings.Contains(e.text, ".") {
			return
		}
		if e.text == "" {
			e.text = "0."
			return
		}
		e.text += "."
	case key == "backspace":
		if e.text != "" {
			e.text = e.text[:len(e.text)-1]
		}
	case len(key) == 1 && key[0] >= '0' && key[0] <= '9':
		if i := strings.Index(e.text, "."); i >= 0 {
			if len(e.text)-i-1 >= e.cur.FractionDigits {
				return
			}
		}
		if e.text == "0" {
			// A lone leading zero is replaced, never extended: "0"
			// then "5" is "5", and "0" then "0" stays "0".
			if key == "0" {
				return
			}
			e.text = key
			return
		}
		e.text += key
	}
}

// Clear resets the editor.
func (e *Entry) Clear() { e.text = "" }

// String returns the raw entered text ("" when nothing was typed).
func (e *Entry) String() string { return e.text }

// Value parses the entered amount. ok is false when nothing parseable
// has been entered yet.
func (e *Entry) Value() (float64, bool) {
	if e.text == "" || e.text == "." {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(e.text, "."), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
