// Package lnurl implements the LNURL bech32 wire codec.
//
// The output must be bit-exact against the LNURL spec: the URL's UTF-8
// bytes are regrouped to 5-bit words, bech32-encoded with the "lnurl"
// human-readable prefix, and upper-cased for QR embedding.
package lnurl

import (
	"errors"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
)

// Prefix is the bech32 human-readable part for LNURL payloads.
const Prefix = "lnurl"

// MaxEncodedLen bounds the encoded string. LNURL strings routinely
// exceed the 90-character bech32 address limit; LUD-01 allows up
// to 2000 characters.
const MaxEncodedLen = 2000

// charset is the bech32 data alphabet, indexed by 5-bit word value.
const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var (
	ErrEmptyURL = errors.New("lnurl: empty url")
	ErrTooLong  = errors.New("lnurl: encoded payload exceeds 2000 characters")
	ErrInvalid  = errors.New("lnurl: invalid encoding")
)

// Encode produces the uppercase LNURL bech32 encoding of a URL.
func Encode(url string) (string, error) {
	if url == "" {
		return "", ErrEmptyURL
	}
	words, err := bech32.ConvertBits([]byte(url), 8, 5, true)
	if err != nil {
		return "", err
	}
	enc, err := bech32.Encode(Prefix, words)
	if err != nil {
		return "", err
	}
	if len(enc) > MaxEncodedLen {
		return "", ErrTooLong
	}
	return strings.ToUpper(enc), nil
}

// Decode reverses Encode, recovering the original URL from an LNURL
// bech32 string in either case. The library's Decode caps input at the
// 90-character address limit, so the data part is unpacked by hand and
// the checksum verified by re-encoding the recovered URL.
func Decode(enc string) (string, error) {
	if len(enc) > MaxEncodedLen {
		return "", ErrTooLong
	}
	s := strings.ToLower(enc)
	body, ok := strings.CutPrefix(s, Prefix+"1")
	if !ok || len(body) < 6 {
		return "", ErrInvalid
	}
	words := make([]byte, len(body)-6)
	for i := range words {
		v := strings.IndexByte(charset, body[i])
		if v < 0 {
			return "", ErrInvalid
		}
		words[i] = byte(v)
	}
	raw, err := bech32.ConvertBits(words, 5, 8, false)
	if err != nil {
		return "", ErrInvalid
	}
	url := string(raw)
	again, err := Encode(url)
	if err != nil || !strings.EqualFold(again, enc) {
		return "", ErrInvalid
	}
	return url, nil
}

// IsLNURL reports whether s carries an LNURL payload anywhere in it,
// case-insensitively. NFC tags wrap the bech32 string in all kinds of
// URI schemes (lightning:, lnurlw://), so this is a substring check,
// not a prefix check.
func IsLNURL(s string) bool {
	return strings.Contains(strings.ToLower(s), Prefix)
}
