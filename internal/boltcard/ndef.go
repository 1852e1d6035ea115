package boltcard

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

var ErrBadTextPayload = errors.New("boltcard: undecodable text payload")

// Record is one NDEF record as delivered by the platform reader:
// the declared text encoding plus the raw payload bytes.
type Record struct {
	Encoding string `json:"encoding,omitempty"` // "utf-8" (default) or "utf-16"
	Lang     string `json:"lang,omitempty"`
	Data     []byte `json:"data"`
}

// Tag is one tap: the records read from a single tag.
type Tag struct {
	ID      string   `json:"id,omitempty"`
	Records []Record `json:"records"`
}

// DecodeText decodes a record's payload with its declared encoding.
// Unknown encodings fall back to UTF-8, matching reader behavior.
func DecodeText(r Record) (string, error) {
	switch strings.ToLower(r.Encoding) {
	case "utf-16", "utf-16be", "utf-16le":
		endian := unicode.BigEndian
		if strings.ToLower(r.Encoding) == "utf-16le" {
			endian = unicode.LittleEndian
		}
		dec := unicode.UTF16(endian, unicode.UseBOM).NewDecoder()
		out, err := dec.Bytes(r.Data)
		if err != nil {
			return "", ErrBadTextPayload
		}
		return string(out), nil
	default:
		if !utf8.Valid(r.Data) {
			return "", ErrBadTextPayload
		}
		return string(r.Data), nil
	}
}
