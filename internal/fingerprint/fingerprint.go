// Package fingerprint derives stable cache keys from submitted content.
package fingerprint

import (
	"bytes"
	"encoding/hex"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// Normalize returns content in NFC with runs of whitespace collapsed to a
// single space and leading/trailing whitespace removed. Non UTF-8 input
// (binary documents) is returned unchanged.
func Normalize(content []byte) []byte {
	if !utf8.Valid(content) {
		return content
	}
	nfc := norm.NFC.Bytes(content)
	out := make([]byte, 0, len(nfc))
	space := false
	for _, r := range string(bytes.TrimSpace(nfc)) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			out = append(out, ' ')
			space = false
		}
		out = utf8.AppendRune(out, r)
	}
	return out
}

// Of returns the hex-encoded BLAKE2b-256 digest of the normalized content.
func Of(content []byte) string {
	sum := blake2b.Sum256(Normalize(content))
	return hex.EncodeToString(sum[:])
}
