package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

func CopyBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// WipeBytes best-effort zeroes b in place.
func WipeBytes(b []byte) {
	clear(b)
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// Normalize applies NFKD so a passphrase typed on different keyboards
// derives the same key.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}
