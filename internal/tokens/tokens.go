// Package tokens mints unguessable credentials and compares secrets in constant time.
// Every secret comparison in the module goes through Equal or EqualBytes.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// MinBytes is the smallest token entropy accepted by Generate.
const MinBytes = 16

// CodeAlphabet omits characters that are easy to confuse when read aloud (0, O, 1, I, L).
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// ErrTooShort indicates a requested token would carry too little entropy.
var ErrTooShort = errors.New("tokens: requested length too short")

// Reader is the randomness source. Tests may replace it; production code must not.
var Reader io.Reader = rand.Reader

// Generate returns byteLength random bytes from the OS CSPRNG, hex encoded.
func Generate(byteLength int) (string, error) {
	if byteLength < MinBytes {
		return "", fmt.Errorf("%w: %d < %d bytes", ErrTooShort, byteLength, MinBytes)
	}
	buf := make([]byte, byteLength)
	if _, err := io.ReadFull(Reader, buf); err != nil {
		return "", fmt.Errorf("tokens: read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GenerateCode returns a human-readable gift code of length characters drawn
// uniformly from CodeAlphabet, wrapped in the optional prefix and suffix.
func GenerateCode(length int, prefix, suffix string) (string, error) {
	if length < 4 {
		return "", fmt.Errorf("%w: code length %d", ErrTooShort, length)
	}

	max := big.NewInt(int64(len(CodeAlphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(Reader, max)
		if err != nil {
			return "", fmt.Errorf("tokens: read random: %w", err)
		}
		out[i] = CodeAlphabet[n.Int64()]
	}
	return prefix + string(out) + suffix, nil
}

// Digest returns the hex SHA-256 of token. Stores key rows by digest so a leaked
// table does not leak usable tokens.
func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Equal reports whether a and b are identical without leaking where they differ.
func Equal(a, b string) bool {
	return EqualBytes([]byte(a), []byte(b))
}

// EqualBytes compares fixed-size digests of a and b, so execution time does not
// depend on the position of the first difference nor on a length mismatch.
func EqualBytes(a, b []byte) bool {
	da := sha256.Sum256(a)
	db := sha256.Sum256(b)
	digestsMatch := subtle.ConstantTimeCompare(da[:], db[:])
	lengthsMatch := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	return digestsMatch&lengthsMatch == 1
}
