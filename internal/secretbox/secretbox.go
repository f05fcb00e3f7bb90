// Package secretbox encrypts small secrets (API keys, session payloads) so stored
// rows never hold plaintext. Blobs are AES-256-GCM sealed and carry their own nonce.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

const (
	blobPrefix       = "v1:"
	minPassphraseLen = 16
	hkdfInfo         = "accessgate secretbox v1"
)

var (
	// ErrDecryption indicates a blob is malformed or failed authentication.
	ErrDecryption = errors.New("secretbox: decryption failed")
	// ErrInvalidKey indicates the configured key cannot be used.
	ErrInvalidKey = errors.New("secretbox: invalid key")
)

// Box seals and opens secrets with a process-wide key.
type Box struct {
	aead cipher.AEAD
	key  []byte
	rand io.Reader
}

// New constructs a Box from a 32 byte key.
func New(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes", ErrInvalidKey, KeySize)
	}

	owned := make([]byte, KeySize)
	copy(owned, key)

	block, err := aes.NewCipher(owned)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return &Box{aead: aead, key: owned, rand: rand.Reader}, nil
}

// KeyFromString turns configuration into key material. Base64 or hex encodings of
// exactly 32 bytes are used as-is; anything else is treated as a passphrase and
// expanded with HKDF-SHA256.
func KeyFromString(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err := enc.DecodeString(s); err == nil && len(raw) == KeySize {
			return raw, nil
		}
	}
	if raw, err := hex.DecodeString(s); err == nil && len(raw) == KeySize {
		return raw, nil
	}

	if len(s) < minPassphraseLen {
		return nil, fmt.Errorf("%w: passphrase shorter than %d characters", ErrInvalidKey, minPassphraseLen)
	}
	return DeriveKey([]byte(s), hkdfInfo)
}

// DeriveKey expands secret into a 32 byte key bound to the provided purpose.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(purpose)), out); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return out, nil
}

// Subkey derives an independent key for another purpose (for example grant signing)
// so the encryption key is never reused directly.
func (b *Box) Subkey(purpose string) ([]byte, error) {
	return DeriveKey(b.key, purpose)
}

// Encrypt seals plaintext under a fresh random nonce and returns a printable blob.
func (b *Box) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(b.rand, nonce); err != nil {
		return "", fmt.Errorf("secretbox: read nonce: %w", err)
	}

	sealed := b.aead.Seal(nonce, nonce, plaintext, nil)
	return blobPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Any structural or authentication
// failure yields ErrDecryption and no plaintext.
func (b *Box) Decrypt(blob string) ([]byte, error) {
	if !strings.HasPrefix(blob, blobPrefix) {
		return nil, fmt.Errorf("%w: unknown format", ErrDecryption)
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(blob, blobPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed encoding", ErrDecryption)
	}

	nonceSize := b.aead.NonceSize()
	if len(raw) < nonceSize+b.aead.Overhead() {
		return nil, fmt.Errorf("%w: blob too short", ErrDecryption)
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// IsLegacy reports whether blob predates the current format.
func IsLegacy(blob string) bool {
	return !strings.HasPrefix(blob, blobPrefix)
}

// EncryptJSON marshals v and seals the result.
func (b *Box) EncryptJSON(v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("secretbox: marshal payload: %w", err)
	}
	return b.Encrypt(payload)
}

// DecryptJSON opens blob and unmarshals it into v.
func (b *Box) DecryptJSON(blob string, v any) error {
	payload, err := b.Decrypt(blob)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: payload is not valid json", ErrDecryption)
	}
	return nil
}

// DecryptLegacyCBC opens secrets written by the previous AES-256-CBC scheme:
// base64(iv || base64(ciphertext)) with PKCS#7 padding. New secrets are never
// written in this format.
func (b *Box) DecryptLegacyCBC(blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed encoding", ErrDecryption)
	}
	if len(raw) <= aes.BlockSize {
		return nil, fmt.Errorf("%w: blob too short", ErrDecryption)
	}

	iv, inner := raw[:aes.BlockSize], raw[aes.BlockSize:]
	ciphertext, err := base64.StdEncoding.DecodeString(string(inner))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrDecryption)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not block aligned", ErrDecryption)
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	n, ok := unpadPKCS7(plaintext)
	if !ok {
		return nil, fmt.Errorf("%w: invalid padding", ErrDecryption)
	}
	return plaintext[:n], nil
}

// unpadPKCS7 validates padding without branching on the padding bytes.
func unpadPKCS7(buf []byte) (int, bool) {
	padLen := int(buf[len(buf)-1])
	good := subtle.ConstantTimeLessOrEq(1, padLen) & subtle.ConstantTimeLessOrEq(padLen, aes.BlockSize)

	for i := 1; i <= aes.BlockSize; i++ {
		inPad := subtle.ConstantTimeLessOrEq(i, padLen)
		match := subtle.ConstantTimeByteEq(buf[len(buf)-i], byte(padLen))
		// bytes inside the pad region must equal padLen
		good &= match | (inPad ^ 1)
	}

	if good != 1 {
		return 0, false
	}
	return len(buf) - padLen, true
}
