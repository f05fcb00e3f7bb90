// Package grants signs playback grants. A grant carries the same scope as a
// stored playback token in a self-contained form suitable for embed URLs. Its
// jti is the digest of the backing token so a verifier can confirm the token
// was not revoked.
package grants

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vidfriends/accessgate/internal/playback"
	"github.com/vidfriends/accessgate/internal/secretbox"
	"github.com/vidfriends/accessgate/internal/tokens"
)

const (
	keyPurpose = "accessgate grants v1"
	issuer     = "accessgate"
)

var (
	ErrInvalid          = errors.New("invalid grant")
	ErrExpired          = errors.New("grant expired")
	ErrIPMismatch       = errors.New("grant bound to a different address")
	ErrResourceMismatch = errors.New("grant issued for a different resource")
)

// Claims is the signed grant payload.
type Claims struct {
	ResourceID string `json:"rid,omitempty"`
	BoundIP    string `json:"ip,omitempty"`
	jwt.RegisteredClaims
}

// Grant describes what a signed grant authorizes.
type Grant struct {
	ResourceID string
	Subject    string
	BoundIP    string
	// Digest ties the grant to the stored playback token it was derived from.
	Digest    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Signer signs and verifies grants with an HMAC key derived from the secret box.
type Signer struct {
	key []byte
	now func() time.Time
}

// NewSigner derives the signing key from box.
func NewSigner(box *secretbox.Box) (*Signer, error) {
	if box == nil {
		return nil, errors.New("grants: secret box must not be nil")
	}
	key, err := box.Subkey(keyPurpose)
	if err != nil {
		return nil, fmt.Errorf("derive grant key: %w", err)
	}
	return &Signer{key: key, now: time.Now}, nil
}

// WithNowFunc allows tests to override the time source.
func (s *Signer) WithNowFunc(now func() time.Time) {
	s.now = now
}

// FromIssued builds a Grant for a freshly issued playback token.
func FromIssued(issued playback.Issued) Grant {
	return Grant{
		ResourceID: issued.ResourceID,
		Subject:    issued.Subject,
		BoundIP:    issued.BoundIP,
		Digest:     issued.Digest,
		IssuedAt:   issued.IssuedAt,
		ExpiresAt:  issued.ExpiresAt,
	}
}

// Sign returns the compact signed form of g.
func (s *Signer) Sign(g Grant) (string, error) {
	if g.ExpiresAt.IsZero() {
		return "", fmt.Errorf("%w: expiry is required", ErrInvalid)
	}
	issuedAt := g.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = s.now()
	}

	jti := g.Digest
	if jti == "" {
		random, err := tokens.Generate(tokens.MinBytes)
		if err != nil {
			return "", err
		}
		jti = random
	}

	claims := Claims{
		ResourceID: g.ResourceID,
		BoundIP:    g.BoundIP,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   g.Subject,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(g.ExpiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign grant: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry, then the resource and address scope. An
// empty resourceID skips the resource check; grants without a resource match
// any resource.
func (s *Signer) Verify(token, requesterIP, resourceID string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpired
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if resourceID != "" && claims.ResourceID != "" && !tokens.Equal(claims.ResourceID, resourceID) {
		return Claims{}, ErrResourceMismatch
	}

	if claims.BoundIP != "" {
		presented, err := playback.NormalizeIP(requesterIP)
		if err != nil || !tokens.Equal(claims.BoundIP, presented) {
			return Claims{}, ErrIPMismatch
		}
	}

	return claims, nil
}
