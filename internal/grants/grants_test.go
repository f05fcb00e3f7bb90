package grants

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vidfriends/accessgate/internal/secretbox"
)

var baseTime = time.Date(2025, 10, 5, 12, 0, 0, 0, time.UTC)

func newTestSigner(t *testing.T, fill byte) *Signer {
	t.Helper()
	box, err := secretbox.New(bytes.Repeat([]byte{fill}, secretbox.KeySize))
	if err != nil {
		t.Fatalf("secret box: %v", err)
	}
	s, err := NewSigner(box)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	s.WithNowFunc(func() time.Time { return baseTime })
	return s
}

func TestSignAndVerify(t *testing.T) {
	s := newTestSigner(t, 0x01)

	token, err := s.Sign(Grant{
		ResourceID: "video-42",
		Subject:    "user-1",
		Digest:     strings.Repeat("ab", 32),
		ExpiresAt:  baseTime.Add(15 * time.Minute),
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := s.Verify(token, "", "video-42")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.ResourceID != "video-42" || claims.Subject != "user-1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.ID != strings.Repeat("ab", 32) {
		t.Fatalf("expected digest as jti got %q", claims.ID)
	}
	if !claims.IssuedAt.Time.Equal(baseTime) {
		t.Fatalf("unexpected issued at %v", claims.IssuedAt)
	}
}

func TestVerifyFailures(t *testing.T) {
	s := newTestSigner(t, 0x01)
	bound, err := s.Sign(Grant{ResourceID: "video-7", BoundIP: "1.2.3.4", ExpiresAt: baseTime.Add(time.Hour)})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := s.Verify(bound, "5.6.7.8", "video-7"); !errors.Is(err, ErrIPMismatch) {
		t.Fatalf("expected ErrIPMismatch got %v", err)
	}
	if _, err := s.Verify(bound, "1.2.3.4", "video-8"); !errors.Is(err, ErrResourceMismatch) {
		t.Fatalf("expected ErrResourceMismatch got %v", err)
	}
	if _, err := s.Verify(bound, "1.2.3.4", ""); err != nil {
		t.Fatalf("expected empty resource to skip the check: %v", err)
	}

	other := newTestSigner(t, 0x02)
	if _, err := other.Verify(bound, "1.2.3.4", "video-7"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for foreign key got %v", err)
	}

	if _, err := s.Verify(bound[:len(bound)-2]+"xx", "1.2.3.4", ""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for tampered signature got %v", err)
	}

	s.WithNowFunc(func() time.Time { return baseTime.Add(2 * time.Hour) })
	if _, err := s.Verify(bound, "1.2.3.4", "video-7"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired got %v", err)
	}
}

func TestVerifyRejectsOtherAlgorithms(t *testing.T) {
	s := newTestSigner(t, 0x01)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(baseTime.Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := s.Verify(unsigned, "", ""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for alg none got %v", err)
	}
}

func TestSignRequiresExpiry(t *testing.T) {
	s := newTestSigner(t, 0x01)
	if _, err := s.Sign(Grant{ResourceID: "x"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid got %v", err)
	}
}
