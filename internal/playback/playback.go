// Package playback issues and checks short-lived tokens that authorize access to a
// single resource. Tokens are stored by SHA-256 digest; the raw value only
// exists in the Issue response.
package playback

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/vidfriends/accessgate/internal/logging"
	"github.com/vidfriends/accessgate/internal/secretbox"
	"github.com/vidfriends/accessgate/internal/tokens"
)

// DefaultMinTTL is the shortest lifetime a token may be issued with.
const DefaultMinTTL = 60 * time.Second

// Reason classifies a failed validation.
type Reason string

const (
	ReasonNotFound   Reason = "not_found"
	ReasonExpired    Reason = "expired"
	ReasonIPMismatch Reason = "ip_mismatch"
)

var (
	ErrNotFound   = errors.New("playback token not found")
	ErrExpired    = errors.New("playback token expired")
	ErrIPMismatch = errors.New("playback token bound to a different address")
	// ErrInvalidIP indicates a bind address could not be parsed.
	ErrInvalidIP = errors.New("invalid ip address")
	// ErrNoClaims indicates the token carries no sealed claims.
	ErrNoClaims = errors.New("playback token has no claims")
)

// ReasonOf maps a validation error onto its reason. Unknown errors map to "".
func ReasonOf(err error) Reason {
	switch {
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrExpired):
		return ReasonExpired
	case errors.Is(err, ErrIPMismatch):
		return ReasonIPMismatch
	}
	return ""
}

// ClaimsVersion is the current Claims schema version.
const ClaimsVersion = 1

// Claims is the typed payload sealed into a token row.
type Claims struct {
	Version         int    `json:"version"`
	GiftCodeID      string `json:"giftCodeId,omitempty"`
	DurationMinutes int    `json:"durationMinutes,omitempty"`
}

// Token is a stored playback token row.
type Token struct {
	Digest     string
	Subject    string
	ResourceID string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	BoundIP    string
	// Sealed holds the SecretBox-encrypted Claims, empty when none were attached.
	Sealed string
}

// Repository persists token rows keyed by digest.
type Repository interface {
	Insert(ctx context.Context, token Token) error
	FindByDigest(ctx context.Context, digest string) (Token, error)
	Delete(ctx context.Context, digest string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// IssueParams describes a token request. An empty ResourceID means any resource.
type IssueParams struct {
	ResourceID string
	TTL        time.Duration
	Subject    string
	BindIP     string
	Claims     *Claims
}

// Issued is returned to the caller exactly once.
type Issued struct {
	Token      string
	Digest     string
	ResourceID string
	Subject    string
	BoundIP    string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Grant is the result of a successful validation.
type Grant struct {
	ResourceID string
	Subject    string
	BoundIP    string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	sealed     string
}

// Config tunes a Store.
type Config struct {
	MinTTL     time.Duration
	TokenBytes int
}

// Store issues and validates playback tokens.
type Store struct {
	repo Repository
	box  *secretbox.Box
	cfg  Config
	now  func() time.Time
}

// NewStore constructs a Store. box may be nil when no claims are sealed.
func NewStore(repo Repository, box *secretbox.Box, cfg Config) *Store {
	if repo == nil {
		panic("playback: repository must not be nil")
	}
	if cfg.MinTTL <= 0 {
		cfg.MinTTL = DefaultMinTTL
	}
	if cfg.TokenBytes < tokens.MinBytes {
		cfg.TokenBytes = 32
	}
	return &Store{repo: repo, box: box, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// WithNowFunc allows tests to override the time source.
func (s *Store) WithNowFunc(now func() time.Time) {
	s.now = now
}

// Issue mints a token for p.ResourceID. TTLs below the configured minimum are raised to it.
func (s *Store) Issue(ctx context.Context, p IssueParams) (Issued, error) {
	ttl := p.TTL
	if ttl < s.cfg.MinTTL {
		ttl = s.cfg.MinTTL
	}

	boundIP := ""
	if strings.TrimSpace(p.BindIP) != "" {
		ip, err := NormalizeIP(p.BindIP)
		if err != nil {
			return Issued{}, err
		}
		boundIP = ip
	}

	value, err := tokens.Generate(s.cfg.TokenBytes)
	if err != nil {
		return Issued{}, fmt.Errorf("generate playback token: %w", err)
	}

	now := s.now()
	row := Token{
		Digest:     tokens.Digest(value),
		Subject:    strings.TrimSpace(p.Subject),
		ResourceID: strings.TrimSpace(p.ResourceID),
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
		BoundIP:    boundIP,
	}

	if p.Claims != nil {
		if s.box == nil {
			return Issued{}, errors.New("playback: claims require a secret box")
		}
		claims := *p.Claims
		claims.Version = ClaimsVersion
		sealed, err := s.box.EncryptJSON(claims)
		if err != nil {
			return Issued{}, fmt.Errorf("seal playback claims: %w", err)
		}
		row.Sealed = sealed
	}

	if err := s.repo.Insert(ctx, row); err != nil {
		return Issued{}, fmt.Errorf("insert playback token: %w", err)
	}

	logging.FromContext(ctx).Info("playback token issued",
		"resourceId", row.ResourceID,
		"ipBound", boundIP != "",
		"expiresAt", row.ExpiresAt,
	)

	return Issued{
		Token:      value,
		Digest:     row.Digest,
		ResourceID: row.ResourceID,
		Subject:    row.Subject,
		BoundIP:    row.BoundIP,
		IssuedAt:   row.IssuedAt,
		ExpiresAt:  row.ExpiresAt,
	}, nil
}

// Validate checks token presented from requesterIP. Failures are ErrNotFound,
// ErrExpired or ErrIPMismatch; anything else is a storage error. Expired rows
// that have not been swept yet are rejected just like missing ones.
func (s *Store) Validate(ctx context.Context, token, requesterIP string) (Grant, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Grant{}, ErrNotFound
	}

	digest := tokens.Digest(token)
	row, err := s.repo.FindByDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Grant{}, ErrNotFound
		}
		return Grant{}, fmt.Errorf("find playback token: %w", err)
	}
	if !tokens.Equal(row.Digest, digest) {
		return Grant{}, ErrNotFound
	}

	if !s.now().Before(row.ExpiresAt) {
		return Grant{}, ErrExpired
	}

	if row.BoundIP != "" {
		presented, err := NormalizeIP(requesterIP)
		if err != nil || !tokens.Equal(row.BoundIP, presented) {
			logging.FromContext(ctx).Warn("playback token ip mismatch", "resourceId", row.ResourceID)
			return Grant{}, ErrIPMismatch
		}
	}

	return Grant{
		ResourceID: row.ResourceID,
		Subject:    row.Subject,
		BoundIP:    row.BoundIP,
		IssuedAt:   row.IssuedAt,
		ExpiresAt:  row.ExpiresAt,
		sealed:     row.Sealed,
	}, nil
}

// Claims opens the sealed payload of a validated grant. Decryption failures are
// reported as secretbox.ErrDecryption, never as empty claims.
func (s *Store) Claims(g Grant) (Claims, error) {
	if g.sealed == "" {
		return Claims{}, ErrNoClaims
	}
	if s.box == nil {
		return Claims{}, fmt.Errorf("%w: no key configured", secretbox.ErrDecryption)
	}
	var c Claims
	if err := s.box.DecryptJSON(g.sealed, &c); err != nil {
		return Claims{}, err
	}
	return c, nil
}

// Active reports whether the token stored under digest is still live. It
// returns ErrNotFound once the token is revoked or swept and ErrExpired once it
// has lapsed.
func (s *Store) Active(ctx context.Context, digest string) error {
	if digest == "" {
		return ErrNotFound
	}
	row, err := s.repo.FindByDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("find playback token: %w", err)
	}
	if !tokens.Equal(row.Digest, digest) {
		return ErrNotFound
	}
	if !s.now().Before(row.ExpiresAt) {
		return ErrExpired
	}
	return nil
}

// Revoke invalidates token before its natural expiry. Revoking an unknown token is a no-op.
func (s *Store) Revoke(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	if err := s.repo.Delete(ctx, tokens.Digest(token)); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("revoke playback token: %w", err)
	}
	return nil
}

// Sweep hard-deletes expired tokens. It is safe to call repeatedly.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("sweep playback tokens: %w", err)
	}
	return n, nil
}

// NormalizeIP parses ip and returns its canonical text form with IPv4-mapped
// IPv6 addresses unmapped.
func NormalizeIP(ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	return addr.Unmap().WithZone("").String(), nil
}
