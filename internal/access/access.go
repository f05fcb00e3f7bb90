// Package access is the narrow surface collaborators call into: gift code
// validation and redemption, playback tokens, rate limit checks and secret
// encryption. Every guarded path consults the rate limiter before touching
// storage.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vidfriends/accessgate/internal/giftcodes"
	"github.com/vidfriends/accessgate/internal/grants"
	"github.com/vidfriends/accessgate/internal/logging"
	"github.com/vidfriends/accessgate/internal/metrics"
	"github.com/vidfriends/accessgate/internal/playback"
	"github.com/vidfriends/accessgate/internal/ratelimit"
	"github.com/vidfriends/accessgate/internal/secretbox"
)

// Reason is the user-facing classification of a rejected request.
type Reason string

const (
	ReasonNotFound         Reason = "not_found"
	ReasonExpired          Reason = "expired"
	ReasonExhausted        Reason = "exhausted"
	ReasonDisabled         Reason = "disabled"
	ReasonConflict         Reason = "conflict"
	ReasonIPMismatch       Reason = "ip_mismatch"
	ReasonResourceMismatch Reason = "resource_mismatch"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonInvalid          Reason = "invalid"
	ReasonIPRestricted     Reason = "ip_restricted"
)

var (
	// ErrStorageUnavailable is the only failure collaborators should treat as hard.
	ErrStorageUnavailable = errors.New("access: storage unavailable")
	// ErrDecryption is returned when a stored secret cannot be opened.
	ErrDecryption = secretbox.ErrDecryption
	// ErrGrantsDisabled indicates no grant signer is configured.
	ErrGrantsDisabled = errors.New("access: signed grants are not configured")
)

// Config tunes the facade.
type Config struct {
	// DefaultTTL applies when an issue request carries no TTL.
	DefaultTTL time.Duration
	// BindIP binds tokens minted on redemption to the redeeming address.
	BindIP bool
	// GrantTTL caps the lifetime of signed grants; zero means the token expiry.
	GrantTTL time.Duration
}

// Service implements the collaborator operations.
type Service struct {
	ledger  *giftcodes.Ledger
	tokens  *playback.Store
	limiter *ratelimit.Limiter
	box     *secretbox.Box
	signer  *grants.Signer
	metrics *metrics.Metrics
	cfg     Config
}

// Option customises a Service.
type Option func(*Service)

// WithSigner enables signed grants.
func WithSigner(signer *grants.Signer) Option {
	return func(s *Service) { s.signer = signer }
}

// WithMetrics records outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService wires the facade. All components are required.
func NewService(cfg Config, ledger *giftcodes.Ledger, tokens *playback.Store, limiter *ratelimit.Limiter, box *secretbox.Box, opts ...Option) *Service {
	if ledger == nil || tokens == nil || limiter == nil || box == nil {
		panic("access: ledger, token store, limiter and secret box are required")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 15 * time.Minute
	}
	s := &Service{ledger: ledger, tokens: tokens, limiter: limiter, box: box, cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CodeValidation is the result of ValidateGiftCode.
type CodeValidation struct {
	Valid           bool   `json:"valid"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	CodeID          string `json:"code_id,omitempty"`
	Reason          Reason `json:"reason,omitempty"`
	RetryAfter      int    `json:"retry_after,omitempty"`
}

// ValidateGiftCode previews whether code could be redeemed. It never consumes a use.
func (s *Service) ValidateGiftCode(ctx context.Context, code, identity string) (result CodeValidation, err error) {
	ctx, span := logging.StartSpan(ctx, "access.validate_giftcode")
	defer func() { span.End(err) }()

	if retry, limited := s.limited(ctx, identity, ratelimit.ActionValidateCode); limited {
		s.metrics.CodeValidated(string(ReasonRateLimited))
		return CodeValidation{Reason: ReasonRateLimited, RetryAfter: retry}, nil
	}

	v, err := s.ledger.Validate(ctx, code, identity)
	if err != nil {
		return CodeValidation{}, storageError(err)
	}

	if v.Valid {
		s.metrics.CodeValidated("valid")
		return CodeValidation{Valid: true, DurationMinutes: v.DurationMinutes, CodeID: v.CodeID}, nil
	}
	result = CodeValidation{Reason: codeReason(v.Reason)}
	s.metrics.CodeValidated(string(result.Reason))
	return result, nil
}

// Redemption is the result of RedeemGiftCode.
type Redemption struct {
	OK              bool   `json:"ok"`
	Conflict        bool   `json:"conflict"`
	CodeID          string `json:"code_id,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	Reason          Reason `json:"reason,omitempty"`
	RetryAfter      int    `json:"retry_after,omitempty"`
}

// RedeemGiftCode consumes one use of code. A lost race reports Conflict and
// must be treated like an exhausted code.
func (s *Service) RedeemGiftCode(ctx context.Context, code, identity string) (result Redemption, err error) {
	ctx, span := logging.StartSpan(ctx, "access.redeem_giftcode")
	defer func() { span.End(err) }()

	if retry, limited := s.limited(ctx, identity, ratelimit.ActionRedeemCode); limited {
		s.metrics.CodeRedeemed(string(ReasonRateLimited))
		return Redemption{Reason: ReasonRateLimited, RetryAfter: retry}, nil
	}

	return s.redeem(ctx, code, identity)
}

func (s *Service) redeem(ctx context.Context, code, identity string) (Redemption, error) {
	redeemed, err := s.ledger.RedeemCode(ctx, code, identity)
	switch {
	case err == nil:
		s.metrics.CodeRedeemed("ok")
		return Redemption{OK: true, CodeID: redeemed.ID, DurationMinutes: redeemed.DurationMinutes}, nil
	case errors.Is(err, giftcodes.ErrNotFound):
		s.metrics.CodeRedeemed(string(ReasonNotFound))
		return Redemption{Reason: ReasonNotFound}, nil
	case errors.Is(err, giftcodes.ErrIPRestricted):
		s.metrics.CodeRedeemed(string(ReasonIPRestricted))
		return Redemption{Reason: ReasonIPRestricted}, nil
	case errors.Is(err, giftcodes.ErrConflict):
		s.metrics.CodeRedeemed(string(ReasonConflict))
		return Redemption{Conflict: true, Reason: ReasonConflict}, nil
	default:
		return Redemption{}, storageError(err)
	}
}

// PlaybackIssue is the result of IssuePlaybackToken. Token is only populated on success.
type PlaybackIssue struct {
	Token      string     `json:"token,omitempty"`
	Grant      string     `json:"grant,omitempty"`
	ResourceID string     `json:"resource_id,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Reason     Reason     `json:"reason,omitempty"`
	RetryAfter int        `json:"retry_after,omitempty"`
}

// IssueRequest describes a playback token request.
type IssueRequest struct {
	ResourceID string
	TTL        time.Duration
	Subject    string
	BindIP     string
	// Identity is the rate limit identity, normally the client address.
	Identity string
	claims   *playback.Claims
	// fromCode disables the DefaultTTL fallback; only the store's minimum applies.
	fromCode bool
}

// IssuePlaybackToken mints a token for req.ResourceID.
func (s *Service) IssuePlaybackToken(ctx context.Context, req IssueRequest) (result PlaybackIssue, err error) {
	ctx, span := logging.StartSpan(ctx, "access.issue_playback_token")
	defer func() { span.End(err) }()

	if retry, limited := s.limited(ctx, req.Identity, ratelimit.ActionRequestPlayback); limited {
		s.metrics.TokenIssued(string(ReasonRateLimited))
		return PlaybackIssue{Reason: ReasonRateLimited, RetryAfter: retry}, nil
	}

	return s.issue(ctx, req)
}

func (s *Service) issue(ctx context.Context, req IssueRequest) (PlaybackIssue, error) {
	ttl := req.TTL
	if ttl <= 0 && !req.fromCode {
		ttl = s.cfg.DefaultTTL
	}

	issued, err := s.tokens.Issue(ctx, playback.IssueParams{
		ResourceID: req.ResourceID,
		TTL:        ttl,
		Subject:    req.Subject,
		BindIP:     req.BindIP,
		Claims:     req.claims,
	})
	if err != nil {
		if errors.Is(err, playback.ErrInvalidIP) {
			s.metrics.TokenIssued(string(ReasonInvalid))
			return PlaybackIssue{Reason: ReasonInvalid}, nil
		}
		return PlaybackIssue{}, storageError(err)
	}

	expiresAt := issued.ExpiresAt
	result := PlaybackIssue{Token: issued.Token, ResourceID: issued.ResourceID, ExpiresAt: &expiresAt}
	if s.signer != nil {
		g := grants.FromIssued(issued)
		if s.cfg.GrantTTL > 0 && g.ExpiresAt.Sub(g.IssuedAt) > s.cfg.GrantTTL {
			g.ExpiresAt = g.IssuedAt.Add(s.cfg.GrantTTL)
		}
		signed, err := s.signer.Sign(g)
		if err != nil {
			return PlaybackIssue{}, fmt.Errorf("sign playback grant: %w", err)
		}
		result.Grant = signed
	}

	s.metrics.TokenIssued("ok")
	return result, nil
}

// RedeemForPlayback redeems code and, on success, mints a playback token whose
// lifetime is the code's duration. The token carries sealed claims naming the code.
func (s *Service) RedeemForPlayback(ctx context.Context, code, resourceID, identity string) (redemption Redemption, issue PlaybackIssue, err error) {
	ctx, span := logging.StartSpan(ctx, "access.redeem_for_playback")
	defer func() { span.End(err) }()

	if retry, limited := s.limited(ctx, identity, ratelimit.ActionRedeemCode); limited {
		s.metrics.CodeRedeemed(string(ReasonRateLimited))
		return Redemption{Reason: ReasonRateLimited, RetryAfter: retry}, PlaybackIssue{}, nil
	}

	redemption, err = s.redeem(ctx, code, identity)
	if err != nil || !redemption.OK {
		return redemption, PlaybackIssue{}, err
	}

	req := IssueRequest{
		ResourceID: resourceID,
		TTL:        time.Duration(redemption.DurationMinutes) * time.Minute,
		fromCode:   true,
		Identity:   identity,
		claims:     &playback.Claims{GiftCodeID: redemption.CodeID, DurationMinutes: redemption.DurationMinutes},
	}
	if s.cfg.BindIP {
		req.BindIP = identity
	}

	issue, err = s.issue(ctx, req)
	return redemption, issue, err
}

// PlaybackValidation is the result of ValidatePlaybackToken.
type PlaybackValidation struct {
	Valid      bool   `json:"valid"`
	ResourceID string `json:"resource_id,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Reason     Reason `json:"reason,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// ValidatePlaybackToken checks token presented from requesterIP.
func (s *Service) ValidatePlaybackToken(ctx context.Context, token, requesterIP string) (result PlaybackValidation, err error) {
	ctx, span := logging.StartSpan(ctx, "access.validate_playback_token")
	defer func() { span.End(err) }()

	if retry, limited := s.limited(ctx, requesterIP, ratelimit.ActionValidatePlayback); limited {
		s.metrics.TokenValidated(string(ReasonRateLimited))
		return PlaybackValidation{Reason: ReasonRateLimited, RetryAfter: retry}, nil
	}

	grant, err := s.tokens.Validate(ctx, token, requesterIP)
	if err != nil {
		reason := playback.ReasonOf(err)
		if reason == "" {
			return PlaybackValidation{}, storageError(err)
		}
		result = PlaybackValidation{Reason: tokenReason(reason)}
		s.metrics.TokenValidated(string(result.Reason))
		return result, nil
	}

	s.metrics.TokenValidated("valid")
	return PlaybackValidation{Valid: true, ResourceID: grant.ResourceID, Subject: grant.Subject}, nil
}

// VerifyGrant checks a signed grant, then confirms the playback token it was
// derived from has not been revoked.
func (s *Service) VerifyGrant(ctx context.Context, grant, requesterIP, resourceID string) (PlaybackValidation, error) {
	if s.signer == nil {
		return PlaybackValidation{}, ErrGrantsDisabled
	}

	if retry, limited := s.limited(ctx, requesterIP, ratelimit.ActionValidatePlayback); limited {
		s.metrics.TokenValidated(string(ReasonRateLimited))
		return PlaybackValidation{Reason: ReasonRateLimited, RetryAfter: retry}, nil
	}

	claims, err := s.signer.Verify(grant, requesterIP, resourceID)
	if err != nil {
		var reason Reason
		switch {
		case errors.Is(err, grants.ErrExpired):
			reason = ReasonExpired
		case errors.Is(err, grants.ErrIPMismatch):
			reason = ReasonIPMismatch
		case errors.Is(err, grants.ErrResourceMismatch):
			reason = ReasonResourceMismatch
		default:
			reason = ReasonInvalid
		}
		s.metrics.TokenValidated(string(reason))
		return PlaybackValidation{Reason: reason}, nil
	}

	if err := s.tokens.Active(ctx, claims.ID); err != nil {
		var reason Reason
		switch {
		case errors.Is(err, playback.ErrNotFound):
			reason = ReasonNotFound
		case errors.Is(err, playback.ErrExpired):
			reason = ReasonExpired
		default:
			return PlaybackValidation{}, storageError(err)
		}
		s.metrics.TokenValidated(string(reason))
		return PlaybackValidation{Reason: reason}, nil
	}

	s.metrics.TokenValidated("valid")
	return PlaybackValidation{Valid: true, ResourceID: claims.ResourceID, Subject: claims.Subject}, nil
}

// RevokePlaybackToken invalidates token. Unknown tokens are ignored.
func (s *Service) RevokePlaybackToken(ctx context.Context, token string) (err error) {
	ctx, span := logging.StartSpan(ctx, "access.revoke_playback_token")
	defer func() { span.End(err) }()

	if err := s.tokens.Revoke(ctx, token); err != nil {
		return storageError(err)
	}
	return nil
}

// RateLimitResult is the result of RateLimitCheck.
type RateLimitResult struct {
	Allowed    bool `json:"allowed"`
	RetryAfter int  `json:"retry_after,omitempty"`
}

// RateLimitCheck records an attempt for (identity, action) against an explicit limit.
func (s *Service) RateLimitCheck(ctx context.Context, identity, action string, limit, windowSeconds int) (RateLimitResult, error) {
	d, err := s.limiter.Check(ctx, identity, action, limit, time.Duration(windowSeconds)*time.Second)
	if err != nil {
		if errors.Is(err, ratelimit.ErrInvalidPolicy) {
			return RateLimitResult{}, err
		}
		return RateLimitResult{}, storageError(err)
	}
	s.metrics.ObserveRateLimit(action, d.Allowed)
	return RateLimitResult{Allowed: d.Allowed, RetryAfter: d.RetryAfterSeconds()}, nil
}

// EncryptSecret seals plaintext for storage.
func (s *Service) EncryptSecret(plaintext []byte) (string, error) {
	return s.box.Encrypt(plaintext)
}

// DecryptSecret opens blob. Blobs written by the previous CBC scheme are still
// readable. Failures always surface as ErrDecryption.
func (s *Service) DecryptSecret(blob string) ([]byte, error) {
	if secretbox.IsLegacy(blob) {
		return s.box.DecryptLegacyCBC(blob)
	}
	return s.box.Decrypt(blob)
}

// SweepReport counts records touched by Sweep.
type SweepReport struct {
	PlaybackTokens int64 `json:"playback_tokens"`
	RateWindows    int64 `json:"rate_windows"`
	ExpiredCodes   int64 `json:"expired_codes"`
}

// Sweep removes expired tokens and stale rate windows and persists the expired
// status of lapsed codes. It is idempotent.
func (s *Service) Sweep(ctx context.Context) (report SweepReport, err error) {
	ctx, span := logging.StartSpan(ctx, "access.sweep")
	defer func() { span.End(err) }()

	if report.PlaybackTokens, err = s.tokens.Sweep(ctx); err != nil {
		return report, storageError(err)
	}
	if report.RateWindows, err = s.limiter.Sweep(ctx); err != nil {
		return report, storageError(err)
	}
	if report.ExpiredCodes, err = s.ledger.ExpireStale(ctx); err != nil {
		return report, storageError(err)
	}

	s.metrics.AddSwept("playback_tokens", report.PlaybackTokens)
	s.metrics.AddSwept("rate_windows", report.RateWindows)
	s.metrics.AddSwept("gift_codes", report.ExpiredCodes)
	logging.FromContext(ctx).Info("sweep completed",
		"playbackTokens", report.PlaybackTokens,
		"rateWindows", report.RateWindows,
		"expiredCodes", report.ExpiredCodes,
	)
	return report, nil
}

// limited consults the policy for action. A limiter storage failure is logged
// and the attempt is let through.
func (s *Service) limited(ctx context.Context, identity, action string) (int, bool) {
	d, err := s.limiter.Allow(ctx, identity, action)
	if err != nil {
		logging.FromContext(ctx).Warn("rate limiter unavailable", "action", action, "error", err)
		return 0, false
	}
	s.metrics.ObserveRateLimit(action, d.Allowed)
	if d.Allowed {
		return 0, false
	}
	logging.FromContext(ctx).Info("request rate limited", "action", action, "count", d.Count, "limit", d.Limit)
	return d.RetryAfterSeconds(), true
}

func storageError(err error) error {
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

func codeReason(r giftcodes.Reason) Reason {
	switch r {
	case giftcodes.ReasonExpired:
		return ReasonExpired
	case giftcodes.ReasonExhausted:
		return ReasonExhausted
	case giftcodes.ReasonDisabled:
		return ReasonDisabled
	case giftcodes.ReasonIPRestricted:
		return ReasonIPRestricted
	default:
		return ReasonNotFound
	}
}

func tokenReason(r playback.Reason) Reason {
	switch r {
	case playback.ReasonExpired:
		return ReasonExpired
	case playback.ReasonIPMismatch:
		return ReasonIPMismatch
	default:
		return ReasonNotFound
	}
}
