package giftcodes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vidfriends/accessgate/internal/logging"
	"github.com/vidfriends/accessgate/internal/tokens"
)

const generateAttempts = 5

// Validation is the advisory outcome of Ledger.Validate.
type Validation struct {
	Valid           bool
	CodeID          string
	DurationMinutes int
	Reason          Reason
}

// Err returns the sentinel matching an invalid outcome.
func (v Validation) Err() error {
	if v.Valid {
		return nil
	}
	return v.Reason.Err()
}

// LedgerConfig controls normalisation and generated codes.
type LedgerConfig struct {
	CaseSensitive bool
	CodeLength    int
	CodePrefix    string
	CodeSuffix    string
}

// Ledger validates, redeems and administers gift codes.
type Ledger struct {
	store Store
	cfg   LedgerConfig
	now   func() time.Time
}

// NewLedger constructs a Ledger over store.
func NewLedger(store Store, cfg LedgerConfig) *Ledger {
	if store == nil {
		panic("giftcodes: store must not be nil")
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 8
	}
	return &Ledger{store: store, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// WithNowFunc allows tests to override the time source.
func (l *Ledger) WithNowFunc(now func() time.Time) {
	l.now = now
}

// Normalize applies the configured case sensitivity to a presented code.
func (l *Ledger) Normalize(code string) string {
	code = strings.TrimSpace(code)
	if !l.cfg.CaseSensitive {
		code = strings.ToUpper(code)
	}
	return code
}

// Validate checks whether code could be redeemed right now by clientIP without
// consuming a use. Storage failures are returned as errors; every other outcome
// is a Validation.
func (l *Ledger) Validate(ctx context.Context, code, clientIP string) (Validation, error) {
	normalized := l.Normalize(code)
	if normalized == "" {
		return Validation{Reason: ReasonNotFound}, nil
	}

	c, err := l.store.FindByCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			logging.FromContext(ctx).Info("gift code validation failed", "code", Mask(normalized), "reason", ReasonNotFound)
			return Validation{Reason: ReasonNotFound}, nil
		}
		return Validation{}, fmt.Errorf("find gift code: %w", err)
	}

	if !c.AllowsIP(ParseClientIP(clientIP)) {
		logging.FromContext(ctx).Warn("gift code used outside allowlist", "code", Mask(normalized), "codeId", c.ID)
		return Validation{CodeID: c.ID, Reason: ReasonIPRestricted}, nil
	}

	v := Classify(c, l.now())
	if !v.Valid {
		logging.FromContext(ctx).Info("gift code validation failed", "code", Mask(normalized), "codeId", c.ID, "reason", v.Reason)
	}
	return v, nil
}

// Classify evaluates c at now. Expiry wins over every other state.
func Classify(c Code, now time.Time) Validation {
	v := Validation{CodeID: c.ID, DurationMinutes: c.DurationMinutes}
	switch {
	case c.Status == StatusExpired || c.ExpiredAt(now):
		v.Reason = ReasonExpired
	case c.Status == StatusDisabled:
		v.Reason = ReasonDisabled
	case c.Status == StatusExhausted || (c.Bounded() && c.UsesCount >= c.MaxUses):
		v.Reason = ReasonExhausted
	case c.Status != StatusActive:
		v.Reason = ReasonDisabled
	default:
		v.Valid = true
	}
	return v
}

// Redeem consumes one use of the code identified by codeID on behalf of
// clientIP. It returns ErrConflict when the atomic increment is refused, even if
// Validate succeeded moments earlier, and ErrNotFound when no such code exists.
func (l *Ledger) Redeem(ctx context.Context, codeID, clientIP string) error {
	c, err := l.store.IncrementUses(ctx, codeID, ParseClientIP(clientIP), l.now())
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			logging.FromContext(ctx).Info("gift code redemption refused", "codeId", codeID, "error", err)
			return err
		}
		return fmt.Errorf("redeem gift code: %w", err)
	}

	logging.FromContext(ctx).Info("gift code redeemed", "codeId", c.ID, "uses", c.UsesCount, "maxUses", c.MaxUses, "status", c.Status)
	return nil
}

// RedeemCode resolves code and redeems it for clientIP, returning the redeemed
// record. A caller outside the allowlist gets ErrIPRestricted.
func (l *Ledger) RedeemCode(ctx context.Context, code, clientIP string) (Code, error) {
	normalized := l.Normalize(code)
	if normalized == "" {
		return Code{}, ErrNotFound
	}

	c, err := l.store.FindByCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Code{}, ErrNotFound
		}
		return Code{}, fmt.Errorf("find gift code: %w", err)
	}

	if !c.AllowsIP(ParseClientIP(clientIP)) {
		logging.FromContext(ctx).Warn("gift code used outside allowlist", "code", Mask(normalized), "codeId", c.ID)
		return Code{}, ErrIPRestricted
	}

	if err := l.Redeem(ctx, c.ID, clientIP); err != nil {
		return Code{}, err
	}
	return c, nil
}

// CreateParams describes a new gift code. An empty Code is generated.
type CreateParams struct {
	Code            string
	DurationMinutes int
	MaxUses         int
	ExpiresAt       *time.Time
	Description     string
	DurationDisplay string
	// AllowedIPs lists CIDR prefixes or bare addresses allowed to use the code.
	AllowedIPs []string
}

// Create stores a new active gift code.
func (l *Ledger) Create(ctx context.Context, p CreateParams) (Code, error) {
	if p.DurationMinutes < 0 {
		return Code{}, fmt.Errorf("%w: duration must not be negative", ErrInvalid)
	}
	if p.MaxUses < 0 {
		return Code{}, fmt.Errorf("%w: max uses must not be negative", ErrInvalid)
	}
	allowed, err := ParseAllowlist(p.AllowedIPs)
	if err != nil {
		return Code{}, err
	}

	now := l.now()
	c := Code{
		DurationMinutes: p.DurationMinutes,
		MaxUses:         p.MaxUses,
		ExpiresAt:       p.ExpiresAt,
		AllowedIPs:      allowed,
		Status:          StatusActive,
		Metadata: Metadata{
			Version:         MetadataVersion,
			Description:     p.Description,
			DurationDisplay: p.DurationDisplay,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c.ExpiresAt != nil {
		utc := c.ExpiresAt.UTC()
		c.ExpiresAt = &utc
	}

	explicit := l.Normalize(p.Code)
	for attempt := 0; attempt < generateAttempts; attempt++ {
		c.ID = uuid.NewString()
		c.Code = explicit
		if c.Code == "" {
			generated, err := tokens.GenerateCode(l.cfg.CodeLength, l.cfg.CodePrefix, l.cfg.CodeSuffix)
			if err != nil {
				return Code{}, err
			}
			c.Code = l.Normalize(generated)
		}

		err := l.store.Insert(ctx, c)
		if err == nil {
			logging.FromContext(ctx).Info("gift code created", "codeId", c.ID, "code", Mask(c.Code), "maxUses", c.MaxUses)
			return c, nil
		}
		if !errors.Is(err, ErrDuplicate) {
			return Code{}, fmt.Errorf("insert gift code: %w", err)
		}
		if explicit != "" {
			return Code{}, ErrDuplicate
		}
	}
	return Code{}, fmt.Errorf("%w: could not generate a unique code", ErrDuplicate)
}

// Disable soft-disables a code. Codes are never deleted while tokens may reference them.
func (l *Ledger) Disable(ctx context.Context, id string) error {
	if err := l.store.SetStatus(ctx, id, StatusDisabled, l.now()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("disable gift code: %w", err)
	}
	logging.FromContext(ctx).Info("gift code disabled", "codeId", id)
	return nil
}

// Get returns the code with id.
func (l *Ledger) Get(ctx context.Context, id string) (Code, error) {
	return l.store.FindByID(ctx, id)
}

// List returns codes matching filter, newest first.
func (l *Ledger) List(ctx context.Context, filter ListFilter) ([]Code, error) {
	return l.store.List(ctx, filter)
}

// ExpireStale persists the expired status for active codes past their expiry.
func (l *Ledger) ExpireStale(ctx context.Context) (int64, error) {
	n, err := l.store.MarkExpired(ctx, l.now())
	if err != nil {
		return 0, fmt.Errorf("mark expired gift codes: %w", err)
	}
	return n, nil
}

// Mask hides all but the first few characters of a code for logs.
func Mask(code string) string {
	const visible = 3
	if len(code) <= visible {
		return strings.Repeat("*", len(code))
	}
	return code[:visible] + strings.Repeat("*", len(code)-visible)
}
