// Package giftcodes is the authoritative state machine for redeemable gift codes.
//
// Validate is advisory and never mutates state. Redeem is the only consistency
// boundary: it increments uses_count through a single conditional update, so a
// code with MaxUses=1 can be redeemed exactly once no matter how many callers race.
package giftcodes

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Status is the lifecycle state of a gift code.
type Status string

const (
	StatusActive    Status = "active"
	StatusDisabled  Status = "disabled"
	StatusExhausted Status = "exhausted"
	StatusExpired   Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusDisabled, StatusExhausted, StatusExpired:
		return true
	}
	return false
}

// Reason classifies why a code cannot be used.
type Reason string

const (
	ReasonNotFound  Reason = "not_found"
	ReasonExpired   Reason = "expired"
	ReasonExhausted Reason = "exhausted"
	ReasonDisabled  Reason = "disabled"
	// ReasonIPRestricted means the caller's address is outside the code's allowlist.
	ReasonIPRestricted Reason = "ip_restricted"
)

var (
	ErrNotFound  = errors.New("gift code not found")
	ErrExpired   = errors.New("gift code expired")
	ErrExhausted = errors.New("gift code exhausted")
	ErrDisabled  = errors.New("gift code disabled")
	// ErrIPRestricted indicates the caller's address is not on the code's allowlist.
	ErrIPRestricted = errors.New("gift code not allowed from this address")
	// ErrConflict indicates an atomic redemption lost: the code became exhausted,
	// expired or disabled between validation and redemption. Treat it as ErrExhausted.
	ErrConflict = errors.New("gift code redemption conflict")
	// ErrDuplicate indicates a code with the same value already exists.
	ErrDuplicate = errors.New("gift code already exists")
	// ErrInvalid indicates create parameters were rejected.
	ErrInvalid = errors.New("invalid gift code")
)

// Err maps a reason onto its sentinel error.
func (r Reason) Err() error {
	switch r {
	case ReasonNotFound:
		return ErrNotFound
	case ReasonExpired:
		return ErrExpired
	case ReasonExhausted:
		return ErrExhausted
	case ReasonDisabled:
		return ErrDisabled
	case ReasonIPRestricted:
		return ErrIPRestricted
	}
	return nil
}

// MetadataVersion is the current Metadata schema version.
const MetadataVersion = 1

// Metadata is the typed, versioned payload stored alongside a code.
type Metadata struct {
	Version         int    `json:"version"`
	Description     string `json:"description,omitempty"`
	DurationDisplay string `json:"durationDisplay,omitempty"`
}

// Code is a gift code record.
type Code struct {
	ID              string
	Code            string
	DurationMinutes int
	// MaxUses of zero means unlimited.
	MaxUses   int
	UsesCount int
	ExpiresAt *time.Time
	// AllowedIPs restricts use to callers inside one of the prefixes. Empty admits everyone.
	AllowedIPs []netip.Prefix
	Status     Status
	Metadata   Metadata
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Bounded reports whether the code has a finite number of uses.
func (c Code) Bounded() bool {
	return c.MaxUses > 0
}

// ExpiredAt reports whether now is past the code's expiry.
func (c Code) ExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// Redeemable reports whether a redemption at now would be accepted, ignoring the allowlist.
func (c Code) Redeemable(now time.Time) bool {
	if c.Status != StatusActive || c.ExpiredAt(now) {
		return false
	}
	return !c.Bounded() || c.UsesCount < c.MaxUses
}

// AllowsIP reports whether addr may use the code. An invalid addr only passes
// an empty allowlist.
func (c Code) AllowsIP(addr netip.Addr) bool {
	if len(c.AllowedIPs) == 0 {
		return true
	}
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap().WithZone("")
	for _, p := range c.AllowedIPs {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ParseClientIP parses a caller address. It returns the zero Addr when ip is
// not a valid address.
func ParseClientIP(ip string) netip.Addr {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap().WithZone("")
}

// ParseAllowlist parses CIDR prefixes and bare addresses into masked prefixes.
// A bare address becomes a single-host prefix.
func ParseAllowlist(entries []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("%w: allowlist entry %q", ErrInvalid, entry)
			}
			if p.Addr().Is4In6() && p.Bits() >= 96 {
				p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: allowlist entry %q", ErrInvalid, entry)
		}
		addr = addr.Unmap().WithZone("")
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// AllowlistStrings renders prefixes in their canonical text form.
func AllowlistStrings(prefixes []netip.Prefix) []string {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, p.String())
	}
	return out
}

// Store persists gift codes. IncrementUses must be a single atomic conditional
// update: it succeeds only when the row is active, unexpired at now, below its
// bound and admits clientIP, and it flips status to exhausted in the same step
// when the bound is reached.
type Store interface {
	Insert(ctx context.Context, code Code) error
	FindByCode(ctx context.Context, code string) (Code, error)
	FindByID(ctx context.Context, id string) (Code, error)
	IncrementUses(ctx context.Context, id string, clientIP netip.Addr, now time.Time) (Code, error)
	SetStatus(ctx context.Context, id string, status Status, now time.Time) error
	List(ctx context.Context, filter ListFilter) ([]Code, error)
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
}

// ListFilter narrows List results.
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}
