package giftcodes

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var baseTime = time.Date(2025, 10, 5, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, cfg LedgerConfig) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	ledger := NewLedger(store, cfg)
	ledger.WithNowFunc(func() time.Time { return baseTime })
	return ledger, store
}

func mustCreate(t *testing.T, ledger *Ledger, p CreateParams) Code {
	t.Helper()
	c, err := ledger.Create(context.Background(), p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c
}

func TestLedgerValidateActiveCode(t *testing.T) {
	ledger, _ := newTestLedger(t, LedgerConfig{})
	created := mustCreate(t, ledger, CreateParams{Code: "vip-100", DurationMinutes: 60, MaxUses: 1})

	if created.Code != "VIP-100" {
		t.Fatalf("expected upper-cased code got %q", created.Code)
	}

	v, err := ledger.Validate(context.Background(), "  Vip-100 ", "")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !v.Valid || v.DurationMinutes != 60 || v.CodeID != created.ID {
		t.Fatalf("unexpected validation %+v", v)
	}

	again, _ := ledger.Validate(context.Background(), "VIP-100", "")
	if !again.Valid {
		t.Fatal("validate must not consume uses")
	}
}

func TestLedgerValidateCaseSensitive(t *testing.T) {
	ledger, _ := newTestLedger(t, LedgerConfig{CaseSensitive: true})
	mustCreate(t, ledger, CreateParams{Code: "MixedCase", DurationMinutes: 5})

	if v, _ := ledger.Validate(context.Background(), "mixedcase", ""); v.Valid || v.Reason != ReasonNotFound {
		t.Fatalf("expected not found for different case got %+v", v)
	}
	if v, _ := ledger.Validate(context.Background(), "MixedCase", ""); !v.Valid {
		t.Fatalf("expected exact match to validate got %+v", v)
	}
}

func TestLedgerValidateReasons(t *testing.T) {
	ctx := context.Background()
	ledger, store := newTestLedger(t, LedgerConfig{})
	past := baseTime.Add(-time.Minute)
	future := baseTime.Add(time.Hour)

	expired := mustCreate(t, ledger, CreateParams{Code: "EXPIRED", DurationMinutes: 10, MaxUses: 5, ExpiresAt: &past})
	disabled := mustCreate(t, ledger, CreateParams{Code: "DISABLED", DurationMinutes: 10})
	exhausted := mustCreate(t, ledger, CreateParams{Code: "EXHAUSTED", DurationMinutes: 10, MaxUses: 1, ExpiresAt: &future})
	expiredAndDisabled := mustCreate(t, ledger, CreateParams{Code: "BOTH", MaxUses: 1, ExpiresAt: &past})

	if err := ledger.Disable(ctx, disabled.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := ledger.Disable(ctx, expiredAndDisabled.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := ledger.Redeem(ctx, exhausted.ID, ""); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if c, _ := store.FindByID(ctx, exhausted.ID); c.Status != StatusExhausted {
		t.Fatalf("expected exhausted status after reaching bound got %s", c.Status)
	}

	tests := []struct {
		code string
		want Reason
		err  error
	}{
		{"missing", ReasonNotFound, ErrNotFound},
		{"", ReasonNotFound, ErrNotFound},
		{expired.Code, ReasonExpired, ErrExpired},
		{disabled.Code, ReasonDisabled, ErrDisabled},
		{exhausted.Code, ReasonExhausted, ErrExhausted},
		{expiredAndDisabled.Code, ReasonExpired, ErrExpired},
	}

	for _, tc := range tests {
		v, err := ledger.Validate(ctx, tc.code, "")
		if err != nil {
			t.Fatalf("validate %q: %v", tc.code, err)
		}
		if v.Valid || v.Reason != tc.want {
			t.Fatalf("validate %q: expected %s got %+v", tc.code, tc.want, v)
		}
		if !errors.Is(v.Err(), tc.err) {
			t.Fatalf("validate %q: expected %v got %v", tc.code, tc.err, v.Err())
		}
	}
}

func TestLedgerRedeemUnlimited(t *testing.T) {
	ctx := context.Background()
	ledger, store := newTestLedger(t, LedgerConfig{})
	c := mustCreate(t, ledger, CreateParams{Code: "OPEN", DurationMinutes: 30})

	for i := 0; i < 25; i++ {
		if err := ledger.Redeem(ctx, c.ID, ""); err != nil {
			t.Fatalf("redeem %d: %v", i, err)
		}
	}
	stored, _ := store.FindByID(ctx, c.ID)
	if stored.UsesCount != 25 || stored.Status != StatusActive {
		t.Fatalf("unexpected stored code %+v", stored)
	}
}

func TestLedgerRedeemConflicts(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t, LedgerConfig{})
	past := baseTime.Add(-time.Second)

	single := mustCreate(t, ledger, CreateParams{Code: "ONCE", MaxUses: 1})
	expired := mustCreate(t, ledger, CreateParams{Code: "OLD", ExpiresAt: &past})
	disabled := mustCreate(t, ledger, CreateParams{Code: "OFF"})
	_ = ledger.Disable(ctx, disabled.ID)

	if err := ledger.Redeem(ctx, single.ID, ""); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if err := ledger.Redeem(ctx, single.ID, ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on second redeem got %v", err)
	}
	if err := ledger.Redeem(ctx, expired.ID, ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for expired code got %v", err)
	}
	if err := ledger.Redeem(ctx, disabled.ID, ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for disabled code got %v", err)
	}
	if err := ledger.Redeem(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestLedgerConcurrentRedeemSingleUse(t *testing.T) {
	ctx := context.Background()
	ledger, store := newTestLedger(t, LedgerConfig{})
	c := mustCreate(t, ledger, CreateParams{Code: "RACE", DurationMinutes: 60, MaxUses: 1})

	const callers = 50
	var ok, conflicts atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			<-start
			err := ledger.Redeem(ctx, c.ID, "")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if ok.Load() != 1 || conflicts.Load() != callers-1 {
		t.Fatalf("expected exactly one success, got ok=%d conflicts=%d", ok.Load(), conflicts.Load())
	}
	stored, _ := store.FindByID(ctx, c.ID)
	if stored.UsesCount != 1 {
		t.Fatalf("expected uses_count 1 got %d", stored.UsesCount)
	}
}

func TestLedgerRedeemCode(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t, LedgerConfig{})
	mustCreate(t, ledger, CreateParams{Code: "VIP-100", DurationMinutes: 60, MaxUses: 1})

	c, err := ledger.RedeemCode(ctx, "vip-100", "")
	if err != nil {
		t.Fatalf("redeem code: %v", err)
	}
	if c.DurationMinutes != 60 {
		t.Fatalf("unexpected code %+v", c)
	}
	if _, err := ledger.RedeemCode(ctx, "vip-100", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict got %v", err)
	}
	if _, err := ledger.RedeemCode(ctx, "nope", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
}

func TestLedgerAllowlist(t *testing.T) {
	ctx := context.Background()
	ledger, store := newTestLedger(t, LedgerConfig{})
	c := mustCreate(t, ledger, CreateParams{Code: "OFFICE", DurationMinutes: 30, AllowedIPs: []string{"10.0.0.0/8", "2001:db8::1"}})

	if len(c.AllowedIPs) != 2 || c.AllowedIPs[1].Bits() != 128 {
		t.Fatalf("expected bare address stored as host prefix, got %v", c.AllowedIPs)
	}

	tests := []struct {
		name     string
		clientIP string
		want     bool
	}{
		{name: "inside prefix", clientIP: "10.1.2.3", want: true},
		{name: "mapped inside prefix", clientIP: "::ffff:10.1.2.3", want: true},
		{name: "listed host", clientIP: "2001:db8::1", want: true},
		{name: "outside", clientIP: "192.0.2.1"},
		{name: "missing address", clientIP: ""},
		{name: "garbage", clientIP: "not-an-ip"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := ledger.Validate(ctx, "OFFICE", tc.clientIP)
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if v.Valid != tc.want {
				t.Fatalf("expected valid=%v got %+v", tc.want, v)
			}
			if !tc.want && (v.Reason != ReasonIPRestricted || !errors.Is(v.Err(), ErrIPRestricted)) {
				t.Fatalf("expected ip_restricted, got %+v", v)
			}
		})
	}

	if _, err := ledger.RedeemCode(ctx, "OFFICE", "192.0.2.1"); !errors.Is(err, ErrIPRestricted) {
		t.Fatalf("expected ErrIPRestricted redeeming from outside, got %v", err)
	}
	if err := ledger.Redeem(ctx, c.ID, "192.0.2.1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected atomic increment to refuse outside address, got %v", err)
	}
	stored, _ := store.FindByID(ctx, c.ID)
	if stored.UsesCount != 0 {
		t.Fatalf("refused redemptions consumed uses: %d", stored.UsesCount)
	}

	if _, err := ledger.RedeemCode(ctx, "OFFICE", "10.9.9.9"); err != nil {
		t.Fatalf("redeem from inside allowlist: %v", err)
	}

	if _, err := ledger.Create(ctx, CreateParams{Code: "BAD", AllowedIPs: []string{"10.0.0.0/99"}}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for malformed prefix, got %v", err)
	}
}

func TestLedgerCreate(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t, LedgerConfig{CodeLength: 10, CodePrefix: "cpp-"})

	generated := mustCreate(t, ledger, CreateParams{DurationMinutes: 15, Description: "launch promo"})
	if !strings.HasPrefix(generated.Code, "CPP-") || len(generated.Code) != 14 {
		t.Fatalf("unexpected generated code %q", generated.Code)
	}
	if generated.Metadata.Version != MetadataVersion || generated.Metadata.Description != "launch promo" {
		t.Fatalf("unexpected metadata %+v", generated.Metadata)
	}

	if _, err := ledger.Create(ctx, CreateParams{Code: generated.Code}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate error got %v", err)
	}
	if _, err := ledger.Create(ctx, CreateParams{Code: "NEG", DurationMinutes: -1}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid error got %v", err)
	}
	if _, err := ledger.Create(ctx, CreateParams{Code: "NEG", MaxUses: -1}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid error got %v", err)
	}
}

func TestLedgerExpireStaleAndList(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t, LedgerConfig{})
	past := baseTime.Add(-time.Hour)

	mustCreate(t, ledger, CreateParams{Code: "A", ExpiresAt: &past})
	mustCreate(t, ledger, CreateParams{Code: "B"})

	n, err := ledger.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired got %d", n)
	}
	if n, _ := ledger.ExpireStale(ctx); n != 0 {
		t.Fatalf("expected idempotent expiry got %d", n)
	}

	expired, err := ledger.List(ctx, ListFilter{Status: StatusExpired})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(expired) != 1 || expired[0].Code != "A" {
		t.Fatalf("unexpected expired list %+v", expired)
	}

	all, _ := ledger.List(ctx, ListFilter{Limit: 1})
	if len(all) != 1 {
		t.Fatalf("expected limit to apply got %d", len(all))
	}
}

func TestMask(t *testing.T) {
	if got := Mask("VIP-100"); got != "VIP****" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := Mask("AB"); got != "**" {
		t.Fatalf("unexpected mask %q", got)
	}
}
