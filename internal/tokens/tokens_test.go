package tokens

import (
	"bytes"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	token, err := Generate(32)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(token) != 64 {
		t.Fatalf("expected 64 hex chars got %d", len(token))
	}
	if _, err := hex.DecodeString(token); err != nil {
		t.Fatalf("expected hex token: %v", err)
	}

	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		tok, err := Generate(MinBytes)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if _, dup := seen[tok]; dup {
			t.Fatalf("duplicate token after %d draws", i)
		}
		seen[tok] = struct{}{}
	}
}

func TestGenerateRejectsShortTokens(t *testing.T) {
	if _, err := Generate(MinBytes - 1); !errors.Is(err, ErrTooShort) {
		t.Fatalf("expected ErrTooShort got %v", err)
	}
}

func TestGenerateCode(t *testing.T) {
	code, err := GenerateCode(8, "VIP-", "-X")
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if !strings.HasPrefix(code, "VIP-") || !strings.HasSuffix(code, "-X") {
		t.Fatalf("expected prefix and suffix in %q", code)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(code, "VIP-"), "-X")
	if len(body) != 8 {
		t.Fatalf("expected 8 character body got %q", body)
	}
	for _, r := range body {
		if !strings.ContainsRune(CodeAlphabet, r) {
			t.Fatalf("unexpected character %q in %q", r, code)
		}
	}

	if _, err := GenerateCode(2, "", ""); !errors.Is(err, ErrTooShort) {
		t.Fatalf("expected ErrTooShort got %v", err)
	}
}

func TestEqual(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"", "", true},
		{"abc", "abc", true},
		{"abc", "abd", false},
		{"abc", "abcd", false},
		{"abcd", "abc", false},
		{"", "a", false},
		{strings.Repeat("f", 64), strings.Repeat("f", 64), true},
	}

	for _, tc := range tests {
		if got := Equal(tc.a, tc.b); got != tc.want {
			t.Fatalf("Equal(%q, %q) = %v want %v", tc.a, tc.b, got, tc.want)
		}
		if got := EqualBytes([]byte(tc.a), []byte(tc.b)); got != tc.want {
			t.Fatalf("EqualBytes(%q, %q) = %v want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestDigestIsStable(t *testing.T) {
	if Digest("token") != Digest("token") {
		t.Fatal("expected stable digest")
	}
	if Digest("token") == Digest("Token") {
		t.Fatal("expected digests to differ")
	}
	if len(Digest("")) != 64 {
		t.Fatal("expected 64 hex char digest")
	}
}

// TestEqualTimingIndependentOfMismatchPosition compares median timings for
// inputs that differ at the first byte against inputs that differ at the last
// byte. The bound is loose; it guards against regressions to early-exit
// comparison, which shows a large gap on long inputs.
func TestEqualTimingIndependentOfMismatchPosition(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test skipped in short mode")
	}

	const size = 1 << 16
	secret := bytes.Repeat([]byte{'a'}, size)
	early := append([]byte{'b'}, secret[1:]...)
	late := append(append([]byte{}, secret[:size-1]...), 'b')

	measure := func(candidate []byte) time.Duration {
		samples := make([]time.Duration, 0, 201)
		for i := 0; i < cap(samples); i++ {
			start := time.Now()
			EqualBytes(secret, candidate)
			samples = append(samples, time.Since(start))
		}
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		return samples[len(samples)/2]
	}

	// warm up caches before sampling
	measure(early)
	measure(late)

	earlyMedian := measure(early)
	lateMedian := measure(late)

	lo, hi := earlyMedian, lateMedian
	if lo > hi {
		lo, hi = hi, lo
	}
	if lo <= 0 {
		return
	}
	if ratio := float64(hi) / float64(lo); ratio > 3 {
		t.Fatalf("timing depends on mismatch position: early=%v late=%v", earlyMedian, lateMedian)
	}
}
