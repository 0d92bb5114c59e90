// ABOUTME: Unit tests for constant-time secret comparison
// ABOUTME: Includes a coarse timing-variance check for equal-length inputs

package auth

import (
	"strings"
	"testing"
	"time"
)

func TestSecretEqual(t *testing.T) {
	tests := []struct {
		name       string
		presented  string
		configured string
		want       bool
	}{
		{name: "equal", presented: "tok_abc123", configured: "tok_abc123", want: true},
		{name: "different same length", presented: "tok_abc123", configured: "tok_xyz789", want: false},
		{name: "different length", presented: "short", configured: "much-longer-secret", want: false},
		{name: "both empty", presented: "", configured: "", want: true},
		{name: "presented empty", presented: "", configured: "secret", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SecretEqual(tt.presented, tt.configured); got != tt.want {
				t.Errorf("SecretEqual(%q, %q) = %v, want %v", tt.presented, tt.configured, got, tt.want)
			}
		})
	}
}

// Coarse statistical check: comparing a correct-length wrong value and
// the correct value should take indistinguishable time. This cannot
// prove constant-time behavior, only catch gross short-circuiting like
// a byte-by-byte strings.Compare.
func TestSecretEqual_TimingVariance(t *testing.T) {
	if testing.Short() {
		t.Skip("timing measurement skipped in -short mode")
	}

	secret := strings.Repeat("s", 4096)
	wrongEarly := "x" + strings.Repeat("s", 4095) // differs in byte 0
	const rounds = 2000

	measure := func(candidate string) time.Duration {
		start := time.Now()
		for i := 0; i < rounds; i++ {
			SecretEqual(candidate, secret)
		}
		return time.Since(start)
	}

	// Warm up, then interleave to reduce scheduler noise.
	measure(secret)
	measure(wrongEarly)

	var matched, mismatched time.Duration
	for i := 0; i < 5; i++ {
		matched += measure(secret)
		mismatched += measure(wrongEarly)
	}

	ratio := float64(matched) / float64(mismatched)
	if ratio < 0.5 || ratio > 2.0 {
		t.Errorf("timing ratio %v outside variance bound: matched=%v mismatched=%v", ratio, matched, mismatched)
	}
}
