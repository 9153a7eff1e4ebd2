package client

import (
	"testing"
	"time"
)

func TestBackoffCurve(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // 32s capped
		{7, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := DefaultBackoff.Delay(tc.attempt); got != tc.want {
			t.Fatalf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffClampsLowAttempts(t *testing.T) {
	if got := DefaultBackoff.Delay(0); got != time.Second {
		t.Fatalf("Delay(0) = %v, want 1s", got)
	}
	if got := DefaultBackoff.Delay(-3); got != time.Second {
		t.Fatalf("Delay(-3) = %v, want 1s", got)
	}
}

func TestBackoffCustomBase(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	if got := b.Delay(1); got != 100*time.Millisecond {
		t.Fatalf("Delay(1) = %v", got)
	}
	if got := b.Delay(4); got != 800*time.Millisecond {
		t.Fatalf("Delay(4) = %v", got)
	}
	if got := b.Delay(5); got != time.Second {
		t.Fatalf("Delay(5) = %v, want capped at 1s", got)
	}
}
