package queue

import (
	"testing"
	"time"
)

func TestBackoff_NextDelay(t *testing.T) {
	tests := []struct {
		name    string
		b       Backoff
		attempt int
		want    time.Duration
	}{
		{"fixed", Backoff{Type: BackoffFixed, Delay: time.Second}, 4, time.Second},
		{"exponential first", Backoff{Type: BackoffExponential, Delay: 2 * time.Second}, 1, 2 * time.Second},
		{"exponential third", Backoff{Type: BackoffExponential, Delay: 2 * time.Second}, 3, 8 * time.Second},
		{"capped", Backoff{Type: BackoffExponential, Delay: time.Second, Max: 5 * time.Second}, 10, 5 * time.Second},
		{"zero attempt", Backoff{Type: BackoffExponential, Delay: time.Second}, 0, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.b.NextDelay(tt.attempt); got != tt.want {
				t.Errorf("NextDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestBackoff_NeverDecreases(t *testing.T) {
	b := Backoff{Type: BackoffExponential, Delay: 500 * time.Millisecond}
	prev := time.Duration(0)
	for attempt := 1; attempt < 80; attempt++ {
		d := b.NextDelay(attempt)
		if d < prev {
			t.Fatalf("attempt %d: %v < %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestOptions_WithDefaults(t *testing.T) {
	o := Options{Timeout: time.Minute, LeaseDuration: 10 * time.Second}.withDefaults()
	if o.MaxAttempts != 3 {
		t.Errorf("max attempts = %d", o.MaxAttempts)
	}
	if o.LeaseDuration < o.Timeout {
		t.Errorf("lease %v shorter than timeout %v", o.LeaseDuration, o.Timeout)
	}
	if o.Backoff.Type != BackoffExponential {
		t.Errorf("backoff = %+v", o.Backoff)
	}
}
