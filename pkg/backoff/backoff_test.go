package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicy_DelayDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 200 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{6, 6400 * time.Millisecond},
		{7, 10 * time.Second}, // capped
		{40, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := (Policy{}).Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_DelayCustom(t *testing.T) {
	t.Parallel()
	p := Policy{Initial: 10 * time.Millisecond, Max: 500 * time.Millisecond, Factor: 3}

	want := []time.Duration{10 * time.Millisecond, 30 * time.Millisecond, 90 * time.Millisecond, 270 * time.Millisecond, 500 * time.Millisecond}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestPolicy_SleepCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Policy{Initial: time.Minute}.Sleep(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep() should return immediately on a cancelled context")
	}
}

func TestPolicy_Sleep(t *testing.T) {
	t.Parallel()
	if err := (Policy{Initial: time.Millisecond}).Sleep(context.Background(), 1); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
}
