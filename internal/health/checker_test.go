package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func ok(context.Context) error { return nil }

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	down := CheckFunc(func(context.Context) error { return errors.New("docker daemon unreachable") })

	tests := []struct {
		name     string
		required map[string]ReadinessChecker
		optional map[string]ReadinessChecker
		want     Status
		check    string
		wantItem Status
	}{
		{
			name:     "nothing configured",
			want:     StatusUnhealthy,
			check:    "executor",
			wantItem: StatusUnhealthy,
		},
		{
			name:     "nil dependency",
			required: map[string]ReadinessChecker{"executor": nil},
			want:     StatusUnhealthy,
			check:    "executor",
			wantItem: StatusUnhealthy,
		},
		{
			name:     "all healthy",
			required: map[string]ReadinessChecker{"executor": CheckFunc(ok), "store": CheckFunc(ok)},
			want:     StatusHealthy,
			check:    "store",
			wantItem: StatusHealthy,
		},
		{
			name:     "required failure",
			required: map[string]ReadinessChecker{"executor": down, "store": CheckFunc(ok)},
			want:     StatusUnhealthy,
			check:    "executor",
			wantItem: StatusUnhealthy,
		},
		{
			name:     "optional failure degrades",
			required: map[string]ReadinessChecker{"executor": CheckFunc(ok)},
			optional: map[string]ReadinessChecker{"notifications": down},
			want:     StatusDegraded,
			check:    "notifications",
			wantItem: StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			checker := NewChecker(tt.required)
			for name, c := range tt.optional {
				checker.AddOptional(name, c)
			}

			response := checker.Readiness(context.Background())
			if response.Status != tt.want {
				t.Errorf("Status = %s, want %s", response.Status, tt.want)
			}
			item, found := response.Checks[tt.check]
			if !found {
				t.Fatalf("check %q missing from %v", tt.check, response.Checks)
			}
			if item.Status != tt.wantItem {
				t.Errorf("check %q = %s, want %s", tt.check, item.Status, tt.wantItem)
			}
		})
	}
}

func TestChecker_ReadinessIsCached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	checker := NewChecker(map[string]ReadinessChecker{
		"executor": CheckFunc(func(context.Context) error {
			calls.Add(1)
			return nil
		}),
	})

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())

	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 dependency call, got %d", got)
	}
}

func TestChecker_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(map[string]ReadinessChecker{"executor": CheckFunc(ok)})
	if !checker.Readiness(context.Background()).IsHealthy() {
		t.Fatal("expected healthy before shutdown")
	}

	checker.SetShuttingDown()

	response := checker.Readiness(context.Background())
	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy during shutdown, got %s", response.Status)
	}
	if _, found := response.Checks["shutdown"]; !found {
		t.Error("Expected shutdown check")
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
