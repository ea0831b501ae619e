package policy

import (
	"testing"
	"time"
)

func TestEvaluate(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	window := 5 * time.Minute

	tests := []struct {
		name        string
		blocked     bool
		blockedAt   *time.Time
		elapsed     time.Duration
		wantBlocked bool
		wantMinutes int
	}{
		{
			name:    "not blocked",
			blocked: false,
		},
		{
			name:    "blocked flag without timestamp",
			blocked: true,
			// Corrupt pairing: treated as not locked, left for the storage
			// layer to flag.
			blockedAt: nil,
		},
		{
			name:        "just blocked",
			blocked:     true,
			elapsed:     0,
			wantBlocked: true,
			wantMinutes: 5,
		},
		{
			name:        "mid window",
			blocked:     true,
			elapsed:     150 * time.Second,
			wantBlocked: true,
			wantMinutes: 3,
		},
		{
			name:        "one second left",
			blocked:     true,
			elapsed:     299 * time.Second,
			wantBlocked: true,
			wantMinutes: 1,
		},
		{
			name:    "window exactly elapsed",
			blocked: true,
			elapsed: 300 * time.Second,
		},
		{
			name:    "window long past",
			blocked: true,
			elapsed: time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blockedAt := tt.blockedAt
			if tt.blocked && tt.name != "blocked flag without timestamp" {
				at := base
				blockedAt = &at
			}

			got := Evaluate(tt.blocked, blockedAt, base.Add(tt.elapsed), window)
			if got.Blocked != tt.wantBlocked {
				t.Fatalf("Evaluate() Blocked = %v, want %v", got.Blocked, tt.wantBlocked)
			}
			if got.RemainingMinutes != tt.wantMinutes {
				t.Fatalf("Evaluate() RemainingMinutes = %d, want %d", got.RemainingMinutes, tt.wantMinutes)
			}
		})
	}
}

func TestFresh(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	window := 2 * time.Minute

	tests := []struct {
		name    string
		elapsed time.Duration
		want    bool
	}{
		{name: "well inside window", elapsed: 100 * time.Second, want: true},
		{name: "boundary is stale", elapsed: 120 * time.Second, want: false},
		{name: "past window", elapsed: 130 * time.Second, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fresh(base, base.Add(tt.elapsed), window); got != tt.want {
				t.Fatalf("Fresh(+%v) = %v, want %v", tt.elapsed, got, tt.want)
			}
		})
	}
}
