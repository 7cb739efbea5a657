package vdf

import (
	"context"
	"testing"
)

func TestComputeDeterministic(t *testing.T) {
	ctx := context.Background()
	a, err := Compute(ctx, 1, 1000)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	b, err := Compute(ctx, 1, 1000)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if a != b {
		t.Fatalf("expected deterministic VDF output")
	}
}

func TestDaySeparation(t *testing.T) {
	ctx := context.Background()
	p1, err := Compute(ctx, 1, 1000)
	if err != nil {
		t.Fatalf("Compute day 1: %v", err)
	}
	p2, err := Compute(ctx, 2, 1000)
	if err != nil {
		t.Fatalf("Compute day 2: %v", err)
	}
	if p1 == p2 {
		t.Fatalf("expected different days to produce different proofs")
	}
}

// With iterations=1000 and day=1, compute produces some value P;
// verify(1, P, 1000) is true and verify(2, P, 1000) is false.
func TestScenarioVdfVerification(t *testing.T) {
	ctx := context.Background()
	p, err := Compute(ctx, 1, 1000)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	ok, err := Verify(ctx, 1, p, 1000)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected verify(1, P, 1000) == true")
	}
	ok, err = Verify(ctx, 2, p, 1000)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatalf("expected verify(2, P, 1000) == false")
	}
}

func TestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Compute(ctx, 1, 5_000_000); err == nil {
		t.Fatalf("expected cancelled context to abort computation")
	}
}

func TestAdjustIterationsNoSamples(t *testing.T) {
	got := AdjustIterations(1000, nil, DefaultTargetSeconds)
	if got != 1000 {
		t.Fatalf("expected no-op when no samples given, got %d", got)
	}
}

func TestAdjustIterationsRescales(t *testing.T) {
	// Median completion took twice the target: iterations should halve.
	got := AdjustIterations(1000, []float64{100, 200, 300}, 100)
	if got != 500 {
		t.Fatalf("expected 500, got %d", got)
	}
}
