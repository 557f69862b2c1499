package agent

import (
	"context"
	"testing"
	"time"
)

func TestCallPacer_BurstAvailableImmediately(t *testing.T) {
	p := NewCallPacer(5, 60.0)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := p.Wait(ctx); err != nil {
			t.Fatalf("burst slot %d: %v", i, err)
		}
	}
}

func TestCallPacer_BlocksAfterBurst(t *testing.T) {
	p := NewCallPacer(1, 600.0) // refills at 10/sec

	ctx := context.Background()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	start := time.Now()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected ~100ms wait, got %v", elapsed)
	}
}

func TestCallPacer_CancelledWhileWaiting(t *testing.T) {
	p := NewCallPacer(1, 1.0)

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	cancel()
	if err := p.Wait(ctx); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestCallPacer_RefillRestoresSlots(t *testing.T) {
	p := NewCallPacer(2, 6000.0) // refills at 100/sec

	ctx := context.Background()
	p.Wait(ctx)
	p.Wait(ctx)

	time.Sleep(30 * time.Millisecond)

	start := time.Now()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("post-refill wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Fatalf("expected near-instant slot after refill, got %v", elapsed)
	}
}

func TestCallPacer_PenaltyBlocksCalls(t *testing.T) {
	p := NewCallPacer(5, 6000.0)
	p.Penalize(80 * time.Millisecond)

	start := time.Now()
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("penalty window not honored, waited only %v", elapsed)
	}
}

func TestCallPacer_Defaults(t *testing.T) {
	p := NewCallPacer(0, 0)
	if p.burst != 10 {
		t.Fatalf("default burst = %v, want 10", p.burst)
	}
	if p.perSecond <= 0 {
		t.Fatal("refill rate must be positive")
	}
}
